package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// LaneNotifier pushes task-ready notifications to connected lane sessions.
type LaneNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewLaneNotifier creates a notifier that pushes via MCP SSE.
func NewLaneNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *LaneNotifier {
	return &LaneNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the lane's session.
// Best-effort: returns nil if the lane is not connected.
func (n *LaneNotifier) Notify(_ context.Context, lane string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(lane)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
