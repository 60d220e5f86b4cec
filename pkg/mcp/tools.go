package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tokenflow-io/tokenflow/internal/engine"
)

// handleLoad registers a process definition document.
func (s *Server) handleLoad(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	data, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	g, err := s.engine.Registry().Load(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition rejected: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"ok":            true,
		"definition_id": g.ID,
		"name":          g.Name,
	})
}

// handleRun starts a process instance and advances it to quiescence.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definitionID, err := req.RequireString("definition_id")
	if err != nil {
		return mcp.NewToolResultError("definition_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	s.captureSession(ctx, req.GetString("lane", ""))

	p, runErr := s.engine.StartProcess(ctx, definitionID, input)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("process start failed: %v", runErr)), nil
	}
	s.notifyReadyTasks(ctx, p)
	return marshalResult(statusPayload(p))
}

// handleStatus returns the current state of a process instance.
func (s *Server) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	processID, err := req.RequireString("process_id")
	if err != nil {
		return mcp.NewToolResultError("process_id is required"), nil
	}
	p, lookErr := s.engine.Instance(processID)
	if lookErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", lookErr)), nil
	}
	return marshalResult(statusPayload(p))
}

// handleTasks lists the ready user tasks of an instance.
func (s *Server) handleTasks(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	processID, err := req.RequireString("process_id")
	if err != nil {
		return mcp.NewToolResultError("process_id is required"), nil
	}
	p, lookErr := s.engine.Instance(processID)
	if lookErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task query failed: %v", lookErr)), nil
	}
	lane := req.GetString("lane", "")
	tasks := make([]map[string]any, 0)
	for _, t := range p.ReadyUserTasks(lane) {
		tasks = append(tasks, taskPayload(t))
	}
	return marshalResult(map[string]any{
		"process_id": p.ID,
		"tasks":      tasks,
	})
}

// handleComplete finishes a ready user task and advances the process.
func (s *Server) handleComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	processID, err := req.RequireString("process_id")
	if err != nil {
		return mcp.NewToolResultError("process_id is required"), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	data := mcp.ParseStringMap(req, "data", nil)
	s.captureSession(ctx, req.GetString("lane", ""))

	if compErr := s.engine.CompleteTask(ctx, processID, taskID, data); compErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task completion failed: %v", compErr)), nil
	}
	p, lookErr := s.engine.Instance(processID)
	if lookErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", lookErr)), nil
	}
	s.notifyReadyTasks(ctx, p)
	return marshalResult(statusPayload(p))
}

// handleMessage delivers an external message to an instance.
func (s *Server) handleMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	processID, err := req.RequireString("process_id")
	if err != nil {
		return mcp.NewToolResultError("process_id is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)

	if msgErr := s.engine.DeliverMessage(ctx, processID, name, payload); msgErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("message delivery failed: %v", msgErr)), nil
	}
	p, lookErr := s.engine.Instance(processID)
	if lookErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", lookErr)), nil
	}
	s.notifyReadyTasks(ctx, p)
	return marshalResult(statusPayload(p))
}

// handleReset rewinds an instance to an earlier task.
func (s *Server) handleReset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	processID, err := req.RequireString("process_id")
	if err != nil {
		return mcp.NewToolResultError("process_id is required"), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	data := mcp.ParseStringMap(req, "data", nil)

	t, resetErr := s.engine.ResetTask(ctx, processID, taskID, data)
	if resetErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reset failed: %v", resetErr)), nil
	}
	p, lookErr := s.engine.Instance(processID)
	if lookErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", lookErr)), nil
	}
	s.notifyReadyTasks(ctx, p)
	result := statusPayload(p)
	result["reset_to"] = taskPayload(t)
	return marshalResult(result)
}

// handleCancel cancels a live instance.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	processID, err := req.RequireString("process_id")
	if err != nil {
		return mcp.NewToolResultError("process_id is required"), nil
	}
	cancelled, cancelErr := s.engine.CancelProcess(ctx, processID)
	if cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":         true,
		"process_id": processID,
		"cancelled":  cancelled,
	})
}

// handlePreview renders the navigation preview of an instance.
func (s *Server) handlePreview(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	processID, err := req.RequireString("process_id")
	if err != nil {
		return mcp.NewToolResultError("process_id is required"), nil
	}
	p, lookErr := s.engine.Instance(processID)
	if lookErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("preview failed: %v", lookErr)), nil
	}
	return marshalResult(map[string]any{
		"process_id": p.ID,
		"rows":       p.Preview(),
	})
}

// handleSnapshot captures or restores execution state.
func (s *Server) handleSnapshot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	processID, err := req.RequireString("process_id")
	if err != nil {
		return mcp.NewToolResultError("process_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	label := req.GetString("label", "")

	switch action {
	case "save":
		snap, saveErr := s.engine.SaveSnapshot(ctx, processID, label)
		if saveErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("snapshot failed: %v", saveErr)), nil
		}
		return marshalResult(map[string]any{
			"ok":          true,
			"process_id":  processID,
			"snapshot_id": snap.ID,
			"label":       snap.Label,
		})
	case "restore":
		p, restoreErr := s.engine.RestoreSnapshot(ctx, processID, label)
		if restoreErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("restore failed: %v", restoreErr)), nil
		}
		return marshalResult(statusPayload(p))
	default:
		return mcp.NewToolResultError("action must be save or restore"), nil
	}
}

// --- Helpers ---

// statusPayload summarizes a process instance for tool results.
func statusPayload(p *engine.ProcessInstance) map[string]any {
	live := make([]map[string]any, 0)
	for _, t := range p.Tasks() {
		if t.State.IsLive() {
			live = append(live, taskPayload(t))
		}
	}
	return map[string]any{
		"process_id": p.ID,
		"definition": p.Graph.ID,
		"completed":  p.IsCompleted(),
		"data":       p.Data,
		"live_tasks": live,
	}
}

func taskPayload(t *engine.TaskInstance) map[string]any {
	return map[string]any{
		"task_id": t.ID,
		"node_id": t.Node.ID,
		"name":    t.Node.Name,
		"lane":    t.Node.Lane,
		"state":   t.State,
		"manual":  t.Node.Manual,
	}
}

// captureSession maps the caller's lane to its current MCP session for
// task-ready notifications.
func (s *Server) captureSession(ctx context.Context, lane string) {
	if lane == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(lane, session.SessionID())
	}
}

// notifyReadyTasks pushes a notification to every connected lane that has
// newly ready user tasks. Best-effort.
func (s *Server) notifyReadyTasks(ctx context.Context, p *engine.ProcessInstance) {
	byLane := map[string][]map[string]any{}
	for _, t := range p.ReadyUserTasks("") {
		if t.Node.Lane == "" {
			continue
		}
		byLane[t.Node.Lane] = append(byLane[t.Node.Lane], taskPayload(t))
	}
	for lane, tasks := range byLane {
		if err := s.notifier.Notify(ctx, lane, map[string]any{
			"event":      "tasks_ready",
			"process_id": p.ID,
			"lane":       lane,
			"tasks":      tasks,
		}); err != nil {
			s.logger.WarnContext(ctx, "task notification failed",
				"lane", lane, "error", err.Error())
		}
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
