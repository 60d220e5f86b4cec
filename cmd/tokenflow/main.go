package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/tokenflow-io/tokenflow/internal/engine"
	"github.com/tokenflow-io/tokenflow/internal/graph"
	"github.com/tokenflow-io/tokenflow/internal/logging"
	"github.com/tokenflow-io/tokenflow/internal/scheduler"
	"github.com/tokenflow-io/tokenflow/internal/store"
	"github.com/tokenflow-io/tokenflow/pkg/mcp"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "run":
		err = cmdRun(os.Args[2:])
	case "preview":
		err = cmdPreview(os.Args[2:])
	case "serve":
		err = cmdServe(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: tokenflow <command>

commands:
  validate <file>...          validate process definition files
  run <file> [-input json]    run a process to quiescence and print its state
  preview <file>              print the predicted execution tree of a definition
  serve [-db path]            serve the MCP tool surface over stdio
  version                     print the version`)
}

// cmdValidate loads each definition file and reports the first failure.
func cmdValidate(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("validate requires at least one file")
	}
	reg := graph.NewRegistry()
	for _, path := range args {
		g, err := reg.LoadFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Printf("%s: ok (%s)\n", filepath.Base(path), g.ID)
	}
	return nil
}

// cmdPreview builds an instance without executing anything and prints the
// predicted tree, one node per line with likely/future states.
func cmdPreview(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("preview requires exactly one definition file")
	}
	reg := graph.NewRegistry()
	g, err := reg.LoadFile(args[0])
	if err != nil {
		return err
	}
	p, err := engine.New(g, engine.Deps{Registry: reg})
	if err != nil {
		return err
	}
	for _, row := range p.Preview() {
		indent := strings.Repeat("  ", row.Depth)
		label := row.NodeID
		if row.Name != "" {
			label = fmt.Sprintf("%s (%s)", row.NodeID, row.Name)
		}
		fmt.Printf("%s%-10s %s\n", indent, row.State, label)
	}
	return nil
}

// cmdRun executes a definition file until no automatic work remains and
// prints the resulting state as JSON.
func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	inputJSON := fs.String("input", "", "initial process data as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("run requires exactly one definition file")
	}

	var input map[string]any
	if *inputJSON != "" {
		if err := json.Unmarshal([]byte(*inputJSON), &input); err != nil {
			return fmt.Errorf("parse input: %w", err)
		}
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	reg := graph.NewRegistry()
	g, err := reg.LoadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	eng, err := engine.NewEngine(engine.Config{
		Registry: reg,
		Store:    store.NewMemoryStore(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx := logging.WithProcessID(context.Background(), g.ID)
	p, err := eng.StartProcess(ctx, g.ID, input)
	if err != nil {
		return err
	}

	out := map[string]any{
		"process_id": p.ID,
		"completed":  p.IsCompleted(),
		"data":       p.Data,
	}
	ready := make([]map[string]any, 0)
	for _, t := range p.ReadyUserTasks("") {
		ready = append(ready, map[string]any{
			"task_id": t.ID,
			"node_id": t.Node.ID,
			"name":    t.Node.Name,
			"lane":    t.Node.Lane,
		})
	}
	out["ready_tasks"] = ready

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// cmdServe runs the MCP stdio server backed by the libSQL store, with a
// background loop waking expired timers.
func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dbPath := fs.String("db", "", "database path (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig()
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	logger := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	eng, err := engine.NewEngine(engine.Config{
		Store:  st,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	poller, err := scheduler.NewPoller(eng, st, scheduler.Options{
		Interval: cfg.timerPoll(),
	}, logger)
	if err != nil {
		return err
	}
	if err := poller.Start(ctx); err != nil {
		return err
	}
	defer poller.Stop()

	srv := mcp.NewServer(mcp.ServerDeps{
		Engine: eng,
		Store:  st,
		Logger: logger,
	})
	logger.Info("serving MCP over stdio", slog.String("db", cfg.DBPath))
	return srv.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
