package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/nervehq/nerve/internal/commandplane"
	"github.com/nervehq/nerve/internal/config"
	"github.com/nervehq/nerve/internal/graph"
	"github.com/nervehq/nerve/internal/runlog"
	"github.com/nervehq/nerve/internal/session"
	"github.com/nervehq/nerve/internal/transport"
	"github.com/nervehq/nerve/internal/workflow"
	"github.com/nervehq/nerve/pkg/nerveapi"
)

// memoryGraphs is the in-process GraphProvider used by the daemon: graphs
// are registered by whatever wires up nodes for a session (currently a
// programmatic caller embedding the daemon; there is no CREATE_GRAPH wire
// command yet, so the registry starts empty and exists for callers that
// build graphs in-process before calling serve).
type memoryGraphs struct {
	mu     sync.RWMutex
	graphs map[string]*graph.Graph
}

func newMemoryGraphs() *memoryGraphs {
	return &memoryGraphs{graphs: make(map[string]*graph.Graph)}
}

func (m *memoryGraphs) Register(sessionID string, g *graph.Graph) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.graphs[sessionID+"/"+g.ID] = g
}

func (m *memoryGraphs) Graph(sessionID, graphID string) (*graph.Graph, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.graphs[sessionID+"/"+graphID]
	return g, ok
}

type memoryWorkflows struct {
	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
}

func newMemoryWorkflows() *memoryWorkflows {
	return &memoryWorkflows{workflows: make(map[string]*workflow.Workflow)}
}

func (m *memoryWorkflows) Register(wf *workflow.Workflow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = wf
}

func (m *memoryWorkflows) Workflow(id string) (*workflow.Workflow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	return wf, ok
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := runlog.NewBaseLogger(levelName(level), "json")
	slog.SetDefault(logger)

	slog.Info("starting nerve daemon", "version", version, "commit", commit, "config", configPath, "debug", debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	stateDir := filepath.Dir(cfg.Server.LockFile)
	lock, err := commandplane.AcquireLock(commandplane.LockOptions{
		StateDir:   stateDir,
		ConfigPath: configPath,
	})
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	defer lock.Release()

	sessions := session.NewRegistry()
	graphs := newMemoryGraphs()
	workflows := newMemoryWorkflows()
	engine := workflow.NewEngine(sessions, graphs, workflows)

	dispatcher := commandplane.NewDispatcher(sessions, graphs, workflows, engine, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	if cfg.Server.UnixSocket.Enabled {
		t := transport.NewUnixSocketTransport(cfg.Server.UnixSocket.Path, dispatcher, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("unix socket transport listening", "path", cfg.Server.UnixSocket.Path)
			if err := t.ListenAndServe(ctx); err != nil {
				errCh <- fmt.Errorf("unix socket transport: %w", err)
			}
		}()
	}
	if cfg.Server.TCP.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Server.TCP.Host, cfg.Server.TCP.Port)
		t := transport.NewTCPTransport(addr, dispatcher, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("tcp transport listening", "addr", addr)
			if err := t.ListenAndServe(ctx); err != nil {
				errCh <- fmt.Errorf("tcp transport: %w", err)
			}
		}()
	}
	if cfg.Server.HTTP.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Server.HTTP.Host, cfg.Server.HTTP.Port)
		t := transport.NewHTTPTransport(addr, dispatcher, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("http transport listening", "addr", addr)
			if err := t.ListenAndServe(ctx); err != nil {
				errCh <- fmt.Errorf("http transport: %w", err)
			}
		}()
	}

	idleGC := time.NewTicker(5 * time.Minute)
	defer idleGC.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-idleGC.C:
				for _, id := range sessions.GC(cfg.Session.IdleGCThreshold) {
					slog.Info("garbage collected idle session", "session_id", id)
				}
			}
		}
	}()

	slog.Info("nerve daemon started")

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-errCh:
		slog.Error("transport failed", "error", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = shutdownCtx

	wg.Wait()
	slog.Info("nerve daemon stopped gracefully")
	return nil
}

func levelName(level slog.Level) string {
	switch {
	case level <= slog.LevelDebug:
		return "debug"
	case level <= slog.LevelInfo:
		return "info"
	case level <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

func runStatus(ctx context.Context, apiAddr string) error {
	client := newAPIClient(apiAddr)
	reply, err := client.call(ctx, nerveapi.GetStatus, nil)
	if err != nil {
		return err
	}
	return printPayload(reply)
}
