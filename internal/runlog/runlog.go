// Package runlog provides session/run-scoped structured loggers and the
// JSONL execution history writer.
package runlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// NewBaseLogger builds the process-wide root logger per the configured
// level and format ("json" or "text").
func NewBaseLogger(level, format string) *slog.Logger {
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
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// NewSessionLogger derives a logger scoped to one session by attaching a
// session_id field to the base logger.
func NewSessionLogger(sessionID string, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("session_id", sessionID)
}

// NewRunLogger further scopes a session logger to one run (a graph
// execution or workflow invocation).
func NewRunLogger(runID string, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("run_id", runID)
}

// Record is one line of a node's execution history JSONL file.
type Record struct {
	Seq                int64          `json:"seq"`
	PrecedingBufferSeq int64          `json:"preceding_buffer_seq,omitempty"`
	Timestamp          string         `json:"timestamp"`
	SessionID          string         `json:"session_id"`
	RunID              string         `json:"run_id"`
	NodeID             string         `json:"node_id"`
	NodeType           string         `json:"node_type"`
	Success            bool           `json:"success"`
	ErrorType          string         `json:"error_type,omitempty"`
	Input              any            `json:"input,omitempty"`
	Output             any            `json:"output,omitempty"`
	Attributes         map[string]any `json:"attributes,omitempty"`
}

// History appends Records to <base_dir>/<server>/<session>/<node>.jsonl,
// keeping one monotonic seq counter per (session, node) pair.
type History struct {
	mu      sync.Mutex
	baseDir string
	server  string
	seqs    map[string]int64
	files   map[string]*os.File
}

// NewHistory returns a History writer rooted at baseDir for the given
// logical server name.
func NewHistory(baseDir, server string) *History {
	return &History{
		baseDir: baseDir,
		server:  server,
		seqs:    map[string]int64{},
		files:   map[string]*os.File{},
	}
}

func (h *History) key(sessionID, nodeID string) string {
	return sessionID + "/" + nodeID
}

// Append writes one record, filling in Seq/PrecedingBufferSeq/Timestamp.
func (h *History) Append(rec Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := h.key(rec.SessionID, rec.NodeID)
	prev := h.seqs[key]
	rec.PrecedingBufferSeq = prev
	rec.Seq = prev + 1
	h.seqs[key] = rec.Seq
	rec.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	f, err := h.fileFor(rec.SessionID, rec.NodeID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write history record: %w", err)
	}
	return nil
}

func (h *History) fileFor(sessionID, nodeID string) (*os.File, error) {
	key := h.key(sessionID, nodeID)
	if f, ok := h.files[key]; ok {
		return f, nil
	}
	dir := filepath.Join(h.baseDir, h.server, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	path := filepath.Join(dir, nodeID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	h.files[key] = f
	return f, nil
}

// Close releases every open history file handle.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for _, f := range h.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
