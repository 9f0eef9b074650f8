package runlog

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestNewBaseLoggerLevelsAndFormats(t *testing.T) {
	if NewBaseLogger("debug", "json") == nil {
		t.Fatal("expected a non-nil logger")
	}
	if NewBaseLogger("bogus", "text") == nil {
		t.Fatal("expected a non-nil logger even for an unrecognized level")
	}
}

func TestNewSessionAndRunLoggerAttachFields(t *testing.T) {
	base := slog.Default()
	sessionLogger := NewSessionLogger("sess-1", base)
	if sessionLogger == nil {
		t.Fatal("expected a non-nil session logger")
	}
	runLogger := NewRunLogger("run-1", sessionLogger)
	if runLogger == nil {
		t.Fatal("expected a non-nil run logger")
	}
}

func TestNewSessionLoggerDefaultsWhenBaseNil(t *testing.T) {
	if NewSessionLogger("sess-1", nil) == nil {
		t.Fatal("expected NewSessionLogger to fall back to slog.Default()")
	}
}

func TestHistoryAppendAssignsMonotonicSeq(t *testing.T) {
	dir := t.TempDir()
	h := NewHistory(dir, "local")
	defer h.Close()

	if err := h.Append(Record{SessionID: "s1", NodeID: "n1", NodeType: "bash", Success: true}); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	if err := h.Append(Record{SessionID: "s1", NodeID: "n1", NodeType: "bash", Success: true}); err != nil {
		t.Fatalf("second Append: %v", err)
	}

	path := filepath.Join(dir, "local", "s1", "n1.jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open history file: %v", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("unmarshal record: %v", err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].Seq != 1 || records[0].PrecedingBufferSeq != 0 {
		t.Fatalf("first record seq/preceding = %d/%d, want 1/0", records[0].Seq, records[0].PrecedingBufferSeq)
	}
	if records[1].Seq != 2 || records[1].PrecedingBufferSeq != 1 {
		t.Fatalf("second record seq/preceding = %d/%d, want 2/1", records[1].Seq, records[1].PrecedingBufferSeq)
	}
	if records[0].Timestamp == "" {
		t.Fatal("expected Append to fill in Timestamp")
	}
}

func TestHistorySeparatesSeqByNode(t *testing.T) {
	dir := t.TempDir()
	h := NewHistory(dir, "local")
	defer h.Close()

	if err := h.Append(Record{SessionID: "s1", NodeID: "n1"}); err != nil {
		t.Fatalf("Append n1: %v", err)
	}
	if err := h.Append(Record{SessionID: "s1", NodeID: "n2"}); err != nil {
		t.Fatalf("Append n2: %v", err)
	}

	if h.seqs[h.key("s1", "n1")] != 1 {
		t.Fatalf("n1 seq = %d, want 1", h.seqs[h.key("s1", "n1")])
	}
	if h.seqs[h.key("s1", "n2")] != 1 {
		t.Fatalf("n2 seq = %d, want 1 (independent counter from n1)", h.seqs[h.key("s1", "n2")])
	}
}

func TestHistoryCloseReleasesFiles(t *testing.T) {
	dir := t.TempDir()
	h := NewHistory(dir, "local")
	if err := h.Append(Record{SessionID: "s1", NodeID: "n1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
