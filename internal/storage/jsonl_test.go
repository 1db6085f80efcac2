package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"launchLedger/internal/model"
)

func TestJsonlSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "audit.jsonl")
	sink := NewJsonlSink(path)

	if err := sink.PutAuditRecords([]model.AuditRecord{{Referee: "x", Referrer: "y", Reason: "missing"}}); err != nil {
		t.Fatalf("write audit: %v", err)
	}
	if err := sink.PutScaleCorrections([]model.ScaleCorrection{{EntryID: "e1", OldAmount: "75000", NewAmount: "75000000000000"}}); err != nil {
		t.Fatalf("write corrections: %v", err)
	}
	if err := sink.PutAuditRecords(nil); err != nil {
		t.Fatalf("empty write: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()

	lines := make([]map[string]any, 0)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0]["reason"] != "missing" || lines[0]["referee"] != "x" {
		t.Fatalf("unexpected audit line: %v", lines[0])
	}
	if lines[1]["new_amount"] != "75000000000000" {
		t.Fatalf("unexpected correction line: %v", lines[1])
	}
}
