package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"launchLedger/internal/model"
)

// JsonlSink appends audit and correction records to a JSONL file.
type JsonlSink struct {
	path string
	mu   sync.Mutex
}

func NewJsonlSink(path string) *JsonlSink {
	return &JsonlSink{path: path}
}

// Path returns the output file path.
func (s *JsonlSink) Path() string {
	return s.path
}

// PutAuditRecords appends audit remediation lines.
func (s *JsonlSink) PutAuditRecords(records []model.AuditRecord) error {
	items := make([]any, 0, len(records))
	for _, r := range records {
		items = append(items, r)
	}
	return s.append(items)
}

// PutScaleCorrections appends the before and after amounts of corrected entries.
func (s *JsonlSink) PutScaleCorrections(corrections []model.ScaleCorrection) error {
	items := make([]any, 0, len(corrections))
	for _, c := range corrections {
		items = append(items, c)
	}
	return s.append(items)
}

func (s *JsonlSink) append(items []any) error {
	if len(items) == 0 {
		return nil
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}

	return nil
}
