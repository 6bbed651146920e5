package audit

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// JSONLSink appends one JSON object per line to a file. The file is opened on
// first write. Each record is flushed so tailers see it immediately.
type JSONLSink struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
}

// NewJSONLSink returns nil for a blank path; a nil sink accepts and drops
// writes.
func NewJSONLSink(path string) *JSONLSink {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return &JSONLSink{path: path}
}

func (s *JSONLSink) ensureOpenLocked() error {
	if s.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.w = bufio.NewWriterSize(f, 64*1024)
	return nil
}

func (s *JSONLSink) Write(_ context.Context, ev Event) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *JSONLSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.w != nil {
		if err := s.w.Flush(); err != nil {
			firstErr = err
		}
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.w = nil
	s.file = nil

	if firstErr != nil && errors.Is(firstErr, os.ErrClosed) {
		return nil
	}
	return firstErr
}
