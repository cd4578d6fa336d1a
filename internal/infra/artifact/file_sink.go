// Package artifact provides artifact sinks that persist launch events to the
// file system and fan events out to several sinks.
package artifact

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/whhaicheng/QTBench/internal/domain/artifact"
)

// ErrSinkClosed is returned when emitting to a closed sink.
var ErrSinkClosed = errors.New("artifact sink closed")

const (
	launchFile = "launch.json"
	eventsFile = "events.jsonl"
	queryFile  = "query.sql"
	idFile     = "id.txt"
	infoFile   = "info.json"
	errorFile  = "error.json"
)

// FileSink writes the artifacts of one launch under a directory:
//
//	<dir>/launch.json
//	<dir>/events.jsonl
//	<dir>/001-q3/query.sql, id.txt, info.json | error.json
type FileSink struct {
	dir      string
	launchID string

	mu       sync.Mutex
	events   *os.File
	w        *bufio.Writer
	seq      int64
	queryDir string
	closed   bool
}

// NewFileSink creates the artifact directory and opens the event log.
func NewFileSink(dir, launchID string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	return &FileSink{
		dir:      dir,
		launchID: launchID,
		events:   f,
		w:        bufio.NewWriter(f),
	}, nil
}

// Dir returns the artifact directory.
func (s *FileSink) Dir() string {
	return s.dir
}

// Emit appends the event to events.jsonl and writes the per-kind file.
func (s *FileSink) Emit(ctx context.Context, event artifact.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	s.seq++
	event.Seq = s.seq
	event.LaunchID = s.launchID

	payload, err := event.MarshalPayload()
	if err != nil {
		return err
	}

	if err := s.writeKindFile(event, payload); err != nil {
		return err
	}

	line, err := json.Marshal(struct {
		artifact.Event
		Payload json.RawMessage `json:"payload,omitempty"`
	}{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	// Every event is on disk before Emit returns.
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush event log: %w", err)
	}
	return nil
}

func (s *FileSink) writeKindFile(event artifact.Event, payload []byte) error {
	switch event.Kind {
	case artifact.KindLaunch:
		return writeJSON(filepath.Join(s.dir, launchFile), payload)

	case artifact.KindQueryStart:
		var p artifact.StartPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", event.Kind, err)
		}
		name := fmt.Sprintf("q%d", p.RunnableID)
		if p.Optimized {
			name += "-opt"
		}
		s.queryDir = filepath.Join(s.dir, fmt.Sprintf("%03d-%s", event.QueryIndex, name))
		if err := os.MkdirAll(s.queryDir, 0o755); err != nil {
			return fmt.Errorf("create query directory: %w", err)
		}
		return nil
	}

	if s.queryDir == "" {
		return fmt.Errorf("%s event before query-start", event.Kind)
	}

	switch event.Kind {
	case artifact.KindQueryText:
		var p artifact.TextPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", event.Kind, err)
		}
		return writeFile(filepath.Join(s.queryDir, queryFile), []byte(p.Text))

	case artifact.KindQueryID:
		var p artifact.IDPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", event.Kind, err)
		}
		return writeFile(filepath.Join(s.queryDir, idFile), []byte(p.QueryID+"\n"))

	case artifact.KindQueryInfo:
		return writeJSON(filepath.Join(s.queryDir, infoFile), payload)

	case artifact.KindQueryError:
		return writeJSON(filepath.Join(s.queryDir, errorFile), payload)
	}
	return nil
}

// Close flushes and closes the event log. Calling Close twice is a no-op.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.w.Flush()
	closeErr := s.events.Close()
	return errors.Join(flushErr, closeErr)
}

func writeJSON(path string, payload []byte) error {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("decode payload for %s: %w", filepath.Base(path), err)
	}
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return writeFile(path, append(content, '\n'))
}

func writeFile(path string, content []byte) error {
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
