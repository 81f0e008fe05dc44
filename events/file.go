package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinel/core"
)

// FileSource reads newline-delimited JSON events from a local file.
// It exists for replay and testing: pair it with --once to drain a
// capture and exit. The cursor is the count of consumed lines.
type FileSource struct {
	path      string
	batchSize int
	logger    *zap.SugaredLogger
	exhausted bool
}

// NewFileSource creates a source for a file:// URI or plain path.
func NewFileSource(path string, logger *zap.SugaredLogger) *FileSource {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	path = strings.TrimPrefix(path, "file://")
	return &FileSource{path: path, batchSize: 500, logger: logger}
}

// Name includes the path so two different files never share a cursor.
func (s *FileSource) Name() string    { return "file:" + s.path }
func (s *FileSource) Exhausted() bool { return s.exhausted }

func (s *FileSource) Poll(ctx context.Context, cursor int64) ([]Polled, int64, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, cursor, &SourceUnavailableError{Source: s.Name(), Err: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var batch []Polled
	var line int64
	for scanner.Scan() {
		line++
		if line <= cursor {
			continue
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			cursor = line
			continue
		}

		event, err := parseEventLine(text)
		if err != nil {
			// A malformed line is logged and skipped; it must not wedge
			// the cursor.
			s.logger.Warnw("Skipping malformed event line",
				"file", s.path,
				"line", line,
				"error", err)
			cursor = line
			continue
		}
		// Each event carries its own line number so the cursor never
		// covers lines that are still queued.
		batch = append(batch, Polled{Event: event, Cursor: line})
		cursor = line
		if len(batch) >= s.batchSize {
			return batch, cursor, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return batch, cursor, &SourceUnavailableError{Source: s.Name(), Err: err}
	}

	if len(batch) == 0 {
		s.exhausted = true
	}
	return batch, cursor, nil
}

func parseEventLine(text string) (*core.Event, error) {
	var event core.Event
	if err := json.Unmarshal([]byte(text), &event); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if event.Fields == nil {
		event.Fields = make(map[string]interface{})
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return &event, nil
}
