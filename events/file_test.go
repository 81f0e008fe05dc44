package events

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeEvents(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestFileSourceReadsNDJSON(t *testing.T) {
	path := writeEvents(t, `{"id":"e1","service":"honeypot","stream":"auth","severity":"high","fields":{"source_ip":"203.0.113.7"}}
{"id":"e2","service":"edge","stream":"net","severity":"low","fields":{}}
`)
	src := NewFileSource(path, zap.NewNop().Sugar())

	batch, cursor, err := src.Poll(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, int64(2), cursor)
	assert.Equal(t, "e1", batch[0].Event.ID)
	assert.Equal(t, "honeypot", batch[0].Event.Service)
	assert.Equal(t, "203.0.113.7", batch[0].Event.Fields["source_ip"])
}

func TestFileSourcePerEventCursors(t *testing.T) {
	path := writeEvents(t, `{"id":"e1","service":"a"}
{"id":"e2","service":"b"}
{"id":"e3","service":"c"}
`)
	src := NewFileSource(path, zap.NewNop().Sugar())

	batch, cursor, err := src.Poll(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, int64(3), cursor)
	// Each event carries its own line number: persisting a cursor after
	// processing one event must never cover the lines still queued
	// behind it.
	for i, polled := range batch {
		assert.Equal(t, int64(i+1), polled.Cursor)
	}
}

func TestFileSourceCursorResume(t *testing.T) {
	path := writeEvents(t, `{"id":"e1","service":"a"}
{"id":"e2","service":"b"}
{"id":"e3","service":"c"}
`)
	src := NewFileSource(path, zap.NewNop().Sugar())

	batch, cursor, err := src.Poll(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "e3", batch[0].Event.ID)
	assert.Equal(t, int64(3), batch[0].Cursor)
	assert.Equal(t, int64(3), cursor)
}

func TestFileSourceSkipsMalformedLines(t *testing.T) {
	path := writeEvents(t, `{"id":"e1","service":"a"}
this is not json
{"id":"e2","service":"b"}
`)
	src := NewFileSource(path, zap.NewNop().Sugar())

	batch, cursor, err := src.Poll(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, int64(3), cursor, "the bad line advances the cursor so it is never retried")
	assert.Equal(t, int64(1), batch[0].Cursor)
	assert.Equal(t, int64(3), batch[1].Cursor)
}

func TestFileSourceExhaustion(t *testing.T) {
	path := writeEvents(t, `{"id":"e1","service":"a"}
`)
	src := NewFileSource(path, zap.NewNop().Sugar())
	ctx := context.Background()

	_, cursor, err := src.Poll(ctx, 0)
	require.NoError(t, err)
	assert.False(t, src.Exhausted())

	batch, _, err := src.Poll(ctx, cursor)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.True(t, src.Exhausted())
}

func TestFileSourceFillsDefaults(t *testing.T) {
	path := writeEvents(t, `{"service":"a"}
`)
	src := NewFileSource(path, zap.NewNop().Sugar())

	batch, _, err := src.Poll(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.NotEmpty(t, batch[0].Event.ID)
	assert.False(t, batch[0].Event.Timestamp.IsZero())
	assert.NotNil(t, batch[0].Event.Fields)
}

func TestFileSourceMissingFileIsUnavailable(t *testing.T) {
	src := NewFileSource("file:///nonexistent/events.ndjson", zap.NewNop().Sugar())
	_, _, err := src.Poll(context.Background(), 0)
	var unavailable *SourceUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestFileSourceStripsURIScheme(t *testing.T) {
	path := writeEvents(t, `{"id":"e1","service":"a"}
`)
	src := NewFileSource("file://"+path, zap.NewNop().Sugar())
	batch, _, err := src.Poll(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}
