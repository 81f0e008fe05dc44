// Package events provides the intake side of the engine: event
// sources the runner polls with a persisted cursor, and the emitter
// that writes action outcomes back to the log store.
package events

import (
	"context"
	"fmt"

	"sentinel/core"
)

// Polled pairs one event with the cursor position to persist once that
// event has been fully processed. Per-event cursors keep a crash from
// skipping the unprocessed tail of a batch: the cursor only ever covers
// events that actually finished.
type Polled struct {
	Event  *core.Event
	Cursor int64
}

// Source is a pollable stream of events. Implementations return events
// strictly after the cursor in source order, each carrying its own
// cursor position, plus the position to poll from next.
type Source interface {
	// Name identifies the source in logs, metrics, and the cursor table.
	Name() string

	// Poll returns the next batch of events after cursor and the
	// position the following poll starts from (which may run past the
	// last event when non-event input was consumed). An empty batch
	// with an unchanged cursor means the source is idle. Transient
	// outages return a *SourceUnavailableError so the caller backs off
	// instead of dying.
	Poll(ctx context.Context, cursor int64) ([]Polled, int64, error)

	// Exhausted reports whether the source can never produce more
	// events (bounded inputs such as files). Live sources return false.
	Exhausted() bool
}

// SourceUnavailableError marks a transient intake failure: the source
// is unreachable or returned a malformed response. The runner retries
// with backoff; it never crashes on one.
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }
