// Package ledger is the engine's memory: the durable record of which
// (playbook, fingerprint) pairs have been handled. Claiming is the
// atomic gate in front of every dispatch; two concurrent claims for
// the same pair admit exactly one caller.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sentinel/core"
	"sentinel/soar"
)

var (
	// ErrAlreadyHandled is returned by TryClaim when a prior execution
	// for the same (playbook, fingerprint) is in flight or inside the
	// cooldown window. It is an expected suppression, not a failure.
	ErrAlreadyHandled = errors.New("execution already handled")

	// ErrRecordNotFound is returned when an execution record does not exist.
	ErrRecordNotFound = errors.New("execution record not found")

	// ErrLedgerClosed is returned when the ledger has been closed.
	ErrLedgerClosed = errors.New("ledger is closed")
)

// WriteError wraps a failed ledger write. Unlike a denied claim it is
// fatal: the engine must stop rather than keep acting without a
// durable record of what it did.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("ledger write failed during %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsWriteError reports whether err is (or wraps) a ledger write failure.
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}

// Ledger is the dedup, cooldown, and audit store.
type Ledger interface {
	// TryClaim atomically claims the (playbookID, fingerprint) pair.
	// On success it persists a new ExecutionRecord with OutcomeUnknown,
	// carrying the triggering event, and returns it; the caller owns
	// finalizing the record. A denied claim returns ErrAlreadyHandled;
	// a persistence failure returns a *WriteError. Simulated claims
	// never block and are never blocked: dry runs must not consume or
	// be consumed by the cooldown budget.
	TryClaim(ctx context.Context, playbookID, fingerprint string, event *core.Event, cooldown time.Duration, simulated bool) (*soar.ExecutionRecord, error)

	// AppendAction durably appends one finished action outcome to an
	// in-flight record, so startup recovery can tell confirmed actions
	// from interrupted ones. Failures return a *WriteError.
	AppendAction(ctx context.Context, recordID string, outcome soar.ActionOutcome) error

	// Record finalizes (or re-finalizes) an execution record's outcome
	// and action list. Failures return a *WriteError.
	Record(ctx context.Context, rec *soar.ExecutionRecord) error

	// PendingUnknown returns records still marked OutcomeUnknown: claims
	// whose dispatch never finalized, left behind by a crash or a
	// shutdown that outran its drain timeout.
	PendingUnknown(ctx context.Context) ([]*soar.ExecutionRecord, error)

	// Cursor returns the persisted intake position for a source, or
	// zero when the source has never been read.
	Cursor(ctx context.Context, source string) (int64, error)

	// SetCursor persists the intake position for a source.
	SetCursor(ctx context.Context, source string, position int64) error

	// Prune removes finalized records older than the retention window.
	// Unknown records are never pruned.
	Prune(ctx context.Context, retention time.Duration) (int64, error)

	Close() error
}
