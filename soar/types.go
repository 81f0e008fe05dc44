// Package soar implements the action dispatch side of the engine:
// the pluggable action handler registry, per-action retry with
// exponential backoff, dry-run simulation, and the execution record
// types shared with the ledger.
package soar

import (
	"context"
	"fmt"
	"time"

	"sentinel/core"
)

// Outcome is the aggregate result of one playbook execution.
type Outcome string

const (
	// OutcomeUnknown marks an in-flight execution: set at claim time
	// and replaced when the dispatch finishes. A record still unknown
	// after a crash or shutdown timeout is re-evaluated on startup.
	OutcomeUnknown   Outcome = "unknown"
	OutcomeSimulated Outcome = "simulated"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
)

// ActionStatus is the result of a single action within an execution.
type ActionStatus string

const (
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
	ActionSimulated ActionStatus = "simulated"
)

// ActionOutcome records one action attempt chain within an execution.
type ActionOutcome struct {
	Type        string                 `json:"type"`
	Status      ActionStatus           `json:"status"`
	Target      string                 `json:"target,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Attempts    int                    `json:"attempts"`
	Output      map[string]interface{} `json:"output,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
}

// ExecutionRecord is the durable audit/dedup record of one
// (playbook, fingerprint) execution. It is created at claim time with
// OutcomeUnknown and finalized exactly once by the dispatch that owns
// it. Action outcomes are appended as each action finishes, and the
// triggering event rides along so an interrupted record holds enough
// to re-dispatch its unconfirmed actions on the next startup.
type ExecutionRecord struct {
	ID               string          `json:"id"`
	PlaybookID       string          `json:"playbook_id"`
	EventFingerprint string          `json:"event_fingerprint"`
	EventID          string          `json:"event_id"`
	Event            *core.Event     `json:"event,omitempty"`
	ClaimedAt        time.Time       `json:"claimed_at"`
	Outcome          Outcome         `json:"outcome"`
	Actions          []ActionOutcome `json:"actions_taken"`
}

// AggregateOutcome folds per-action results into the record outcome:
// all simulated is simulated, any failure after a success is partial,
// nothing but failures is failed.
func AggregateOutcome(actions []ActionOutcome) Outcome {
	if len(actions) == 0 {
		return OutcomeSucceeded
	}
	var succeeded, failed, simulated int
	for _, a := range actions {
		switch a.Status {
		case ActionSucceeded:
			succeeded++
		case ActionFailed:
			failed++
		case ActionSimulated:
			simulated++
		}
	}
	switch {
	case simulated == len(actions):
		return OutcomeSimulated
	case failed == 0:
		return OutcomeSucceeded
	case succeeded > 0 || simulated > 0:
		return OutcomePartial
	default:
		return OutcomeFailed
	}
}

// Action is the capability interface every handler implements.
// Handlers are thin adapters over external enforcement and
// notification services; the dispatcher owns retry, dry-run, and
// per-target serialization.
type Action interface {
	// Type returns the action type string playbooks reference.
	Type() string

	// Name returns a human-readable name.
	Name() string

	// Description returns what the action does.
	Description() string

	// ValidateParams validates the (already template-resolved) params.
	ValidateParams(params map[string]interface{}) error

	// Target returns the external resource key this invocation
	// mutates (an IP, a device id, a webhook URL). Dispatches against
	// the same target serialize; an empty target skips the lock.
	Target(event *core.Event, params map[string]interface{}) string

	// Execute performs the action. It must be safe to retry.
	Execute(ctx context.Context, event *core.Event, params map[string]interface{}) (*ActionOutcome, error)
}

// UnknownActionError marks a playbook action whose type has no
// registered handler. It counts as an exhausted failure for that
// single action and never aborts sibling actions.
type UnknownActionError struct {
	ActionType string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("action type %q is not registered", e.ActionType)
}
