package soar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/playbook"
)

// MockAction is a configurable test handler.
type MockAction struct {
	mu          sync.Mutex
	actionType  string
	failCount   int
	calls       int
	validateErr error
	targetFn    func(event *core.Event, params map[string]interface{}) string
}

func (m *MockAction) Type() string        { return m.actionType }
func (m *MockAction) Name() string        { return "Mock " + m.actionType }
func (m *MockAction) Description() string { return "test action" }

func (m *MockAction) ValidateParams(params map[string]interface{}) error {
	return m.validateErr
}

func (m *MockAction) Target(event *core.Event, params map[string]interface{}) string {
	if m.targetFn != nil {
		return m.targetFn(event, params)
	}
	return ""
}

func (m *MockAction) Execute(ctx context.Context, event *core.Event, params map[string]interface{}) (*ActionOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failCount {
		return nil, fmt.Errorf("induced failure %d", m.calls)
	}
	out := newOutcome(m.actionType)
	out.Message = "mock done"
	out.Output["params"] = params
	return out, nil
}

func (m *MockAction) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func dispatchEvent() *core.Event {
	e := core.NewEvent()
	e.Service = "honeypot"
	e.Stream = "auth"
	e.Severity = "high"
	e.Fields = map[string]interface{}{"source_ip": "203.0.113.7"}
	return e
}

func newTestDispatcher(handlers ...Action) *Dispatcher {
	d := NewDispatcher(0, zap.NewNop().Sugar())
	for _, h := range handlers {
		d.Register(h)
	}
	return d
}

func TestDispatchSuccess(t *testing.T) {
	mock := &MockAction{actionType: "mock"}
	d := newTestDispatcher(mock)

	spec := playbook.ActionSpec{Type: "mock", Params: map[string]interface{}{"ip": "{{fields.source_ip}}"}}
	outcome := d.Dispatch(context.Background(), spec, dispatchEvent(), false)

	assert.Equal(t, ActionSucceeded, outcome.Status)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, "mock done", outcome.Message)
	assert.Equal(t, 1, mock.Calls())

	// Templates resolve before the handler sees the params.
	params := outcome.Output["params"].(map[string]interface{})
	assert.Equal(t, "203.0.113.7", params["ip"])
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	mock := &MockAction{actionType: "flaky", failCount: 2}
	d := newTestDispatcher(mock)

	spec := playbook.ActionSpec{
		Type:      "flaky",
		OnFailure: playbook.RetryPolicy{RetryCount: 2, BackoffBaseMs: 1},
	}
	outcome := d.Dispatch(context.Background(), spec, dispatchEvent(), false)

	assert.Equal(t, ActionSucceeded, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, 3, mock.Calls())
}

func TestDispatchExhaustsRetries(t *testing.T) {
	mock := &MockAction{actionType: "broken", failCount: 100}
	d := newTestDispatcher(mock)

	spec := playbook.ActionSpec{
		Type:      "broken",
		OnFailure: playbook.RetryPolicy{RetryCount: 1, BackoffBaseMs: 1},
	}
	outcome := d.Dispatch(context.Background(), spec, dispatchEvent(), false)

	assert.Equal(t, ActionFailed, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Contains(t, outcome.Error, "induced failure")
}

func TestDispatchDryRunNeverInvokesHandler(t *testing.T) {
	mock := &MockAction{actionType: "mock"}
	d := newTestDispatcher(mock)

	spec := playbook.ActionSpec{Type: "mock", Params: map[string]interface{}{"ip": "1.2.3.4"}}
	outcome := d.Dispatch(context.Background(), spec, dispatchEvent(), true)

	assert.Equal(t, ActionSimulated, outcome.Status)
	assert.Equal(t, 0, outcome.Attempts)
	assert.Equal(t, 0, mock.Calls(), "dry run must not execute the handler")
}

func TestDispatchDryRunSimulatesInvalidParams(t *testing.T) {
	// A rehearsal must stay a rehearsal: params that would fail
	// validation in a real run produce a simulated outcome that carries
	// the problem, never a failure.
	action := NewBlockIPAction(zap.NewNop().Sugar(), "", true)
	d := newTestDispatcher(action)

	spec := playbook.ActionSpec{Type: ActionTypeBlockIP, Params: map[string]interface{}{"ip": "not-an-ip"}}
	outcome := d.Dispatch(context.Background(), spec, dispatchEvent(), true)

	assert.Equal(t, ActionSimulated, outcome.Status)
	assert.Equal(t, 0, outcome.Attempts)
	assert.Contains(t, outcome.Message, "would fail validation")
	assert.Contains(t, outcome.Message, "not-an-ip")
}

func TestDispatchDryRunSimulatesUnknownType(t *testing.T) {
	d := newTestDispatcher()

	spec := playbook.ActionSpec{Type: "no_such_action"}
	outcome := d.Dispatch(context.Background(), spec, dispatchEvent(), true)

	assert.Equal(t, ActionSimulated, outcome.Status)
	assert.Equal(t, 0, outcome.Attempts)
	assert.Contains(t, outcome.Message, "not registered")
}

func TestDispatchUnknownActionType(t *testing.T) {
	d := newTestDispatcher()

	spec := playbook.ActionSpec{Type: "no_such_action"}
	outcome := d.Dispatch(context.Background(), spec, dispatchEvent(), false)

	assert.Equal(t, ActionFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "not registered")

	_, err := d.Handler("no_such_action")
	var unknown *UnknownActionError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "no_such_action", unknown.ActionType)
}

func TestDispatchParamValidationFailure(t *testing.T) {
	mock := &MockAction{actionType: "strict", validateErr: errors.New("ip parameter is required")}
	d := newTestDispatcher(mock)

	outcome := d.Dispatch(context.Background(), playbook.ActionSpec{Type: "strict"}, dispatchEvent(), false)

	assert.Equal(t, ActionFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "ip parameter is required")
	assert.Equal(t, 0, mock.Calls(), "invalid params never reach the handler")
}

func TestDispatchSerializesSameTarget(t *testing.T) {
	var mu sync.Mutex
	active := 0
	maxActive := 0

	slow := &MockAction{
		actionType: "slow",
		targetFn: func(event *core.Event, params map[string]interface{}) string {
			return "shared-target"
		},
	}
	d := newTestDispatcher(slow)

	// Wrap Execute through a shared gauge by dispatching the same
	// target from multiple goroutines; concurrency is observed through
	// the per-target lock.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := d.lockTarget("slow|shared-target")
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive, "same target must never run concurrently")
}

func TestAggregateOutcome(t *testing.T) {
	ok := ActionOutcome{Status: ActionSucceeded}
	bad := ActionOutcome{Status: ActionFailed}
	sim := ActionOutcome{Status: ActionSimulated}

	assert.Equal(t, OutcomeSucceeded, AggregateOutcome([]ActionOutcome{ok, ok}))
	assert.Equal(t, OutcomeFailed, AggregateOutcome([]ActionOutcome{bad, bad}))
	assert.Equal(t, OutcomePartial, AggregateOutcome([]ActionOutcome{ok, bad}))
	assert.Equal(t, OutcomeSimulated, AggregateOutcome([]ActionOutcome{sim, sim}))
	assert.Equal(t, OutcomePartial, AggregateOutcome([]ActionOutcome{sim, bad}))
}

func TestBlockIPValidation(t *testing.T) {
	action := NewBlockIPAction(zap.NewNop().Sugar(), "", true)

	assert.Error(t, action.ValidateParams(map[string]interface{}{}))
	assert.Error(t, action.ValidateParams(map[string]interface{}{"ip": "not-an-ip"}))
	assert.NoError(t, action.ValidateParams(map[string]interface{}{"ip": "203.0.113.7"}))
	assert.Error(t, action.ValidateParams(map[string]interface{}{"ip": "203.0.113.7", "duration": "soon"}))
	assert.NoError(t, action.ValidateParams(map[string]interface{}{"ip_field": "src_ip"}))
	assert.NoError(t, action.ValidateParams(map[string]interface{}{"ip_field": "src_ip", "duration_minutes": float64(1440)}))
	assert.Error(t, action.ValidateParams(map[string]interface{}{"ip_field": "src_ip", "duration_minutes": float64(-5)}))
}

func TestBlockIPFieldIndirection(t *testing.T) {
	// The address can come from an event field named by ip_field, with
	// the window given as duration_minutes.
	action := NewBlockIPAction(zap.NewNop().Sugar(), "", true)
	d := newTestDispatcher(action)

	event := dispatchEvent()
	event.Fields["src_ip"] = "203.0.113.42"

	spec := playbook.ActionSpec{
		Type: ActionTypeBlockIP,
		Params: map[string]interface{}{
			"ip_field":         "src_ip",
			"duration_minutes": float64(1440),
		},
	}
	outcome := d.Dispatch(context.Background(), spec, event, false)

	assert.Equal(t, ActionSucceeded, outcome.Status)
	assert.Equal(t, "203.0.113.42", outcome.Target)
	assert.Equal(t, "203.0.113.42", outcome.Output["ip"])
	assert.Equal(t, "1440m", outcome.Output["duration"])
}

func TestBlockIPFieldMissingFromEvent(t *testing.T) {
	action := NewBlockIPAction(zap.NewNop().Sugar(), "", true)
	_, err := action.Execute(context.Background(), dispatchEvent(), map[string]interface{}{"ip_field": "no_such_field"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_field")
}

func TestBlockIPDestructiveGate(t *testing.T) {
	action := NewBlockIPAction(zap.NewNop().Sugar(), "", false)
	_, err := action.Execute(context.Background(), dispatchEvent(), map[string]interface{}{"ip": "203.0.113.7"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "destructive actions are disabled")
}

func TestRunScriptRejectsEscapes(t *testing.T) {
	action := NewRunScriptAction(zap.NewNop().Sugar(), t.TempDir(), time.Second)

	assert.Error(t, action.ValidateParams(map[string]interface{}{"script": "../evil.sh"}))
	assert.Error(t, action.ValidateParams(map[string]interface{}{"script": "/etc/passwd"}))
}
