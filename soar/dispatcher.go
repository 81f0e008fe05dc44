package soar

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"sentinel/core"
	"sentinel/metrics"
	"sentinel/playbook"
)

// Dispatcher owns the action handler registry and executes ActionSpecs
// with retry, dry-run simulation, per-target serialization, and a
// global dispatch rate limit.
type Dispatcher struct {
	handlers   map[string]Action
	handlersMu sync.RWMutex

	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	targetMu sync.Mutex
	targets  map[string]*sync.Mutex
}

// NewDispatcher creates a Dispatcher. ratePerSec bounds real action
// executions across all playbooks; zero or negative disables limiting.
func NewDispatcher(ratePerSec float64, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1)
	}
	return &Dispatcher{
		handlers: make(map[string]Action),
		limiter:  limiter,
		logger:   logger,
		targets:  make(map[string]*sync.Mutex),
	}
}

// Register adds an action handler to the registry.
func (d *Dispatcher) Register(action Action) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[action.Type()] = action
	d.logger.Infof("Registered action handler: %s (%s)", action.Name(), action.Type())
}

// Handler returns the registered handler for a type.
func (d *Dispatcher) Handler(actionType string) (Action, error) {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	action, ok := d.handlers[actionType]
	if !ok {
		return nil, &UnknownActionError{ActionType: actionType}
	}
	return action, nil
}

// Handlers lists the registered action types.
func (d *Dispatcher) Handlers() []string {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	types := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	return types
}

// Dispatch executes one ActionSpec for an event and always returns an
// outcome; errors surface inside it. A failed action never prevents
// sibling actions from attempting. In dry-run the real handler is not
// invoked at all: the outcome is simulated and there are no side
// effects.
func (d *Dispatcher) Dispatch(ctx context.Context, spec playbook.ActionSpec, event *core.Event, dryRun bool) ActionOutcome {
	started := time.Now()
	outcome := ActionOutcome{
		Type:      spec.Type,
		StartedAt: started,
	}
	finish := func(status ActionStatus) ActionOutcome {
		outcome.Status = status
		outcome.CompletedAt = time.Now()
		metrics.ActionsExecuted.WithLabelValues(spec.Type, string(status)).Inc()
		metrics.DispatchDuration.Observe(time.Since(started).Seconds())
		return outcome
	}

	handler, err := d.Handler(spec.Type)
	if err != nil {
		// Unregistered type: exhausted failure for this action only.
		// In dry-run the outcome stays simulated, carrying the problem
		// as a message so the rehearsal shows what a real run would hit.
		if dryRun {
			outcome.Attempts = 0
			outcome.Message = "dry run: " + err.Error()
			return finish(ActionSimulated)
		}
		outcome.Error = err.Error()
		d.logger.Warnw("Unknown action type",
			"action_type", spec.Type,
			"event_id", event.ID)
		return finish(ActionFailed)
	}

	params := ResolveParams(spec.Params, event)
	outcome.Target = handler.Target(event, params)

	if err := handler.ValidateParams(params); err != nil {
		if dryRun {
			outcome.Attempts = 0
			outcome.Message = "dry run: params would fail validation: " + err.Error()
			return finish(ActionSimulated)
		}
		outcome.Error = err.Error()
		d.logger.Warnw("Action parameter validation failed",
			"action_type", spec.Type,
			"event_id", event.ID,
			"error", err)
		return finish(ActionFailed)
	}

	if dryRun {
		outcome.Message = "dry run: action simulated, handler not invoked"
		outcome.Attempts = 0
		return finish(ActionSimulated)
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			outcome.Error = err.Error()
			return finish(ActionFailed)
		}
	}

	if key := outcome.Target; key != "" {
		unlock := d.lockTarget(spec.Type + "|" + key)
		defer unlock()
	}

	backoff := time.Duration(spec.OnFailure.BackoffBaseMs) * time.Millisecond
	var result *ActionOutcome
	attempts, execErr := retryWithBackoff(ctx, spec.OnFailure.RetryCount, backoff, func() error {
		res, err := handler.Execute(ctx, event, params)
		if err != nil {
			metrics.ActionRetries.WithLabelValues(spec.Type).Inc()
			d.logger.Warnw("Action attempt failed",
				"action_type", spec.Type,
				"event_id", event.ID,
				"target", outcome.Target,
				"error", err)
			return err
		}
		result = res
		return nil
	})
	outcome.Attempts = attempts

	if execErr != nil {
		outcome.Error = execErr.Error()
		d.logger.Errorw("Action failed after exhausting retries",
			"action_type", spec.Type,
			"event_id", event.ID,
			"target", outcome.Target,
			"attempts", attempts,
			"error", execErr)
		return finish(ActionFailed)
	}

	if result != nil {
		outcome.Message = result.Message
		outcome.Output = result.Output
		if result.Target != "" {
			outcome.Target = result.Target
		}
	}
	return finish(ActionSucceeded)
}

// lockTarget serializes real executions that mutate the same external
// resource, independent of the ledger claim.
func (d *Dispatcher) lockTarget(key string) func() {
	d.targetMu.Lock()
	mu, ok := d.targets[key]
	if !ok {
		mu = &sync.Mutex{}
		d.targets[key] = mu
	}
	d.targetMu.Unlock()

	mu.Lock()
	return mu.Unlock
}
