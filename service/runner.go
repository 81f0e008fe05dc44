// Package service wires intake, evaluation, the ledger, and dispatch
// into the engine's processing pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/events"
	"sentinel/ledger"
	"sentinel/metrics"
	"sentinel/playbook"
	"sentinel/soar"
)

const maxIntakeBackoff = time.Minute

// Options configures a Runner.
type Options struct {
	Store      *playbook.Store
	Ledger     ledger.Ledger
	Dispatcher *soar.Dispatcher
	Source     events.Source
	Emitter    events.Emitter
	Logger     *zap.SugaredLogger

	QueueSize    int
	LossyQueue   bool
	PollInterval time.Duration
	DrainTimeout time.Duration

	// DryRunAll forces every playbook into dry-run mode.
	DryRunAll bool
	// Once drains the source to exhaustion and returns instead of
	// polling forever. Only meaningful for bounded sources.
	Once bool
}

// Runner drives the pipeline: poll the source, queue events, evaluate
// playbooks, claim through the ledger, dispatch actions, record and
// emit outcomes. Events from one source are processed strictly in
// order by a single consumer; within one event, playbook conditions
// evaluate in parallel and matched playbooks execute in priority
// order.
type Runner struct {
	store      *playbook.Store
	ledger     ledger.Ledger
	dispatcher *soar.Dispatcher
	source     events.Source
	emitter    events.Emitter
	logger     *zap.SugaredLogger
	queue      *eventQueue

	pollInterval time.Duration
	drainTimeout time.Duration
	dryRunAll    bool
	once         bool
}

func NewRunner(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	drainTimeout := opts.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Runner{
		store:        opts.Store,
		ledger:       opts.Ledger,
		dispatcher:   opts.Dispatcher,
		source:       opts.Source,
		emitter:      emitter,
		logger:       logger,
		queue:        newEventQueue(queueSize, opts.LossyQueue),
		pollInterval: pollInterval,
		drainTimeout: drainTimeout,
		dryRunAll:    opts.DryRunAll,
		once:         opts.Once,
	}
}

// Run executes the pipeline until ctx is cancelled, the source is
// exhausted in once mode, or a fatal error occurs. Ledger write
// failures are fatal: the engine must not keep acting without a
// durable record.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.recoverUnknown(ctx); err != nil {
		return err
	}

	cursor, err := r.ledger.Cursor(ctx, r.source.Name())
	if err != nil {
		return fmt.Errorf("failed to load intake cursor: %w", err)
	}

	// Dispatch outlives ctx by the drain timeout so in-flight actions
	// can finish during shutdown.
	procCtx, procCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer procCancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-procCtx.Done():
			return
		}
		timer := time.NewTimer(r.drainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			r.logger.Warnf("Drain timeout %s elapsed, abandoning in-flight work", r.drainTimeout)
		case <-procCtx.Done():
		}
		procCancel()
	}()

	var fatalOnce sync.Once
	var fatalErr error
	fatalCtx, fatalCancel := context.WithCancel(ctx)
	defer fatalCancel()
	fatal := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			r.logger.Errorw("Fatal pipeline error, shutting down", "error", err)
			fatalCancel()
			procCancel()
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.intake(fatalCtx, cursor)
	}()

	r.consume(fatalCtx, procCtx, fatal)

	wg.Wait()
	if fatalErr != nil {
		return fatalErr
	}
	return nil
}

// recoverUnknown completes records left in-flight by a previous run.
// Actions already confirmed on the record are kept; only the rest are
// re-dispatched. A record whose playbook or event is no longer
// available cannot be completed and is finalized as failed.
func (r *Runner) recoverUnknown(ctx context.Context) error {
	pending, err := r.ledger.PendingUnknown(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan for interrupted executions: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	snap := r.store.Snapshot()
	for _, rec := range pending {
		r.logger.Warnw("Recovering interrupted execution",
			"record_id", rec.ID,
			"playbook_id", rec.PlaybookID,
			"event_id", rec.EventID,
			"claimed_at", rec.ClaimedAt)

		p, ok := snap.Get(rec.PlaybookID)
		if !ok || rec.Event == nil {
			r.logger.Warnw("Cannot complete interrupted execution, finalizing as failed",
				"record_id", rec.ID,
				"playbook_id", rec.PlaybookID)
			rec.Outcome = soar.OutcomeFailed
			if err := r.ledger.Record(ctx, rec); err != nil {
				return err
			}
			continue
		}

		// Recorded outcomes line up with the playbook's action order.
		// Anything not confirmed succeeded or simulated runs again; a
		// handler's Execute is required to be retry-safe.
		dryRun := r.dryRunAll || p.DryRun
		for i, spec := range p.Actions {
			if i < len(rec.Actions) {
				switch rec.Actions[i].Status {
				case soar.ActionSucceeded, soar.ActionSimulated:
					continue
				}
			}
			outcome := r.dispatcher.Dispatch(ctx, spec, rec.Event, dryRun)
			if i < len(rec.Actions) {
				rec.Actions[i] = outcome
			} else {
				rec.Actions = append(rec.Actions, outcome)
				if err := r.ledger.AppendAction(ctx, rec.ID, outcome); err != nil {
					return err
				}
			}
		}
		rec.Outcome = soar.AggregateOutcome(rec.Actions)
		if err := r.ledger.Record(ctx, rec); err != nil {
			return err
		}
		if err := r.emitter.Emit(ctx, rec); err != nil {
			r.logger.Warnw("Failed to emit recovered execution record",
				"record_id", rec.ID,
				"error", err)
		}
	}
	r.logger.Infof("Recovered %d interrupted executions from previous run", len(pending))
	return nil
}

// intake polls the source and feeds the queue. Source outages back off
// exponentially and never kill the pipeline.
func (r *Runner) intake(ctx context.Context, cursor int64) {
	defer r.queue.Close()

	backoff := r.pollInterval
	for {
		if ctx.Err() != nil {
			return
		}

		batch, next, err := r.source.Poll(ctx, cursor)
		if err != nil {
			var unavailable *events.SourceUnavailableError
			if errors.As(err, &unavailable) {
				r.logger.Warnw("Event source unavailable, backing off",
					"source", r.source.Name(),
					"backoff", backoff,
					"error", err)
			} else {
				r.logger.Errorw("Event source poll failed",
					"source", r.source.Name(),
					"error", err)
			}
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxIntakeBackoff {
				backoff = maxIntakeBackoff
			}
			continue
		}
		backoff = r.pollInterval

		for _, polled := range batch {
			metrics.EventsConsumed.WithLabelValues(r.source.Name()).Inc()
			dropped, err := r.queue.Push(ctx, intakeItem{event: polled.Event, cursor: polled.Cursor})
			if err != nil {
				return
			}
			if dropped != nil {
				metrics.EventsDropped.WithLabelValues(r.source.Name()).Inc()
				r.logger.Warnw("Dropped oldest queued event under backpressure",
					"dropped_event_id", dropped.event.ID,
					"dropped_severity", dropped.event.Severity)
			}
		}
		cursor = next

		if len(batch) == 0 {
			if r.once && r.source.Exhausted() {
				r.logger.Info("Source exhausted, finishing")
				return
			}
			if !sleepCtx(ctx, r.pollInterval) {
				return
			}
		}
	}
}

// consume is the single ordered consumer. It stops picking up new work
// once ctx ends; the event being processed finishes under procCtx.
func (r *Runner) consume(ctx, procCtx context.Context, fatal func(error)) {
	popCtx := ctx
	if r.once {
		// In once mode drain the whole queue before returning.
		popCtx = procCtx
	}
	for {
		item, ok := r.queue.Pop(popCtx)
		if !ok {
			return
		}
		if err := r.processEvent(procCtx, item.event); err != nil {
			fatal(err)
			return
		}
		if procCtx.Err() != nil {
			// Shutdown cut the event short; the cursor stays put so the
			// event is redelivered and the ledger absorbs the replay.
			return
		}
		if err := r.ledger.SetCursor(procCtx, r.source.Name(), item.cursor); err != nil {
			fatal(err)
			return
		}
	}
}

// processEvent evaluates all enabled playbooks against one event.
// Conditions evaluate in parallel; matched playbooks then execute in
// priority order. A panicking playbook is isolated and skipped.
func (r *Runner) processEvent(ctx context.Context, event *core.Event) error {
	snap := r.store.Snapshot()
	enabled := snap.Enabled()
	if len(enabled) == 0 {
		return nil
	}

	matched := make([]bool, len(enabled))
	var wg sync.WaitGroup
	for i, p := range enabled {
		wg.Add(1)
		go func(i int, p *playbook.Playbook) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Errorw("Panic during condition evaluation",
						"playbook_id", p.ID,
						"event_id", event.ID,
						"panic", rec)
				}
			}()
			matched[i] = playbook.Matches(event, p)
		}(i, p)
	}
	wg.Wait()

	for i, p := range enabled {
		if !matched[i] {
			continue
		}
		metrics.PlaybookMatches.WithLabelValues(p.ID).Inc()
		if err := r.executePlaybook(ctx, p, event); err != nil {
			return err
		}
	}
	return nil
}

// executePlaybook claims, dispatches, records, and emits for one
// matched playbook. Only ledger write failures propagate.
func (r *Runner) executePlaybook(ctx context.Context, p *playbook.Playbook, event *core.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorw("Panic during playbook execution",
				"playbook_id", p.ID,
				"event_id", event.ID,
				"panic", rec)
			err = nil
		}
	}()

	dryRun := r.dryRunAll || p.DryRun
	fingerprint := core.Fingerprint(p.ID, event, p.TriggerFields())

	rec, err := r.ledger.TryClaim(ctx, p.ID, fingerprint, event, p.Cooldown(), dryRun)
	if errors.Is(err, ledger.ErrAlreadyHandled) {
		metrics.ClaimsDenied.WithLabelValues(p.ID, "cooldown").Inc()
		r.logger.Debugw("Execution suppressed by ledger",
			"playbook_id", p.ID,
			"event_id", event.ID,
			"fingerprint", fingerprint)
		return nil
	}
	if err != nil {
		return err
	}

	r.logger.Infow("Executing playbook",
		"playbook_id", p.ID,
		"event_id", event.ID,
		"fingerprint", fingerprint,
		"dry_run", dryRun,
		"actions", len(p.Actions))

	for _, spec := range p.Actions {
		outcome := r.dispatcher.Dispatch(ctx, spec, event, dryRun)
		if ctx.Err() != nil {
			// Shutdown outran the drain timeout mid-dispatch. The record
			// stays unknown; the next startup re-dispatches whatever was
			// not confirmed.
			r.logger.Warnw("Dispatch interrupted by shutdown, leaving record in flight",
				"playbook_id", p.ID,
				"record_id", rec.ID)
			return nil
		}
		rec.Actions = append(rec.Actions, outcome)
		if !dryRun {
			if err := r.ledger.AppendAction(ctx, rec.ID, outcome); err != nil {
				return err
			}
		}
	}
	rec.Outcome = soar.AggregateOutcome(rec.Actions)

	if err := r.ledger.Record(ctx, rec); err != nil {
		return err
	}
	if err := r.emitter.Emit(ctx, rec); err != nil {
		r.logger.Warnw("Failed to emit execution record",
			"record_id", rec.ID,
			"error", err)
	}

	r.logger.Infow("Playbook execution finished",
		"playbook_id", p.ID,
		"record_id", rec.ID,
		"outcome", rec.Outcome)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
