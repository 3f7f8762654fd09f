package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Delegation reports that a runner handed its work to the batch API.
type Delegation struct {
	BatchID string
	// Pending is set when the submission was accepted but not yet
	// assigned an id. Pending without an id is a protocol failure.
	Pending bool
	// Link, when set, is stored as the manual link for BatchID.
	Link *ManualBatchLink
}

// Outcome is what a runner returns on success: either a final result or
// a delegation.
type Outcome struct {
	Result     json.RawMessage
	Delegation *Delegation
}

// Runner executes one job function.
type Runner interface {
	Run(ctx context.Context, rec Record) (*Outcome, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, rec Record) (*Outcome, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, rec Record) (*Outcome, error) { return f(ctx, rec) }

// Restarter restarts the local execution backend after a cancel.
type Restarter interface {
	Restart()
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Store     *Store
	Restarter Restarter // Optional
	Logger    *slog.Logger
	// Paused holds queued jobs until Start is called.
	Paused bool
}

type activeSlot struct {
	jobID  string
	gen    uint64
	cancel context.CancelFunc
}

// Dispatcher runs queued jobs one at a time. Delegated jobs leave the
// slot as soon as they are handed off.
type Dispatcher struct {
	store     *Store
	restarter Restarter
	logger    *slog.Logger

	mu      sync.Mutex
	runners map[string]Runner
	active  *activeSlot
	gen     uint64
	paused  bool
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher over store.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Dispatcher{
		store:     cfg.Store,
		restarter: cfg.Restarter,
		logger:    logger,
		runners:   make(map[string]Runner),
		paused:    cfg.Paused,
		baseCtx:   ctx,
		stop:      stop,
	}
}

// Register binds a runner to a function name.
func (d *Dispatcher) Register(functionName string, r Runner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runners[functionName] = r
}

// Functions returns the registered function names.
func (d *Dispatcher) Functions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.runners))
	for n := range d.runners {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Enqueue stores a queued job and starts it if the slot is free and the
// dispatcher is not paused.
func (d *Dispatcher) Enqueue(ctx context.Context, functionName string, payload any) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	d.mu.Lock()
	_, ok := d.runners[functionName]
	d.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownFunction, functionName)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	rec, err := d.store.Create(functionName, raw)
	if err != nil {
		return Record{}, fmt.Errorf("failed to create job: %w", err)
	}
	d.logger.Info("job queued", "job_id", rec.ID, "function", functionName)

	d.DispatchNext()
	return rec, nil
}

// Start releases a paused dispatcher and runs the oldest queued job.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
	d.DispatchNext()
}

// DispatchNext starts the oldest queued job when no local job is running.
// It is safe to call at any time and from any goroutine. A paused
// dispatcher starts nothing.
func (d *Dispatcher) DispatchNext() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for !d.paused && d.active == nil && d.baseCtx.Err() == nil {
		rec, ok := d.store.NextQueued()
		if !ok {
			return
		}
		runner, ok := d.runners[rec.FunctionName]
		if !ok {
			d.failLocked(rec.ID, fmt.Errorf("%w: %s", ErrUnknownFunction, rec.FunctionName))
			continue
		}
		started, err := d.store.Update(rec.ID, func(r *Record) error {
			if r.Status != StatusQueued {
				return fmt.Errorf("job %s is %s", r.ID, r.Status)
			}
			r.Status = StatusRunning
			r.Phase = "Running"
			r.Progress = 0
			return nil
		})
		if err != nil {
			d.logger.Warn("failed to start job", "job_id", rec.ID, "error", err)
			continue
		}

		d.gen++
		ctx, cancel := context.WithCancel(d.baseCtx)
		slot := &activeSlot{jobID: started.ID, gen: d.gen, cancel: cancel}
		d.active = slot

		d.wg.Add(1)
		go d.run(ctx, slot, runner, started)
	}
}

func (d *Dispatcher) run(ctx context.Context, slot *activeSlot, runner Runner, rec Record) {
	defer d.wg.Done()
	defer slot.cancel()

	logger := d.logger.With("job_id", rec.ID, "function", rec.FunctionName)
	logger.Info("job started")
	ctx = ContextWithDeps(ctx, Dependencies{Store: d.store, JobID: rec.ID, Logger: logger})

	out, err := d.safeRun(ctx, runner, rec)

	d.mu.Lock()
	if d.baseCtx.Err() != nil {
		d.active = nil
		d.mu.Unlock()
		logger.Info("dispatcher stopped, leaving job for restart")
		return
	}
	if d.active == nil || d.active.gen != slot.gen {
		// Canceled while running; the result is discarded.
		d.mu.Unlock()
		logger.Info("discarding result of canceled job")
		return
	}
	d.active = nil
	d.settleLocked(logger, rec.ID, out, err)
	d.mu.Unlock()

	d.DispatchNext()
}

func (d *Dispatcher) safeRun(ctx context.Context, runner Runner, rec Record) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return runner.Run(ctx, rec)
}

func (d *Dispatcher) settleLocked(logger *slog.Logger, id string, out *Outcome, runErr error) {
	if runErr == nil && out != nil && out.Delegation != nil {
		runErr = d.delegateLocked(logger, id, out.Delegation)
		if runErr == nil {
			return
		}
	}
	if runErr != nil {
		d.failLocked(id, runErr)
		logger.Error("job failed", "error", runErr)
		return
	}

	_, err := d.store.Update(id, func(r *Record) error {
		r.Status = StatusCompleted
		r.Phase = "Completed"
		if out != nil && len(out.Result) > 0 {
			r.EnsureResult().Outcome = out.Result
		}
		return nil
	})
	if err != nil {
		logger.Warn("failed to record completion", "error", err)
		return
	}
	logger.Info("job completed")
}

func (d *Dispatcher) delegateLocked(logger *slog.Logger, id string, del *Delegation) error {
	if del.BatchID == "" {
		if del.Pending {
			return ErrPendingWithoutID
		}
		return fmt.Errorf("delegation without batch id")
	}
	_, err := d.store.Update(id, func(r *Record) error {
		switch {
		case r.ExternalBatchID == del.BatchID:
			// The reconciler found the batch first and already owns it.
			return errNoChange
		case r.ExternalBatchID != "":
			return fmt.Errorf("job %s already tracks batch %q", r.ID, r.ExternalBatchID)
		}
		r.External = true
		r.ExternalBatchID = del.BatchID
		r.Phase = PhaseWaitingExternal
		r.Progress = 10
		return nil
	})
	switch {
	case errors.Is(err, errNoChange):
		logger.Info("batch already claimed by reconciler", "batch_id", del.BatchID)
	case errors.Is(err, ErrTerminal):
		if cur, gerr := d.store.Get(id); gerr == nil && cur.ExternalBatchID == del.BatchID {
			logger.Info("claimed batch already settled", "batch_id", del.BatchID, "status", cur.Status)
			return nil
		}
		return err
	case err != nil:
		return err
	default:
		logger.Info("job delegated to batch", "batch_id", del.BatchID)
	}
	if del.Link != nil {
		link := *del.Link
		link.BatchID = del.BatchID
		link.JobID = id
		if err := d.store.SaveLink(link); err != nil {
			logger.Warn("failed to save batch link", "batch_id", del.BatchID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) failLocked(id string, cause error) {
	_, err := d.store.Update(id, func(r *Record) error {
		r.Status = StatusFailed
		r.Error = cause.Error()
		return nil
	})
	if err != nil {
		d.logger.Warn("failed to record job failure", "job_id", id, "error", err)
	}
}

// Cancel cancels a queued or locally running job. Running jobs have their
// context canceled and the backend restarted; any late result is dropped.
// Delegated jobs are rejected with ErrExternalCancel, including a job the
// reconciler claimed while its runner was still submitting.
func (d *Dispatcher) Cancel(id string) (Record, error) {
	d.mu.Lock()
	rec, err := d.store.Update(id, func(r *Record) error {
		if r.External {
			return ErrExternalCancel
		}
		r.Status = StatusCanceled
		r.Phase = "Canceled"
		return nil
	})
	if err != nil {
		d.mu.Unlock()
		return rec, err
	}
	var wasActive bool
	if d.active != nil && d.active.jobID == id {
		d.active.cancel()
		d.active = nil
		wasActive = true
	}
	d.mu.Unlock()

	d.logger.Info("job canceled", "job_id", id, "was_running", wasActive)
	if wasActive && d.restarter != nil {
		d.restarter.Restart()
	}
	d.DispatchNext()
	return rec, nil
}

// Active returns the id of the running local job, if any.
func (d *Dispatcher) Active() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return "", false
	}
	return d.active.jobID, true
}

// Wait blocks until every started runner has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown stops dispatching and cancels the running job's context.
// Its record stays running and is requeued on next start.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stop()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(ctx.Err(), fmt.Errorf("timed out waiting for running job"))
	}
}
