// Package reconcile keeps delegated jobs in step with the batch API.
//
// A pass lists recent batches, re-fetches any tracked batch missing from
// the listing, mirrors remote status and progress onto job records, creates
// records for orphaned batches and hands finished batches to the finalizer.
// A second sweep recovers finalizations interrupted by a crash.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/screener/internal/batch"
	"github.com/jackzampolin/screener/internal/jobs"
	"github.com/jackzampolin/screener/internal/library"
	"github.com/jackzampolin/screener/internal/screening"
)

// ErrPassInFlight is returned by Pass while another pass is running.
var ErrPassInFlight = errors.New("reconciliation pass already in flight")

// Finalizer writes a finished batch back. *screening.Finalizer implements it.
type Finalizer interface {
	Finalize(ctx context.Context, jobID string, b batch.Batch, args screening.Args) error
	Running(jobID string) bool
}

// Config configures a Reconciler.
type Config struct {
	Store     *jobs.Store
	Batches   batch.API
	Cache     *batch.Cache    // Optional
	Recent    *library.Recent // Optional, last-resort argument source
	Finalizer Finalizer
	// Defaults fill arguments no other source provides (threshold, max items).
	Defaults screening.Args

	Interval        time.Duration // Cooldown between passes (default 30s)
	ListTimeout     time.Duration // List and single fetch timeout (default 20s)
	ListLimit       int           // Batches per list call (default 100)
	StaleAfter      time.Duration // Heartbeat age that marks a dead finalizer (default 2m)
	FinalizeTimeout time.Duration // Age after which a finalization is failed (default 20m)
	Retention       time.Duration // Ignore untracked batches finished longer ago (default 72h)

	Logger *slog.Logger
	Now    func() time.Time // Optional (tests)
}

// Report summarizes one pass.
type Report struct {
	Listed      int `json:"listed"`
	Refetched   int `json:"refetched"`
	Ignored     int `json:"ignored"`
	Synthesized int `json:"synthesized"`
	Updated     int `json:"updated"`
	Finalizing  int `json:"finalizing"`
	Failed      int `json:"failed"`
}

// Reconciler runs reconciliation passes on a cooldown.
type Reconciler struct {
	cfg    Config
	logger *slog.Logger

	interval atomic.Int64
	inFlight atomic.Bool
	kick     chan struct{}
	reset    chan struct{}

	ready     chan struct{}
	readyOnce sync.Once

	wg sync.WaitGroup // finalizations started by passes
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 20 * time.Second
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 100
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 20 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 72 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		cfg:    cfg,
		logger: logger,
		kick:   make(chan struct{}, 1),
		reset:  make(chan struct{}, 1),
		ready:  make(chan struct{}),
	}
	r.interval.Store(int64(cfg.Interval))
	return r
}

// Interval returns the current cooldown.
func (r *Reconciler) Interval() time.Duration {
	return time.Duration(r.interval.Load())
}

// SetInterval changes the cooldown; a running loop picks it up at once.
func (r *Reconciler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	if time.Duration(r.interval.Swap(int64(d))) == d {
		return
	}
	r.logger.Info("reconcile interval changed", "interval", d)
	select {
	case r.reset <- struct{}{}:
	default:
	}
}

// Ready is closed once Run has finished its initial pass.
func (r *Reconciler) Ready() <-chan struct{} {
	return r.ready
}

// Kick requests a pass as soon as possible.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Pending reports whether any delegated job is still unfinished.
func (r *Reconciler) Pending() bool {
	for _, rec := range r.cfg.Store.List() {
		if rec.External && rec.ExternalBatchID != "" && !rec.Status.Terminal() {
			return true
		}
	}
	return false
}

// Run performs an initial pass, which also discovers orphaned batches, then
// a pass every interval while delegated jobs are pending. It returns when
// ctx is done, after in-flight finalizations finish.
func (r *Reconciler) Run(ctx context.Context) error {
	defer r.wg.Wait()

	r.runPass(ctx)
	r.readyOnce.Do(func() { close(r.ready) })

	timer := time.NewTimer(r.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-r.kick:
			r.runPass(ctx)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			if r.Pending() {
				r.runPass(ctx)
			} else {
				r.logger.Debug("no delegated jobs pending, skipping reconcile")
			}
		}
		timer.Reset(r.Interval())
	}
}

func (r *Reconciler) runPass(ctx context.Context) {
	rep, err := r.Pass(ctx)
	switch {
	case errors.Is(err, ErrPassInFlight):
		r.logger.Debug("reconcile pass skipped, previous pass in flight")
	case err != nil:
		r.logger.Warn("reconcile pass failed", "error", err)
	default:
		r.logger.Debug("reconcile pass done",
			"listed", rep.Listed, "refetched", rep.Refetched, "synthesized", rep.Synthesized,
			"updated", rep.Updated, "finalizing", rep.Finalizing, "failed", rep.Failed)
	}
}

// Wait blocks until finalizations started by passes have returned.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Pass runs one reconciliation pass. Remote errors end the pass early;
// the next pass starts over.
func (r *Reconciler) Pass(ctx context.Context) (Report, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return Report{}, ErrPassInFlight
	}
	defer r.inFlight.Store(false)

	var rep Report
	if r.cfg.Batches == nil {
		return rep, fmt.Errorf("batch API is not configured")
	}

	listCtx, cancel := context.WithTimeout(ctx, r.cfg.ListTimeout)
	listed, err := r.cfg.Batches.List(listCtx, r.cfg.ListLimit)
	cancel()
	if err != nil {
		return rep, fmt.Errorf("list batches: %w", err)
	}
	rep.Listed = len(listed)

	seen := make(map[string]batch.Batch, len(listed))
	var order []string
	for _, b := range listed {
		if _, dup := seen[b.ID]; !dup {
			order = append(order, b.ID)
		}
		seen[b.ID] = b
	}

	gone := make(map[string]bool)
	for _, rec := range r.tracked() {
		id := rec.ExternalBatchID
		if _, ok := seen[id]; ok || r.cfg.Store.IsPurged(id) {
			continue
		}
		getCtx, cancel := context.WithTimeout(ctx, r.cfg.ListTimeout)
		b, err := r.cfg.Batches.Get(getCtx, id)
		cancel()
		if err != nil {
			if errors.Is(err, batch.ErrNotFound) {
				gone[id] = true
			} else {
				r.logger.Warn("failed to fetch batch", "batch_id", id, "error", err)
			}
			continue
		}
		rep.Refetched++
		seen[id] = b
		order = append(order, id)
	}

	triggered := make(map[string]bool)
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		r.observe(ctx, seen[id], &rep, triggered)
	}
	r.sweep(ctx, seen, gone, &rep, triggered)
	return rep, nil
}

// tracked returns unfinished delegated jobs.
func (r *Reconciler) tracked() []jobs.Record {
	var out []jobs.Record
	for _, rec := range r.cfg.Store.List() {
		if rec.External && rec.ExternalBatchID != "" && !rec.Status.Terminal() {
			out = append(out, rec)
		}
	}
	return out
}

func (r *Reconciler) observe(ctx context.Context, b batch.Batch, rep *Report, triggered map[string]bool) {
	logger := r.logger.With("batch_id", b.ID)
	if r.cfg.Store.IsPurged(b.ID) || !batch.IsSupportedEndpoint(b.Endpoint) || !screening.IsScreeningBatch(b.Metadata) {
		rep.Ignored++
		return
	}

	rec, ok := r.cfg.Store.ByBatch(b.ID)
	if !ok {
		if r.expired(b) {
			rep.Ignored++
			return
		}
		var err error
		rec, err = r.adopt(b)
		if err != nil {
			logger.Warn("failed to track batch", "error", err)
			return
		}
		rep.Synthesized++
	}
	if rec.Status.Terminal() {
		return
	}

	args := r.args(rec, b)
	status := MapStatus(b.Status)
	updated, err := r.cfg.Store.Update(rec.ID, func(j *jobs.Record) error {
		j.Progress = Progress(b)
		switch status {
		case jobs.StatusFailed:
			j.Status = jobs.StatusFailed
			j.Error = b.ErrorMessage()
		case jobs.StatusCanceled:
			j.Status = jobs.StatusCanceled
			j.Error = b.ErrorMessage()
		case jobs.StatusCompleted:
			if !args.Complete() && j.Phase != screening.PhaseFinalizing {
				// Nothing to write back into; the batch itself succeeded.
				j.Status = jobs.StatusCompleted
				j.Phase = "Completed without write-back: parent or topic unknown"
			}
		case jobs.StatusQueued:
			j.Status = jobs.StatusQueued
		default:
			j.Status = jobs.StatusRunning
			if j.Phase != screening.PhaseFinalizing {
				j.Phase = jobs.PhaseWaitingExternal
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, jobs.ErrTerminal) {
			logger.Warn("failed to update job from batch", "job_id", rec.ID, "error", err)
		}
		return
	}
	rep.Updated++

	switch {
	case updated.Status == jobs.StatusFailed || updated.Status == jobs.StatusCanceled:
		rep.Failed++
		logger.Info("batch ended without output", "job_id", rec.ID, "status", b.Status, "error", updated.Error)
	case updated.Status == jobs.StatusCompleted:
		logger.Warn("batch completed but its target is unknown", "job_id", rec.ID)
	case b.Status == batch.StatusCompleted && updated.Phase != screening.PhaseFinalizing && !updated.RecoveryApplied():
		r.finalize(ctx, updated.ID, b, args, rep, triggered)
	}
}

// expired reports whether an untracked batch finished before the
// retention window.
func (r *Reconciler) expired(b batch.Batch) bool {
	if !b.Status.Terminal() {
		return false
	}
	at := b.TerminalAt()
	if at.IsZero() {
		at = b.CreatedAt
	}
	return !at.IsZero() && r.cfg.Now().Sub(at) > r.cfg.Retention
}

// adopt creates (or claims) the job record for an untracked batch.
func (r *Reconciler) adopt(b batch.Batch) (jobs.Record, error) {
	args := r.args(jobs.Record{}, b)

	// The job named in the metadata may still be submitting, or its
	// process died before recording the delegation. Either way it keeps
	// its record; claim it instead of creating a second one.
	if id := screening.JobIDFromMetadata(b.Metadata); id != "" {
		rec, err := r.cfg.Store.Update(id, func(j *jobs.Record) error {
			if j.ExternalBatchID != "" && j.ExternalBatchID != b.ID {
				return fmt.Errorf("job %s already owns batch %q", j.ID, j.ExternalBatchID)
			}
			j.External = true
			j.ExternalBatchID = b.ID
			j.Status = jobs.StatusRunning
			j.Phase = jobs.PhaseWaitingExternal
			return nil
		})
		if err == nil {
			r.saveLink(b.ID, rec.ID, args)
			r.logger.Info("claimed job for batch", "batch_id", b.ID, "job_id", rec.ID)
			return rec, nil
		}
		r.logger.Debug("batch metadata names an unclaimable job", "batch_id", b.ID, "job_id", id, "error", err)
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return jobs.Record{}, err
	}
	created := b.CreatedAt
	if created.IsZero() {
		created = r.cfg.Now()
	}
	rec, err := r.cfg.Store.Insert(jobs.Record{
		FunctionName:    screening.FunctionName,
		Status:          jobs.StatusRunning,
		Phase:           jobs.PhaseWaitingExternal,
		Progress:        10,
		RunnerPayload:   payload,
		External:        true,
		ExternalBatchID: b.ID,
		CreatedAt:       created,
	})
	if err != nil {
		return jobs.Record{}, err
	}
	if args.Complete() {
		r.saveLink(b.ID, rec.ID, args)
	}
	r.logger.Info("tracking orphaned batch", "batch_id", b.ID, "job_id", rec.ID, "status", b.Status)
	return rec, nil
}

func (r *Reconciler) saveLink(batchID, jobID string, args screening.Args) {
	if _, ok := r.cfg.Store.Link(batchID); ok {
		return
	}
	link := *args.Link()
	link.BatchID = batchID
	link.JobID = jobID
	if err := r.cfg.Store.SaveLink(link); err != nil {
		r.logger.Warn("failed to save batch link", "batch_id", batchID, "error", err)
	}
}

// args resolves workflow arguments for a batch field by field: the job
// payload, then the manual link, then batch metadata, then the recently
// touched target, then configured defaults.
func (r *Reconciler) args(rec jobs.Record, b batch.Batch) screening.Args {
	sources := []screening.Args{screening.PayloadArgs(rec)}
	if link, ok := r.cfg.Store.Link(b.ID); ok {
		sources = append(sources, screening.ArgsFromLink(link))
	}
	sources = append(sources, screening.ArgsFromMetadata(b.Metadata))
	if r.cfg.Recent != nil {
		if hint, ok := r.cfg.Recent.Hint(); ok {
			sources = append(sources, screening.ArgsFromHint(hint))
		}
	}
	sources = append(sources, r.cfg.Defaults)
	return screening.Synthesize(sources...)
}

func (r *Reconciler) finalize(ctx context.Context, jobID string, b batch.Batch, args screening.Args, rep *Report, triggered map[string]bool) {
	if r.cfg.Finalizer == nil || triggered[jobID] || r.cfg.Finalizer.Running(jobID) {
		return
	}
	triggered[jobID] = true
	rep.Finalizing++

	// Finalization outlives the pass; its own timeout bounds it.
	fctx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := r.cfg.Finalizer.Finalize(fctx, jobID, b, args)
		if err != nil && !errors.Is(err, screening.ErrFinalizeInProgress) {
			r.logger.Warn("finalization failed", "job_id", jobID, "batch_id", b.ID, "error", err)
		}
	}()
}

// sweep recovers delegated jobs the listing cannot advance: batches that
// vanished remotely with output cached here, and finalizations whose
// process died.
func (r *Reconciler) sweep(ctx context.Context, seen map[string]batch.Batch, gone map[string]bool, rep *Report, triggered map[string]bool) {
	now := r.cfg.Now()
	for _, rec := range r.tracked() {
		id := rec.ExternalBatchID
		if triggered[rec.ID] || r.cfg.Store.IsPurged(id) || rec.RecoveryApplied() {
			continue
		}
		if r.cfg.Finalizer != nil && r.cfg.Finalizer.Running(rec.ID) {
			continue
		}

		b, observed := seen[id]
		if observed && b.Status != batch.StatusCompleted {
			continue
		}
		if !observed {
			b = batch.Batch{ID: id, Status: batch.StatusCompleted}
		}
		cached := r.cfg.Cache != nil && r.cfg.Cache.HasOutput(id)

		if rec.Phase == screening.PhaseFinalizing {
			res := rec.EnsureResult()
			if res.FinalizeStartedAt != nil && now.Sub(*res.FinalizeStartedAt) > r.cfg.FinalizeTimeout {
				r.failJob(rec.ID, fmt.Errorf("finalization did not finish within %s", r.cfg.FinalizeTimeout))
				rep.Failed++
				continue
			}
			if res.HeartbeatAt != nil && now.Sub(*res.HeartbeatAt) <= r.cfg.StaleAfter {
				continue
			}
			if !observed && !cached {
				continue
			}
			r.logger.Info("restarting stale finalization", "job_id", rec.ID, "batch_id", id)
			r.finalize(ctx, rec.ID, b, r.args(rec, b), rep, triggered)
			continue
		}

		switch {
		case !observed && cached:
			args := r.args(rec, b)
			if !args.Complete() {
				continue
			}
			r.logger.Info("finalizing vanished batch from cache", "job_id", rec.ID, "batch_id", id)
			r.finalize(ctx, rec.ID, b, args, rep, triggered)
		case gone[id]:
			r.failJob(rec.ID, fmt.Errorf("batch %s no longer exists and no output was cached", id))
			rep.Failed++
		}
	}
}

func (r *Reconciler) failJob(jobID string, cause error) {
	_, err := r.cfg.Store.Update(jobID, func(j *jobs.Record) error {
		j.Status = jobs.StatusFailed
		j.Error = cause.Error()
		return nil
	})
	if err != nil {
		r.logger.Warn("failed to record job failure", "job_id", jobID, "error", err)
		return
	}
	r.logger.Warn("job failed", "job_id", jobID, "error", cause)
}
