package screening

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackzampolin/screener/internal/batch"
	"github.com/jackzampolin/screener/internal/calibrate"
	"github.com/jackzampolin/screener/internal/classify"
	"github.com/jackzampolin/screener/internal/jobs"
	"github.com/jackzampolin/screener/internal/library"
	"github.com/jackzampolin/screener/internal/writeback"
)

// PhaseFinalizing marks a delegated job whose output is being written back.
const PhaseFinalizing = "Finalizing batch results"

// ErrFinalizeInProgress is returned when the job is already being finalized
// by this process.
var ErrFinalizeInProgress = errors.New("finalization already in progress")

// FinalizerConfig configures a Finalizer.
type FinalizerConfig struct {
	Store           *jobs.Store
	Batches         batch.API
	Cache           *batch.Cache
	Library         library.Library
	DownloadTimeout time.Duration // Default 35s
	Timeout         time.Duration // Whole attempt, default 20m
	HeartbeatEvery  time.Duration // Minimum gap between heartbeat writes, default 1s
	Logger          *slog.Logger
	Now             func() time.Time // Optional (tests)
}

// Finalizer writes the output of a finished batch back into the library.
// It can be re-run after a crash: cached output is reused and write-back
// skips items already filed.
type Finalizer struct {
	cfg    FinalizerConfig
	engine *writeback.Engine
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewFinalizer creates a Finalizer.
func NewFinalizer(cfg FinalizerConfig) *Finalizer {
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 35 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Minute
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{
		cfg:      cfg,
		engine:   writeback.New(cfg.Library, logger),
		logger:   logger,
		inFlight: make(map[string]bool),
	}
}

// Running reports whether jobID is being finalized by this process.
func (f *Finalizer) Running(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight[jobID]
}

func (f *Finalizer) acquire(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight[jobID] {
		return false
	}
	f.inFlight[jobID] = true
	return true
}

func (f *Finalizer) release(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inFlight, jobID)
}

// Finalize downloads (or loads cached) output for batch b, calibrates and
// writes it back, and completes the job. Failures are recorded on the job.
// A job with recovery already applied is left untouched.
func (f *Finalizer) Finalize(ctx context.Context, jobID string, b batch.Batch, args Args) error {
	if !f.acquire(jobID) {
		return ErrFinalizeInProgress
	}
	defer f.release(jobID)

	rec, err := f.cfg.Store.Get(jobID)
	if err != nil {
		return err
	}
	if rec.RecoveryApplied() {
		return nil
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", jobs.ErrTerminal, jobID, rec.Status)
	}

	logger := f.logger.With("job_id", jobID, "batch_id", b.ID)
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	started := f.cfg.Now()
	_, err = f.cfg.Store.Update(jobID, func(r *jobs.Record) error {
		res := r.EnsureResult()
		res.FinalizeStartedAt = &started
		res.HeartbeatAt = &started
		res.FinalizeAttempts++
		r.Phase = PhaseFinalizing
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("finalizing batch")

	summary, err := f.finalize(ctx, jobID, b, args)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("finalization timed out after %s: %w", f.cfg.Timeout, err)
		}
		logger.Error("finalization failed", "error", err)
		f.fail(jobID, err)
		return err
	}

	raw, err := json.Marshal(summary)
	if err != nil {
		f.fail(jobID, err)
		return err
	}
	_, err = f.cfg.Store.Update(jobID, func(r *jobs.Record) error {
		res := r.EnsureResult()
		res.RecoveryApplied = true
		res.Outcome = raw
		now := f.cfg.Now()
		res.HeartbeatAt = &now
		r.Status = jobs.StatusCompleted
		r.Phase = "Completed"
		r.Error = ""
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("batch finalized", "added", summary.Added, "skipped", summary.Skipped, "failed", summary.Failed)
	return nil
}

func (f *Finalizer) finalize(ctx context.Context, jobID string, b batch.Batch, args Args) (*Summary, error) {
	if !args.Complete() {
		return nil, fmt.Errorf("cannot finalize batch %s: missing parent or topic", b.ID)
	}

	output, err := f.output(ctx, b)
	if err != nil {
		return nil, err
	}
	entries, problems := batch.Decode(output)
	if len(entries) == 0 && len(problems) > 0 {
		return nil, fmt.Errorf("batch %s output had no usable lines (%d unparsed, first: %s)", b.ID, len(problems), problems[0].Error)
	}
	f.beat(jobID)

	entries = f.calibrate(ctx, b.ID, args.Topic, entries)

	last := f.cfg.Now()
	outcome, err := f.engine.Apply(ctx, writeback.Request{
		Parent:        args.ParentIdentifier,
		Topic:         args.Topic,
		Threshold:     args.Threshold(),
		SubfolderName: args.SubfolderName,
		Entries:       entries,
		OnProgress: func(done, total int) {
			if now := f.cfg.Now(); done == total || now.Sub(last) >= f.cfg.HeartbeatEvery {
				last = now
				f.beat(jobID)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return &Summary{Mode: ModeBatch, BatchID: b.ID, Outcome: outcome, Unparsed: problems}, nil
}

// output returns cached output or downloads and caches it.
func (f *Finalizer) output(ctx context.Context, b batch.Batch) ([]byte, error) {
	if f.cfg.Cache != nil {
		if data, ok := f.cfg.Cache.LoadOutput(b.ID); ok {
			return data, nil
		}
	}
	if b.OutputFileID == "" {
		return nil, fmt.Errorf("batch %s has no output file", b.ID)
	}
	if f.cfg.Batches == nil {
		return nil, fmt.Errorf("batch API is not configured")
	}

	dctx, cancel := context.WithTimeout(ctx, f.cfg.DownloadTimeout)
	defer cancel()
	data, err := f.cfg.Batches.Download(dctx, b.OutputFileID)
	if err != nil {
		return nil, fmt.Errorf("download output for %s: %w", b.ID, err)
	}
	if f.cfg.Cache != nil {
		if err := f.cfg.Cache.SaveOutput(b.ID, data); err != nil {
			f.logger.Warn("failed to cache batch output", "batch_id", b.ID, "error", err)
		}
	}
	return data, nil
}

// calibrate adjusts entries using the submitted candidate text, falling
// back to the library when the manifest is gone.
func (f *Finalizer) calibrate(ctx context.Context, batchID, topic string, entries []classify.Entry) []classify.Entry {
	var manifest *batch.Manifest
	if f.cfg.Cache != nil {
		if m, err := f.cfg.Cache.LoadManifest(batchID); err == nil {
			manifest = m
		}
	}

	out := make([]classify.Entry, 0, len(entries))
	for _, e := range entries {
		var cand classify.Candidate
		found := false
		if manifest != nil {
			cand, found = manifest.Candidate(e.Key)
		}
		if !found && f.cfg.Library != nil {
			if it, err := f.cfg.Library.Item(ctx, e.Key); err == nil {
				cand = classify.Candidate{Key: it.Key, Title: it.Title, Abstract: it.Abstract}
				found = true
			}
		}
		if !found {
			// Without text the raw decision stands.
			out = append(out, e)
			continue
		}
		out = append(out, calibrate.Calibrate(e, cand.Text(), topic))
	}
	return out
}

func (f *Finalizer) beat(jobID string) {
	now := f.cfg.Now()
	_, err := f.cfg.Store.Update(jobID, func(r *jobs.Record) error {
		r.EnsureResult().HeartbeatAt = &now
		return nil
	})
	if err != nil {
		f.logger.Debug("heartbeat failed", "job_id", jobID, "error", err)
	}
}

func (f *Finalizer) fail(jobID string, cause error) {
	_, err := f.cfg.Store.Update(jobID, func(r *jobs.Record) error {
		r.Status = jobs.StatusFailed
		r.Error = cause.Error()
		return nil
	})
	if err != nil {
		f.logger.Warn("failed to record finalization failure", "job_id", jobID, "error", err)
	}
}

// Retry re-enters a finished delegated job and finalizes it again. It is
// a no-op for jobs whose results were already written back.
func (f *Finalizer) Retry(ctx context.Context, jobID string, args Args) error {
	rec, err := f.cfg.Store.Get(jobID)
	if err != nil {
		return err
	}
	if rec.ExternalBatchID == "" {
		return fmt.Errorf("job %s has no batch to finalize", jobID)
	}
	if f.Running(jobID) {
		return ErrFinalizeInProgress
	}

	b := batch.Batch{ID: rec.ExternalBatchID}
	if f.cfg.Cache == nil || !f.cfg.Cache.HasOutput(b.ID) {
		if f.cfg.Batches == nil {
			return fmt.Errorf("batch API is not configured")
		}
		got, err := f.cfg.Batches.Get(ctx, b.ID)
		if err != nil {
			return err
		}
		if got.Status != batch.StatusCompleted {
			return fmt.Errorf("batch %s is %s, not completed", b.ID, got.Status)
		}
		b = got
	}

	if rec.Status.Terminal() {
		_, entered, err := f.cfg.Store.Reenter(jobID, func(r *jobs.Record) {
			r.Phase = PhaseFinalizing
		})
		if err != nil {
			return err
		}
		if !entered {
			return nil
		}
	}
	return f.Finalize(ctx, jobID, b, args)
}
