package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"time"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned when mutating a job that already finished.
	ErrTerminal = errors.New("job already in a terminal state")
	// ErrExternalCancel is returned when cancelling a job delegated to the batch API.
	ErrExternalCancel = errors.New("delegated jobs cannot be cancelled locally, purge the batch instead")
	// ErrPendingWithoutID marks a delegation that reported pending work but no batch id.
	ErrPendingWithoutID = errors.New("batch submission reported pending without a batch id")
	// ErrUnknownFunction is returned when no runner is registered for a function name.
	ErrUnknownFunction = errors.New("unknown job function")
	// ErrBatchTracked is returned when inserting a second job for the same batch.
	ErrBatchTracked = errors.New("batch already tracked by another job")
)

// Status represents the current state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// PhaseWaitingExternal is the phase of a job handed to the batch API.
const PhaseWaitingExternal = "Waiting for external batch"

// Result is the structured result attached to a job.
type Result struct {
	// RecoveryApplied is set once finalization has written results back.
	// It makes the recovery re-entry a no-op.
	RecoveryApplied   bool            `json:"recovery_applied,omitempty"`
	HeartbeatAt       *time.Time      `json:"heartbeat_at,omitempty"`
	FinalizeStartedAt *time.Time      `json:"finalize_started_at,omitempty"`
	FinalizeAttempts  int             `json:"finalize_attempts,omitempty"`
	Outcome           json.RawMessage `json:"outcome,omitempty"`
}

// Record is a persisted job.
type Record struct {
	ID              string          `json:"id"`
	FunctionName    string          `json:"function_name"`
	Status          Status          `json:"status"`
	Progress        int             `json:"progress"`
	Phase           string          `json:"phase,omitempty"`
	RunnerPayload   json.RawMessage `json:"runner_payload,omitempty"`
	ExternalBatchID string          `json:"external_batch_id,omitempty"`
	External        bool            `json:"external,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Error           string          `json:"error,omitempty"`
	Result          *Result         `json:"result,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() Record {
	c := *r
	c.RunnerPayload = slices.Clone(r.RunnerPayload)
	c.StartedAt = cloneTime(r.StartedAt)
	c.FinishedAt = cloneTime(r.FinishedAt)
	if r.Result != nil {
		res := *r.Result
		res.HeartbeatAt = cloneTime(r.Result.HeartbeatAt)
		res.FinalizeStartedAt = cloneTime(r.Result.FinalizeStartedAt)
		res.Outcome = slices.Clone(r.Result.Outcome)
		c.Result = &res
	}
	return c
}

// RecoveryApplied reports whether finalization already wrote results back.
func (r *Record) RecoveryApplied() bool {
	return r.Result != nil && r.Result.RecoveryApplied
}

// EnsureResult returns r.Result, allocating it when nil.
func (r *Record) EnsureResult() *Result {
	if r.Result == nil {
		r.Result = &Result{}
	}
	return r.Result
}

// HasPayload reports whether the record carries a resumable payload.
func (r *Record) HasPayload() bool {
	return len(r.RunnerPayload) > 0 && string(r.RunnerPayload) != "null"
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Dependencies provides access to shared resources for job execution.
type Dependencies struct {
	Store  *Store
	JobID  string
	Logger *slog.Logger
}

// depsKey is the context key for Dependencies.
type depsKey struct{}

// ContextWithDeps returns a new context with Dependencies attached.
func ContextWithDeps(ctx context.Context, deps Dependencies) context.Context {
	return context.WithValue(ctx, depsKey{}, deps)
}

// DepsFromContext retrieves Dependencies from the context.
// Returns a Dependencies with nil fields if not found.
func DepsFromContext(ctx context.Context) Dependencies {
	deps, ok := ctx.Value(depsKey{}).(Dependencies)
	if !ok {
		return Dependencies{}
	}
	return deps
}

// ReportProgress updates progress and phase of the job running under ctx.
// It is a no-op outside a dispatched job or once the job has finished.
func ReportProgress(ctx context.Context, progress int, phase string) {
	deps := DepsFromContext(ctx)
	if deps.Store == nil || deps.JobID == "" {
		return
	}
	_, err := deps.Store.Update(deps.JobID, func(r *Record) error {
		if r.Status != StatusRunning {
			return nil
		}
		r.Progress = max(0, min(progress, 99))
		if phase != "" {
			r.Phase = phase
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrTerminal) && deps.Logger != nil {
		deps.Logger.Debug("progress update failed", "job_id", deps.JobID, "error", err)
	}
}
