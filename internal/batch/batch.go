// Package batch wraps the asynchronous batch API used for delegated
// screening runs: request-file construction, submission, status polling,
// output download and a local cache of inputs and outputs.
package batch

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the remote batch does not exist.
var ErrNotFound = errors.New("batch not found")

// Supported endpoints. Batches on any other endpoint are not ours.
const (
	EndpointChatCompletions = "/v1/chat/completions"
	EndpointResponses       = "/v1/responses"
)

// IsSupportedEndpoint reports whether endpoint is one of the two
// completion-style protocols screening submits to.
func IsSupportedEndpoint(endpoint string) bool {
	return endpoint == EndpointChatCompletions || endpoint == EndpointResponses
}

// Status is the remote lifecycle state of a batch.
type Status string

const (
	StatusValidating Status = "validating"
	StatusInProgress Status = "in_progress"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions will happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Counts are the request counts reported for a batch.
type Counts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Batch is the subset of remote batch state screening relies on.
type Batch struct {
	ID           string            `json:"id"`
	Status       Status            `json:"status"`
	Endpoint     string            `json:"endpoint"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Counts       Counts            `json:"request_counts"`
	CreatedAt    time.Time         `json:"created_at"`
	InProgressAt time.Time         `json:"in_progress_at,omitzero"`
	CompletedAt  time.Time         `json:"completed_at,omitzero"`
	FailedAt     time.Time         `json:"failed_at,omitzero"`
	ExpiredAt    time.Time         `json:"expired_at,omitzero"`
	CancelledAt  time.Time         `json:"cancelled_at,omitzero"`
	OutputFileID string            `json:"output_file_id,omitempty"`
	ErrorFileID  string            `json:"error_file_id,omitempty"`
	Errors       []string          `json:"errors,omitempty"`
}

// TerminalAt returns when the batch reached a terminal state, or zero.
func (b Batch) TerminalAt() time.Time {
	for _, t := range []time.Time{b.CompletedAt, b.FailedAt, b.ExpiredAt, b.CancelledAt} {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

// ErrorMessage returns the first reported error or a status-derived default.
func (b Batch) ErrorMessage() string {
	if len(b.Errors) > 0 && b.Errors[0] != "" {
		return b.Errors[0]
	}
	switch b.Status {
	case StatusExpired:
		return "batch expired before completion"
	case StatusCancelled:
		return "batch was cancelled"
	default:
		return "batch failed"
	}
}

// Submission is a request file ready to upload.
type Submission struct {
	Endpoint string
	Body     []byte // NDJSON
	Metadata map[string]string
}

// API is the batch service used by screening and reconciliation.
type API interface {
	List(ctx context.Context, limit int) ([]Batch, error)
	Get(ctx context.Context, id string) (Batch, error)
	Submit(ctx context.Context, sub Submission) (Batch, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
	Cancel(ctx context.Context, id string) error
}
