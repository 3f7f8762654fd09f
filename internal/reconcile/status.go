package reconcile

import (
	"github.com/jackzampolin/screener/internal/batch"
	"github.com/jackzampolin/screener/internal/jobs"
)

// MapStatus maps a remote batch status onto the job lifecycle.
func MapStatus(s batch.Status) jobs.Status {
	switch s {
	case batch.StatusValidating, batch.StatusInProgress, batch.StatusFinalizing, batch.StatusCancelling:
		return jobs.StatusRunning
	case batch.StatusCompleted:
		return jobs.StatusCompleted
	case batch.StatusCancelled:
		return jobs.StatusCanceled
	case batch.StatusFailed, batch.StatusExpired:
		return jobs.StatusFailed
	default:
		return jobs.StatusQueued
	}
}

// Progress derives job progress from request counters. While the batch
// runs the value stays within [10, 99]; terminal batches report 100.
func Progress(b batch.Batch) int {
	if b.Status.Terminal() {
		return 100
	}
	if b.Counts.Total <= 0 {
		return 10
	}
	done := b.Counts.Completed + b.Counts.Failed
	return max(10, min(99, done*100/b.Counts.Total))
}
