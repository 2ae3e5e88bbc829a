// Package scheduler executes jobs either as local processes or through an
// external batch queue, and normalizes their lifecycle into job statuses.
package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/krpothula/cryoprocess-sub001/internal/models"
)

// StatusInfo is one observation of a submitted job.
type StatusInfo struct {
	State   models.JobStatus
	Message string // failure detail when terminal, empty otherwise
}

// Backend submits and tracks jobs on an execution substrate.
type Backend interface {
	// Submit starts the job and returns an opaque handle for tracking.
	Submit(ctx context.Context, job *models.Job) (string, error)
	// Status reports the current state for a handle.
	Status(ctx context.Context, handle string) (StatusInfo, error)
	// Cancel requests termination. Best effort, idempotent.
	Cancel(ctx context.Context, handle string) error
}

// SchedulerError wraps a backend failure. Transient errors are retried by
// the adapter instead of being reported as job failures.
type SchedulerError struct {
	Op        string
	Handle    string
	Transient bool
	Err       error
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("scheduler %s failed for %s: %v", e.Op, e.Handle, e.Err)
}

func (e *SchedulerError) Unwrap() error { return e.Err }

// statusTable maps raw backend state strings to normalized statuses.
// Covers both Slurm short codes and long-form names.
var statusTable = map[string]models.JobStatus{
	"pd": models.JobPending, "pending": models.JobPending,
	"queued": models.JobPending, "cf": models.JobPending,
	"configuring": models.JobPending,

	"r": models.JobRunning, "running": models.JobRunning,
	"cg": models.JobRunning, "completing": models.JobRunning,

	"cd": models.JobSuccess, "completed": models.JobSuccess,
	"done": models.JobSuccess, "success": models.JobSuccess,

	"f": models.JobFailed, "failed": models.JobFailed,
	"to": models.JobFailed, "timeout": models.JobFailed,
	"nf": models.JobFailed, "node_fail": models.JobFailed,
	"oom": models.JobFailed, "out_of_memory": models.JobFailed,
	"bf": models.JobFailed, "boot_fail": models.JobFailed,

	"ca": models.JobCancelled, "cancelled": models.JobCancelled,
	"canceled": models.JobCancelled,
}

// NormalizeStatus maps a raw backend state string onto the job status
// vocabulary. The second return is false for states the table doesn't
// know, which callers treat as transient rather than as failures.
func NormalizeStatus(raw string) (models.JobStatus, bool) {
	status, ok := statusTable[strings.ToLower(strings.TrimSpace(raw))]
	return status, ok
}
