package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/krpothula/cryoprocess-sub001/internal/logging"
	"github.com/krpothula/cryoprocess-sub001/internal/models"
)

// JobStore is the persistence surface the adapter needs.
type JobStore interface {
	UpdateJob(ctx context.Context, job *models.Job) error
}

// Adapter drives one job through a backend: submit, poll until terminal,
// persist every observed transition. Transient backend errors are retried
// with exponential backoff and never surface as job failures; the job
// record only changes on a successful poll or an explicit terminal
// signal from the backend.
type Adapter struct {
	backend       Backend
	store         JobStore
	logger        *logging.Logger
	pollInterval  time.Duration
	cancelMaxWait time.Duration
	errorLimit    int
}

// NewAdapter wires a backend to the job store.
func NewAdapter(backend Backend, store JobStore, pollInterval, cancelMaxWait time.Duration, errorLimit int, logger *logging.Logger) *Adapter {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if cancelMaxWait <= 0 {
		cancelMaxWait = 30 * time.Second
	}
	return &Adapter{
		backend:       backend,
		store:         store,
		logger:        logger,
		pollInterval:  pollInterval,
		cancelMaxWait: cancelMaxWait,
		errorLimit:    errorLimit,
	}
}

// Run executes the job to a terminal status. Context cancellation
// triggers a best-effort backend cancel and marks the job cancelled.
// prior is the last non-terminal status the job held, for notification
// payloads. The returned error covers persistence problems only;
// job-level failure is expressed through the status and the job record.
func (a *Adapter) Run(ctx context.Context, job *models.Job) (status, prior models.JobStatus, err error) {
	handle, err := a.submit(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			prior = job.Status
			a.finish(job, models.JobCancelled, "")
			return models.JobCancelled, prior, a.store.UpdateJob(context.Background(), job)
		}
		a.logger.Error().Str("job", job.Name).Err(err).Msg("Job submission failed")
		prior = job.Status
		a.finish(job, models.JobFailed, err.Error())
		return models.JobFailed, prior, a.store.UpdateJob(context.Background(), job)
	}

	now := time.Now()
	job.SchedulerHandle = handle
	job.StartedAt = &now
	job.Status = models.JobRunning
	if job.ExecutionMethod == models.ExecQueued {
		job.Status = models.JobPending
	}
	if err := a.store.UpdateJob(ctx, job); err != nil {
		return job.Status, job.Status, err
	}

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.cancel(job, handle)
		case <-ticker.C:
		}

		info, err := a.poll(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return a.cancel(job, handle)
			}
			// The job may well still be running on the backend, so a
			// poll outage never touches the job record. Polling resumes
			// on the next tick.
			a.logger.Warn().
				Str("job", job.Name).
				Err(err).
				Msg("Status poll failed, keeping last known status")
			continue
		}

		if info.State != job.Status {
			a.logger.Info().
				Str("job", job.Name).
				Str("from", string(job.Status)).
				Str("to", string(info.State)).
				Msg("Job status changed")
			if !info.State.Terminal() {
				job.Status = info.State
				if err := a.store.UpdateJob(ctx, job); err != nil {
					return job.Status, job.Status, err
				}
			}
		}

		if info.State.Terminal() {
			prior = job.Status
			a.finish(job, info.State, info.Message)
			return info.State, prior, a.store.UpdateJob(context.Background(), job)
		}
	}
}

// submit hands the job to the backend, retrying transient submission
// errors (a busy queue controller, a dropped connection) with backoff
// before giving up.
func (a *Adapter) submit(ctx context.Context, job *models.Job) (string, error) {
	var handle string
	op := func() error {
		var err error
		handle, err = a.backend.Submit(ctx, job)
		return retryable(err)
	}
	return handle, backoff.Retry(op, a.retryPolicy(ctx))
}

// poll fetches status, retrying transient errors with exponential
// backoff. When the retry window closes the error goes back to Run,
// which resumes polling without misreading the outage as job failure.
func (a *Adapter) poll(ctx context.Context, handle string) (StatusInfo, error) {
	var info StatusInfo
	op := func() error {
		var err error
		info, err = a.backend.Status(ctx, handle)
		return retryable(err)
	}
	err := backoff.Retry(op, a.retryPolicy(ctx))
	return info, err
}

func (a *Adapter) retryPolicy(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.pollInterval
	bo.MaxElapsedTime = 10 * a.pollInterval
	return backoff.WithContext(bo, ctx)
}

// retryable maps backend errors onto the backoff contract: transient
// scheduler errors retry, everything else stops the attempt burst.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	var serr *SchedulerError
	if errors.As(err, &serr) && serr.Transient {
		return err
	}
	return backoff.Permanent(err)
}

// cancel stops the backend job and waits a bounded time for it to land,
// then records the job as cancelled either way.
func (a *Adapter) cancel(job *models.Job, handle string) (models.JobStatus, models.JobStatus, error) {
	cctx, stop := context.WithTimeout(context.Background(), a.cancelMaxWait)
	defer stop()

	if err := a.backend.Cancel(cctx, handle); err != nil {
		a.logger.Warn().Str("job", job.Name).Err(err).Msg("Backend cancel failed")
	}

	deadline := time.Now().Add(a.cancelMaxWait)
	for time.Now().Before(deadline) {
		info, err := a.backend.Status(cctx, handle)
		if err == nil && info.State.Terminal() {
			break
		}
		time.Sleep(a.pollInterval / 2)
	}

	prior := job.Status
	a.finish(job, models.JobCancelled, "")
	return models.JobCancelled, prior, a.store.UpdateJob(context.Background(), job)
}

// finish stamps terminal state onto the job record.
func (a *Adapter) finish(job *models.Job, status models.JobStatus, message string) {
	job.Status = status
	now := time.Now()
	job.EndedAt = &now
	if message != "" && a.errorLimit > 0 && len(message) > a.errorLimit {
		message = message[:a.errorLimit]
	}
	job.ErrorMessage = message
}
