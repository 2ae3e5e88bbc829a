package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/krpothula/cryoprocess-sub001/internal/logging"
	"github.com/krpothula/cryoprocess-sub001/internal/models"
)

// QueueBackend submits jobs to an external batch scheduler through
// configurable submit, status, and cancel commands. Defaults target
// Slurm (sbatch, squeue, scancel) but any tool with the same contract
// works.
type QueueBackend struct {
	submitCmd string
	statusCmd string
	cancelCmd string
	logger    *logging.Logger

	// runCommand is swappable in tests.
	runCommand func(ctx context.Context, line string) (string, error)
}

// NewQueueBackend creates a queue backend using the given command names.
func NewQueueBackend(submitCmd, statusCmd, cancelCmd string, logger *logging.Logger) *QueueBackend {
	return &QueueBackend{
		submitCmd:  submitCmd,
		statusCmd:  statusCmd,
		cancelCmd:  cancelCmd,
		logger:     logger,
		runCommand: runShell,
	}
}

func runShell(ctx context.Context, line string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Submit wraps the job command into a batch submission and returns the
// queue's job id as the handle.
func (q *QueueBackend) Submit(ctx context.Context, job *models.Job) (string, error) {
	var flags []string
	flags = append(flags, "--parsable", fmt.Sprintf("--job-name=%s", job.Name), fmt.Sprintf("--chdir=%s", job.OutputPath))
	if job.GPU {
		flags = append(flags, "--gres=gpu:1")
	}
	if job.MPIProcs > 1 {
		flags = append(flags, fmt.Sprintf("--ntasks=%d", job.MPIProcs))
	}
	line := fmt.Sprintf("%s %s --wrap %q", q.submitCmd, strings.Join(flags, " "), job.Command)

	out, err := q.runCommand(ctx, line)
	if err != nil {
		return "", &SchedulerError{Op: "submit", Err: err}
	}
	// --parsable may emit "jobid;cluster".
	handle := strings.SplitN(out, ";", 2)[0]
	if handle == "" {
		return "", &SchedulerError{Op: "submit", Err: fmt.Errorf("empty job id from %s", q.submitCmd)}
	}

	q.logger.Debug().Str("handle", handle).Str("job", job.Name).Msg("Submitted to queue")
	return handle, nil
}

// Status queries the queue for the handle's state. A job the queue no
// longer lists is reported as completed, since most schedulers drop
// finished jobs from their active tables.
func (q *QueueBackend) Status(ctx context.Context, handle string) (StatusInfo, error) {
	line := fmt.Sprintf("%s -h -j %s -o %%T", q.statusCmd, handle)
	out, err := q.runCommand(ctx, line)
	if err != nil {
		return StatusInfo{}, &SchedulerError{Op: "status", Handle: handle, Transient: true, Err: err}
	}
	if out == "" {
		return StatusInfo{State: models.JobSuccess}, nil
	}

	status, ok := NormalizeStatus(out)
	if !ok {
		return StatusInfo{}, &SchedulerError{
			Op: "status", Handle: handle, Transient: true,
			Err: fmt.Errorf("unrecognized queue state %q", out),
		}
	}
	info := StatusInfo{State: status}
	if status == models.JobFailed {
		info.Message = fmt.Sprintf("queue reported state %s", out)
	}
	return info, nil
}

// Cancel asks the queue to terminate the job.
func (q *QueueBackend) Cancel(ctx context.Context, handle string) error {
	line := fmt.Sprintf("%s %s", q.cancelCmd, handle)
	if _, err := q.runCommand(ctx, line); err != nil {
		return &SchedulerError{Op: "cancel", Handle: handle, Err: err}
	}
	return nil
}
