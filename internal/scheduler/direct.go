package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/krpothula/cryoprocess-sub001/internal/logging"
	"github.com/krpothula/cryoprocess-sub001/internal/models"
)

// process tracks one locally spawned job.
type process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	stderr string

	mu     sync.Mutex
	status models.JobStatus
}

func (p *process) setStatus(s models.JobStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *process) getStatus() models.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// DirectBackend runs job commands as local child processes.
type DirectBackend struct {
	logger *logging.Logger

	mu    sync.Mutex
	procs map[string]*process
}

// NewDirectBackend creates a local process backend.
func NewDirectBackend(logger *logging.Logger) *DirectBackend {
	return &DirectBackend{
		logger: logger,
		procs:  make(map[string]*process),
	}
}

// Submit spawns the job command with stdout and stderr captured into the
// job's output directory.
func (d *DirectBackend) Submit(ctx context.Context, job *models.Job) (string, error) {
	cmd := exec.Command("sh", "-c", job.Command)
	cmd.Dir = job.OutputPath

	outPath := filepath.Join(job.OutputPath, "run.out")
	errPath := filepath.Join(job.OutputPath, "run.err")
	stdout, err := os.Create(outPath)
	if err != nil {
		return "", &SchedulerError{Op: "submit", Err: err}
	}
	stderr, err := os.Create(errPath)
	if err != nil {
		stdout.Close()
		return "", &SchedulerError{Op: "submit", Err: err}
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return "", &SchedulerError{Op: "submit", Err: err}
	}

	handle := ulid.Make().String()
	proc := &process{
		cmd:    cmd,
		done:   make(chan struct{}),
		stderr: errPath,
		status: models.JobRunning,
	}
	d.mu.Lock()
	d.procs[handle] = proc
	d.mu.Unlock()

	d.logger.Debug().
		Str("handle", handle).
		Int("pid", cmd.Process.Pid).
		Str("job", job.Name).
		Msg("Spawned local process")

	go func() {
		defer stdout.Close()
		defer stderr.Close()
		err := cmd.Wait()
		switch {
		case err == nil:
			proc.setStatus(models.JobSuccess)
		case proc.getStatus() == models.JobCancelled:
			// Killed on request, keep the cancelled status.
		default:
			proc.setStatus(models.JobFailed)
		}
		close(proc.done)
	}()

	return handle, nil
}

// Status reports the process state, attaching a stderr tail on failure.
func (d *DirectBackend) Status(ctx context.Context, handle string) (StatusInfo, error) {
	d.mu.Lock()
	proc, ok := d.procs[handle]
	d.mu.Unlock()
	if !ok {
		return StatusInfo{}, &SchedulerError{Op: "status", Handle: handle, Err: fmt.Errorf("unknown handle")}
	}

	status := proc.getStatus()
	info := StatusInfo{State: status}
	if status == models.JobFailed {
		info.Message = tailFile(proc.stderr, 4096)
	}
	return info, nil
}

// Cancel kills the process. Already-finished processes are a no-op.
func (d *DirectBackend) Cancel(ctx context.Context, handle string) error {
	d.mu.Lock()
	proc, ok := d.procs[handle]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-proc.done:
		return nil
	default:
	}

	proc.setStatus(models.JobCancelled)
	if err := proc.cmd.Process.Kill(); err != nil {
		return &SchedulerError{Op: "cancel", Handle: handle, Err: err}
	}
	return nil
}

// tailFile returns up to limit trailing bytes of a file, for error
// messages. Read failures yield an empty string.
func tailFile(path string, limit int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := int64(0)
	if st.Size() > limit {
		offset = st.Size() - limit
	}
	buf := make([]byte, st.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return ""
	}
	return string(buf)
}
