package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/krpothula/cryoprocess-sub001/internal/logging"
	"github.com/krpothula/cryoprocess-sub001/internal/models"
)

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		raw    string
		want   models.JobStatus
		wantOK bool
	}{
		{"PD", models.JobPending, true},
		{"pending", models.JobPending, true},
		{"R", models.JobRunning, true},
		{"COMPLETING", models.JobRunning, true},
		{"CD", models.JobSuccess, true},
		{"completed", models.JobSuccess, true},
		{"F", models.JobFailed, true},
		{"TIMEOUT", models.JobFailed, true},
		{"NODE_FAIL", models.JobFailed, true},
		{"CA", models.JobCancelled, true},
		{" running ", models.JobRunning, true},
		{"REQUEUED", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := NormalizeStatus(c.raw)
		if ok != c.wantOK {
			t.Errorf("NormalizeStatus(%q) ok = %v, want %v", c.raw, ok, c.wantOK)
			continue
		}
		if ok && got != c.want {
			t.Errorf("NormalizeStatus(%q) = %s, want %s", c.raw, got, c.want)
		}
	}
}

func TestQueueSubmitParsesJobID(t *testing.T) {
	q := NewQueueBackend("sbatch", "squeue", "scancel", logging.Nop())
	var captured string
	q.runCommand = func(ctx context.Context, line string) (string, error) {
		captured = line
		return "4217;cluster0", nil
	}

	job := &models.Job{
		Name:       "job007",
		Command:    "relion_run_ctffind --i in.star",
		OutputPath: "/proj/CtfFind/job007",
		GPU:        true,
		MPIProcs:   4,
	}
	handle, err := q.Submit(context.Background(), job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if handle != "4217" {
		t.Errorf("handle = %q, want 4217", handle)
	}
	for _, want := range []string{"--parsable", "--job-name=job007", "--gres=gpu:1", "--ntasks=4", "--wrap"} {
		if !strings.Contains(captured, want) {
			t.Errorf("submit line %q missing %q", captured, want)
		}
	}
}

func TestQueueStatusUnknownStateIsTransient(t *testing.T) {
	q := NewQueueBackend("sbatch", "squeue", "scancel", logging.Nop())
	q.runCommand = func(ctx context.Context, line string) (string, error) {
		return "REQUEUED", nil
	}

	_, err := q.Status(context.Background(), "42")
	serr, ok := err.(*SchedulerError)
	if !ok {
		t.Fatalf("err = %v, want SchedulerError", err)
	}
	if !serr.Transient {
		t.Error("unknown queue state should be transient")
	}
}

func TestQueueStatusMissingJobMeansCompleted(t *testing.T) {
	q := NewQueueBackend("sbatch", "squeue", "scancel", logging.Nop())
	q.runCommand = func(ctx context.Context, line string) (string, error) {
		return "", nil
	}

	info, err := q.Status(context.Background(), "42")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.State != models.JobSuccess {
		t.Errorf("state = %s, want success", info.State)
	}
}

// fakeBackend scripts a sequence of status observations. submitErrs is
// consumed one per Submit call before submission succeeds; submitErr
// fails every call.
type fakeBackend struct {
	mu         sync.Mutex
	sequence   []StatusInfo
	errs       []error
	idx        int
	cancelled  bool
	submitErr  error
	submitErrs []error
}

func (f *fakeBackend) Submit(ctx context.Context, job *models.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return "", err
		}
	} else if f.submitErr != nil {
		return "", f.submitErr
	}
	return "h1", nil
}

func (f *fakeBackend) Status(ctx context.Context, handle string) (StatusInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.idx
	if i >= len(f.sequence) {
		i = len(f.sequence) - 1
	}
	f.idx++
	if i < len(f.errs) && f.errs[i] != nil {
		return StatusInfo{}, f.errs[i]
	}
	return f.sequence[i], nil
}

func (f *fakeBackend) Cancel(ctx context.Context, handle string) error {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
	return nil
}

// memStore records job updates in memory.
type memStore struct {
	mu      sync.Mutex
	updates []models.JobStatus
}

func (m *memStore) UpdateJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	m.updates = append(m.updates, job.Status)
	m.mu.Unlock()
	return nil
}

func TestAdapterRunToSuccess(t *testing.T) {
	backend := &fakeBackend{sequence: []StatusInfo{
		{State: models.JobRunning},
		{State: models.JobRunning},
		{State: models.JobSuccess},
	}}
	st := &memStore{}
	a := NewAdapter(backend, st, 5*time.Millisecond, 50*time.Millisecond, 2000, logging.Nop())

	job := &models.Job{Name: "job001", Status: models.JobPending, ExecutionMethod: models.ExecDirect}
	status, prior, err := a.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != models.JobSuccess {
		t.Errorf("status = %s, want success", status)
	}
	if prior != models.JobRunning {
		t.Errorf("prior = %s, want running", prior)
	}
	if job.StartedAt == nil || job.EndedAt == nil {
		t.Error("terminal job missing timestamps")
	}
	if job.SchedulerHandle != "h1" {
		t.Errorf("handle = %q, want h1", job.SchedulerHandle)
	}
}

func TestAdapterRetriesTransientErrors(t *testing.T) {
	transient := &SchedulerError{Op: "status", Transient: true, Err: fmt.Errorf("connection refused")}
	backend := &fakeBackend{
		sequence: []StatusInfo{{}, {}, {State: models.JobSuccess}},
		errs:     []error{transient, transient, nil},
	}
	st := &memStore{}
	a := NewAdapter(backend, st, 5*time.Millisecond, 50*time.Millisecond, 2000, logging.Nop())

	job := &models.Job{Name: "job001"}
	status, _, err := a.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != models.JobSuccess {
		t.Errorf("status = %s, want success after transient errors", status)
	}
}

func TestAdapterPollOutageNeverFailsJob(t *testing.T) {
	// Far more consecutive transient errors than one backoff burst can
	// absorb. The job record must never turn failed; polling resumes
	// until the backend answers again.
	transient := &SchedulerError{Op: "status", Transient: true, Err: fmt.Errorf("connection refused")}
	var errs []error
	var sequence []StatusInfo
	for i := 0; i < 30; i++ {
		errs = append(errs, transient)
		sequence = append(sequence, StatusInfo{})
	}
	errs = append(errs, nil)
	sequence = append(sequence, StatusInfo{State: models.JobSuccess})

	backend := &fakeBackend{sequence: sequence, errs: errs}
	st := &memStore{}
	a := NewAdapter(backend, st, time.Millisecond, 50*time.Millisecond, 2000, logging.Nop())

	job := &models.Job{Name: "job001", Status: models.JobPending}
	status, _, err := a.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != models.JobSuccess {
		t.Errorf("status = %s, want success after poll outage", status)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, seen := range st.updates {
		if seen == models.JobFailed {
			t.Fatal("poll outage was misreported as job failure")
		}
	}
}

func TestAdapterRetriesTransientSubmit(t *testing.T) {
	transient := &SchedulerError{Op: "submit", Transient: true, Err: fmt.Errorf("queue controller busy")}
	backend := &fakeBackend{
		submitErrs: []error{transient, transient},
		sequence:   []StatusInfo{{State: models.JobSuccess}},
	}
	st := &memStore{}
	a := NewAdapter(backend, st, time.Millisecond, 50*time.Millisecond, 2000, logging.Nop())

	job := &models.Job{Name: "job001"}
	status, _, err := a.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != models.JobSuccess {
		t.Errorf("status = %s, want success after transient submit errors", status)
	}
	if job.SchedulerHandle != "h1" {
		t.Errorf("handle = %q, want h1", job.SchedulerHandle)
	}
}

func TestAdapterPermanentSubmitFailureMarksJobFailed(t *testing.T) {
	backend := &fakeBackend{submitErr: &SchedulerError{Op: "submit", Err: fmt.Errorf("sbatch not found")}}
	st := &memStore{}
	a := NewAdapter(backend, st, time.Millisecond, 50*time.Millisecond, 2000, logging.Nop())

	job := &models.Job{Name: "job001", Status: models.JobPending}
	status, prior, err := a.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != models.JobFailed {
		t.Errorf("status = %s, want failed", status)
	}
	if prior != models.JobPending {
		t.Errorf("prior = %s, want pending for a job that never started", prior)
	}
	if !strings.Contains(job.ErrorMessage, "sbatch not found") {
		t.Errorf("error message = %q, want submit error detail", job.ErrorMessage)
	}
}

func TestAdapterTruncatesErrorMessage(t *testing.T) {
	long := strings.Repeat("x", 500)
	backend := &fakeBackend{sequence: []StatusInfo{{State: models.JobFailed, Message: long}}}
	st := &memStore{}
	a := NewAdapter(backend, st, 5*time.Millisecond, 50*time.Millisecond, 100, logging.Nop())

	job := &models.Job{Name: "job001"}
	if _, _, err := a.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(job.ErrorMessage) != 100 {
		t.Errorf("error message length = %d, want 100", len(job.ErrorMessage))
	}
}

func TestAdapterCancelOnContext(t *testing.T) {
	backend := &fakeBackend{sequence: []StatusInfo{
		{State: models.JobRunning},
	}}
	st := &memStore{}
	a := NewAdapter(backend, st, 5*time.Millisecond, 50*time.Millisecond, 2000, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	job := &models.Job{Name: "job001"}
	status, _, err := a.Run(ctx, job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != models.JobCancelled {
		t.Errorf("status = %s, want cancelled", status)
	}
	backend.mu.Lock()
	cancelled := backend.cancelled
	backend.mu.Unlock()
	if !cancelled {
		t.Error("backend cancel was not invoked")
	}
}
