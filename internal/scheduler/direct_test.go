package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/krpothula/cryoprocess-sub001/internal/logging"
	"github.com/krpothula/cryoprocess-sub001/internal/models"
)

func waitForTerminal(t *testing.T, d *DirectBackend, handle string) StatusInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, err := d.Status(context.Background(), handle)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if info.State.Terminal() {
			return info
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("process did not reach a terminal state")
	return StatusInfo{}
}

func TestDirectBackendRunsCommand(t *testing.T) {
	d := NewDirectBackend(logging.Nop())
	out := t.TempDir()

	handle, err := d.Submit(context.Background(), &models.Job{
		Name:       "job001",
		Command:    "echo hello",
		OutputPath: out,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	info := waitForTerminal(t, d, handle)
	if info.State != models.JobSuccess {
		t.Errorf("state = %s, want success", info.State)
	}

	data, err := os.ReadFile(filepath.Join(out, "run.out"))
	if err != nil {
		t.Fatalf("read run.out: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("run.out = %q, want command output", data)
	}
}

func TestDirectBackendCapturesFailure(t *testing.T) {
	d := NewDirectBackend(logging.Nop())
	out := t.TempDir()

	handle, err := d.Submit(context.Background(), &models.Job{
		Name:       "job001",
		Command:    "echo boom >&2; exit 3",
		OutputPath: out,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	info := waitForTerminal(t, d, handle)
	if info.State != models.JobFailed {
		t.Errorf("state = %s, want failed", info.State)
	}
	if !strings.Contains(info.Message, "boom") {
		t.Errorf("message = %q, want stderr tail", info.Message)
	}
}

func TestDirectBackendCancel(t *testing.T) {
	d := NewDirectBackend(logging.Nop())
	out := t.TempDir()

	handle, err := d.Submit(context.Background(), &models.Job{
		Name:       "job001",
		Command:    "sleep 30",
		OutputPath: out,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := d.Cancel(context.Background(), handle); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	info := waitForTerminal(t, d, handle)
	if info.State != models.JobCancelled {
		t.Errorf("state = %s, want cancelled", info.State)
	}

	// Cancelling again is a no-op.
	if err := d.Cancel(context.Background(), handle); err != nil {
		t.Errorf("second cancel: %v", err)
	}
}
