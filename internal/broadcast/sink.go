package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/krpothula/cryoprocess-sub001/internal/logging"
	"github.com/krpothula/cryoprocess-sub001/internal/models"
)

// TerminalNotification describes a job reaching success or failure. Only
// those two outcomes are pushed to external sinks.
type TerminalNotification struct {
	JobID     string           `json:"jobId"`
	ProjectID string           `json:"projectId"`
	JobName   string           `json:"jobName"`
	JobType   models.StageType `json:"jobType"`
	OldStatus models.JobStatus `json:"oldStatus"`
	NewStatus models.JobStatus `json:"newStatus"`
	Duration  float64          `json:"durationSeconds"`
	Error     string           `json:"error,omitempty"`
}

// Sink receives terminal job notifications.
type Sink interface {
	Notify(ctx context.Context, n TerminalNotification) error
	Name() string
}

// Notifier fans terminal notifications out to sinks, fire and forget.
// Sink failures are logged and never propagate into the pipeline.
type Notifier struct {
	sinks  []Sink
	logger *logging.Logger
}

// NewNotifier creates a notifier over the given sinks.
func NewNotifier(logger *logging.Logger, sinks ...Sink) *Notifier {
	return &Notifier{sinks: sinks, logger: logger}
}

// JobFinished pushes a notification for a job that ended in success or
// failure. Other terminal statuses are ignored.
func (n *Notifier) JobFinished(job *models.Job, oldStatus models.JobStatus) {
	if job.Status != models.JobSuccess && job.Status != models.JobFailed {
		return
	}
	note := TerminalNotification{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		JobName:   job.Name,
		JobType:   job.Type,
		OldStatus: oldStatus,
		NewStatus: job.Status,
		Duration:  job.Duration().Seconds(),
		Error:     job.ErrorMessage,
	}
	for _, sink := range n.sinks {
		go func(s Sink) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.Notify(ctx, note); err != nil {
				n.logger.Warn().
					Str("sink", s.Name()).
					Str("job", note.JobName).
					Err(err).
					Msg("Notification sink failed")
			}
		}(sink)
	}
}

// WebhookSink POSTs notifications as JSON to a fixed URL with retries.
type WebhookSink struct {
	url    string
	client *retryablehttp.Client
}

// NewWebhookSink creates a webhook sink for the URL.
func NewWebhookSink(url string) *WebhookSink {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	return &WebhookSink{url: url, client: client}
}

func (w *WebhookSink) Name() string { return "webhook:" + w.url }

// Notify delivers one notification, retrying transport failures.
func (w *WebhookSink) Notify(ctx context.Context, n TerminalNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
