// Package webhook delivers job-completion notifications over HTTP with
// bounded retries and an append-only delivery ledger.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shrey150/stagehand-jobs/pkg/core"
	"github.com/shrey150/stagehand-jobs/pkg/security"
)

// MaxDeliveryAttempts bounds retries for a single notification.
const MaxDeliveryAttempts = 3

const defaultRequestTimeout = 30 * time.Second

// payload is the JSON body sent to the subscriber URL.
type payload struct {
	Event     string     `json:"event"`
	Timestamp time.Time  `json:"timestamp"`
	Job       payloadJob `json:"job"`
}

type payloadJob struct {
	ID     string          `json:"id"`
	Status core.JobStatus  `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Timing payloadTiming   `json:"timing"`
}

type payloadTiming struct {
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  *int64     `json:"durationMs,omitempty"`
}

// Notifier sends webhook notifications. Delivery outcomes never feed back
// into job state; a job is complete whether or not its subscriber is up.
type Notifier struct {
	storage core.Storage
	sched   core.Scheduler
	client  *http.Client
	bus     *core.Bus
	logger  *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithBus sets the event bus.
func WithBus(b *core.Bus) Option {
	return func(n *Notifier) { n.bus = b }
}

// New creates a notifier.
func New(storage core.Storage, sched core.Scheduler, opts ...Option) *Notifier {
	n := &Notifier{
		storage: storage,
		sched:   sched,
		client:  &http.Client{Timeout: defaultRequestTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Deliver sends one notification attempt for a finished job. The payload is
// built from the job's current row at send time, so a retry after downtime
// reports final state rather than a snapshot taken when the job finished.
// Registered under core.TaskDeliverWebhook.
func (n *Notifier) Deliver(ctx context.Context, args core.DeliverWebhookArgs) error {
	job, err := n.storage.GetJob(ctx, args.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		n.logger.Warn("webhook delivery for missing job", "job_id", args.JobID)
		return nil
	}
	if job.Status != core.StatusCompleted && job.Status != core.StatusFailed {
		// Only settled outcomes are notified; cancellation is caller-driven.
		n.logger.Info("skipping webhook, job not settled", "job_id", job.ID, "status", job.Status)
		return nil
	}

	body, err := n.buildPayload(job)
	if err != nil {
		n.logger.Error("failed to encode webhook payload", "job_id", job.ID, "error", err)
		return nil
	}

	delivery := &core.WebhookDelivery{
		ID:      uuid.NewString(),
		JobID:   job.ID,
		URL:     args.URL,
		Payload: body,
		Attempt: args.Attempt,
		Status:  core.DeliveryPending,
	}
	// Recorded before the send so a crash mid-request still leaves a trace.
	if err := n.storage.CreateDelivery(ctx, delivery); err != nil {
		return err
	}

	status, respBody, sendErr := n.send(ctx, args.URL, body)
	if sendErr == nil && status >= 200 && status < 300 {
		now := time.Now()
		if err := n.storage.MarkDeliverySent(ctx, delivery.ID, status, respBody, now); err != nil {
			return err
		}
		delivery.Status = core.DeliverySent
		delivery.ResponseStatus = &status
		delivery.SentAt = &now
		n.bus.Emit(&core.WebhookDelivered{Delivery: delivery, Timestamp: now})
		n.logger.Info("webhook delivered", "job_id", job.ID, "url", args.URL, "attempt", args.Attempt, "http_status", status)
		return nil
	}

	errMsg := fmt.Sprintf("unexpected status %d", status)
	var httpStatus *int
	if sendErr != nil {
		errMsg = sendErr.Error()
	} else {
		httpStatus = &status
	}
	errMsg = security.SanitizeErrorMessage(errMsg)
	if err := n.storage.MarkDeliveryFailed(ctx, delivery.ID, httpStatus, respBody, errMsg); err != nil {
		return err
	}
	delivery.Status = core.DeliveryFailed
	delivery.ResponseStatus = httpStatus
	delivery.Error = errMsg
	n.bus.Emit(&core.WebhookDelivered{Delivery: delivery, Timestamp: time.Now()})

	if args.Attempt < MaxDeliveryAttempts {
		delay := core.Backoff(args.Attempt)
		n.logger.Warn("webhook delivery failed, retrying",
			"job_id", job.ID, "url", args.URL, "attempt", args.Attempt, "retry_in", delay, "error", errMsg)
		_, err := n.sched.RunAfter(ctx, delay, core.TaskDeliverWebhook, core.DeliverWebhookArgs{
			JobID:   job.ID,
			URL:     args.URL,
			Attempt: args.Attempt + 1,
		})
		return err
	}

	n.logger.Error("webhook delivery abandoned after final attempt",
		"job_id", job.ID, "url", args.URL, "attempt", args.Attempt, "error", errMsg)
	return nil
}

// ListDeliveries returns the delivery ledger for a job, newest first.
func (n *Notifier) ListDeliveries(ctx context.Context, jobID string) ([]*core.WebhookDelivery, error) {
	return n.storage.ListDeliveries(ctx, jobID)
}

func (n *Notifier) buildPayload(job *core.Job) ([]byte, error) {
	event := "job.completed"
	if job.Status == core.StatusFailed {
		event = "job.failed"
	}
	p := payload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Job: payloadJob{
			ID:     job.ID,
			Status: job.Status,
			Error:  job.LastError,
			Timing: payloadTiming{
				CreatedAt:   job.CreatedAt,
				StartedAt:   job.StartedAt,
				CompletedAt: job.CompletedAt,
				DurationMs:  job.SessionDurationMs,
			},
		},
	}
	if len(job.Result) > 0 {
		p.Job.Result = json.RawMessage(job.Result)
	}
	if job.Status == core.StatusCompleted {
		p.Job.Error = ""
	}
	return json.Marshal(p)
}

// send posts the payload and returns the HTTP status plus a truncated copy
// of the response body. A transport-level failure returns err with status 0.
func (n *Notifier) send(ctx context.Context, url string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, int64(security.MaxResponseBodyLength)+1))
	return resp.StatusCode, security.TruncateResponseBody(string(raw)), nil
}
