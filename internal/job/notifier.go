package job

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/JonMunkholm/catalog/internal/config"
	"github.com/JonMunkholm/catalog/internal/core"
	"github.com/JonMunkholm/catalog/internal/logging"
	"github.com/JonMunkholm/catalog/internal/retry"
)

// Notification is sent once when a job reaches a terminal state.
type Notification struct {
	JobID      string `json:"jobId"`
	Kind       Kind   `json:"kind"`
	EntityKind string `json:"entityKind"`
	Status     Status `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Summary    string `json:"summary"`
	TotalRows  int    `json:"totalRows"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
}

func notificationFor(j *Job) Notification {
	return Notification{
		JobID:      j.ID,
		Kind:       j.Kind,
		EntityKind: j.EntityKind,
		Status:     j.Status,
		Reason:     j.Reason,
		Summary:    j.Report.Summary(),
		TotalRows:  j.Report.TotalRows,
		Succeeded:  j.Report.Succeeded,
		Failed:     j.Report.Failed,
	}
}

// Notifier reports terminal jobs. Errors are logged by the caller and never
// affect the job.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. The job id comes
// from ctx.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	logging.FromContext(ctx).Info("job notification",
		"kind", n.Kind,
		"entity_kind", n.EntityKind,
		"status", n.Status,
		"summary", n.Summary,
	)
	return nil
}

// WebhookNotifier POSTs each notification as JSON. Calls are rate limited and
// retried on 5xx responses and network faults.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	policy  retry.Policy
	sleep   retry.Sleeper
}

// NewWebhookNotifier builds a notifier from cfg. client may be nil.
func NewWebhookNotifier(cfg config.NotifyConfig, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &WebhookNotifier{
		url:     cfg.WebhookURL,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		policy:  retry.Policy{MaxAttempts: 3, Initial: 500 * time.Millisecond, Max: 5 * time.Second},
		sleep:   retry.Sleep,
	}
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	return retry.Do(ctx, w.policy, w.sleep, core.IsTransient,
		func(attempt int, delay time.Duration, err error) {
			logging.FromContext(ctx).Warn("webhook failed, retrying",
				"attempt", attempt, "retry_after", delay, "error", err)
		},
		func(ctx context.Context) error {
			if err := w.limiter.Wait(ctx); err != nil {
				return err
			}
			return w.post(ctx, body)
		})
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return core.Transient("webhook", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return core.Transient("webhook", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}
