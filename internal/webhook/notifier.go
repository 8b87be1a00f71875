// Package webhook delivers batch job snapshots to caller-supplied URLs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/suburbmates/quality-cli/internal/metrics"
	"github.com/suburbmates/quality-cli/internal/model"
	"github.com/suburbmates/quality-cli/internal/resilience"
)

// Event header values.
const (
	EventHeader    = "X-Quality-Event"
	EventProgress  = "batch.progress"
	EventCompleted = "batch.completed"
)

// DefaultTimeout bounds a single delivery.
const DefaultTimeout = 10 * time.Second

// Notifier posts job snapshots as JSON. Each checkpoint gets exactly one
// attempt; a per-host circuit breaker skips hosts that keep failing.
type Notifier struct {
	client   *http.Client
	breakers *resilience.Breakers
	metrics  *metrics.Metrics
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithMetrics records delivery outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// New creates a Notifier. Only transient failures (network errors, 408, 429
// and 5xx) count against a host's breaker.
func New(timeout time.Duration, breaker resilience.CircuitBreakerConfig, opts ...Option) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	breaker.ShouldTrip = resilience.IsTransient
	n := &Notifier{
		client:   &http.Client{Timeout: timeout},
		breakers: resilience.NewBreakers(breaker),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify implements batch.Notifier.
func (n *Notifier) Notify(ctx context.Context, target string, job *model.BatchJob) error {
	u, err := url.Parse(target)
	if err != nil {
		n.metrics.WebhookDelivery(metrics.OutcomeFailure)
		return eris.Wrap(err, "webhook: parse url")
	}

	err = n.breakers.Get(u.Host).Execute(ctx, func(ctx context.Context) error {
		return n.post(ctx, u.String(), job)
	})
	switch {
	case err == nil:
		n.metrics.WebhookDelivery(metrics.OutcomeSuccess)
		zap.L().Debug("webhook: delivered",
			zap.String("job_id", job.ID),
			zap.String("host", u.Host),
			zap.Int("processed", job.Progress.Processed),
		)
		return nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		n.metrics.WebhookDelivery(metrics.OutcomeSkipped)
		return eris.Wrapf(err, "webhook: %s", u.Host)
	default:
		n.metrics.WebhookDelivery(metrics.OutcomeFailure)
		return err
	}
}

func (n *Notifier) post(ctx context.Context, target string, job *model.BatchJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "webhook: marshal job")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "webhook: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, eventFor(job))

	resp, err := n.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "webhook: request")
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		err := eris.Errorf("webhook: receiver returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}

func eventFor(job *model.BatchJob) string {
	if job.Status.IsTerminal() {
		return EventCompleted
	}
	return EventProgress
}
