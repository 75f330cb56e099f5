// Package notify delivers report status transitions to a configured
// webhook so callers don't have to poll.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sparlo/report-engine/internal/model"
	"github.com/sparlo/report-engine/internal/resilience"
)

// Event is one status transition of a report.
type Event struct {
	ReportID  string             `json:"report_id"`
	AccountID string             `json:"account_id"`
	Status    model.ReportStatus `json:"status"`
	Question  string             `json:"question,omitempty"`
	ErrorKind string             `json:"error_kind,omitempty"`
	At        time.Time          `json:"at"`
}

// Notifier posts events to a webhook URL. A Notifier with an empty URL
// discards events, so callers never branch on configuration.
type Notifier struct {
	url    string
	client *http.Client
	retry  resilience.RetryConfig
}

// New creates a Notifier.
func New(url string, retry resilience.RetryConfig) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

// Send delivers one event. Transient delivery failures are retried;
// delivery is best-effort and a final failure is returned for the caller
// to log, never to abort a run.
func (n *Notifier) Send(ctx context.Context, ev Event) error {
	if n.url == "" {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}

	retry := n.retry
	retry.OnRetry = resilience.RetryLogger("webhook", string(ev.Status))
	err = resilience.Do(ctx, retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return eris.Wrap(err, "notify: build request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return resilience.NewTransientError(err, 0)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			err := eris.Errorf("notify: webhook returned %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.NewTransientError(err, resp.StatusCode)
			}
			return err
		}
		return nil
	})
	if err != nil {
		zap.L().Warn("webhook delivery failed",
			zap.String("report_id", ev.ReportID),
			zap.String("status", string(ev.Status)),
			zap.Error(err),
		)
		return err
	}
	return nil
}
