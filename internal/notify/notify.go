// Package notify delivers dispatch outcomes to an external webhook.
// Delivery is best-effort and asynchronous; a dead webhook never slows a
// dispatch down.
package notify

import (
	"context"
	"log/slog"

	"github.com/go-resty/resty/v2"

	"robogate/internal/config"
	"robogate/internal/dispatch"
)

// Webhook posts each dispatch result as JSON to a configured URL.
type Webhook struct {
	client *resty.Client
	logger *slog.Logger
}

// New builds a webhook notifier, or nil when no URL is configured.
func New(cfg config.NotifyConfig, logger *slog.Logger) *Webhook {
	if cfg.WebhookURL == "" {
		return nil
	}

	client := resty.New().
		SetBaseURL(cfg.WebhookURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount)

	return &Webhook{
		client: client,
		logger: logger.With("component", "notify"),
	}
}

// DispatchCompleted posts res in a background goroutine. The dispatch has
// already returned to its caller; failures are only logged.
func (w *Webhook) DispatchCompleted(res *dispatch.Result) {
	go func() {
		resp, err := w.client.R().
			SetContext(context.Background()).
			SetHeader("Content-Type", "application/json").
			SetBody(res).
			Post("")
		if err != nil {
			w.logger.Warn("webhook delivery failed", "error", err)
			return
		}
		if resp.IsError() {
			w.logger.Warn("webhook rejected", "status", resp.StatusCode())
		}
	}()
}
