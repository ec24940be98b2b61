// Package dispatcher implements ResultDispatcher: delivering a Result to
// exactly one destination, synchronously or by webhook.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentrunner/agentrunner/internal/common/errors"
	"github.com/agentrunner/agentrunner/internal/common/logger"
	"github.com/agentrunner/agentrunner/internal/orchestrator"
)

const (
	webhookTimeout = 30 * time.Second
	userAgent      = "agentrunner-dispatcher/1"

	secretHeaderPrimary   = "X-Webhook-Secret"
	secretHeaderAlternate = "X-Hub-Secret"
)

// Dispatcher delivers orchestrator.Result values to their destination.
type Dispatcher struct {
	client *http.Client
	secret string
	log    *logger.Logger
}

// New builds a Dispatcher. secret is the globally configured webhook secret
// (WEBHOOK_SECRET); a caller-supplied `secret` URL query parameter on the
// callback URL takes precedence when present.
func New(secret string, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{Timeout: webhookTimeout},
		secret: secret,
		log:    log.WithFields(zap.String("component", "dispatcher")),
	}
}

// StatusFor maps a Result (and an optional error that preceded it, for
// validation failures) to the HTTP status code the synchronous path should
// return. 200 on success; 422 for iteration failure; 400/404/500 propagate
// from AppError when err is non-nil.
func StatusFor(result orchestrator.Result, err error) int {
	if err != nil {
		return apperrors.GetHTTPStatus(err)
	}
	if !result.Success {
		return http.StatusUnprocessableEntity
	}
	return http.StatusOK
}

// DispatchWebhook POSTs result to callbackURL. Non-2xx responses and
// transport errors are logged and swallowed — webhook delivery must never
// fail the operation that already completed.
func (d *Dispatcher) DispatchWebhook(ctx context.Context, callbackURL string, result orchestrator.Result) {
	body, err := json.Marshal(result)
	if err != nil {
		d.log.Error("failed to marshal webhook payload", zap.Error(err))
		return
	}

	secret, loggableURL, err := extractSecret(callbackURL, d.secret)
	if err != nil {
		d.log.Error("invalid callback url", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		d.log.Error("failed to build webhook request", zap.String("url", loggableURL), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if secret != "" {
		req.Header.Set(secretHeaderPrimary, secret)
		req.Header.Set(secretHeaderAlternate, secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Warn("webhook delivery failed", zap.String("url", loggableURL), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.log.Warn("webhook delivery returned non-2xx",
			zap.String("url", loggableURL),
			zap.Int("status", resp.StatusCode))
	}
}

// extractSecret pulls a `secret` query parameter out of callbackURL if
// present (taking precedence over the configured default), and returns a
// copy of the URL with that parameter stripped, safe for logging.
func extractSecret(callbackURL, defaultSecret string) (secret string, loggable string, err error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing callback url: %w", err)
	}

	q := u.Query()
	if s := q.Get("secret"); s != "" {
		secret = s
		q.Del("secret")
		u.RawQuery = q.Encode()
	} else {
		secret = defaultSecret
	}

	return secret, u.String(), nil
}
