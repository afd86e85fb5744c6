package fitd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/welltest-lab/fitting-core/internal/policy"
	"github.com/welltest-lab/fitting-core/pkg/config"
	"github.com/welltest-lab/fitting-core/pkg/logger"
	"github.com/welltest-lab/fitting-core/pkg/models"
	"github.com/welltest-lab/fitting-core/pkg/utils"
)

var (
	ErrInvalidURL       = errors.New("invalid callback URL")
	ErrMetadataEndpoint = errors.New("callback URL targets a cloud metadata endpoint")
	ErrCircuitOpen      = errors.New("callback host circuit is open")
)

const (
	headerDeliveryID = "X-Fit-Delivery-ID"
	headerSecret     = "X-Fit-Callback-Secret"
)

// ValidateCallbackURL rejects URLs a webhook must never be sent to: non-HTTP
// schemes, missing hosts, wildcard addresses and cloud metadata endpoints.
func ValidateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing hostname", ErrInvalidURL)
	}
	switch strings.ToLower(host) {
	case "metadata.google.internal", "metadata", "169.254.169.254", "fd00:ec2::254":
		return ErrMetadataEndpoint
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsUnspecified() {
			return fmt.Errorf("%w: wildcard address", ErrInvalidURL)
		}
		if ip.IsLinkLocalUnicast() {
			return ErrMetadataEndpoint
		}
	}
	return nil
}

// NotificationPayload is the JSON body posted to the callback URL when a fit
// run reaches a terminal status.
type NotificationPayload struct {
	FitID           string           `json:"fit_id"`
	Status          RunStatus        `json:"status"`
	Model           string           `json:"model"`
	CreatedAtUnixMs int64            `json:"created_at_unix_ms"`
	StartedAtUnixMs int64            `json:"started_at_unix_ms,omitempty"`
	EndedAtUnixMs   int64            `json:"ended_at_unix_ms,omitempty"`
	Error           string           `json:"error,omitempty"`
	Result          *models.FitState `json:"result,omitempty"`
	Timestamp       int64            `json:"timestamp"`
}

// Notifier posts fit completion webhooks with retries.
type Notifier struct {
	httpClient *http.Client
	maxRetries int
	backoff    utils.BackoffStrategy
	breaker    *policy.CircuitBreaker
	log        *slog.Logger
	wg         sync.WaitGroup
}

// NewNotifier creates a notifier from cfg. Unparseable durations fall back
// to the defaults.
func NewNotifier(cfg config.NotifierConfig) *Notifier {
	def := config.DefaultConfig().Notifier
	base, err := cfg.GetBaseDelay()
	if err != nil || base <= 0 {
		base, _ = def.GetBaseDelay()
	}
	timeout, err := cfg.GetTimeout()
	if err != nil || timeout <= 0 {
		timeout, _ = def.GetTimeout()
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	var backoff utils.BackoffStrategy = utils.NewExponentialBackoff(base, 30*time.Second, 2, cfg.Jitter)
	if cfg.Backoff == "constant" {
		backoff = utils.NewConstantBackoff(base)
	}
	return &Notifier{
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: retries,
		backoff:    backoff,
	}
}

// WithCircuitBreaker skips delivery to callback hosts whose circuit is open.
func (n *Notifier) WithCircuitBreaker(b *policy.CircuitBreaker) *Notifier {
	n.breaker = b
	return n
}

// WithLogger sets the logger. Defaults to logger.Default.
func (n *Notifier) WithLogger(l *slog.Logger) *Notifier {
	n.log = l
	return n
}

func (n *Notifier) logger() *slog.Logger {
	if n.log != nil {
		return n.log
	}
	return logger.Default
}

// Notify posts rec to its request's callback URL in the background. It is a
// no-op when the request has no callback.
func (n *Notifier) Notify(rec *FitRecord) {
	if rec == nil || rec.Run == nil || rec.Request == nil || rec.Request.CallbackURL == "" {
		return
	}
	target := strings.ReplaceAll(rec.Request.CallbackURL, "{fit_id}", rec.Run.ID)
	if err := ValidateCallbackURL(target); err != nil {
		n.logger().Warn("refusing callback", "fit_id", rec.Run.ID, "error", err)
		return
	}

	payload := NotificationPayload{
		FitID:           rec.Run.ID,
		Status:          rec.Run.Status,
		Model:           rec.Request.Model,
		CreatedAtUnixMs: rec.Run.CreatedAtUnixMs,
		StartedAtUnixMs: rec.Run.StartedAtUnixMs,
		EndedAtUnixMs:   rec.Run.EndedAtUnixMs,
		Error:           rec.Run.Error,
		Result:          rec.State,
		Timestamp:       time.Now().UTC().UnixMilli(),
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.send(context.Background(), target, rec.Request.CallbackSecret, payload); err != nil {
			n.logger().Error("failed to send notification after retries",
				"callback_url", target,
				"fit_id", payload.FitID,
				"max_retries", n.maxRetries,
				"last_error", err)
		}
	}()
}

// Wait blocks until all in-flight notifications finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// send posts payload, retrying non-2xx responses and transport errors. Every
// attempt carries the same delivery id so receivers can deduplicate.
func (n *Notifier) send(ctx context.Context, target, secret string, payload NotificationPayload) error {
	host := callbackHost(target)
	if !n.breaker.Allow(host) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, host)
	}
	if err := n.deliver(ctx, target, secret, payload); err != nil {
		if ctx.Err() == nil {
			n.breaker.RecordFailure(host)
		}
		return err
	}
	n.breaker.RecordSuccess(host)
	return nil
}

func callbackHost(target string) string {
	if u, err := url.Parse(target); err == nil {
		return u.Host
	}
	return target
}

func (n *Notifier) deliver(ctx context.Context, target, secret string, payload NotificationPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification payload: %w", err)
	}
	deliveryID := uuid.NewString()
	log := n.logger().With("fit_id", payload.FitID, "delivery_id", deliveryID)

	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			log.Debug("retrying notification", "attempt", attempt)
			if err := utils.Sleep(ctx, n.backoff, attempt-1); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "fitting-core/1.0")
		req.Header.Set(headerDeliveryID, deliveryID)
		if secret != "" {
			req.Header.Set(headerSecret, secret)
		}

		resp, err := n.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("HTTP request failed: %w", err)
			log.Warn("notification attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			log.Info("notification sent", "status", payload.Status, "status_code", resp.StatusCode)
			return nil
		}
		lastErr = fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		log.Warn("notification returned non-2xx status",
			"status_code", resp.StatusCode,
			"response_body", string(snippet),
			"attempt", attempt+1)
	}
	return lastErr
}
