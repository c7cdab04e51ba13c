// Package notifications pushes alerts for missed and failed calls to a
// webhook and to Gotify.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/btafoya/gocall/internal/config"
	"github.com/btafoya/gocall/internal/models"
)

// Event names carried in webhook payloads
const (
	EventMissedCall = "call.missed"
	EventFailedCall = "call.failed"
)

// Payload is the JSON body posted to the webhook
type Payload struct {
	Event string            `json:"event"`
	Call  models.CallRecord `json:"call"`
	Title string            `json:"title"`
}

// Notifier delivers call alerts
type Notifier struct {
	cfg        *config.Config
	client     *http.Client
	log        *slog.Logger
	retryDelay time.Duration

	wg sync.WaitGroup
}

// NewNotifier creates a new notifier instance
func NewNotifier(cfg *config.Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: config.NotifyTimeout,
		},
		log:        logger.With("component", "notifications"),
		retryDelay: config.NotifyRetryDelay,
	}
}

// Classify returns the alert event for a finished call, or "" when the
// call needs no alert. Rejected inbound calls were declined on purpose.
func Classify(rec models.CallRecord) string {
	switch {
	case rec.Direction == models.DirectionInbound && rec.AnsweredAt == nil &&
		rec.Disposition == models.DispositionCancelled:
		return EventMissedCall
	case rec.Disposition == models.DispositionFailed:
		return EventFailedCall
	}
	return ""
}

// NotifyCall sends every configured alert for rec. Failures are logged
// per target; the first error is returned.
func (n *Notifier) NotifyCall(ctx context.Context, rec models.CallRecord) error {
	event := Classify(rec)
	if event == "" {
		return nil
	}

	title, message := describe(event, rec)
	var firstErr error

	if n.cfg.NotifyWebhookURL != "" {
		err := n.SendWebhook(ctx, n.cfg.NotifyWebhookURL, Payload{Event: event, Call: rec, Title: title})
		if err != nil {
			n.log.Warn("Webhook notification failed", "session_id", rec.SessionID, "error", err)
			firstErr = err
		}
	}

	if n.cfg.GotifyURL != "" {
		if err := n.SendPush(ctx, title, message); err != nil {
			n.log.Warn("Push notification failed", "session_id", rec.SessionID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// SendPush sends a push notification via Gotify
func (n *Notifier) SendPush(ctx context.Context, title, message string) error {
	if n.cfg.GotifyURL == "" {
		return fmt.Errorf("Gotify not configured")
	}

	payload := map[string]interface{}{
		"title":    title,
		"message":  message,
		"priority": config.GotifyPriority,
	}
	target := fmt.Sprintf("%s/message?token=%s", strings.TrimRight(n.cfg.GotifyURL, "/"), url.QueryEscape(n.cfg.GotifyToken))

	return n.post(ctx, target, payload, config.NotifyMaxRetries)
}

// SendWebhook posts payload as JSON to target
func (n *Notifier) SendWebhook(ctx context.Context, target string, payload interface{}) error {
	return n.post(ctx, target, payload, config.NotifyMaxRetries)
}

// Go delivers the alert for rec in the background
func (n *Notifier) Go(rec models.CallRecord) {
	if Classify(rec) == "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), config.NotifyTimeout*config.NotifyMaxRetries)
		defer cancel()
		_ = n.NotifyCall(ctx, rec)
	}()
}

// Wait blocks until background deliveries finish
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) post(ctx context.Context, target string, payload interface{}, attempts int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var lastErr error
	delay := n.retryDelay
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		// the receiver rejected the payload; resending will not help
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			break
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func describe(event string, rec models.CallRecord) (title, message string) {
	remote := rec.RemoteIdentity
	if remote == "" {
		remote = "unknown caller"
	}
	when := rec.StartedAt.Format("Jan 2, 2006 3:04 PM")

	switch event {
	case EventMissedCall:
		return fmt.Sprintf("Missed call from %s", remote), fmt.Sprintf("%s called %s at %s", remote, rec.Identity, when)
	default:
		message = fmt.Sprintf("Call to %s at %s failed", remote, when)
		if rec.Direction == models.DirectionInbound {
			message = fmt.Sprintf("Call from %s at %s failed", remote, when)
		}
		if rec.ErrorMessage != "" {
			message += ": " + rec.ErrorMessage
		}
		return "Call failed", message
	}
}
