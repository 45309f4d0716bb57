package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/exportguard/internal/exportrisk"
)

// Webhook request headers.
const (
	HeaderEvent     = "X-Exportguard-Event"
	HeaderTimestamp = "X-Exportguard-Timestamp"
	HeaderSignature = "X-Exportguard-Signature"
)

type webhookPayload struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	Recipient webhookRecipient `json:"recipient"`
	Alert     exportrisk.Alert `json:"alert"`
	SentAt    time.Time        `json:"sentAt"`
}

type webhookRecipient struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// WebhookNotifier POSTs alerts as signed JSON to one endpoint, typically an
// email or chat relay.
type WebhookNotifier struct {
	url       string
	secret    string
	client    *http.Client
	attempts  int
	baseDelay time.Duration
	breaker   *breaker
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(n *WebhookNotifier) { n.client = c }
}

// WithRetry sets the attempt budget and first backoff delay.
func WithRetry(attempts int, baseDelay time.Duration) WebhookOption {
	return func(n *WebhookNotifier) {
		n.attempts = attempts
		n.baseDelay = baseDelay
	}
}

// WithCircuitBreaker opens the circuit after threshold consecutive failed
// deliveries and probes again after cooldown.
func WithCircuitBreaker(threshold int, cooldown time.Duration) WebhookOption {
	return func(n *WebhookNotifier) { n.breaker = newBreaker(n.url, threshold, cooldown) }
}

func NewWebhookNotifier(url, secret string, opts ...WebhookOption) *WebhookNotifier {
	n := &WebhookNotifier{
		url:       url,
		secret:    secret,
		client:    &http.Client{Timeout: 10 * time.Second},
		attempts:  3,
		baseDelay: 200 * time.Millisecond,
	}
	n.breaker = newBreaker(url, 5, 30*time.Second)
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *WebhookNotifier) SendSecurityAlert(ctx context.Context, target exportrisk.User, alert exportrisk.Alert) error {
	if !n.breaker.allow() {
		return ErrCircuitOpen
	}

	sentAt := time.Now().UTC()
	body, err := json.Marshal(webhookPayload{
		ID:        alert.ID,
		Type:      string(alert.Type),
		Recipient: webhookRecipient{ID: target.ID, Email: target.Email, Name: target.Name},
		Alert:     alert,
		SentAt:    sentAt,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	ts := strconv.FormatInt(sentAt.Unix(), 10)

	err = withRetry(ctx, n.attempts, n.baseDelay, func() error {
		return n.post(ctx, string(alert.Type), ts, body)
	})
	if err != nil {
		n.breaker.failure()
		return err
	}
	n.breaker.success()
	return nil
}

func (n *WebhookNotifier) post(ctx context.Context, event, ts string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderTimestamp, ts)
	if n.secret != "" {
		req.Header.Set(HeaderSignature, Sign(n.secret, ts, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	default:
		return permanent(fmt.Errorf("webhook endpoint rejected alert with %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>" under secret.
// Receivers recompute it to authenticate the alert and reject replays with
// stale timestamps.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
