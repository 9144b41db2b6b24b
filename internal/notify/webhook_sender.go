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
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/db"
)

// WebhookSender POSTs the alert as JSON to the recipient's webhook URL.
type WebhookSender struct {
	client *http.Client
	secret []byte
	logger *zap.Logger
}

type WebhookConfig struct {
	Timeout time.Duration
	// Secret, when set, signs each body with HMAC-SHA256 in
	// X-Pricewatch-Signature.
	Secret string
}

func NewWebhookSender(logger *zap.Logger, cfg WebhookConfig) *WebhookSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		secret: []byte(cfg.Secret),
		logger: logger,
	}
}

type webhookBody struct {
	Event string `json:"event"`
	*Message
	SentAt time.Time `json:"sent_at"`
}

// Send delivers the alert over HTTP. Any non-2xx status is a failure.
func (s *WebhookSender) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if msg.Channel != db.ChannelWebhook {
		return nil, fmt.Errorf("webhook sender only supports webhooks, got: %s", msg.Channel)
	}
	url := msg.Recipient.WebhookURL
	if url == "" {
		return nil, fmt.Errorf("webhook: %w", ErrNoAddress)
	}

	body, err := json.Marshal(webhookBody{Event: "alert." + msg.Kind, Message: msg, SentAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Pricewatch/1.0")
	req.Header.Set("X-Pricewatch-Alert-ID", msg.AlertID.String())
	if len(s.secret) > 0 {
		mac := hmac.New(sha256.New, s.secret)
		mac.Write(body)
		req.Header.Set("X-Pricewatch-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	s.logger.Info("webhook delivered successfully",
		zap.String("alert_id", msg.AlertID.String()),
		zap.Int("status_code", resp.StatusCode),
	)
	return &Receipt{Channel: db.ChannelWebhook, ProviderID: resp.Header.Get("X-Request-ID")}, nil
}

func (s *WebhookSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWebhook
}
