// Package notify delivers alert messages over the supported channels.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/db"
)

// ErrNoAddress means the recipient has no contact for the channel.
var ErrNoAddress = errors.New("recipient has no address for channel")

// Message is one alert rendered for one channel and recipient.
type Message struct {
	AlertID   uuid.UUID    `json:"alert_id"`
	UserID    uuid.UUID    `json:"user_id"`
	ProductID uuid.UUID    `json:"product_id"`
	Kind      string       `json:"kind"`
	Channel   string       `json:"channel"`
	Recipient db.Recipient `json:"-"`

	ProductTitle string   `json:"product_title"`
	ProductURL   string   `json:"product_url"`
	Platform     string   `json:"platform"`
	Currency     string   `json:"currency"`
	OldPrice     *float64 `json:"old_price,omitempty"`
	NewPrice     float64  `json:"new_price"`

	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Receipt acknowledges a delivery.
type Receipt struct {
	Channel    string
	ProviderID string
}

// Sender is the interface for all notification channels.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Receipt, error)
	SupportsChannel(channel string) bool
}

// MultiSender routes each message to the first sender that supports its
// channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over the given senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the message to the appropriate sender based on channel.
func (m *MultiSender) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing alert to sender",
				zap.String("channel", msg.Channel),
				zap.String("alert_id", msg.AlertID.String()),
			)
			return sender.Send(ctx, msg)
		}
	}
	return nil, fmt.Errorf("no sender found for channel: %s", msg.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs messages instead of delivering them. It accepts every
// channel and is used in development.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg *Message) (*Receipt, error) {
	s.logger.Info("logging alert (development mode)",
		zap.String("alert_id", msg.AlertID.String()),
		zap.String("channel", msg.Channel),
		zap.String("user_id", msg.UserID.String()),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return &Receipt{Channel: msg.Channel, ProviderID: "log-" + msg.AlertID.String()}, nil
}

func (s *LogSender) SupportsChannel(string) bool { return true }
