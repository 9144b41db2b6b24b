package db

import (
	"time"

	"github.com/google/uuid"
)

// Product is a tracked page, identified by platform and canonical URL.
type Product struct {
	ID                uuid.UUID  `json:"id"`
	Platform          string     `json:"platform"`
	CanonicalURL      string     `json:"canonical_url"`
	Title             string     `json:"title,omitempty"`
	CurrentPrice      *float64   `json:"current_price,omitempty"`
	Currency          string     `json:"currency"`
	InStock           *bool      `json:"in_stock,omitempty"`
	LastCheckedAt     *time.Time `json:"last_checked_at,omitempty"`
	CheckCount        int        `json:"check_count"`
	SuccessCount      int        `json:"success_count"`
	FailCount         int        `json:"fail_count"`
	LastFailureReason *string    `json:"last_failure_reason,omitempty"`
	Retired           bool       `json:"retired"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Observation is one immutable price/stock reading. Seq is assigned by the
// store on insert and breaks ObservedAt ties.
type Observation struct {
	ID              uuid.UUID `json:"id"`
	Seq             int64     `json:"seq"`
	ProductID       uuid.UUID `json:"product_id"`
	Price           float64   `json:"price"`
	Currency        string    `json:"currency"`
	InStock         bool      `json:"in_stock"`
	OriginalPrice   *float64  `json:"original_price,omitempty"`
	DiscountPercent *float64  `json:"discount_percent,omitempty"`
	ObservedAt      time.Time `json:"observed_at"`
	OutOfOrder      bool      `json:"out_of_order"`
	CreatedAt       time.Time `json:"created_at"`
}

// Subscription is the user<->product tracking edge.
type Subscription struct {
	ID                   uuid.UUID  `json:"id"`
	UserID               uuid.UUID  `json:"user_id"`
	ProductID            uuid.UUID  `json:"product_id"`
	TargetPrice          *float64   `json:"target_price,omitempty"`
	DropThresholdPercent *float64   `json:"drop_threshold_percent,omitempty"`
	Channels             []string   `json:"channels"`
	ReferencePrice       *float64   `json:"reference_price,omitempty"`
	LastAlertedAt        *time.Time `json:"last_alerted_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Alert is a notification decision and its delivery lifecycle.
type Alert struct {
	ID             uuid.UUID  `json:"id"`
	SubscriptionID uuid.UUID  `json:"subscription_id"`
	ObservationID  uuid.UUID  `json:"observation_id"`
	UserID         uuid.UUID  `json:"user_id"`
	ProductID      uuid.UUID  `json:"product_id"`
	Kind           string     `json:"kind"`
	OldPrice       *float64   `json:"old_price,omitempty"`
	NewPrice       float64    `json:"new_price"`
	Channels       []string   `json:"channels"`
	ChannelsSent   []string   `json:"channels_sent"`
	State          string     `json:"state"`
	Attempt        int        `json:"attempt"`
	LastError      *string    `json:"last_error,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	ViewedAt       *time.Time `json:"viewed_at,omitempty"`
	ClickedAt      *time.Time `json:"clicked_at,omitempty"`
}

// UsageCounter holds one user's consumption for one UTC day.
type UsageCounter struct {
	UserID     uuid.UUID `json:"user_id"`
	Date       time.Time `json:"date"`
	ChecksUsed int       `json:"checks_used"`
	AlertsUsed int       `json:"alerts_used"`
}

// Recipient is the contact book entry used by channel senders.
type Recipient struct {
	UserID         uuid.UUID `json:"user_id"`
	Email          string    `json:"email,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	PushEndpoint   string    `json:"push_endpoint,omitempty"`
	WebhookURL     string    `json:"webhook_url,omitempty"`
	TelegramChatID string    `json:"telegram_chat_id,omitempty"`
}

// PlanLimits are the per-plan ceilings. A negative value means unlimited.
type PlanLimits struct {
	Plan            string `json:"plan"`
	MaxProducts     int    `json:"max_products"`
	MaxChecksPerDay int    `json:"max_checks_per_day"`
	MaxAlertsPerDay int    `json:"max_alerts_per_day"`
}

// Alert kinds
const (
	KindPriceDrop   = "price_drop"
	KindTargetMet   = "target_met"
	KindBackInStock = "back_in_stock"
)

// Alert states
const (
	StatePending = "pending"
	StateSending = "sending"
	StateSent    = "sent"
	StateFailed  = "failed"
	StateViewed  = "viewed"
	StateClicked = "clicked"
)

// ReclaimedError is the last_error of an alert whose send was abandoned
// mid-flight and reclaimed by the sweep.
const ReclaimedError = "send abandoned: dispatcher lease expired"

// Channel constants
const (
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelPush     = "push"
	ChannelWebhook  = "webhook"
	ChannelTelegram = "telegram"
)

// Usage fields
const (
	UsageChecks = "checks"
	UsageAlerts = "alerts"
)

// DayOf truncates t to its UTC calendar day.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
