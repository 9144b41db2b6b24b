package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/db"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender posts alerts through the Telegram Bot API.
type TelegramSender struct {
	client  *http.Client
	baseURL string
	token   string
	logger  *zap.Logger
}

type TelegramConfig struct {
	BotToken string
	// BaseURL overrides the Bot API host.
	BaseURL string
	Timeout time.Duration
}

func NewTelegramSender(logger *zap.Logger, cfg TelegramConfig) *TelegramSender {
	base := cfg.BaseURL
	if base == "" {
		base = telegramAPI
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &TelegramSender{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(base, "/"),
		token:   cfg.BotToken,
		logger:  logger,
	}
}

type telegramReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Send calls sendMessage for the recipient's chat.
func (s *TelegramSender) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if msg.Channel != db.ChannelTelegram {
		return nil, fmt.Errorf("telegram sender only supports telegram, got: %s", msg.Channel)
	}
	chatID := msg.Recipient.TelegramChatID
	if chatID == "" {
		return nil, fmt.Errorf("telegram: %w", ErrNoAddress)
	}

	body, err := json.Marshal(map[string]any{
		"chat_id":                  chatID,
		"text":                     msg.Subject + "\n" + msg.Body,
		"disable_web_page_preview": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal telegram body: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	var reply telegramReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("telegram returned status %d with unreadable body: %w", resp.StatusCode, err)
	}
	if !reply.OK {
		return nil, fmt.Errorf("telegram sendMessage failed (status %d): %s", resp.StatusCode, reply.Description)
	}

	s.logger.Info("telegram message sent",
		zap.String("alert_id", msg.AlertID.String()),
		zap.Int64("message_id", reply.Result.MessageID),
	)
	return &Receipt{Channel: db.ChannelTelegram, ProviderID: strconv.FormatInt(reply.Result.MessageID, 10)}, nil
}

func (s *TelegramSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelTelegram
}
