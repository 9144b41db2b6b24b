package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/db"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSConfig struct {
	Region string
	// Endpoint overrides the service URL, e.g. for LocalStack.
	Endpoint string
}

func newSNSClient(ctx context.Context, cfg SNSConfig) (*sns.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// SNSSender delivers the sms channel as direct SNS publishes.
type SNSSender struct {
	client snsAPI
	logger *zap.Logger
}

func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	client, err := newSNSClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &SNSSender{client: client, logger: logger}, nil
}

// Send sends an SMS via AWS SNS.
func (s *SNSSender) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if msg.Channel != db.ChannelSMS {
		return nil, fmt.Errorf("SNS sender only supports SMS, got: %s", msg.Channel)
	}
	if msg.Recipient.Phone == "" {
		return nil, fmt.Errorf("sms: %w", ErrNoAddress)
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(msg.Recipient.Phone),
		Message:     aws.String(msg.ShortText()),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sns publish failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("SMS sent via SNS",
		zap.String("alert_id", msg.AlertID.String()),
		zap.String("message_id", messageID),
	)
	return &Receipt{Channel: db.ChannelSMS, ProviderID: messageID}, nil
}

func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}

// PushSender delivers the push channel to an SNS platform endpoint ARN.
type PushSender struct {
	client snsAPI
	logger *zap.Logger
}

func NewPushSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*PushSender, error) {
	client, err := newSNSClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PushSender{client: client, logger: logger}, nil
}

type pushNotification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// pushPayload builds the per-platform message structure SNS expects when
// MessageStructure is "json".
func pushPayload(msg *Message) (string, error) {
	n := pushNotification{
		Title: msg.Subject,
		Body:  msg.ShortText(),
		Data: map[string]string{
			"alert_id":   msg.AlertID.String(),
			"product_id": msg.ProductID.String(),
			"kind":       msg.Kind,
		},
	}
	gcm, err := json.Marshal(map[string]any{"notification": n, "data": n.Data})
	if err != nil {
		return "", err
	}
	apns, err := json.Marshal(map[string]any{
		"aps":      map[string]any{"alert": map[string]string{"title": n.Title, "body": n.Body}},
		"alert_id": msg.AlertID.String(),
	})
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(map[string]string{
		"default":      msg.ShortText(),
		"GCM":          string(gcm),
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
	})
	return string(out), err
}

// Send publishes a push notification via AWS SNS.
func (s *PushSender) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if msg.Channel != db.ChannelPush {
		return nil, fmt.Errorf("push sender only supports push, got: %s", msg.Channel)
	}
	if msg.Recipient.PushEndpoint == "" {
		return nil, fmt.Errorf("push: %w", ErrNoAddress)
	}

	payload, err := pushPayload(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push payload: %w", err)
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(msg.Recipient.PushEndpoint),
		Message:          aws.String(payload),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		return nil, fmt.Errorf("sns push publish failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("push sent via SNS",
		zap.String("alert_id", msg.AlertID.String()),
		zap.String("message_id", messageID),
	)
	return &Receipt{Channel: db.ChannelPush, ProviderID: messageID}, nil
}

func (s *PushSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelPush
}
