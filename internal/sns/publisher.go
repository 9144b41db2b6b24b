// Package sns publishes pricewatch domain events to an SNS topic so other
// services can react to completed runs without polling the API.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// EventRunCompleted carries a scheduler.RunReport.
const EventRunCompleted = "run.completed"

// Config selects the topic.
type Config struct {
	Region   string
	TopicARN string
	// Endpoint overrides the service URL, e.g. for LocalStack.
	Endpoint string
}

type publishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Event is the envelope written to the topic.
type Event struct {
	Type       string          `json:"type"`
	Source     string          `json:"source"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Publisher handles SNS topic publishing
type Publisher struct {
	client   publishAPI
	topicARN string
	logger   *zap.Logger
	now      func() time.Time
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Publisher{
		client:   client,
		topicARN: cfg.TopicARN,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Publish wraps data in an Event and sends it with an event_type attribute
// subscribers can filter on.
func (p *Publisher) Publish(ctx context.Context, eventType string, data any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s data: %w", eventType, err)
	}
	payload, err := json.Marshal(Event{
		Type:       eventType,
		Source:     "pricewatch",
		OccurredAt: p.now().UTC(),
		Data:       raw,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(eventType),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	id := aws.ToString(result.MessageId)
	p.logger.Debug("event published",
		zap.String("event_type", eventType),
		zap.String("message_id", id),
	)
	return id, nil
}
