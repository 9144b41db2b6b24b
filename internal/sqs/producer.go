// Package sqs carries run requests between whoever asks for a check cycle
// (the API, an EventBridge schedule) and the tracker that performs it.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// RunRequest asks the tracker for one check cycle.
type RunRequest struct {
	RequestID   string    `json:"request_id"`
	AsOf        time.Time `json:"as_of"`
	RequestedBy string    `json:"requested_by,omitempty"`
	EnqueuedAt  int64     `json:"enqueued_at"`
}

// sqsAPI is the part of the SQS client the producer and consumer use.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

func newClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Producer enqueues run requests.
type Producer struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
	now      func() time.Time
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := newClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Enqueue sends a run request and returns its request ID. A zero AsOf means
// "when the tracker picks it up".
func (p *Producer) Enqueue(ctx context.Context, req RunRequest) (string, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	req.EnqueuedAt = p.now().UnixNano()

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run request: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		p.logger.Error("failed to send run request to sqs",
			zap.Error(err),
			zap.String("request_id", req.RequestID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Info("run request enqueued",
		zap.String("request_id", req.RequestID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return req.RequestID, nil
}

// Close closes the SQS producer.
func (p *Producer) Close() {
	// AWS SDK v2 clients don't require explicit Close()
}
