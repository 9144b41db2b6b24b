package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/metrics"
)

// ErrMalformed marks a message body that is not a run request.
var ErrMalformed = errors.New("malformed run request")

// Handler performs one requested run. A nil return deletes the message; an
// error leaves it for redelivery after the visibility timeout.
type Handler func(ctx context.Context, req *RunRequest) error

// Consumer reads run requests from SQS.
type Consumer struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger

	// visibility must outlast one run.
	visibility int32
	retryPause time.Duration
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	client, err := newClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:     client,
		queueURL:   cfg.QueueURL,
		logger:     logger,
		visibility: 900,
		retryPause: 5 * time.Second,
	}, nil
}

// Receive long-polls for one run request. It returns a nil request when the
// poll came back empty. A malformed body is returned as ErrMalformed with
// its receipt handle so the caller can drop it.
func (c *Consumer) Receive(ctx context.Context) (*RunRequest, string, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   c.visibility,
	})
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	msg := result.Messages[0]
	handle := aws.ToString(msg.ReceiptHandle)

	var req RunRequest
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &req); err != nil {
		return nil, handle, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &req, handle, nil
}

// Delete removes a message after it was handled.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// Release makes a message visible again right away.
func (c *Consumer) Release(ctx context.Context, receiptHandle string) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}

// Run receives and handles run requests until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle Handler) {
	c.logger.Info("sqs consumer started", zap.String("queue_url", c.queueURL))
	for ctx.Err() == nil {
		if err := c.poll(ctx, handle); err != nil && ctx.Err() == nil {
			c.logger.Error("sqs poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.retryPause):
			}
		}
	}
	c.logger.Info("sqs consumer stopping")
}

func (c *Consumer) poll(ctx context.Context, handle Handler) error {
	req, receipt, err := c.Receive(ctx)
	if errors.Is(err, ErrMalformed) {
		c.logger.Warn("dropping malformed run request", zap.Error(err))
		return c.Delete(context.WithoutCancel(ctx), receipt)
	}
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}

	metrics.SetSQSMessagesInFlight(1)
	defer metrics.SetSQSMessagesInFlight(0)

	log := c.logger.With(zap.String("request_id", req.RequestID))
	if err := handle(ctx, req); err != nil {
		log.Warn("run request failed, leaving for redelivery", zap.Error(err))
		return nil
	}

	if err := c.Delete(context.WithoutCancel(ctx), receipt); err != nil {
		return err
	}
	log.Info("run request handled")
	return nil
}

// Close closes the SQS consumer.
func (c *Consumer) Close() {
	// AWS SDK v2 clients don't require explicit Close()
}
