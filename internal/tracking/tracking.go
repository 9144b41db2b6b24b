// Package tracking adds and removes the user-to-product tracking edges.
package tracking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/db"
	"github.com/lalithlochan/pricewatch/internal/quota"
)

var (
	// ErrAlreadyTracking is returned when the user already tracks the product.
	ErrAlreadyTracking = errors.New("already tracking product")
	// ErrInvalidRequest wraps validation failures on a track request.
	ErrInvalidRequest = errors.New("invalid track request")
)

var knownChannels = map[string]bool{
	db.ChannelEmail:    true,
	db.ChannelSMS:      true,
	db.ChannelPush:     true,
	db.ChannelWebhook:  true,
	db.ChannelTelegram: true,
}

type Repository interface {
	UpsertProduct(ctx context.Context, platform, canonicalURL string) (*db.Product, error)
	CreateSubscription(ctx context.Context, sub *db.Subscription, maxProducts int) (int, error)
	DeleteSubscription(ctx context.Context, userID, productID uuid.UUID) (bool, error)
}

// Resolver maps a product URL to its platform and canonical form.
type Resolver interface {
	Resolve(rawURL string) (platform, canonical string, err error)
}

// ProductQuota reports the plan's product ceiling.
type ProductQuota interface {
	ProductLimit(ctx context.Context, userID uuid.UUID) (int, error)
}

// Request describes what a user wants to be alerted about.
type Request struct {
	URL                  string   `json:"url"`
	TargetPrice          *float64 `json:"target_price,omitempty"`
	DropThresholdPercent *float64 `json:"drop_threshold_percent,omitempty"`
	Channels             []string `json:"channels,omitempty"`
}

func (r Request) validate() error {
	if r.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	if r.TargetPrice != nil && *r.TargetPrice <= 0 {
		return fmt.Errorf("%w: target_price must be positive", ErrInvalidRequest)
	}
	if d := r.DropThresholdPercent; d != nil && (*d <= 0 || *d >= 100) {
		return fmt.Errorf("%w: drop_threshold_percent must be between 0 and 100", ErrInvalidRequest)
	}
	for _, ch := range r.Channels {
		if !knownChannels[ch] {
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidRequest, ch)
		}
	}
	return nil
}

type Service struct {
	repo     Repository
	resolver Resolver
	quota    ProductQuota
	logger   *zap.Logger
}

func NewService(repo Repository, resolver Resolver, q ProductQuota, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		resolver: resolver,
		quota:    q,
		logger:   logger,
	}
}

// Track subscribes the user to the product behind req.URL, creating the
// product on first use and reviving it if it was retired. Channels default
// to email.
func (s *Service) Track(ctx context.Context, userID uuid.UUID, req Request) (*db.Subscription, *db.Product, error) {
	if err := req.validate(); err != nil {
		return nil, nil, err
	}
	platform, canonical, err := s.resolver.Resolve(req.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	limit, err := s.quota.ProductLimit(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	product, err := s.repo.UpsertProduct(ctx, platform, canonical)
	if err != nil {
		return nil, nil, err
	}

	channels := req.Channels
	if len(channels) == 0 {
		channels = []string{db.ChannelEmail}
	}
	sub := &db.Subscription{
		ID:                   uuid.New(),
		UserID:               userID,
		ProductID:            product.ID,
		TargetPrice:          req.TargetPrice,
		DropThresholdPercent: req.DropThresholdPercent,
		Channels:             append([]string{}, channels...),
	}
	used, err := s.repo.CreateSubscription(ctx, sub, limit)
	switch {
	case errors.Is(err, db.ErrLimitReached):
		return nil, nil, quota.ProductsExceeded(userID, used, limit)
	case errors.Is(err, db.ErrConflict):
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyTracking, canonical)
	case err != nil:
		return nil, nil, err
	}

	s.logger.Info("tracking product",
		zap.String("user_id", userID.String()),
		zap.String("product_id", product.ID.String()),
		zap.String("platform", platform),
	)
	return sub, product, nil
}

// Untrack removes the user's subscription. The product is retired when no
// one tracks it any more; its history and past alerts stay.
func (s *Service) Untrack(ctx context.Context, userID, productID uuid.UUID) error {
	retired, err := s.repo.DeleteSubscription(ctx, userID, productID)
	if err != nil {
		return err
	}
	s.logger.Info("untracked product",
		zap.String("user_id", userID.String()),
		zap.String("product_id", productID.String()),
		zap.Bool("retired", retired),
	)
	return nil
}
