package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/lalithlochan/pricewatch/internal/db"
)

func cloneSubscription(sub *db.Subscription) *db.Subscription {
	c := *sub
	c.TargetPrice = cloneFloat(sub.TargetPrice)
	c.DropThresholdPercent = cloneFloat(sub.DropThresholdPercent)
	c.ReferencePrice = cloneFloat(sub.ReferencePrice)
	c.LastAlertedAt = cloneTime(sub.LastAlertedAt)
	c.Channels = cloneStrings(sub.Channels)
	return &c
}

// CreateSubscription enforces uniqueness per (user, product) and the
// user's product ceiling under one lock.
func (s *Store) CreateSubscription(_ context.Context, sub *db.Subscription, maxProducts int) (int, error) {
	if _, err := s.entry(sub.ProductID); err != nil {
		return 0, err
	}

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	used := 0
	for _, existing := range s.subs {
		if existing.UserID != sub.UserID {
			continue
		}
		used++
	}
	if maxProducts >= 0 && used >= maxProducts {
		return used, fmt.Errorf("user %s tracks %d of %d: %w", sub.UserID, used, maxProducts, db.ErrLimitReached)
	}
	for _, existing := range s.subs {
		if existing.UserID == sub.UserID && existing.ProductID == sub.ProductID {
			return used, fmt.Errorf("subscription for user %s: %w", sub.UserID, db.ErrConflict)
		}
	}
	sub.CreatedAt = s.now().UTC()
	s.subs[sub.ID] = cloneSubscription(sub)
	return used, nil
}

// GetSubscription returns a subscription by ID.
func (s *Store) GetSubscription(_ context.Context, id uuid.UUID) (*db.Subscription, error) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, db.ErrNotFound)
	}
	return cloneSubscription(sub), nil
}

// ListSubscriptionsByProduct returns subscriptions oldest first.
func (s *Store) ListSubscriptionsByProduct(_ context.Context, productID uuid.UUID) ([]*db.Subscription, error) {
	subs := s.filterSubscriptions(func(sub *db.Subscription) bool { return sub.ProductID == productID })
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID.String() < subs[j].ID.String()
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs, nil
}

// ListSubscriptionsByUser returns subscriptions newest first.
func (s *Store) ListSubscriptionsByUser(_ context.Context, userID uuid.UUID) ([]*db.Subscription, error) {
	subs := s.filterSubscriptions(func(sub *db.Subscription) bool { return sub.UserID == userID })
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.After(subs[j].CreatedAt) })
	return subs, nil
}

func (s *Store) filterSubscriptions(keep func(*db.Subscription) bool) []*db.Subscription {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	var out []*db.Subscription
	for _, sub := range s.subs {
		if keep(sub) {
			out = append(out, cloneSubscription(sub))
		}
	}
	return out
}

// DeleteSubscription removes the edge and retires the product when it was
// the last one.
func (s *Store) DeleteSubscription(_ context.Context, userID, productID uuid.UUID) (bool, error) {
	e, err := s.entry(productID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	var (
		found     bool
		remaining int
	)
	for id, sub := range s.subs {
		if sub.ProductID != productID {
			continue
		}
		if sub.UserID == userID {
			delete(s.subs, id)
			found = true
			continue
		}
		remaining++
	}
	if !found {
		return false, fmt.Errorf("subscription for user %s: %w", userID, db.ErrNotFound)
	}

	if remaining == 0 {
		e.product.Retired = true
		e.product.UpdatedAt = s.now().UTC()
		return true, nil
	}
	return false, nil
}

// RestoreReference moves the drop reference from from back to to.
func (s *Store) RestoreReference(_ context.Context, subscriptionID uuid.UUID, from, to float64) (bool, error) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	sub, ok := s.subs[subscriptionID]
	if !ok || sub.ReferencePrice == nil || *sub.ReferencePrice != from {
		return false, nil
	}
	sub.ReferencePrice = &to
	return true, nil
}
