package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/pricewatch/internal/db"
)

// ConsumeUsage takes one unit under the usage lock. A new UTC day gets a new
// zero row.
func (s *Store) ConsumeUsage(_ context.Context, userID uuid.UUID, day time.Time, field string, limit int) (int, bool, error) {
	key := usageKey{userID, db.DayOf(day)}

	s.usageMu.Lock()
	defer s.usageMu.Unlock()

	u, ok := s.usage[key]
	if !ok {
		u = &db.UsageCounter{UserID: userID, Date: key.day}
		s.usage[key] = u
	}

	var counter *int
	switch field {
	case db.UsageChecks:
		counter = &u.ChecksUsed
	case db.UsageAlerts:
		counter = &u.AlertsUsed
	default:
		return 0, false, fmt.Errorf("unknown usage field %q", field)
	}

	if limit >= 0 && *counter >= limit {
		return *counter, false, nil
	}
	*counter++
	return *counter, true, nil
}

// GetUsage returns a copy of the day's counters.
func (s *Store) GetUsage(_ context.Context, userID uuid.UUID, day time.Time) (*db.UsageCounter, error) {
	key := usageKey{userID, db.DayOf(day)}

	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	if u, ok := s.usage[key]; ok {
		c := *u
		return &c, nil
	}
	return &db.UsageCounter{UserID: userID, Date: key.day}, nil
}

// SetPlan assigns plan limits to a user.
func (s *Store) SetPlan(userID uuid.UUID, limits db.PlanLimits) {
	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()
	s.plans[userID] = &limits
}

// GetPlanLimits returns the user's plan or ErrNotFound.
func (s *Store) GetPlanLimits(_ context.Context, userID uuid.UUID) (*db.PlanLimits, error) {
	s.accountsMu.RLock()
	defer s.accountsMu.RUnlock()
	pl, ok := s.plans[userID]
	if !ok {
		return nil, fmt.Errorf("plan for user %s: %w", userID, db.ErrNotFound)
	}
	c := *pl
	return &c, nil
}

// GetRecipient returns the user's contacts or ErrNotFound.
func (s *Store) GetRecipient(_ context.Context, userID uuid.UUID) (*db.Recipient, error) {
	s.accountsMu.RLock()
	defer s.accountsMu.RUnlock()
	rc, ok := s.recipients[userID]
	if !ok {
		return nil, fmt.Errorf("contacts for user %s: %w", userID, db.ErrNotFound)
	}
	c := *rc
	return &c, nil
}

// UpsertRecipient stores the user's contacts.
func (s *Store) UpsertRecipient(_ context.Context, rc *db.Recipient) error {
	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()
	c := *rc
	s.recipients[rc.UserID] = &c
	return nil
}
