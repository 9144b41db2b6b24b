package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/pricewatch/internal/db"
)

func cloneAlert(a *db.Alert) *db.Alert {
	c := *a
	c.OldPrice = cloneFloat(a.OldPrice)
	c.Channels = cloneStrings(a.Channels)
	c.ChannelsSent = cloneStrings(a.ChannelsSent)
	c.NextRetryAt = cloneTime(a.NextRetryAt)
	c.SentAt = cloneTime(a.SentAt)
	c.ViewedAt = cloneTime(a.ViewedAt)
	c.ClickedAt = cloneTime(a.ClickedAt)
	if a.LastError != nil {
		e := *a.LastError
		c.LastError = &e
	}
	return &c
}

// AlertExists reports whether the pair already produced an alert.
func (s *Store) AlertExists(_ context.Context, subscriptionID, observationID uuid.UUID) (bool, error) {
	s.alertsMu.RLock()
	defer s.alertsMu.RUnlock()
	for key := range s.alertsByKey {
		if key.subscriptionID == subscriptionID && key.observationID == observationID {
			return true, nil
		}
	}
	return false, nil
}

// RecordEvaluation inserts new alerts and moves the subscription reference.
func (s *Store) RecordEvaluation(_ context.Context, ev db.Evaluation) ([]*db.Alert, error) {
	s.alertsMu.Lock()
	var created []*db.Alert
	for _, a := range ev.Alerts {
		key := alertKey{a.SubscriptionID, a.ObservationID, a.Kind}
		if _, dup := s.alertsByKey[key]; dup {
			continue
		}
		a.State = db.StatePending
		a.UpdatedAt = a.CreatedAt
		s.alerts[a.ID] = cloneAlert(a)
		s.alertsByKey[key] = a.ID
		created = append(created, a)
	}
	s.alertsMu.Unlock()

	s.subsMu.Lock()
	if sub, ok := s.subs[ev.SubscriptionID]; ok {
		sub.ReferencePrice = cloneFloat(ev.ReferencePrice)
		if ev.AlertedAt != nil {
			sub.LastAlertedAt = cloneTime(ev.AlertedAt)
		}
	}
	s.subsMu.Unlock()

	return created, nil
}

// GetAlert returns an alert by ID.
func (s *Store) GetAlert(_ context.Context, id uuid.UUID) (*db.Alert, error) {
	s.alertsMu.RLock()
	defer s.alertsMu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, db.ErrNotFound)
	}
	return cloneAlert(a), nil
}

// transition applies mutate when the alert is in one of from, as a single
// compare-and-swap under the alerts lock.
func (s *Store) transition(id uuid.UUID, from []string, mutate func(a *db.Alert)) (*db.Alert, error) {
	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, db.ErrNotFound)
	}
	for _, state := range from {
		if a.State == state {
			mutate(a)
			return cloneAlert(a), nil
		}
	}
	return nil, fmt.Errorf("alert %s: %w", id, db.ErrStaleState)
}

// ClaimAlert moves pending to sending.
func (s *Store) ClaimAlert(_ context.Context, id uuid.UUID, now time.Time) (*db.Alert, error) {
	return s.transition(id, []string{db.StatePending}, func(a *db.Alert) {
		a.State = db.StateSending
		a.UpdatedAt = now
	})
}

// CompleteAlert moves sending to sent.
func (s *Store) CompleteAlert(_ context.Context, id uuid.UUID, channelsSent []string, attempt int, sentAt time.Time) error {
	_, err := s.transition(id, []string{db.StateSending}, func(a *db.Alert) {
		a.State = db.StateSent
		a.ChannelsSent = cloneStrings(channelsSent)
		a.Attempt = attempt
		a.SentAt = &sentAt
		a.UpdatedAt = sentAt
		a.LastError = nil
		a.NextRetryAt = nil
	})
	return err
}

// FailAlertAttempt moves sending back to pending, or to failed when terminal.
func (s *Store) FailAlertAttempt(_ context.Context, id uuid.UUID, attempt int, lastErr string, nextRetryAt *time.Time, terminal bool, now time.Time) error {
	_, err := s.transition(id, []string{db.StateSending}, func(a *db.Alert) {
		a.State = db.StatePending
		if terminal {
			a.State = db.StateFailed
		}
		a.Attempt = attempt
		a.LastError = &lastErr
		a.NextRetryAt = cloneTime(nextRetryAt)
		a.UpdatedAt = now
	})
	return err
}

// MarkAlertViewed moves sent to viewed.
func (s *Store) MarkAlertViewed(_ context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.transition(id, []string{db.StateSent}, func(a *db.Alert) {
		a.State = db.StateViewed
		a.ViewedAt = &at
		a.UpdatedAt = at
	})
	return err
}

// MarkAlertClicked moves sent or viewed to clicked.
func (s *Store) MarkAlertClicked(_ context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.transition(id, []string{db.StateSent, db.StateViewed}, func(a *db.Alert) {
		a.State = db.StateClicked
		a.ClickedAt = &at
		if a.ViewedAt == nil {
			a.ViewedAt = &at
		}
		a.UpdatedAt = at
	})
	return err
}

// ListRetryableAlerts returns due pending alerts oldest first.
func (s *Store) ListRetryableAlerts(_ context.Context, now time.Time, limit int) ([]*db.Alert, error) {
	return s.filterAlerts(func(a *db.Alert) bool {
		return a.State == db.StatePending && (a.NextRetryAt == nil || !a.NextRetryAt.After(now))
	}, true, limit), nil
}

// ReclaimStaleAlerts returns stuck sending alerts to pending, counting the
// lost send as an attempt. Alerts reaching maxAttempts become failed.
func (s *Store) ReclaimStaleAlerts(_ context.Context, olderThan time.Time, maxAttempts int) ([]*db.Alert, error) {
	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()
	now := s.now().UTC()
	var out []*db.Alert
	for _, a := range s.alerts {
		if a.State != db.StateSending || !a.UpdatedAt.Before(olderThan) {
			continue
		}
		a.Attempt++
		a.State = db.StatePending
		if a.Attempt >= maxAttempts {
			a.State = db.StateFailed
		}
		lastErr := db.ReclaimedError
		a.LastError = &lastErr
		a.NextRetryAt = nil
		a.UpdatedAt = now
		out = append(out, cloneAlert(a))
	}
	return out, nil
}

// ListAlertsByUser returns a user's alerts newest first.
func (s *Store) ListAlertsByUser(_ context.Context, userID uuid.UUID, limit int) ([]*db.Alert, error) {
	return s.filterAlerts(func(a *db.Alert) bool { return a.UserID == userID }, false, limit), nil
}

func (s *Store) filterAlerts(keep func(*db.Alert) bool, oldestFirst bool, limit int) []*db.Alert {
	s.alertsMu.RLock()
	var out []*db.Alert
	for _, a := range s.alerts {
		if keep(a) {
			out = append(out, cloneAlert(a))
		}
	}
	s.alertsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if oldestFirst {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
