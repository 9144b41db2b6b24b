// Package memstore is an in-memory implementation of the tracker's
// repositories, used by STORE_BACKEND=memory and by tests. It mirrors the
// Postgres repository's semantics, including per-product atomic appends and
// compare-and-swap alert transitions.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/pricewatch/internal/db"
)

type productEntry struct {
	mu           sync.Mutex
	product      db.Product
	lastObserved *time.Time
	observations []*db.Observation
}

type alertKey struct {
	subscriptionID uuid.UUID
	observationID  uuid.UUID
	kind           string
}

type usageKey struct {
	userID uuid.UUID
	day    time.Time
}

// Store holds everything in maps. Product rows carry their own lock so
// appends to different products never contend.
type Store struct {
	seq atomic.Int64

	productsMu sync.RWMutex
	products   map[uuid.UUID]*productEntry
	byIdentity map[string]uuid.UUID

	subsMu sync.RWMutex
	subs   map[uuid.UUID]*db.Subscription

	alertsMu    sync.RWMutex
	alerts      map[uuid.UUID]*db.Alert
	alertsByKey map[alertKey]uuid.UUID

	usageMu sync.Mutex
	usage   map[usageKey]*db.UsageCounter

	accountsMu sync.RWMutex
	plans      map[uuid.UUID]*db.PlanLimits
	recipients map[uuid.UUID]*db.Recipient

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		products:    make(map[uuid.UUID]*productEntry),
		byIdentity:  make(map[string]uuid.UUID),
		subs:        make(map[uuid.UUID]*db.Subscription),
		alerts:      make(map[uuid.UUID]*db.Alert),
		alertsByKey: make(map[alertKey]uuid.UUID),
		usage:       make(map[usageKey]*db.UsageCounter),
		plans:       make(map[uuid.UUID]*db.PlanLimits),
		recipients:  make(map[uuid.UUID]*db.Recipient),
		now:         time.Now,
	}
}

func identity(platform, canonicalURL string) string {
	return platform + "|" + canonicalURL
}

func (s *Store) entry(id uuid.UUID) (*productEntry, error) {
	s.productsMu.RLock()
	e, ok := s.products[id]
	s.productsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, db.ErrNotFound)
	}
	return e, nil
}

// UpsertProduct implements the tracking repository.
func (s *Store) UpsertProduct(_ context.Context, platform, canonicalURL string) (*db.Product, error) {
	key := identity(platform, canonicalURL)

	s.productsMu.Lock()
	id, ok := s.byIdentity[key]
	if !ok {
		now := s.now().UTC()
		id = uuid.New()
		s.products[id] = &productEntry{product: db.Product{
			ID:           id,
			Platform:     platform,
			CanonicalURL: canonicalURL,
			Currency:     "INR",
			CreatedAt:    now,
			UpdatedAt:    now,
		}}
		s.byIdentity[key] = id
	}
	e := s.products[id]
	s.productsMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.product.Retired = false
	p := e.product
	return &p, nil
}

// GetProduct implements the product lookup.
func (s *Store) GetProduct(_ context.Context, id uuid.UUID) (*db.Product, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.product
	return &p, nil
}

// ListDueProducts mirrors the Postgres due query.
func (s *Store) ListDueProducts(_ context.Context, asOf time.Time, filter db.DueFilter) ([]*db.Product, error) {
	s.productsMu.RLock()
	entries := make([]*productEntry, 0, len(s.products))
	for _, e := range s.products {
		entries = append(entries, e)
	}
	s.productsMu.RUnlock()

	tracked := s.trackedProducts()

	var due []*db.Product
	for _, e := range entries {
		e.mu.Lock()
		p := e.product
		e.mu.Unlock()

		interval, ok := filter.Intervals[p.Platform]
		if !ok || p.Retired || !tracked[p.ID] {
			continue
		}
		if p.LastCheckedAt != nil && p.LastCheckedAt.After(asOf.Add(-interval)) {
			continue
		}
		due = append(due, &p)
	}

	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].LastCheckedAt, due[j].LastCheckedAt
		switch {
		case a == nil && b == nil:
			return due[i].ID.String() < due[j].ID.String()
		case a == nil:
			return true
		case b == nil:
			return false
		case a.Equal(*b):
			return due[i].ID.String() < due[j].ID.String()
		default:
			return a.Before(*b)
		}
	})
	if filter.Limit > 0 && len(due) > filter.Limit {
		due = due[:filter.Limit]
	}
	return due, nil
}

func (s *Store) trackedProducts() map[uuid.UUID]bool {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	tracked := make(map[uuid.UUID]bool, len(s.subs))
	for _, sub := range s.subs {
		tracked[sub.ProductID] = true
	}
	return tracked
}

// RecordCheckFailure bumps failure counters without touching last_checked_at.
func (s *Store) RecordCheckFailure(_ context.Context, id uuid.UUID, reason string) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.product.CheckCount++
	e.product.FailCount++
	e.product.LastFailureReason = &reason
	e.product.UpdatedAt = s.now().UTC()
	return nil
}

// AppendObservation mirrors the Postgres transaction under the product lock.
func (s *Store) AppendObservation(_ context.Context, obs *db.Observation, title string) (db.Snapshot, error) {
	e, err := s.entry(obs.ProductID)
	if err != nil {
		return db.Snapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	snap := db.Snapshot{Price: cloneFloat(e.product.CurrentPrice), InStock: cloneBool(e.product.InStock)}

	obs.OutOfOrder = e.lastObserved != nil && obs.ObservedAt.Before(*e.lastObserved)
	obs.Seq = s.seq.Add(1)
	obs.CreatedAt = s.now().UTC()
	stored := *obs
	e.observations = append(e.observations, &stored)

	p := &e.product
	p.CheckCount++
	p.SuccessCount++
	p.UpdatedAt = obs.CreatedAt
	if !obs.OutOfOrder {
		price, inStock, at := obs.Price, obs.InStock, obs.ObservedAt
		p.CurrentPrice = &price
		p.InStock = &inStock
		p.Currency = obs.Currency
		p.LastFailureReason = nil
		if title != "" {
			p.Title = title
		}
		e.lastObserved = &at
		if p.LastCheckedAt == nil || p.LastCheckedAt.Before(at) {
			p.LastCheckedAt = &at
		}
	}
	return snap, nil
}

// ListObservations returns history ordered by observed_at then sequence.
func (s *Store) ListObservations(_ context.Context, productID uuid.UUID, since time.Time) ([]*db.Observation, error) {
	e, err := s.entry(productID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	out := make([]*db.Observation, 0, len(e.observations))
	for _, o := range e.observations {
		if o.ObservedAt.Before(since) {
			continue
		}
		c := *o
		out = append(out, &c)
	}
	e.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out, nil
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneStrings(v []string) []string {
	return append([]string{}, v...)
}
