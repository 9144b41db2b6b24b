package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key already exists.
	ErrConflict = errors.New("already exists")
	// ErrLimitReached is returned when an insert would pass a per-user
	// ceiling.
	ErrLimitReached = errors.New("limit reached")
	// ErrStaleState is returned when a conditional update matched no row
	// because the row was no longer in the expected state.
	ErrStaleState = errors.New("stale state")
)

// Repository handles all Postgres reads and writes for the tracker.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// DueFilter selects products whose last check is older than the per-platform
// poll interval. Platforms missing from Intervals are never due.
type DueFilter struct {
	Intervals map[string]time.Duration
	Limit     int
}

// Snapshot is a product's cached state immediately before an append.
type Snapshot struct {
	Price   *float64
	InStock *bool
}

// Evaluation is the atomic outcome of evaluating one subscription against
// one observation.
type Evaluation struct {
	SubscriptionID uuid.UUID
	ReferencePrice *float64
	AlertedAt      *time.Time
	Alerts         []*Alert
}
