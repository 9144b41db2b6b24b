package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var usageColumns = map[string]string{
	UsageChecks: "checks_used",
	UsageAlerts: "alerts_used",
}

// ConsumeUsage atomically takes one unit of field for the user's day when the
// counter is below limit (a negative limit never blocks). It returns the
// counter value after the call and whether the unit was granted.
//
// Rows are keyed by date, so the first call on a new UTC day starts from a
// fresh zero row and replays of the initializing insert are no-ops.
func (r *Repository) ConsumeUsage(ctx context.Context, userID uuid.UUID, day time.Time, field string, limit int) (int, bool, error) {
	column, ok := usageColumns[field]
	if !ok {
		return 0, false, fmt.Errorf("unknown usage field %q", field)
	}
	day = DayOf(day)

	_, err := r.db.Pool().Exec(ctx,
		`INSERT INTO usage_counters (user_id, date) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, day)
	if err != nil {
		return 0, false, fmt.Errorf("init usage counter: %w", err)
	}

	var used int
	query := fmt.Sprintf(`
		UPDATE usage_counters
		SET %[1]s = %[1]s + 1
		WHERE user_id = $1 AND date = $2 AND ($3::int < 0 OR %[1]s < $3::int)
		RETURNING %[1]s`, column)
	err = r.db.Pool().QueryRow(ctx, query, userID, day, limit).Scan(&used)
	if err == nil {
		return used, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("increment usage: %w", err)
	}

	err = r.db.Pool().QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM usage_counters WHERE user_id = $1 AND date = $2`, column),
		userID, day,
	).Scan(&used)
	if err != nil {
		return 0, false, fmt.Errorf("read usage: %w", err)
	}
	return used, false, nil
}

// GetUsage returns the user's counters for day, zero when nothing was used.
func (r *Repository) GetUsage(ctx context.Context, userID uuid.UUID, day time.Time) (*UsageCounter, error) {
	u := &UsageCounter{UserID: userID, Date: DayOf(day)}
	err := r.db.Pool().QueryRow(ctx,
		`SELECT checks_used, alerts_used FROM usage_counters WHERE user_id = $1 AND date = $2`,
		userID, u.Date,
	).Scan(&u.ChecksUsed, &u.AlertsUsed)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	return u, nil
}
