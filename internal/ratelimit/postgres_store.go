package ratelimit

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore keeps one row per class in rate_windows.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Increment upserts the class row. A caller with a newer window rotates the
// row; a caller whose clock lags behind counts into the current window.
func (p *PostgresStore) Increment(ctx context.Context, class string, windowStart time.Time, _ time.Duration) (int64, error) {
	var count int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO rate_windows (class, window_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (class) DO UPDATE SET
			count = CASE WHEN rate_windows.window_start >= EXCLUDED.window_start
				THEN rate_windows.count + 1 ELSE 1 END,
			window_start = GREATEST(rate_windows.window_start, EXCLUDED.window_start)
		RETURNING count`,
		class, windowStart,
	).Scan(&count)
	return count, err
}
