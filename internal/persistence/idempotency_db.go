package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const dedupQueryTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker is the second dedup tier: a lookup against the
// unique (event_type, idempotency_key) index of the command log.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// IsDuplicate reports whether the command was already logged.
func (pic *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dedupQueryTimeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.commands
		WHERE event_type = $1 AND idempotency_key = $2
		LIMIT 1`, eventType, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
