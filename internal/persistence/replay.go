package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CreditLedger/internal/event"
	"CreditLedger/internal/observability"

	"github.com/rs/zerolog"
)

const replayPageSize = 5000

// Replayer re-applies one logged command and verifies it reproduces the
// logged result and state hash.
type Replayer interface {
	Replay(logged *event.EventEnvelope) error
}

// EventLogReader loads the command log for recovery. The log is the only
// durable source of truth; state is rebuilt by replaying it from sequence 0.
type EventLogReader struct {
	db *sql.DB
}

func NewEventLogReader(db *sql.DB) *EventLogReader {
	return &EventLogReader{db: db}
}

// LoadCommands returns up to limit commands with sequence >= fromSeq, in
// sequence order.
func (r *EventLogReader) LoadCommands(ctx context.Context, fromSeq int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market_id, payload, result,
		       error_kind, error, output, state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.commands
		WHERE sequence >= $1
		ORDER BY sequence
		LIMIT $2`, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var out []*event.EventEnvelope
	for rows.Next() {
		var (
			env       event.EventEnvelope
			eventType string
			marketID  sql.NullString
			result    string
			stateHash []byte
			prevHash  []byte
		)
		if err := rows.Scan(
			&env.Sequence, &eventType, &env.IdempotencyKey, &marketID, &env.Payload, &result,
			&env.ErrorKind, &env.Error, &env.Output, &stateHash, &prevHash, &env.Timestamp, &env.SourceSequence,
		); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}

		et, ok := event.ParseEventType(eventType)
		if !ok {
			return nil, fmt.Errorf("command %d: unknown event type %q", env.Sequence, eventType)
		}
		if len(stateHash) != 32 || len(prevHash) != 32 {
			return nil, fmt.Errorf("command %d: malformed hash", env.Sequence)
		}
		env.EventType = et
		env.Result = event.Result(result)
		if marketID.Valid {
			id := marketID.String
			env.MarketID = &id
		}
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)
		out = append(out, &env)
	}
	return out, rows.Err()
}

// RecentIdempotencyKeys returns the composite dedup keys ("<type>:<key>")
// of the last limit commands, oldest first.
func (r *EventLogReader) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key FROM (
			SELECT sequence, event_type, idempotency_key
			FROM event_log.commands
			ORDER BY sequence DESC
			LIMIT $1
		) recent ORDER BY sequence`, limit)
	if err != nil {
		return nil, fmt.Errorf("query idempotency keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0, limit)
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, eventType+":"+key)
	}
	return keys, rows.Err()
}

// Recover replays the whole log into r. It returns the number of commands
// replayed.
func Recover(ctx context.Context, reader *EventLogReader, r Replayer, metrics *observability.Metrics, log zerolog.Logger) (int64, error) {
	start := time.Now()
	var (
		next  int64
		total int64
	)

	for {
		page, err := reader.LoadCommands(ctx, next, replayPageSize)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			break
		}
		for _, env := range page {
			if err := r.Replay(env); err != nil {
				return total, err
			}
			total++
			next = env.Sequence + 1
		}
		if metrics != nil {
			metrics.ReplayCommandsTotal.Add(float64(len(page)))
		}
		log.Debug().Int64("through", next-1).Msg("replayed page")
	}

	elapsed := time.Since(start)
	if metrics != nil {
		metrics.ReplayDuration.Set(elapsed.Seconds())
	}
	log.Info().Int64("commands", total).Dur("elapsed", elapsed).Msg("replay complete")
	return total, nil
}
