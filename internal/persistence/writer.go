package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"CreditLedger/internal/event"
	"CreditLedger/internal/ledger"

	"github.com/lib/pq"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// EventLogWriter writes commands and journals to Postgres. Commands go in
// with a multi-row INSERT so redelivered batches are no-ops; journals are
// streamed with COPY.
type EventLogWriter struct {
	db *sql.DB
}

// CommandRow represents a row in event_log.commands
type CommandRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	MarketID       *string
	Payload        []byte
	Result         string
	ErrorKind      string
	Error          string
	Output         string
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal. Amount is a base-unit
// decimal string stored as NUMERIC(78,0).
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string
	JournalType   string
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// CommandRowFromEnvelope flattens a logged command for storage.
func CommandRowFromEnvelope(env *event.EventEnvelope) CommandRow {
	return CommandRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Payload:        env.Payload,
		Result:         string(env.Result),
		ErrorKind:      env.ErrorKind,
		Error:          env.Error,
		Output:         env.Output,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
}

// JournalRowsFromBatch flattens a command's journal batch for storage.
func JournalRowsFromBatch(batch *ledger.Batch) []JournalRow {
	if batch == nil || len(batch.Journals) == 0 {
		return nil
	}
	rows := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		asset, _ := ledger.GetAssetName(j.AssetID)
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Asset:         asset,
			Amount:        j.Amount.Dec(),
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// WriteCommandBatch writes a batch of commands to event_log.commands using multi-row INSERT.
func (w *EventLogWriter) WriteCommandBatch(ctx context.Context, tx dbtx, commands []CommandRow) error {
	if len(commands) == 0 {
		return nil
	}

	const cols = 13
	query := `INSERT INTO event_log.commands
		(sequence, event_type, idempotency_key, market_id, payload, result, error_kind, error,
		 output, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(commands))
	args := make([]any, 0, len(commands)*cols)

	for i, c := range commands {
		base := i * cols
		placeholders := make([]string, cols)
		for k := range placeholders {
			placeholders[k] = fmt.Sprintf("$%d", base+k+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			c.Sequence, c.EventType, c.IdempotencyKey, c.MarketID, c.Payload,
			c.Result, c.ErrorKind, c.Error, c.Output,
			c.StateHash, c.PrevHash, c.Timestamp, c.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch streams journal entries into event_log.journal with COPY.
// It must run inside a transaction.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx dbtx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema("event_log", "journal",
		"journal_id", "batch_id", "event_ref", "sequence", "debit_account",
		"credit_account", "asset", "amount", "journal_type", "timestamp"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}
	defer stmt.Close()

	for _, j := range journals {
		if _, err := stmt.ExecContext(ctx,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.DebitAccount,
			j.CreditAccount, j.Asset, j.Amount, j.JournalType, j.Timestamp,
		); err != nil {
			return fmt.Errorf("copy journal %s: %w", j.JournalID, err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("flush copy: %w", err)
	}
	return nil
}
