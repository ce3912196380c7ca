package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CreditLedger/internal/core"
	"CreditLedger/internal/event"
	"CreditLedger/internal/observability"

	"github.com/rs/zerolog"
)

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// FlushedFunc receives the envelopes of a committed batch, in sequence order.
type FlushedFunc func([]*event.EventEnvelope)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on that channel blocking, so if this worker falls behind
// the core stalls and no command is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	onFlushed    FlushedFunc
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	onFlushed FlushedFunc,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		onFlushed:    onFlushed,
		metrics:      metrics,
		log:          log.With().Str("component", "persistence").Logger(),
	}
}

type pendingBatch struct {
	envelopes []*event.EventEnvelope
	commands  []CommandRow
	journals  []JournalRow
}

func (b *pendingBatch) add(out core.CoreOutput) {
	b.envelopes = append(b.envelopes, out.Envelope)
	b.commands = append(b.commands, CommandRowFromEnvelope(out.Envelope))
	b.journals = append(b.journals, JournalRowsFromBatch(out.Batch)...)
}

func (b *pendingBatch) len() int { return len(b.commands) }

func (b *pendingBatch) reset() {
	b.envelopes = nil
	b.commands = b.commands[:0]
	b.journals = b.journals[:0]
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pendingBatch{
		commands: make([]CommandRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*4),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if batch.len() > 0 {
				if err := pw.commit(context.Background(), batch); err != nil {
					pw.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if batch.len() > 0 {
					if err := pw.commit(context.Background(), batch); err != nil {
						pw.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}
			// State broadcasts carry no command.
			if output.Envelope == nil {
				continue
			}

			batch.add(output)
			if batch.len() >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if batch.len() > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pendingBatch) error {
	backoff := initialBackoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("commands", batch.len()).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.commit(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.commit(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.log.Error().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) commit(ctx context.Context, batch *pendingBatch) error {
	if err := pw.flush(ctx, batch.commands, batch.journals); err != nil {
		return err
	}
	if pw.onFlushed != nil {
		pw.onFlushed(batch.envelopes)
	}
	return nil
}

func (pw *PersistenceWorker) flush(ctx context.Context, commands []CommandRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteCommandBatch(ctx, tx, commands); err != nil {
		pw.recordError("write_commands")
		return err
	}

	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.recordError("write_journals")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(commands)))
		pw.metrics.PersistCommandsWritten.Add(float64(len(commands)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		if len(commands) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(commands[len(commands)-1].Sequence))
		}
	}

	return nil
}

func (pw *PersistenceWorker) recordError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
