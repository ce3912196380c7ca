package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"CreditLedger/internal/core"
	"CreditLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Update is one committed projection change.
type Update struct {
	Sequence int64
	Markets  []MarketDoc
	Accounts []AccountDoc
}

// Sink is notified after an update commits. Implementations must not block.
type Sink interface {
	Apply(ctx context.Context, u Update)
}

// ProjectionWorker keeps projections.markets and projections.accounts in
// step with the core. Its input channel is fed non-blocking, so a dropped
// output is healed by the next one, which carries every market again.
// Projections can always be rebuilt by replaying the command log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	sinks     []Sink
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	log zerolog.Logger,
	sinks ...Sink,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		sinks:     sinks,
		metrics:   metrics,
		log:       log.With().Str("component", "projection").Logger(),
		lastSeq:   -1,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if pw.metrics != nil {
				pw.metrics.SetChannelMetrics("projection", len(pw.inputChan), cap(pw.inputChan))
			}

			update := Render(output)
			if err := pw.apply(ctx, update); err != nil {
				// Eventually consistent: the next output rewrites every market.
				pw.log.Warn().Err(err).Int64("seq", update.Sequence).Msg("projection update failed")
				continue
			}
			pw.lastSeq = update.Sequence
			for _, s := range pw.sinks {
				s.Apply(ctx, update)
			}
		}
	}
}

// LastSequence is the last sequence written to the projections.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Render converts a core output into read-model documents.
func Render(output core.CoreOutput) Update {
	u := Update{
		Sequence: output.Sequence,
		Markets:  make([]MarketDoc, 0, len(output.Markets)),
		Accounts: make([]AccountDoc, 0, len(output.Accounts)),
	}
	for _, m := range output.Markets {
		u.Markets = append(u.Markets, NewMarketDoc(m, output.Sequence))
	}
	for _, a := range output.Accounts {
		u.Accounts = append(u.Accounts, NewAccountDoc(a, output.Sequence))
	}
	return u
}

func (pw *ProjectionWorker) apply(ctx context.Context, u Update) error {
	start := time.Now()
	defer func() {
		if pw.metrics != nil {
			pw.metrics.ProjectionUpdateDur.WithLabelValues("state").Observe(time.Since(start).Seconds())
		}
	}()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range u.Markets {
		if err := upsertMarket(ctx, tx, u.Markets[i]); err != nil {
			return fmt.Errorf("market %s: %w", u.Markets[i].ID, err)
		}
	}
	for i := range u.Accounts {
		if err := upsertAccount(ctx, tx, u.Accounts[i]); err != nil {
			return fmt.Errorf("account %s: %w", u.Accounts[i].Account, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, u.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// Rows only move forward: an older sequence never overwrites a newer one.
func upsertMarket(ctx context.Context, tx *sql.Tx, m MarketDoc) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.markets
			(market_id, asset, price, floating_assets, floating_debt, utilization, doc, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (market_id) DO UPDATE SET
			asset = EXCLUDED.asset,
			price = EXCLUDED.price,
			floating_assets = EXCLUDED.floating_assets,
			floating_debt = EXCLUDED.floating_debt,
			utilization = EXCLUDED.utilization,
			doc = EXCLUDED.doc,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.markets.last_sequence <= EXCLUDED.last_sequence
	`, m.ID, m.Asset, m.raw.price, m.raw.floatingAssets, m.raw.floatingDebt, m.raw.utilization, doc, m.Sequence)
	return err
}

func upsertAccount(ctx context.Context, tx *sql.Tx, a AccountDoc) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.accounts
			(account_id, adjusted_collateral, adjusted_debt, shortfall, doc, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			adjusted_collateral = EXCLUDED.adjusted_collateral,
			adjusted_debt = EXCLUDED.adjusted_debt,
			shortfall = EXCLUDED.shortfall,
			doc = EXCLUDED.doc,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.accounts.last_sequence <= EXCLUDED.last_sequence
	`, a.Account, a.rawCollateral, a.rawDebt, a.Shortfall, doc, a.Sequence)
	return err
}
