package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CreditLedger/internal/observability"
	"CreditLedger/internal/projection"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// QueryService provides read-only access to projections and the journal.
// Every response carries as_of_sequence, the last command reflected in it.
type QueryService struct {
	store   Store
	db      *sql.DB
	metrics *observability.Metrics
}

// NewQueryService serves projections from store and ledger history from db.
// db may be nil when only projections are needed.
func NewQueryService(store Store, db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{store: store, db: db, metrics: metrics}
}

// track records one request when the returned func runs.
func (qs *QueryService) track(endpoint string, err *error) func() {
	start := time.Now()
	return func() { qs.observe(endpoint, start, *err) }
}

func (qs *QueryService) observe(endpoint string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// GetMarkets returns every market.
func (qs *QueryService) GetMarkets(ctx context.Context) (resp *MarketsResponse, err error) {
	defer qs.track("markets", &err)()

	markets, err := qs.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	return &MarketsResponse{Markets: markets, AsOfSequence: maxMarketSequence(markets)}, nil
}

// GetMarket returns one market.
func (qs *QueryService) GetMarket(ctx context.Context, id string) (resp *MarketResponse, err error) {
	defer qs.track("market", &err)()

	m, err := qs.store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	return &MarketResponse{Market: *m, AsOfSequence: m.Sequence}, nil
}

// GetAccount returns an account's positions and health.
func (qs *QueryService) GetAccount(ctx context.Context, id string) (resp *AccountResponse, err error) {
	defer qs.track("account", &err)()

	a, err := qs.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return &AccountResponse{Account: *a, AsOfSequence: a.Sequence}, nil
}

// GetShortfall lists liquidatable accounts, deepest shortfall first.
func (qs *QueryService) GetShortfall(ctx context.Context, limit int) (resp *ShortfallResponse, err error) {
	defer qs.track("shortfall", &err)()

	asOf, err := qs.store.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	accounts, err := qs.store.ListShortfall(ctx, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return &ShortfallResponse{Accounts: accounts, AsOfSequence: asOf}, nil
}

// GetWalletBalance sums the journal for an account's free funds of asset,
// in base units.
func (qs *QueryService) GetWalletBalance(ctx context.Context, account, asset string) (balance decimal.Decimal, err error) {
	defer qs.track("wallet", &err)()

	path, err := walletPath(account, asset)
	if err != nil {
		return decimal.Zero, err
	}
	var raw string
	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN debit_account = $1 THEN amount ELSE -amount END), 0)::TEXT
		FROM event_log.journal
		WHERE debit_account = $1 OR credit_account = $1
	`, path).Scan(&raw)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// GetJournalHistory returns an account's journal entries, newest first.
// afterSequence pages backwards.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account string,
	limit int,
	afterSequence *int64,
) (entries []JournalHistoryEntry, err error) {
	defer qs.track("journal", &err)()

	id, err := uuid.Parse(account)
	if err != nil {
		return nil, fmt.Errorf("%w: account %q", ErrInvalidInput, account)
	}
	accountPrefix := fmt.Sprintf("user:%s:%%", id)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks the hash chain of the command log and that no
// asset account went negative.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM event_log.commands c1
		JOIN event_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.prev_hash != c2.state_hash
		ORDER BY c1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Users and market vaults are debit-normal; the external custody
	// account is the only one allowed below zero on this sign convention.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT account, asset, SUM(delta)::TEXT FROM (
			SELECT debit_account AS account, asset, amount AS delta FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account, asset, -amount AS delta FROM event_log.journal
		) moves
		WHERE account NOT LIKE 'external:%'
		GROUP BY account, asset
		HAVING SUM(delta) < 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var n NegativeAccount
		if err := balanceRows.Scan(&n.AccountPath, &n.Asset, &n.Balance); err != nil {
			return nil, err
		}
		report.NegativeAccounts = append(report.NegativeAccounts, n)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.NegativeAccounts) == 0
	return report, nil
}

func walletPath(account, asset string) (string, error) {
	id, err := uuid.Parse(account)
	if err != nil {
		return "", fmt.Errorf("%w: account %q", ErrInvalidInput, account)
	}
	if asset == "" {
		return "", fmt.Errorf("%w: asset required", ErrInvalidInput)
	}
	return fmt.Sprintf("user:%s:wallet:%s", id, asset), nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	}
	return limit
}

func maxMarketSequence(markets []projection.MarketDoc) int64 {
	seq := int64(-1)
	for _, m := range markets {
		if m.Sequence > seq {
			seq = m.Sequence
		}
	}
	return seq
}
