package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"CreditLedger/internal/projection"
)

// Store reads the projection tables.
type Store interface {
	ListMarkets(ctx context.Context) ([]projection.MarketDoc, error)
	GetMarket(ctx context.Context, id string) (*projection.MarketDoc, error)
	GetAccount(ctx context.Context, id string) (*projection.AccountDoc, error)
	ListShortfall(ctx context.Context, limit int) ([]projection.AccountDoc, error)
	Watermark(ctx context.Context) (int64, error)
}

// PostgresStore is the primary Store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]projection.MarketDoc, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM projections.markets ORDER BY market_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []projection.MarketDoc
	for rows.Next() {
		var m projection.MarketDoc
		if err := scanDoc(rows, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*projection.MarketDoc, error) {
	var m projection.MarketDoc
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM projections.markets WHERE market_id = $1`, id)
	if err := scanDoc(row, &m); err != nil {
		return nil, notFound(err, "market", id)
	}
	return &m, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*projection.AccountDoc, error) {
	var a projection.AccountDoc
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM projections.accounts WHERE account_id = $1`, id)
	if err := scanDoc(row, &a); err != nil {
		return nil, notFound(err, "account", id)
	}
	return &a, nil
}

func (s *PostgresStore) ListShortfall(ctx context.Context, limit int) ([]projection.AccountDoc, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM projections.accounts
		WHERE shortfall
		ORDER BY adjusted_debt - adjusted_collateral DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []projection.AccountDoc
	for rows.Next() {
		var a projection.AccountDoc
		if err := scanDoc(rows, &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDoc(s scanner, into any) error {
	var raw []byte
	if err := s.Scan(&raw); err != nil {
		return err
	}
	return json.Unmarshal(raw, into)
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
	}
	return err
}
