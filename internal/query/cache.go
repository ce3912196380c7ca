package query

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"CreditLedger/internal/observability"
	"CreditLedger/internal/projection"

	"github.com/redis/go-redis/v9"
)

const (
	marketsKey = "credit:markets"
)

func marketKey(id string) string  { return "credit:market:" + id }
func accountKey(id string) string { return "credit:account:" + id }

// CachedStore wraps a primary Store with a Redis read-through cache. The
// projection worker invalidates keys after every commit; shortfall lists
// and the watermark always go to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
}

func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, metrics *observability.Metrics) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		metrics: metrics,
	}
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]projection.MarketDoc, error) {
	var cached []projection.MarketDoc
	if s.get(ctx, marketsKey, &cached) {
		return cached, nil
	}
	markets, err := s.primary.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, marketsKey, markets)
	return markets, nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*projection.MarketDoc, error) {
	var cached projection.MarketDoc
	if s.get(ctx, marketKey(id), &cached) {
		return &cached, nil
	}
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, marketKey(id), m)
	return m, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*projection.AccountDoc, error) {
	var cached projection.AccountDoc
	if s.get(ctx, accountKey(id), &cached) {
		return &cached, nil
	}
	a, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, accountKey(id), a)
	return a, nil
}

func (s *CachedStore) ListShortfall(ctx context.Context, limit int) ([]projection.AccountDoc, error) {
	return s.primary.ListShortfall(ctx, limit)
}

func (s *CachedStore) Watermark(ctx context.Context) (int64, error) {
	return s.primary.Watermark(ctx)
}

// Apply drops the cache entries an update made stale.
func (s *CachedStore) Apply(ctx context.Context, u projection.Update) {
	keys := make([]string, 0, 1+len(u.Markets)+len(u.Accounts))
	if len(u.Markets) > 0 {
		keys = append(keys, marketsKey)
	}
	for _, m := range u.Markets {
		keys = append(keys, marketKey(m.ID))
	}
	for _, a := range u.Accounts {
		keys = append(keys, accountKey(a.Account))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
}

func (s *CachedStore) get(ctx context.Context, key string, into any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.record("error")
		} else {
			s.record("miss")
		}
		return false
	}
	if json.Unmarshal(data, into) != nil {
		s.record("miss")
		return false
	}
	s.record("hit")
	return true
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.rdb.Set(ctx, key, data, s.ttl)
}

func (s *CachedStore) record(result string) {
	if s.metrics != nil {
		s.metrics.QueryCacheHits.WithLabelValues(result).Inc()
	}
}
