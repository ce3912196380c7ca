package core

import (
	"fmt"

	"CreditLedger/internal/observability"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyStats counts dedup outcomes since start.
type IdempotencyStats struct {
	LRUHits      int64
	PostgresHits int64
	Tier2Errors  int64
	Evictions    int64
}

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU of
// recently processed keys in front of the event log.
type IdempotencyChecker struct {
	lru       *lru.Cache[string, struct{}]
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	stats     IdempotencyStats
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) (*IdempotencyChecker, error) {
	ic := &IdempotencyChecker{
		dbChecker: dbChecker,
		metrics:   metrics,
	}
	cache, err := lru.NewWithEvict(capacity, func(string, struct{}) {
		ic.stats.Evictions++
		if ic.metrics != nil {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("idempotency lru: %w", err)
	}
	ic.lru = cache
	return ic, nil
}

func compositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate checks if event has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)

	if _, ok := ic.lru.Get(key); ok {
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			// Assume not duplicate so a DB outage does not stall the core.
			ic.stats.Tier2Errors++
			return false
		}
		if isDup {
			ic.recordDuplicate(eventType, "postgres")
			ic.add(key)
			return true
		}
	}

	return false
}

// MarkProcessed adds key to LRU after processing
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.add(compositeKey(eventType, idempotencyKey))
}

// Warm loads composite keys ("<type>:<key>") oldest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.add(key)
	}
}

func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Len()
}

func (ic *IdempotencyChecker) Stats() IdempotencyStats {
	return ic.stats
}

func (ic *IdempotencyChecker) add(key string) {
	ic.lru.Add(key, struct{}{})
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Len()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if tier == "lru" {
		ic.stats.LRUHits++
	} else {
		ic.stats.PostgresHits++
	}
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}
