package oracle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/holiman/uint256"
)

var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// PriceOracle returns the USD price of one whole unit of a market's asset,
// WAD scaled.
type PriceOracle interface {
	Price(marketID string) (uint256.Int, error)
}

// Quote is the latest accepted price of a market.
type Quote struct {
	Price     uint256.Int
	Sequence  int64
	UpdatedAt time.Time
}

// PriceBook is a PriceOracle fed by sequenced price updates. Stale updates
// (sequence at or below the last accepted one) are ignored; gaps are
// tolerated.
type PriceBook struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	clock  clock.Clock
	maxAge time.Duration
}

// NewPriceBook creates an empty book. A zero maxAge disables the staleness
// bound.
func NewPriceBook(c clock.Clock, maxAge time.Duration) *PriceBook {
	if c == nil {
		c = clock.New()
	}
	return &PriceBook{
		quotes: make(map[string]Quote),
		clock:  c,
		maxAge: maxAge,
	}
}

// Update records a price. It returns false when the update is stale.
func (b *PriceBook) Update(marketID string, price uint256.Int, sequence int64, at time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.quotes[marketID]; ok && sequence <= q.Sequence {
		return false
	}
	b.quotes[marketID] = Quote{Price: price, Sequence: sequence, UpdatedAt: at}
	return true
}

func (b *PriceBook) Price(marketID string) (uint256.Int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[marketID]
	if !ok || q.Price.IsZero() {
		return uint256.Int{}, fmt.Errorf("%w: %s", ErrPriceUnavailable, marketID)
	}
	if b.maxAge > 0 && b.clock.Now().Sub(q.UpdatedAt) > b.maxAge {
		return uint256.Int{}, fmt.Errorf("%w: %s price is older than %s", ErrPriceUnavailable, marketID, b.maxAge)
	}
	return q.Price, nil
}

// Quote returns the latest quote of a market, if any.
func (b *PriceBook) Quote(marketID string) (Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[marketID]
	return q, ok
}

// Quotes copies every quote.
func (b *PriceBook) Quotes() map[string]Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Quote, len(b.quotes))
	for k, v := range b.quotes {
		out[k] = v
	}
	return out
}

// AppendDigest writes every quote in market order for state hashing.
func (b *PriceBook) AppendDigest(buf []byte) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.quotes))
	for id := range b.quotes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		q := b.quotes[id]
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(id)))
		buf = append(buf, id...)
		price := q.Price.Bytes32()
		buf = append(buf, price[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(q.Sequence))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(q.UpdatedAt.UnixMicro()))
	}
	return buf
}
