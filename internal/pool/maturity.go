package pool

import (
	"errors"
	"fmt"
	"sort"
)

// Interval is the spacing between maturities: four weeks.
const Interval uint64 = 4 * 7 * 24 * 60 * 60

var ErrInvalidMaturity = errors.New("pool: invalid maturity")

type State int

const (
	StateInvalid State = iota
	StateMatured
	StateValid
	StateNotReady
)

func (s State) String() string {
	switch s {
	case StateMatured:
		return "MATURED"
	case StateValid:
		return "VALID"
	case StateNotReady:
		return "NOT_READY"
	default:
		return "INVALID"
	}
}

// Latest is the most recent interval boundary at or before now.
func Latest(now uint64) uint64 {
	return now - now%Interval
}

// MaxMaturity is the farthest maturity open for deposits and borrows.
func MaxMaturity(now uint64, maxFuturePools uint8) uint64 {
	return Latest(now) + uint64(maxFuturePools)*Interval
}

func PoolState(maturity, now uint64, maxFuturePools uint8) State {
	if maturity%Interval != 0 {
		return StateInvalid
	}
	if maturity < now {
		return StateMatured
	}
	if maturity > MaxMaturity(now, maxFuturePools) {
		return StateNotReady
	}
	return StateValid
}

// CheckPoolState fails unless the pool is in one of the accepted states.
func CheckPoolState(maturity, now uint64, maxFuturePools uint8, accepted ...State) error {
	state := PoolState(maturity, now, maxFuturePools)
	for _, s := range accepted {
		if s == state {
			return nil
		}
	}
	return fmt.Errorf("%w: maturity %d is %s", ErrInvalidMaturity, maturity, state)
}

// MaturitySet is the set of maturities an account holds positions in.
type MaturitySet map[uint64]struct{}

func (s MaturitySet) Add(m uint64)      { s[m] = struct{}{} }
func (s MaturitySet) Remove(m uint64)   { delete(s, m) }
func (s MaturitySet) Len() int          { return len(s) }
func (s MaturitySet) Has(m uint64) bool { _, ok := s[m]; return ok }

// Sorted returns the maturities in ascending order.
func (s MaturitySet) Sorted() []uint64 {
	out := make([]uint64, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s MaturitySet) Clone() MaturitySet {
	out := make(MaturitySet, len(s))
	for m := range s {
		out[m] = struct{}{}
	}
	return out
}
