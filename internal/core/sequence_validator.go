package core

import (
	"errors"
	"fmt"

	"CreditLedger/internal/observability"
)

var (
	ErrSequenceGap = errors.New("core: sequence gap")
	ErrOutOfOrder  = errors.New("core: out-of-order command")
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe. Only the single-threaded core touches it.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics

	gaps       map[string]int64
	outOfOrder map[string]int64
	priceGaps  map[string]int64
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
		gaps:            make(map[string]int64),
		outOfOrder:      make(map[string]int64),
		priceGaps:       make(map[string]int64),
	}
}

// ValidateSequence checks source sequence ordering
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			// Redelivery of something already processed.
			return nil
		}
		sv.outOfOrder[partition]++
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s, key=%s, expected=%d, got=%d",
			ErrOutOfOrder, partition, idempotencyKey, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	sv.gaps[partition]++
	if sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	return fmt.Errorf("%w: partition=%s, key=%s, expected=%d, got=%d",
		ErrSequenceGap, partition, idempotencyKey, expected, sourceSequence)
}

// ValidatePriceSequence accepts a price update unless it is stale. Gaps
// are tolerated and counted.
func (sv *SequenceValidator) ValidatePriceSequence(marketID string, priceSequence int64) (fresh bool) {
	partition := "price:" + marketID

	expected, seen := sv.expectedNextSeq[partition]
	if seen && priceSequence < expected {
		return false
	}

	if seen && priceSequence > expected {
		sv.priceGaps[marketID]++
		if sv.metrics != nil {
			sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		}
	}

	sv.expectedNextSeq[partition] = priceSequence + 1
	return true
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

func (sv *SequenceValidator) GetGaps(partition string) int64 {
	return sv.gaps[partition]
}

func (sv *SequenceValidator) GetOutOfOrder(partition string) int64 {
	return sv.outOfOrder[partition]
}

func (sv *SequenceValidator) GetPriceGaps(marketID string) int64 {
	return sv.priceGaps[marketID]
}
