package event

import (
	"encoding/json"
	"fmt"

	fpmath "CreditLedger/internal/math"

	"github.com/holiman/uint256"
)

// Amount is an integer quantity in base units, carried on the wire as a
// decimal string. "max" stands for the largest value (no limit).
type Amount uint256.Int

func NewAmount(v uint256.Int) Amount { return Amount(v) }

func (a Amount) Int() uint256.Int { return uint256.Int(a) }

func (a Amount) String() string {
	v := uint256.Int(a)
	if fpmath.Eq(v, fpmath.MaxUint256) {
		return "max"
	}
	return v.Dec()
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("amount must be a decimal string: %w", err)
	}
	if s == "max" {
		*a = Amount(fpmath.MaxUint256)
		return nil
	}
	v, err := fpmath.Parse(s)
	if err != nil {
		return err
	}
	*a = Amount(v)
	return nil
}

// Wad is a WAD scaled fraction or price, carried on the wire as a human
// decimal ("0.9", "1834.25").
type Wad uint256.Int

func NewWad(v uint256.Int) Wad { return Wad(v) }

func (w Wad) Int() uint256.Int { return uint256.Int(w) }

func (w Wad) String() string { return fpmath.FormatWad(uint256.Int(w)) }

func (w Wad) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.String())
}

func (w *Wad) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("wad must be a decimal string: %w", err)
	}
	v, err := fpmath.ParseWad(s)
	if err != nil {
		return err
	}
	*w = Wad(v)
	return nil
}
