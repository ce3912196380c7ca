package config

import (
	"fmt"
	"strings"
	"time"

	"CreditLedger/internal/auditor"
	"CreditLedger/internal/core"
	"CreditLedger/internal/irm"
	"CreditLedger/internal/market"
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/protocol"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Protocol is the TOML form of the protocol parameters. Ratios and rates
// are decimal strings ("0.9", "0.02").
type Protocol struct {
	AuditorID     string    `toml:"auditor_id"`
	TargetHealth  string    `toml:"target_health"`
	Genesis       time.Time `toml:"genesis"`
	PriceMaxAge   Duration  `toml:"price_max_age"`
	KeeperAccount string    `toml:"keeper_account"`

	Incentive Incentive `toml:"incentive"`
	Markets   []Market  `toml:"markets"`
}

type Incentive struct {
	Liquidator string `toml:"liquidator"`
	Lenders    string `toml:"lenders"`
}

type Curve struct {
	A              string `toml:"a"`
	B              string `toml:"b"`
	MaxUtilization string `toml:"max_utilization"`
}

type Market struct {
	ID           string `toml:"id"`
	Asset        string `toml:"asset"`
	Decimals     uint8  `toml:"decimals"`
	AdjustFactor string `toml:"adjust_factor"`

	MaxFuturePools       uint8  `toml:"max_future_pools"`
	AccumulatorSmoothing string `toml:"earnings_accumulator_smooth_factor"`
	PenaltyRatePerDay    string `toml:"penalty_rate_per_day"`
	BackupFeeRate        string `toml:"backup_fee_rate"`
	ReserveFactor        string `toml:"reserve_factor"`
	TreasuryFeeRate      string `toml:"treasury_fee_rate"`
	Treasury             string `toml:"treasury"`
	DampSpeedUp          string `toml:"damp_speed_up"`
	DampSpeedDown        string `toml:"damp_speed_down"`
	FixedCurve           *Curve `toml:"fixed_curve"`
	FloatingCurve        *Curve `toml:"floating_curve"`
}

// Duration decodes TOML strings such as "15m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// LoadProtocol reads and validates a protocol file.
func LoadProtocol(path string) (*Protocol, error) {
	var p Protocol
	meta, err := toml.DecodeFile(path, &p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return finish(&p, meta)
}

// ParseProtocol is LoadProtocol for in-memory documents.
func ParseProtocol(doc string) (*Protocol, error) {
	var p Protocol
	meta, err := toml.Decode(doc, &p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return finish(&p, meta)
}

func finish(p *Protocol, meta toml.MetaData) (*Protocol, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}
	if p.AuditorID == "" {
		p.AuditorID = "auditor"
	}
	if p.TargetHealth == "" {
		p.TargetHealth = "1.25"
	}
	if len(p.Markets) == 0 {
		return nil, fmt.Errorf("%w: no markets", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(p.Markets))
	for _, m := range p.Markets {
		if m.ID == "" || m.Asset == "" {
			return nil, fmt.Errorf("%w: market needs id and asset", ErrInvalidConfig)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("%w: duplicate market %s", ErrInvalidConfig, m.ID)
		}
		seen[m.ID] = true
	}
	return p, nil
}

// Core converts the file into engine configuration. Parameter ranges are
// checked again by the protocol itself when it is built.
func (p *Protocol) Core(lruCapacity int) (core.Config, error) {
	target, err := ratio("target_health", p.TargetHealth, "1.25")
	if err != nil {
		return core.Config{}, err
	}
	liquidator, err := ratio("incentive.liquidator", p.Incentive.Liquidator, "0")
	if err != nil {
		return core.Config{}, err
	}
	lenders, err := ratio("incentive.lenders", p.Incentive.Lenders, "0")
	if err != nil {
		return core.Config{}, err
	}

	cfg := core.Config{
		Protocol: protocol.Config{
			AuditorID:    p.AuditorID,
			Incentive:    auditor.LiquidationIncentive{Liquidator: liquidator, Lenders: lenders},
			TargetHealth: target,
			Markets:      make([]protocol.MarketConfig, 0, len(p.Markets)),
		},
		Genesis:       p.Genesis,
		PriceMaxAge:   p.PriceMaxAge.Duration,
		KeeperAccount: p.KeeperAccount,
		LRUCapacity:   lruCapacity,
	}
	if cfg.Genesis.IsZero() {
		cfg.Genesis = time.Unix(0, 0).UTC()
	}

	for _, m := range p.Markets {
		mc, err := m.config()
		if err != nil {
			return core.Config{}, fmt.Errorf("market %s: %w", m.ID, err)
		}
		cfg.Protocol.Markets = append(cfg.Protocol.Markets, mc)
	}
	return cfg, nil
}

func (m Market) config() (protocol.MarketConfig, error) {
	var (
		params market.Parameters
		err    error
	)
	fields := []struct {
		name, value, def string
		into             *uint256.Int
	}{
		{"earnings_accumulator_smooth_factor", m.AccumulatorSmoothing, "2", &params.EarningsAccumulatorSmoothFactor},
		{"backup_fee_rate", m.BackupFeeRate, "0.1", &params.BackupFeeRate},
		{"reserve_factor", m.ReserveFactor, "0", &params.ReserveFactor},
		{"treasury_fee_rate", m.TreasuryFeeRate, "0", &params.TreasuryFeeRate},
		{"damp_speed_up", m.DampSpeedUp, "0.0046", &params.DampSpeedUp},
		{"damp_speed_down", m.DampSpeedDown, "0.42", &params.DampSpeedDown},
	}
	for _, f := range fields {
		if *f.into, err = ratio(f.name, f.value, f.def); err != nil {
			return protocol.MarketConfig{}, err
		}
	}

	perDay, err := ratio("penalty_rate_per_day", m.PenaltyRatePerDay, "0.02")
	if err != nil {
		return protocol.MarketConfig{}, err
	}
	params.PenaltyRate = fpmath.Div(perDay, fpmath.N(fpmath.Day))
	params.MaxFuturePools = m.MaxFuturePools
	if params.MaxFuturePools == 0 {
		params.MaxFuturePools = 3
	}
	params.Treasury = m.Treasury

	adjust, err := ratio("adjust_factor", m.AdjustFactor, "")
	if err != nil {
		return protocol.MarketConfig{}, err
	}

	curves := irm.DefaultParameters()
	if m.FixedCurve != nil {
		if curves.Fixed, err = m.FixedCurve.curve(); err != nil {
			return protocol.MarketConfig{}, fmt.Errorf("fixed_curve: %w", err)
		}
	}
	if m.FloatingCurve != nil {
		if curves.Floating, err = m.FloatingCurve.curve(); err != nil {
			return protocol.MarketConfig{}, fmt.Errorf("floating_curve: %w", err)
		}
	}

	return protocol.MarketConfig{
		ID:           m.ID,
		Asset:        m.Asset,
		Decimals:     m.Decimals,
		AdjustFactor: adjust,
		Curves:       curves,
		Params:       params,
	}, nil
}

func (c Curve) curve() (irm.Curve, error) {
	var out irm.Curve
	for _, f := range []struct {
		name, value string
		into        *decimal.Decimal
	}{
		{"a", c.A, &out.A},
		{"b", c.B, &out.B},
		{"max_utilization", c.MaxUtilization, &out.MaxUtilization},
	} {
		d, err := decimal.NewFromString(f.value)
		if err != nil {
			return irm.Curve{}, fmt.Errorf("%w: %s %q", ErrInvalidConfig, f.name, f.value)
		}
		*f.into = d
	}
	return out, nil
}

// ratio parses a non-negative decimal into WAD scale. An empty value takes
// def; an empty def makes the field required.
func ratio(name, value, def string) (uint256.Int, error) {
	if value == "" {
		if def == "" {
			return uint256.Int{}, fmt.Errorf("%w: %s required", ErrInvalidConfig, name)
		}
		value = def
	}
	w, err := fpmath.ParseWad(value)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
	}
	return w, nil
}
