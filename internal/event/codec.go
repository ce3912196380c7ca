package event

import (
	"encoding/json"
	"errors"
	"fmt"

	fpmath "CreditLedger/internal/math"
)

var (
	ErrUnknownEventType = errors.New("event: unknown event type")
	ErrMalformed        = errors.New("event: malformed command")
)

func newEvent(et EventType) Event {
	switch et {
	case EventTypeWalletCredit:
		return &WalletCredit{}
	case EventTypeWalletDebit:
		return &WalletDebit{}
	case EventTypeFloatingDeposit:
		return &FloatingDeposit{}
	case EventTypeFloatingWithdraw:
		return &FloatingWithdraw{}
	case EventTypeFloatingRedeem:
		return &FloatingRedeem{}
	case EventTypeFloatingTransfer:
		return &FloatingTransfer{}
	case EventTypeFixedDeposit:
		return &FixedDeposit{}
	case EventTypeFixedWithdraw:
		return &FixedWithdraw{}
	case EventTypeFixedBorrow:
		return &FixedBorrow{}
	case EventTypeFixedRepay:
		return &FixedRepay{}
	case EventTypeFloatingBorrow:
		return &FloatingBorrow{}
	case EventTypeFloatingRepay:
		return &FloatingRepay{}
	case EventTypeFloatingRefund:
		return &FloatingRefund{}
	case EventTypeLiquidate:
		return &Liquidate{}
	case EventTypeEnterMarket:
		return &EnterMarket{}
	case EventTypeExitMarket:
		return &ExitMarket{}
	case EventTypePriceUpdate:
		return &PriceUpdate{}
	case EventTypeSetAdjustFactor:
		return &SetAdjustFactor{}
	case EventTypeSetLiquidationIncentive:
		return &SetLiquidationIncentive{}
	}
	return nil
}

// Decode parses the JSON wire form of the named command.
func Decode(name string, data []byte) (Event, error) {
	et, ok := ParseEventType(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, name)
	}
	return DecodeType(et, data)
}

func DecodeType(et EventType, data []byte) (Event, error) {
	evt := newEvent(et)
	if evt == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEventType, et)
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrMalformed, et, err)
	}
	if err := validate(evt); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, et, err)
	}
	return evt, nil
}

// Encode renders a command in its JSON wire form.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

func validate(evt Event) error {
	if evt.IdempotencyKey() == "" {
		return errors.New("missing command_id")
	}
	if evt.OccurredAt().UnixMicro() <= 0 {
		return errors.New("missing timestamp_us")
	}
	if id := evt.MarketID(); id != nil && *id == "" {
		return errors.New("missing market")
	}
	if e, ok := evt.(*PriceUpdate); ok && fpmath.IsZero(e.Price.Int()) {
		return errors.New("zero price")
	}
	return nil
}
