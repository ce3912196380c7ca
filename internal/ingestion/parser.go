package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"CreditLedger/internal/event"
)

var ErrSubjectMismatch = errors.New("ingestion: subject does not match command")

// ParseRawEvent converts a received command into a typed event.Event. The
// event type comes from the consumer that received it, or failing that
// from the subject.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	eventType := raw.EventType
	if eventType == "" {
		eventType = EventTypeFromSubject(raw.Subject)
	}
	evt, err := event.Decode(eventType, raw.Data)
	if err != nil {
		return nil, err
	}

	// credit.prices.<market> must carry a price for that market.
	if pu, ok := evt.(*event.PriceUpdate); ok {
		if market, ok := strings.CutPrefix(raw.Subject, "credit.prices."); ok && market != pu.Market {
			return nil, fmt.Errorf("%w: subject %s, market %s", ErrSubjectMismatch, raw.Subject, pu.Market)
		}
	}
	return evt, nil
}

// EventTypeFromSubject maps credit.commands.<type>[.…] and
// credit.prices.<market> to a command type name. Unknown subjects give "".
func EventTypeFromSubject(subject string) string {
	if strings.HasPrefix(subject, "credit.prices.") {
		return event.EventTypePriceUpdate.String()
	}
	rest, ok := strings.CutPrefix(subject, "credit.commands.")
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(rest, ".")
	return name
}

// SubjectFor is the inbound subject for a command.
func SubjectFor(evt event.Event) string {
	if pu, ok := evt.(*event.PriceUpdate); ok {
		return fmt.Sprintf(PriceSubjectFmt, pu.Market)
	}
	return fmt.Sprintf(CommandSubjectFmt, evt.EventType())
}
