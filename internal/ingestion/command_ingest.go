package ingestion

import (
	"context"
	"fmt"

	"CreditLedger/internal/event"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamPublisher is the part of jetstream.JetStream the ingest path uses.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// CommandIngestService accepts commands from the HTTP gateway. Commands are
// validated here and then published to the inbound stream, so the core sees
// one ordered source regardless of entry point.
type CommandIngestService struct {
	js StreamPublisher
}

func NewCommandIngestService(js StreamPublisher) *CommandIngestService {
	return &CommandIngestService{js: js}
}

// Submit validates a command and publishes it. The idempotency key doubles
// as the JetStream message id, so client retries inside the stream's
// duplicate window are dropped by the broker.
func (s *CommandIngestService) Submit(ctx context.Context, eventType string, data []byte) (event.Event, error) {
	evt, err := event.Decode(eventType, data)
	if err != nil {
		return nil, err
	}
	payload, err := event.Encode(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}
	if _, err := s.js.Publish(ctx, SubjectFor(evt), payload, jetstream.WithMsgID(evt.EventType().String()+":"+evt.IdempotencyKey())); err != nil {
		return nil, fmt.Errorf("publish %s: %w", eventType, err)
	}
	return evt, nil
}
