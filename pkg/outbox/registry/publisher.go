// Package registry routes outbox rows to Pub/Sub topics and decodes their
// payloads before they leave the service.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/angelmondragon/pdf2md-billing/pkg/config"
	"github.com/angelmondragon/pdf2md-billing/pkg/db/models"
	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
	"github.com/angelmondragon/pdf2md-billing/pkg/outbox"
	"github.com/angelmondragon/pdf2md-billing/pkg/outbox/payloads"
)

// EventDescriptor says where an event type is published.
type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
}

type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
}

// NonRetryableError marks a row that no number of retries will deliver.
type NonRetryableError struct {
	Err error
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error { return e.Err }

type route struct {
	desc   EventDescriptor
	decode func(data []byte) (owner string, payload any, err error)
}

// EventRegistry knows every billing event the service emits. All of them
// belong to a billing account and carry its user id.
type EventRegistry struct {
	routes map[enums.OutboxEventType]route
}

// NewEventRegistry routes payment failures to the alerts topic when one is
// configured and everything else to the billing topic.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	if strings.TrimSpace(cfg.BillingTopic) == "" {
		return nil, errors.New("billing topic is required")
	}
	topics := cfg.Topics()
	billing, alerts := topics[0], topics[len(topics)-1]

	return &EventRegistry{routes: map[enums.OutboxEventType]route{
		enums.EventBalanceChanged: billingRoute(enums.EventBalanceChanged, billing,
			func(p *payloads.BalanceChangedEvent) string { return p.UserID }),
		enums.EventPaymentFailed: billingRoute(enums.EventPaymentFailed, alerts,
			func(p *payloads.PaymentFailedEvent) string { return p.UserID }),
	}}, nil
}

func billingRoute[T any](eventType enums.OutboxEventType, topic string, owner func(*T) string) route {
	return route{
		desc: EventDescriptor{EventType: eventType, AggregateType: enums.AggregateBillingAccount, Topic: topic},
		decode: func(data []byte) (string, any, error) {
			payload := new(T)
			if err := json.Unmarshal(data, payload); err != nil {
				return "", nil, err
			}
			return owner(payload), payload, nil
		},
	}
}

// Resolve decodes a row. Every failure is a NonRetryableError: the row is
// already committed and will not change.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	resolved, err := r.resolve(event)
	if err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("%s %s: %w", event.EventType, event.ID, err))
	}
	return resolved, nil
}

func (r *EventRegistry) resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	rt, ok := r.routes[event.EventType]
	if !ok {
		return nil, errors.New("unsupported event type")
	}
	if event.AggregateType != rt.desc.AggregateType {
		return nil, fmt.Errorf("aggregate %s is not a billing account", event.AggregateType)
	}
	userID := strings.TrimSpace(event.AggregateID)
	if userID == "" {
		return nil, errors.New("missing user id")
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if data := strings.TrimSpace(string(envelope.Data)); data == "" || data == "null" {
		return nil, errors.New("empty payload")
	}
	owner, payload, err := rt.decode(envelope.Data)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	// The user id is the ordering key; a payload for someone else would be
	// ordered against the wrong account.
	if owner != "" && owner != userID {
		return nil, fmt.Errorf("payload user %s does not match row user %s", owner, userID)
	}
	return &ResolvedEvent{Descriptor: rt.desc, Envelope: envelope, Payload: payload}, nil
}
