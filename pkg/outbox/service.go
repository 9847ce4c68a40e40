package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/pdf2md-billing/pkg/db/models"
	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
)

const envelopeVersion = 1

// Event is a billing event payload. The account id becomes the row's
// aggregate id and, once published, the Pub/Sub ordering key.
type Event interface {
	EventType() enums.OutboxEventType
	AccountID() string
}

type Service struct {
	repo *Repository
	logg *logger.Logger
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg}
}

// Emit stores the event in the settlement's transaction so it commits or
// rolls back with the balance change it describes.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event Event, occurredAt time.Time) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	eventType, account := event.EventType(), strings.TrimSpace(event.AccountID())
	if !eventType.IsValid() {
		return fmt.Errorf("invalid outbox event type %q", eventType)
	}
	if account == "" {
		return fmt.Errorf("%s: account id required", eventType)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	envelope := PayloadEnvelope{
		Version:    envelopeVersion,
		EventID:    uuid.NewString(),
		OccurredAt: occurredAt.UTC(),
		Data:       data,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	// Version 7 ids sort by creation time, which breaks created_at ties
	// between events queued in the same settlement.
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("outbox id: %w", err)
	}
	row := models.OutboxEvent{
		ID:            id,
		EventType:     eventType,
		AggregateType: enums.AggregateBillingAccount,
		AggregateID:   account,
		Payload:       payload,
	}
	if err := s.repo.Insert(tx, row); err != nil {
		return fmt.Errorf("queue %s: %w", eventType, err)
	}
	if s.logg != nil {
		s.logg.Debug(s.logg.WithFields(ctx, map[string]any{
			"event_id":   envelope.EventID,
			"outbox_id":  row.ID.String(),
			"event_type": eventType,
			"user_id":    account,
		}), "billing event queued")
	}
	return nil
}
