package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"

	"github.com/angelmondragon/pdf2md-billing/pkg/config"
	"github.com/angelmondragon/pdf2md-billing/pkg/db/models"
	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
	"github.com/angelmondragon/pdf2md-billing/pkg/outbox/registry"
)

const (
	defaultBatchSize   = 50
	defaultPoll        = 500 * time.Millisecond
	defaultMaxAttempts = 10
	publishTimeout     = 15 * time.Second
	maxBackoff         = 10 * time.Second
	jitterWindow       = 250 * time.Millisecond
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

// publisher is one topic's handle. Messages carry the user id as ordering
// key, so a failed publish pauses that key until ResumePublish.
type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
	ResumePublish(orderingKey string)
	Stop()
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type ServiceParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            dbClient
	PubSub        pubSubClient
	Repository    outboxRepository
	Registry      registryResolver
	DLQRepository dlqRepository
	// PublisherFactory replaces the Pub/Sub publishers in tests.
	PublisherFactory func(topic string) publisher
}

// Service drains outbox_events onto the billing topics. Events for one user
// publish in creation order: when a user's event has to be retried, the
// user's later events wait for the next batch.
type Service struct {
	logg        *logger.Logger
	db          dbClient
	pubsub      pubSubClient
	repo        outboxRepository
	registry    registryResolver
	dlq         dlqRepository
	newPub      func(topic string) publisher
	publishers  map[string]publisher
	batchSize   int
	maxAttempts int
	poll        time.Duration
}

type outcome int

const (
	published outcome = iota
	retrying
	parked
)

func NewService(params ServiceParams) (*Service, error) {
	for _, dep := range []struct {
		name    string
		missing bool
	}{
		{"config", params.Config == nil},
		{"logger", params.Logger == nil},
		{"database client", params.DB == nil},
		{"pubsub client", params.PubSub == nil},
		{"outbox repository", params.Repository == nil},
		{"event registry", params.Registry == nil},
		{"dlq repository", params.DLQRepository == nil},
	} {
		if dep.missing {
			return nil, fmt.Errorf("%s is required", dep.name)
		}
	}

	s := &Service{
		logg:        params.Logger,
		db:          params.DB,
		pubsub:      params.PubSub,
		repo:        params.Repository,
		registry:    params.Registry,
		dlq:         params.DLQRepository,
		newPub:      params.PublisherFactory,
		publishers:  make(map[string]publisher),
		batchSize:   orDefault(params.Config.Outbox.BatchSize, defaultBatchSize),
		maxAttempts: orDefault(params.Config.Outbox.MaxAttempts, defaultMaxAttempts),
		poll:        time.Duration(params.Config.Outbox.PollIntervalMS) * time.Millisecond,
	}
	if s.poll <= 0 {
		s.poll = defaultPoll
	}
	if s.newPub == nil {
		s.newPub = s.orderedPublisher
	}
	return s, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (s *Service) Run(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := s.pubsub.Ping(ctx); err != nil {
		return fmt.Errorf("pubsub ping failed: %w", err)
	}
	defer s.stopPublishers()

	backoff := s.poll
	for {
		progressed, err := s.processBatch(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := s.poll
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox batch failed", err)
			backoff = min(2*backoff, maxBackoff)
			wait = backoff
		case progressed:
			backoff = s.poll
			continue
		default:
			backoff = s.poll
		}
		if err := sleep(ctx, wait+rand.N(jitterWindow)); err != nil {
			return err
		}
	}
}

// processBatch reports whether any row was published or parked. A batch of
// nothing but retries reports false so the loop waits before trying again.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	progressed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := s.repo.FetchUnpublishedForPublish(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return err
		}
		held := make(map[string]bool)
		for _, row := range rows {
			if held[row.AggregateID] {
				continue
			}
			result, err := s.deliver(ctx, tx, row)
			if err != nil {
				return err
			}
			if result == retrying {
				held[row.AggregateID] = true
				continue
			}
			progressed = true
		}
		return nil
	})
	return progressed, err
}

func (s *Service) deliver(ctx context.Context, tx *gorm.DB, row models.OutboxEvent) (outcome, error) {
	ctx = s.logg.WithFields(ctx, map[string]any{
		"outbox_id":     row.ID.String(),
		"event_type":    row.EventType,
		"user_id":       row.AggregateID,
		"attempt_count": row.AttemptCount,
	})

	resolved, err := s.registry.Resolve(row)
	if err != nil {
		return parked, s.park(ctx, tx, row, enums.OutboxDLQReasonUndecodable, err)
	}
	topic := resolved.Descriptor.Topic
	ctx = s.logg.WithField(ctx, "topic", topic)

	pubErr := s.publish(ctx, row, resolved)
	switch {
	case pubErr == nil:
		if err := s.repo.MarkPublishedTx(tx, row.ID); err != nil {
			return published, fmt.Errorf("mark published %s: %w", row.ID, err)
		}
		s.logg.Debug(ctx, "billing event published")
		return published, nil
	case unroutable(pubErr):
		return parked, s.park(ctx, tx, row, enums.OutboxDLQReasonUnroutable, pubErr)
	case row.AttemptCount+1 >= s.maxAttempts:
		return parked, s.park(ctx, tx, row, enums.OutboxDLQReasonMaxAttempts, fmt.Errorf("gave up after %d attempts: %w", row.AttemptCount+1, pubErr))
	}

	s.logg.Warn(s.logg.WithField(ctx, "error", pubErr.Error()), "billing event publish failed, holding user's later events")
	if err := s.repo.MarkFailedTx(tx, row.ID, pubErr); err != nil {
		return retrying, fmt.Errorf("mark failed %s: %w", row.ID, err)
	}
	return retrying, nil
}

func (s *Service) publish(ctx context.Context, row models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	pub := s.publisherFor(resolved.Descriptor.Topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("no publisher for topic %q", resolved.Descriptor.Topic))
	}
	msg := &gcppubsub.Message{
		Data:        row.Payload,
		OrderingKey: row.AggregateID,
		Attributes: map[string]string{
			"event_id":    resolved.Envelope.EventID,
			"event_type":  string(row.EventType),
			"user_id":     row.AggregateID,
			"occurred_at": resolved.Envelope.OccurredAt.UTC().Format(time.RFC3339Nano),
		},
	}
	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := pub.Publish(publishCtx, msg).Get(publishCtx); err != nil {
		pub.ResumePublish(row.AggregateID)
		return err
	}
	return nil
}

// unroutable reports failures that retrying cannot fix.
func unroutable(err error) bool {
	var nonRetry registry.NonRetryableError
	if errors.As(err, &nonRetry) {
		return true
	}
	switch status.Code(err) {
	case codes.NotFound, codes.PermissionDenied, codes.InvalidArgument:
		return true
	}
	return false
}

func (s *Service) park(ctx context.Context, tx *gorm.DB, row models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error) error {
	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{"dlq_reason": reason, "error": cause.Error()}), "billing event parked")
	msg := cause.Error()
	if err := s.dlq.InsertTx(tx, models.OutboxDLQ{
		EventID:       row.ID,
		EventType:     row.EventType,
		AggregateType: row.AggregateType,
		AggregateID:   row.AggregateID,
		Payload:       row.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &msg,
		AttemptCount:  row.AttemptCount,
		FailedAt:      time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("insert dlq %s: %w", row.ID, err)
	}
	if err := s.repo.MarkTerminalTx(tx, row.ID, cause, s.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", row.ID, err)
	}
	return nil
}

func (s *Service) publisherFor(topic string) publisher {
	if pub, ok := s.publishers[topic]; ok {
		return pub
	}
	pub := s.newPub(topic)
	if pub != nil {
		s.publishers[topic] = pub
	}
	return pub
}

func (s *Service) orderedPublisher(topic string) publisher {
	p := s.pubsub.Publisher(topic)
	if p == nil {
		return nil
	}
	p.EnableMessageOrdering = true
	return gcpPublisher{p}
}

func (s *Service) stopPublishers() {
	for topic, pub := range s.publishers {
		pub.Stop()
		delete(s.publishers, topic)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return p.Publisher.Publish(ctx, msg)
}
