package stripewebhook

import (
	"context"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/pdf2md-billing/internal/catalog"
	"github.com/angelmondragon/pdf2md-billing/internal/settlement"
	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
)

type settlementApplier interface {
	Apply(ctx context.Context, ev settlement.Event) (*settlement.Result, error)
}

type customerDirectory interface {
	FindUserIDByCustomer(ctx context.Context, stripeCustomerID string) (string, error)
}

type ServiceParams struct {
	Engine    settlementApplier
	Customers customerDirectory
	Catalog   *catalog.Catalog
	Logger    *logger.Logger
}

type Service struct {
	engine    settlementApplier
	customers customerDirectory
	catalog   *catalog.Catalog
	logg      *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Engine == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "settlement engine required")
	}
	if params.Customers == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "customer directory required")
	}
	if params.Catalog == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "catalog required")
	}
	return &Service{
		engine:    params.Engine,
		customers: params.Customers,
		catalog:   params.Catalog,
		logg:      params.Logger,
	}, nil
}

// HandleEvent decodes and settles a verified event. A nil result with a nil
// error means the event type is not settled here.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) (*settlement.Result, error) {
	ev, err := s.Decode(ctx, event)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		if s.logg != nil {
			s.logg.Debug(ctx, "stripe event not settled")
		}
		return nil, nil
	}
	return s.engine.Apply(ctx, ev)
}
