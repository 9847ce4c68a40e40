package controllers

import (
	"net/http"

	"github.com/angelmondragon/pdf2md-billing/api/responses"
	"github.com/angelmondragon/pdf2md-billing/internal/catalog"
	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
)

type CatalogSource interface {
	Packages() []catalog.CreditPackage
	Tiers() []catalog.Tier
}

type catalogResponse struct {
	Packages []catalog.CreditPackage `json:"packages"`
	Tiers    []catalog.Tier          `json:"tiers"`
}

// Catalog lists what the pricing page can offer. It needs no identity.
func Catalog(src CatalogSource, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "catalog unavailable"))
			return
		}
		responses.WriteSuccess(w, catalogResponse{Packages: src.Packages(), Tiers: src.Tiers()})
	}
}
