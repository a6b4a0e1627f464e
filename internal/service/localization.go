package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/appback/billing/internal/config"
	"github.com/appback/billing/internal/models"
	"github.com/appback/billing/internal/payment"
	apierrors "github.com/appback/billing/internal/pkg/errors"
)

// regionCurrencies overrides the subscription currency for buyers in
// regions that bill in a single currency regardless of the base plan.
var regionCurrencies = map[string]string{
	"EU": "EUR",
}

// Localizer resolves a base plan id into the processor-side plan a buyer
// actually subscribes to, creating tax-inclusive variants on demand.
type Localizer struct {
	catalog   PlanCatalog
	processor payment.Processor
	cfg       config.BillingConfig
	logger    *slog.Logger

	// creating deduplicates concurrent creation of the same localized plan.
	creating singleflight.Group
}

// NewLocalizer creates a plan localizer.
func NewLocalizer(catalog PlanCatalog, processor payment.Processor, cfg config.BillingConfig, logger *slog.Logger) *Localizer {
	return &Localizer{
		catalog:   catalog,
		processor: processor,
		cfg:       cfg,
		logger:    logger.With("component", "localizer"),
	}
}

// Localize returns the plan id to subscribe the buyer to. Under universal
// pricing, paid plans are swapped for a variant whose price has the buyer's
// tax rate baked in. The variant is created at the processor the first time
// any buyer from that tax bracket subscribes.
func (l *Localizer) Localize(ctx context.Context, basePlanID string, taxRecord *models.TaxRecord) (string, error) {
	if models.IsFreePlan(basePlanID) {
		return basePlanID, nil
	}
	if !strings.Contains(basePlanID, models.TaxFreeMarker) {
		return "", apierrors.NewForbiddenError(fmt.Sprintf("Plan %q is not eligible for subscription.", basePlanID))
	}
	if !l.cfg.UniversalPricing {
		return basePlanID, nil
	}

	base, err := l.catalog.Get(ctx, basePlanID)
	if err != nil {
		return "", err
	}
	if base == nil {
		return "", apierrors.NewForbiddenError(fmt.Sprintf("Plan %q does not exist.", basePlanID))
	}
	if base.Amount == 0 {
		return basePlanID, nil
	}

	if taxRecord == nil || taxRecord.CountryCode == "" {
		return "", apierrors.NewForbiddenError("Cannot resolve a plan price without a completed tax calculation.")
	}
	// A zero rate means no tax-inclusive variant, even when a regional
	// currency override would apply: swapping the currency token without
	// converting the amount would misprice the plan.
	if taxRecord.Rate == 0 {
		return basePlanID, nil
	}

	currency := base.Currency
	if override := currencyForRegion(l.cfg, taxRecord.Region); override != "" {
		currency = override
	}

	localizedID := models.LocalizedPlanID(basePlanID, taxRecord.Rate, base.Currency, currency)
	if localizedID == basePlanID {
		return basePlanID, nil
	}

	existing, err := l.catalog.Get(ctx, localizedID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return localizedID, nil
	}

	_, err, _ = l.creating.Do(localizedID, func() (any, error) {
		return l.createLocalized(ctx, base, localizedID, taxRecord.Rate, currency)
	})
	if err != nil {
		return "", err
	}
	return localizedID, nil
}

func (l *Localizer) createLocalized(ctx context.Context, base *models.CatalogPlan, id string, rate float64, currency string) (*models.CatalogPlan, error) {
	// Re-check under the flight: a concurrent caller may have created it
	// between our catalog miss and entering the group.
	if cached, err := l.catalog.Get(ctx, id); err != nil {
		return nil, err
	} else if cached != nil {
		return cached, nil
	}

	localized := *base
	localized.ID = id
	localized.Amount = models.LocalizedAmount(base.Amount, rate)
	localized.Currency = strings.ToLower(currency)
	localized.Nickname = fmt.Sprintf("%s (%.1f%% tax included)", base.Nickname, rate)

	created, err := l.processor.CreatePlan(ctx, localized)
	if err != nil {
		return nil, err
	}
	l.catalog.Upsert(*created)
	localizedPlansCreated.Inc()
	l.logger.Info("created localized plan",
		"base_plan", base.ID,
		"plan", created.ID,
		"rate", rate,
		"amount", created.Amount,
		"currency", created.Currency)
	return created, nil
}

func currencyForRegion(cfg config.BillingConfig, region string) string {
	if !cfg.RegionalCurrency {
		return ""
	}
	return regionCurrencies[region]
}
