package models

import (
	"fmt"
	"strings"
)

// TaxFreeMarker is the naming convention for base catalog plans: the listed
// price excludes tax, which makes the plan eligible for localization.
const TaxFreeMarker = "taxfree"

// CatalogPlan is an ephemeral, process-wide cached view of a processor-side
// plan object.
type CatalogPlan struct {
	ID                  string
	Amount              int64
	Currency            string
	Interval            string
	IntervalCount       int64
	TrialPeriodDays     int64
	Nickname            string
	StatementDescriptor string
	Metadata            map[string]string
}

// IsTaxFree reports whether the plan id carries the tax-free naming
// convention.
func (p CatalogPlan) IsTaxFree() bool {
	return IsTaxFreePlanID(p.ID)
}

// IsTaxFreePlanID reports whether a plan id carries the tax-free marker.
func IsTaxFreePlanID(id string) bool {
	return strings.Contains(id, TaxFreeMarker)
}

// LocalizedPlanID synthesizes the id of a localized plan from a tax-free base
// id: the marker is replaced by "<rate>tax" and, when a currency override
// applies, the base currency token is swapped for the regional one.
func LocalizedPlanID(baseID string, rate float64, baseCurrency, currency string) string {
	id := strings.Replace(baseID, TaxFreeMarker, fmt.Sprintf("%vtax", rate), 1)
	if currency != "" && !strings.EqualFold(currency, baseCurrency) {
		id = strings.Replace(id,
			strings.ToUpper(baseCurrency), strings.ToUpper(currency), 1)
	}
	return id
}

// LocalizedAmount bakes a tax rate into a tax-free price. The division always
// floors toward zero, which under-charges by at most one minor currency unit
// and avoids rounding disputes.
func LocalizedAmount(amount int64, rate float64) int64 {
	if rate <= 0 {
		return amount
	}
	return int64(float64(amount) / (1 + rate/100))
}
