// Package models defines the data models for the billing service.
package models

import (
	"strings"
	"time"
)

// FreePlan is the sentinel plan id meaning "no paid plan". Older records may
// carry an empty plan instead; NormalizePlan maps both to the sentinel.
const FreePlan = "free_none"

// PlanRolePrefix prefixes the single role entry that mirrors the current plan.
const PlanRolePrefix = "stripe:plan:"

// TaxRecord holds the resolved tax context for a user. It references a
// tax-service transaction by key; the transaction is updated in place across
// consecutive operations, never replaced.
type TaxRecord struct {
	Key                string   `json:"key" db:"tax_key"`
	Rate               float64  `json:"tax_rate" db:"tax_rate"`
	Region             string   `json:"tax_region" db:"tax_region"`
	CountryCode        string   `json:"tax_country_code" db:"tax_country_code"`
	TaxNumber          *string  `json:"buyer_tax_number,omitempty" db:"tax_number"`
	TaxDeducted        bool     `json:"tax_deducted" db:"tax_deducted"`
	BillingCountryCode *string  `json:"billing_country_code,omitempty" db:"billing_country_code"`
}

// BillingInfo is the billing sub-document persisted on a user record.
type BillingInfo struct {
	CustomerID     string `json:"customer_id,omitempty" db:"customer_id"`
	SubscriptionID string `json:"subscription_id,omitempty" db:"subscription_id"`
	Plan           string `json:"plan" db:"plan"`
}

// UserRecord is the subset of a user profile owned by the billing service.
type UserRecord struct {
	ID        string      `json:"id" db:"id"`
	Username  string      `json:"username" db:"username"`
	Roles     []string    `json:"roles" db:"roles"`
	Billing   BillingInfo `json:"billing"`
	Tax       *TaxRecord  `json:"tax,omitempty"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// NormalizePlan maps legacy empty plan values to the free sentinel.
func NormalizePlan(plan string) string {
	if plan == "" {
		return FreePlan
	}
	return plan
}

// IsFreePlan reports whether plan denotes "no paid plan".
func IsFreePlan(plan string) bool {
	return plan == "" || plan == FreePlan
}

// PlanRole returns the role entry encoding the given plan.
func PlanRole(plan string) string {
	return PlanRolePrefix + plan
}

// SyncPlanRole synchronizes the single plan role entry with Billing.Plan:
// replaced if present, appended if absent and the plan is paid, removed when
// the plan is free. It reports whether the role list changed.
func (u *UserRecord) SyncPlanRole() bool {
	plan := NormalizePlan(u.Billing.Plan)
	want := ""
	if !IsFreePlan(plan) {
		want = PlanRole(plan)
	}

	changed := false
	roles := u.Roles[:0]
	found := false
	for _, role := range u.Roles {
		if !strings.HasPrefix(role, PlanRolePrefix) {
			roles = append(roles, role)
			continue
		}
		if found || want == "" {
			changed = true
			continue
		}
		found = true
		if role != want {
			changed = true
		}
		roles = append(roles, want)
	}
	if !found && want != "" {
		roles = append(roles, want)
		changed = true
	}
	u.Roles = roles
	return changed
}

// CurrentPlanRole returns the plan role entry, or "" if none is present.
func (u *UserRecord) CurrentPlanRole() string {
	for _, role := range u.Roles {
		if strings.HasPrefix(role, PlanRolePrefix) {
			return role
		}
	}
	return ""
}
