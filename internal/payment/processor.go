// Package payment provides the payment processor adapter.
package payment

import (
	"context"

	"github.com/stripe/stripe-go/v76"

	"github.com/appback/billing/internal/models"
)

// Token is a verified payment source reference. The card country and client
// IP feed the tax transaction as buyer location evidence.
type Token struct {
	ID          string
	CardCountry string
	ClientIP    string
}

// Customer is the subset of a processor customer the orchestrator acts on.
type Customer struct {
	ID       string
	Email    string
	Metadata map[string]string
}

// Subscription is the subset of a processor subscription the orchestrator
// acts on.
type Subscription struct {
	ID       string
	Plan     string
	Status   string
	Canceled bool
}

// CustomerParams describes a customer create or update. Plan changes never
// flow through here; they go through the subscription calls.
type CustomerParams struct {
	Description string
	Email       string
	Source      string
	Coupon      string
	Metadata    map[string]string
}

// SubscriptionParams describes a subscription create or update.
type SubscriptionParams struct {
	Plan     string
	Coupon   string
	Quantity int64
	// TaxPercent is the regional tax rate to apply, 0 under universal
	// pricing (the rate is baked into the localized plan price instead).
	TaxPercent float64
}

// UpcomingInvoiceParams describes an upcoming-invoice preview request.
type UpcomingInvoiceParams struct {
	CustomerID     string
	SubscriptionID string
	Plan           string
	Quantity       int64
	TrialEnd       int64
}

// CreditChargeParams describes a one-off charge for a credit package.
type CreditChargeParams struct {
	CustomerID string
	Amount     int64
	Currency   string
	Credits    int64
	// Reference correlates the charge with the ledger mutation.
	Reference string
}

// Event is a processor webhook event reduced to what the reconciler needs.
type Event struct {
	ID             string
	Type           string
	CustomerID     string
	SubscriptionID string
	Plan           string
	Subscription   bool
}

// Processor is the typed client for the payment processor. Implementations
// relay upstream errors with their original status and message.
type Processor interface {
	RetrieveToken(ctx context.Context, id string) (*Token, error)

	CreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error)
	UpdateCustomer(ctx context.Context, id string, params CustomerParams) (*Customer, error)
	// RetrieveCustomer returns the live customer view verbatim.
	RetrieveCustomer(ctx context.Context, id string) (*stripe.Customer, error)
	UpdateCustomerMetadata(ctx context.Context, id string, metadata map[string]string) error

	CreateSubscription(ctx context.Context, customerID string, params SubscriptionParams) (*Subscription, error)
	UpdateSubscription(ctx context.Context, id string, params SubscriptionParams) (*Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*Subscription, error)

	ListPlans(ctx context.Context) ([]models.CatalogPlan, error)
	CreatePlan(ctx context.Context, plan models.CatalogPlan) (*models.CatalogPlan, error)

	UpcomingInvoice(ctx context.Context, params UpcomingInvoiceParams) (*stripe.Invoice, error)
	ListCharges(ctx context.Context, customerID string, limit int64) ([]*stripe.Charge, error)
	CreateCreditCharge(ctx context.Context, params CreditChargeParams) (string, error)

	// ConstructEvent verifies a webhook payload signature and reduces it.
	ConstructEvent(payload []byte, signature string) (*Event, error)
}
