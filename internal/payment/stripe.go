package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/charge"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/invoice"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/plan"
	"github.com/stripe/stripe-go/v76/subscription"
	"github.com/stripe/stripe-go/v76/taxrate"
	"github.com/stripe/stripe-go/v76/token"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/appback/billing/internal/models"
	apierrors "github.com/appback/billing/internal/pkg/errors"
)

var processorCallDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "billing_processor_call_duration_seconds",
		Help:    "Payment processor call duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"call"},
)

// StripeProcessor implements Processor against the Stripe API.
type StripeProcessor struct {
	webhookSecret string

	// taxRates caches percentage -> tax rate id. The modern API has no
	// per-subscription tax percent; a percentage maps to an exclusive
	// TaxRate object applied as the subscription's default rate.
	mu       sync.Mutex
	taxRates map[float64]string
}

// NewStripeProcessor creates a Stripe-backed processor adapter.
func NewStripeProcessor(secretKey, webhookSecret string) *StripeProcessor {
	stripe.Key = secretKey
	return &StripeProcessor{
		webhookSecret: webhookSecret,
		taxRates:      make(map[float64]string),
	}
}

func observe(call string, start time.Time) {
	processorCallDuration.WithLabelValues(call).Observe(time.Since(start).Seconds())
}

// RetrieveToken verifies a payment source reference.
func (p *StripeProcessor) RetrieveToken(ctx context.Context, id string) (*Token, error) {
	defer observe("token_retrieve", time.Now())

	tok, err := token.Get(id, &stripe.TokenParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, mapError(err)
	}

	result := &Token{ID: tok.ID, ClientIP: tok.ClientIP}
	if tok.Card != nil {
		result.CardCountry = tok.Card.Country
	}
	return result, nil
}

// CreateCustomer creates a processor customer.
func (p *StripeProcessor) CreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error) {
	defer observe("customer_create", time.Now())

	cp := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
	}
	if params.Description != "" {
		cp.Description = stripe.String(params.Description)
	}
	if params.Email != "" {
		cp.Email = stripe.String(params.Email)
	}
	if params.Source != "" {
		cp.Source = stripe.String(params.Source)
	}
	if params.Coupon != "" {
		cp.Coupon = stripe.String(params.Coupon)
	}
	for k, v := range params.Metadata {
		cp.AddMetadata(k, v)
	}

	cust, err := customer.New(cp)
	if err != nil {
		return nil, mapError(err)
	}
	return toCustomer(cust), nil
}

// UpdateCustomer updates source, coupon and metadata on a customer.
func (p *StripeProcessor) UpdateCustomer(ctx context.Context, id string, params CustomerParams) (*Customer, error) {
	defer observe("customer_update", time.Now())

	cp := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
	}
	if params.Email != "" {
		cp.Email = stripe.String(params.Email)
	}
	if params.Source != "" {
		cp.Source = stripe.String(params.Source)
	}
	if params.Coupon != "" {
		cp.Coupon = stripe.String(params.Coupon)
	}
	for k, v := range params.Metadata {
		cp.AddMetadata(k, v)
	}

	cust, err := customer.Update(id, cp)
	if err != nil {
		return nil, mapError(err)
	}
	return toCustomer(cust), nil
}

// RetrieveCustomer returns the live processor customer view.
func (p *StripeProcessor) RetrieveCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	defer observe("customer_retrieve", time.Now())

	cust, err := customer.Get(id, &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, mapError(err)
	}
	return cust, nil
}

// UpdateCustomerMetadata replaces the given metadata keys on a customer.
func (p *StripeProcessor) UpdateCustomerMetadata(ctx context.Context, id string, metadata map[string]string) error {
	defer observe("customer_update", time.Now())

	cp := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
	}
	for k, v := range metadata {
		cp.AddMetadata(k, v)
	}
	if _, err := customer.Update(id, cp); err != nil {
		return mapError(err)
	}
	return nil
}

// CreateSubscription subscribes a customer to a plan.
func (p *StripeProcessor) CreateSubscription(ctx context.Context, customerID string, params SubscriptionParams) (*Subscription, error) {
	defer observe("subscription_create", time.Now())

	sp := &stripe.SubscriptionParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Plan: stripe.String(params.Plan)},
		},
	}
	if params.Quantity > 0 {
		sp.Items[0].Quantity = stripe.Int64(params.Quantity)
	}
	if params.Coupon != "" {
		sp.Coupon = stripe.String(params.Coupon)
	}
	if err := p.applyTaxRate(ctx, sp, params.TaxPercent); err != nil {
		return nil, err
	}

	sub, err := subscription.New(sp)
	if err != nil {
		return nil, mapError(err)
	}
	return toSubscription(sub), nil
}

// UpdateSubscription moves an existing subscription to a new plan.
func (p *StripeProcessor) UpdateSubscription(ctx context.Context, id string, params SubscriptionParams) (*Subscription, error) {
	defer observe("subscription_update", time.Now())

	current, err := subscription.Get(id, &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, mapError(err)
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, apierrors.NewNotFoundError("subscription item")
	}

	sp := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:   stripe.String(current.Items.Data[0].ID),
				Plan: stripe.String(params.Plan),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	if params.Quantity > 0 {
		sp.Items[0].Quantity = stripe.Int64(params.Quantity)
	}
	if params.Coupon != "" {
		sp.Coupon = stripe.String(params.Coupon)
	}
	if err := p.applyTaxRate(ctx, sp, params.TaxPercent); err != nil {
		return nil, err
	}

	sub, err := subscription.Update(id, sp)
	if err != nil {
		return nil, mapError(err)
	}
	return toSubscription(sub), nil
}

// CancelSubscription cancels a subscription immediately.
func (p *StripeProcessor) CancelSubscription(ctx context.Context, id string) (*Subscription, error) {
	defer observe("subscription_cancel", time.Now())

	sub, err := subscription.Cancel(id, &stripe.SubscriptionCancelParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, mapError(err)
	}
	return toSubscription(sub), nil
}

// ListPlans lists all processor-side plans for catalog population.
func (p *StripeProcessor) ListPlans(ctx context.Context) ([]models.CatalogPlan, error) {
	defer observe("plan_list", time.Now())

	params := &stripe.PlanListParams{}
	params.Context = ctx
	params.Limit = stripe.Int64(100)
	// The statement descriptor lives on the product now.
	params.AddExpand("data.product")

	var plans []models.CatalogPlan
	it := plan.List(params)
	for it.Next() {
		plans = append(plans, toCatalogPlan(it.Plan()))
	}
	if err := it.Err(); err != nil {
		return nil, mapError(err)
	}
	return plans, nil
}

// CreatePlan creates a processor-side plan object.
func (p *StripeProcessor) CreatePlan(ctx context.Context, cp models.CatalogPlan) (*models.CatalogPlan, error) {
	defer observe("plan_create", time.Now())

	params := &stripe.PlanParams{
		Params:   stripe.Params{Context: ctx},
		ID:       stripe.String(cp.ID),
		Amount:   stripe.Int64(cp.Amount),
		Currency: stripe.String(cp.Currency),
		Interval: stripe.String(cp.Interval),
		Product: &stripe.PlanProductParams{
			Name: stripe.String(cp.ID),
		},
	}
	if cp.IntervalCount > 0 {
		params.IntervalCount = stripe.Int64(cp.IntervalCount)
	}
	if cp.TrialPeriodDays > 0 {
		params.TrialPeriodDays = stripe.Int64(cp.TrialPeriodDays)
	}
	if cp.Nickname != "" {
		params.Nickname = stripe.String(cp.Nickname)
	}
	if cp.StatementDescriptor != "" {
		params.Product.StatementDescriptor = stripe.String(cp.StatementDescriptor)
	}
	for k, v := range cp.Metadata {
		params.AddMetadata(k, v)
	}

	created, err := plan.New(params)
	if err != nil {
		return nil, mapError(err)
	}
	result := toCatalogPlan(created)
	return &result, nil
}

// UpcomingInvoice previews the next invoice for a customer.
func (p *StripeProcessor) UpcomingInvoice(ctx context.Context, params UpcomingInvoiceParams) (*stripe.Invoice, error) {
	defer observe("invoice_upcoming", time.Now())

	ip := &stripe.InvoiceUpcomingParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(params.CustomerID),
		SubscriptionProrationBehavior: stripe.String("create_prorations"),
	}
	if params.SubscriptionID != "" {
		ip.Subscription = stripe.String(params.SubscriptionID)
	}
	if params.Plan != "" {
		item := &stripe.SubscriptionItemsParams{Plan: stripe.String(params.Plan)}
		if params.Quantity > 0 {
			item.Quantity = stripe.Int64(params.Quantity)
		}
		ip.SubscriptionItems = []*stripe.SubscriptionItemsParams{item}
	}
	if params.TrialEnd > 0 {
		ip.SubscriptionTrialEnd = stripe.Int64(params.TrialEnd)
	}

	inv, err := invoice.Upcoming(ip)
	if err != nil {
		return nil, mapError(err)
	}
	return inv, nil
}

// ListCharges lists the most recent charges for a customer.
func (p *StripeProcessor) ListCharges(ctx context.Context, customerID string, limit int64) ([]*stripe.Charge, error) {
	defer observe("charge_list", time.Now())

	params := &stripe.ChargeListParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(limit)

	var charges []*stripe.Charge
	it := charge.List(params)
	for it.Next() {
		charges = append(charges, it.Charge())
	}
	if err := it.Err(); err != nil {
		return nil, mapError(err)
	}
	return charges, nil
}

// CreateCreditCharge charges a customer for a credit package and returns the
// charge reference. The Orders API is gone; a confirmed PaymentIntent against
// the customer's default source fills the same role.
func (p *StripeProcessor) CreateCreditCharge(ctx context.Context, params CreditChargeParams) (string, error) {
	defer observe("credit_charge", time.Now())

	pip := &stripe.PaymentIntentParams{
		Params:      stripe.Params{Context: ctx},
		Amount:      stripe.Int64(params.Amount),
		Currency:    stripe.String(params.Currency),
		Customer:    stripe.String(params.CustomerID),
		Confirm:     stripe.Bool(true),
		OffSession:  stripe.Bool(true),
		Description: stripe.String(fmt.Sprintf("%d credits", params.Credits)),
	}
	pip.AddMetadata("credits", strconv.FormatInt(params.Credits, 10))
	pip.AddMetadata("order_ref", params.Reference)

	pi, err := paymentintent.New(pip)
	if err != nil {
		return "", mapError(err)
	}
	return pi.ID, nil
}

// ConstructEvent verifies a webhook payload signature and reduces the event
// to what the reconciler needs.
func (p *StripeProcessor) ConstructEvent(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, p.webhookSecret)
	if err != nil {
		return nil, apierrors.ErrBadRequest.WithMessage("Webhook signature verification failed")
	}

	reduced := &Event{ID: event.ID, Type: string(event.Type)}
	if !strings.HasPrefix(reduced.Type, "customer.subscription.") {
		return reduced, nil
	}

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription event: %w", err)
	}
	reduced.Subscription = true
	reduced.SubscriptionID = sub.ID
	if sub.Customer != nil {
		reduced.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Plan != nil {
		reduced.Plan = sub.Items.Data[0].Plan.ID
	}
	return reduced, nil
}

// applyTaxRate maps a tax percentage to a processor tax rate object. A
// percentage of 0 clears the default rates.
func (p *StripeProcessor) applyTaxRate(ctx context.Context, sp *stripe.SubscriptionParams, percent float64) error {
	if percent <= 0 {
		return nil
	}
	id, err := p.taxRateID(ctx, percent)
	if err != nil {
		return err
	}
	sp.DefaultTaxRates = []*string{stripe.String(id)}
	return nil
}

// taxRateID finds or creates an exclusive tax rate for the given percentage.
func (p *StripeProcessor) taxRateID(ctx context.Context, percent float64) (string, error) {
	p.mu.Lock()
	if id, ok := p.taxRates[percent]; ok {
		p.mu.Unlock()
		return id, nil
	}
	p.mu.Unlock()

	params := &stripe.TaxRateListParams{
		Active: stripe.Bool(true),
	}
	params.Context = ctx
	it := taxrate.List(params)
	for it.Next() {
		tr := it.TaxRate()
		if !tr.Inclusive && tr.Percentage == percent {
			p.cacheTaxRate(percent, tr.ID)
			return tr.ID, nil
		}
	}
	if err := it.Err(); err != nil {
		return "", mapError(err)
	}

	tr, err := taxrate.New(&stripe.TaxRateParams{
		Params:      stripe.Params{Context: ctx},
		DisplayName: stripe.String("VAT"),
		Percentage:  stripe.Float64(percent),
		Inclusive:   stripe.Bool(false),
	})
	if err != nil {
		return "", mapError(err)
	}
	p.cacheTaxRate(percent, tr.ID)
	return tr.ID, nil
}

func (p *StripeProcessor) cacheTaxRate(percent float64, id string) {
	p.mu.Lock()
	p.taxRates[percent] = id
	p.mu.Unlock()
}

func toCustomer(cust *stripe.Customer) *Customer {
	return &Customer{
		ID:       cust.ID,
		Email:    cust.Email,
		Metadata: cust.Metadata,
	}
}

func toSubscription(sub *stripe.Subscription) *Subscription {
	result := &Subscription{
		ID:       sub.ID,
		Status:   string(sub.Status),
		Canceled: sub.Status == stripe.SubscriptionStatusCanceled,
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Plan != nil {
		result.Plan = sub.Items.Data[0].Plan.ID
	}
	return result
}

func toCatalogPlan(sp *stripe.Plan) models.CatalogPlan {
	cp := models.CatalogPlan{
		ID:              sp.ID,
		Amount:          sp.Amount,
		Currency:        string(sp.Currency),
		Interval:        string(sp.Interval),
		IntervalCount:   sp.IntervalCount,
		TrialPeriodDays: sp.TrialPeriodDays,
		Nickname:        sp.Nickname,
		Metadata:        sp.Metadata,
	}
	if sp.Product != nil {
		cp.StatementDescriptor = sp.Product.StatementDescriptor
	}
	return cp
}

// Compile-time check to ensure StripeProcessor implements Processor.
var _ Processor = (*StripeProcessor)(nil)

// mapError converts a Stripe error into an API error, preserving the
// original status and message. Client UIs key off the processor's error text.
func mapError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		status := stripeErr.HTTPStatusCode
		if status == 0 {
			status = 502
		}
		return apierrors.NewUpstreamError(status, stripeErr.Msg)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierrors.ErrUpstreamUnavailable.WithMessage("Payment processor timed out")
	}
	return apierrors.ErrUpstreamUnavailable.WithMessage(err.Error())
}
