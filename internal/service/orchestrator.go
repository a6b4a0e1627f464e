package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stripe/stripe-go/v76"
	"golang.org/x/sync/errgroup"

	"github.com/appback/billing/internal/config"
	"github.com/appback/billing/internal/models"
	"github.com/appback/billing/internal/payment"
	apierrors "github.com/appback/billing/internal/pkg/errors"
	"github.com/appback/billing/internal/repository"
	"github.com/appback/billing/internal/session"
	"github.com/appback/billing/internal/tax"
)

// Args is the union of request arguments across billing methods. The handler
// validates per-method requirements; unused fields stay zero.
type Args struct {
	// Plan distinguishes "not requested" (nil) from "cancel" (empty or the
	// free sentinel).
	Plan *string `json:"plan"`

	Source   string `json:"source"`
	Coupon   string `json:"coupon"`
	Quantity int64  `json:"quantity"`
	Email    string `json:"email" validate:"omitempty,email"`

	CurrencyCode   string       `json:"currencyCode" validate:"omitempty,len=3"`
	BuyerName      string       `json:"buyerName"`
	BuyerTaxNumber string       `json:"buyerTaxNumber"`
	CardPrefix     string       `json:"buyerCreditCardPrefix" validate:"omitempty,numeric"`
	InvoiceAddress *tax.Address `json:"invoiceAddress"`

	// TaxDeducted and ForceCountryCode are only honored against a
	// test-mode processor key.
	TaxDeducted      bool   `json:"taxDeducted"`
	ForceCountryCode string `json:"forceCountryCode" validate:"omitempty,len=2"`

	IncludeCharges bool `json:"includeCharges"`

	SubscriptionPlan     string `json:"subscriptionPlan"`
	SubscriptionQuantity int64  `json:"subscriptionQuantity"`
	SubscriptionTrialEnd int64  `json:"subscriptionTrialEnd"`

	Credits  int64  `json:"credits" validate:"omitempty,gt=0"`
	Username string `json:"username"`
}

// Request is one decoded billing API call.
type Request struct {
	Method        string
	Args          *Args
	Authorization string
	Cookie        string
}

// MutationReply is the response shape of customer mutations. Authorization
// carries the user's role list so clients can refresh cached sessions.
type MutationReply struct {
	Plan          string   `json:"plan"`
	Authorization []string `json:"authorization"`
}

// CreditsReply is the response shape of credit operations.
type CreditsReply struct {
	Credits       int64    `json:"credits"`
	Authorization []string `json:"authorization"`
}

// ExistsReply is the response shape of username availability checks.
type ExistsReply struct {
	Exists bool `json:"exists"`
}

// recentChargeLimit caps the charge history attached to a customer view.
const recentChargeLimit = 12

// Orchestrator coordinates the identity store, record store, payment
// processor and tax service for every billing method.
type Orchestrator struct {
	sessions  session.Verifier
	users     repository.UserRepository
	processor payment.Processor
	taxes     tax.Client
	localizer *Localizer
	ledger    *CreditsLedger
	cfg       config.BillingConfig
	logger    *slog.Logger
}

// NewOrchestrator wires the billing orchestrator.
func NewOrchestrator(
	sessions session.Verifier,
	users repository.UserRepository,
	processor payment.Processor,
	taxes tax.Client,
	localizer *Localizer,
	ledger *CreditsLedger,
	cfg config.BillingConfig,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		sessions:  sessions,
		users:     users,
		processor: processor,
		taxes:     taxes,
		localizer: localizer,
		ledger:    ledger,
		cfg:       cfg,
		logger:    logger.With("component", "orchestrator"),
	}
}

// Handle dispatches one billing method call.
func (o *Orchestrator) Handle(ctx context.Context, req *Request) (any, error) {
	if req.Args == nil {
		req.Args = &Args{}
	}
	logger := o.logger.With("request_id", ulid.Make().String(), "method", req.Method)

	reply, err := o.dispatch(ctx, req, logger)
	if err != nil {
		billingRequests.WithLabelValues(req.Method, "error").Inc()
		logger.Warn("billing method failed", "error", err)
		return nil, err
	}
	billingRequests.WithLabelValues(req.Method, "ok").Inc()
	return reply, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, req *Request, logger *slog.Logger) (any, error) {
	switch req.Method {
	case "ping":
		return "pong", nil
	case "usernames.exist":
		return o.usernameExists(ctx, req.Args)
	case "customers.create", "customers.update", "customers.updateSubscription":
		return o.mutateCustomer(ctx, req, logger)
	case "customers.retrieve":
		return o.retrieveCustomer(ctx, req)
	case "invoices.retrieveUpcoming":
		return o.upcomingInvoice(ctx, req)
	case "credits.buy":
		return o.buyCredits(ctx, req, logger)
	case "credits.spend":
		return o.spendCredits(ctx, req, logger)
	default:
		return nil, apierrors.ErrBadRequest.WithMessage("Unknown method: " + req.Method)
	}
}

func (o *Orchestrator) usernameExists(ctx context.Context, args *Args) (any, error) {
	if args.Username == "" {
		return nil, apierrors.NewValidationError("username", "username is required")
	}
	exists, err := o.users.ExistsByUsername(ctx, args.Username)
	if err != nil {
		return nil, err
	}
	return &ExistsReply{Exists: exists}, nil
}

// authenticate resolves the session and loads the user's billing record.
func (o *Orchestrator) authenticate(ctx context.Context, req *Request) (*models.UserRecord, error) {
	userID, err := o.sessions.Verify(ctx, session.Credentials{
		Authorization: req.Authorization,
		Cookie:        req.Cookie,
	})
	if err != nil {
		return nil, err
	}
	record, err := o.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apierrors.NewNotFoundError("user")
	}
	return record, nil
}

// resolveRequest runs the fanout stage shared by all mutating methods: the
// session check and record load run concurrently with the payment token
// retrieval, and the first failure kills the request.
func (o *Orchestrator) resolveRequest(ctx context.Context, req *Request) (*models.UserRecord, *payment.Token, error) {
	var (
		record *models.UserRecord
		token  *payment.Token
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rec, err := o.authenticate(gctx, req)
		if err != nil {
			return err
		}
		record = rec
		return nil
	})
	if req.Args.Source != "" {
		g.Go(func() error {
			tok, err := o.processor.RetrieveToken(gctx, req.Args.Source)
			if err != nil {
				return err
			}
			token = tok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return record, token, nil
}

func (o *Orchestrator) mutateCustomer(ctx context.Context, req *Request, logger *slog.Logger) (any, error) {
	args := req.Args
	record, token, err := o.resolveRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	dirty, err := o.resolveTax(ctx, record, args, token)
	if err != nil {
		return nil, err
	}

	if err := o.checkCurrency(record, args.CurrencyCode); err != nil {
		return nil, err
	}

	// Resolve the target plan before any processor mutation so a plan the
	// buyer can't subscribe to fails the whole request cleanly.
	var targetPlan string
	if args.Plan != nil {
		targetPlan = models.NormalizePlan(*args.Plan)
		if !models.IsFreePlan(targetPlan) {
			if record.Billing.CustomerID == "" && args.Source == "" {
				return nil, apierrors.NewForbiddenError("A payment source is required to subscribe to a paid plan.")
			}
			targetPlan, err = o.localizer.Localize(ctx, *args.Plan, record.Tax)
			if err != nil {
				return nil, err
			}
		}
	}

	// Processor mutations finish even if the caller goes away; a half
	// applied mutation with a dropped persist is worse than a slow reply.
	mctx := context.WithoutCancel(ctx)

	customerDirty, err := o.syncCustomer(mctx, req.Method, record, args, logger)
	if err != nil {
		o.persistPartial(mctx, record, dirty, logger)
		return nil, err
	}
	dirty = dirty || customerDirty

	if args.Plan != nil {
		subDirty, err := o.syncSubscription(mctx, record, targetPlan, args, logger)
		if err != nil {
			// No rollback: the customer link and tax context survive so a
			// retry resumes instead of duplicating processor objects.
			o.persistPartial(mctx, record, dirty, logger)
			return nil, err
		}
		dirty = dirty || subDirty
	}

	if err := reconcileAccount(mctx, o.users, record, dirty); err != nil {
		return nil, err
	}

	return &MutationReply{
		Plan:          models.NormalizePlan(record.Billing.Plan),
		Authorization: record.Roles,
	}, nil
}

// resolveTax creates or updates the user's tax transaction. A transaction is
// created once per user and then updated in place, so the tax service sees a
// single continuous transaction per buyer.
func (o *Orchestrator) resolveTax(ctx context.Context, record *models.UserRecord, args *Args, token *payment.Token) (bool, error) {
	if o.cfg.TaxKey == "" {
		return false, nil
	}

	hasBuyerDetails := args.BuyerName != "" || args.BuyerTaxNumber != "" || args.InvoiceAddress != nil

	if record.Tax == nil || record.Tax.Key == "" {
		// Creation needs buyer evidence: the card country and client IP
		// that came with the token.
		if token == nil {
			return false, nil
		}
		params := tax.CreateParams{
			CurrencyCode:     strings.ToUpper(args.CurrencyCode),
			Description:      "placeholder transaction",
			BuyerName:        args.BuyerName,
			BuyerTaxNumber:   args.BuyerTaxNumber,
			BuyerIP:          token.ClientIP,
			CardPrefix:       args.CardPrefix,
			ForceCountryCode: token.CardCountry,
			InvoiceAddress:   args.InvoiceAddress,
			UniversalPricing: o.cfg.UniversalPricing,
		}
		if strings.Contains(record.Username, "@") {
			params.BuyerEmail = record.Username
		}
		if o.cfg.TestMode() {
			params.TaxDeducted = args.TaxDeducted
			if args.ForceCountryCode != "" {
				params.ForceCountryCode = strings.ToUpper(args.ForceCountryCode)
			}
		}
		result, err := o.taxes.CreateTransaction(ctx, params)
		if err != nil {
			return false, err
		}
		record.Tax = &result.Record
		return true, nil
	}

	// A token alone carries nothing the transaction doesn't already hold:
	// location evidence is fixed at creation, so an update without buyer
	// details would be an empty payload. The stored rate refreshes on the
	// next update that actually changes the buyer.
	if !hasBuyerDetails {
		return false, nil
	}
	result, err := o.taxes.UpdateTransaction(ctx, record.Tax.Key, tax.UpdateParams{
		BuyerName:      args.BuyerName,
		BuyerTaxNumber: args.BuyerTaxNumber,
		InvoiceAddress: args.InvoiceAddress,
	})
	if err != nil {
		return false, err
	}
	record.Tax = &result.Record
	return true, nil
}

// checkCurrency enforces the euro rule for EU buyers before any processor
// mutation runs.
func (o *Orchestrator) checkCurrency(record *models.UserRecord, currencyCode string) error {
	if !o.cfg.EuroInEU || currencyCode == "" {
		return nil
	}
	if record.Tax == nil || record.Tax.Region != "EU" {
		return nil
	}
	if !strings.EqualFold(currencyCode, "EUR") {
		return apierrors.NewForbiddenError("Customers in the European Union must be billed in euro.")
	}
	return nil
}

// syncCustomer creates the processor customer on first contact, or pushes
// updated payment details to an existing one. It reports whether the user
// record changed.
func (o *Orchestrator) syncCustomer(ctx context.Context, method string, record *models.UserRecord, args *Args, logger *slog.Logger) (bool, error) {
	if record.Billing.CustomerID != "" {
		if method == "customers.create" {
			return false, apierrors.NewForbiddenError("User is already a customer.")
		}
		if args.Source == "" && args.Coupon == "" && args.Email == "" {
			return false, nil
		}
		_, err := o.processor.UpdateCustomer(ctx, record.Billing.CustomerID, payment.CustomerParams{
			Source: args.Source,
			Coupon: args.Coupon,
			Email:  args.Email,
		})
		return false, err
	}

	// Without a payment source there is nothing to bill; free-plan users
	// get a customer lazily once they attach one.
	if method != "customers.create" && args.Source == "" {
		return false, nil
	}

	customer, err := o.processor.CreateCustomer(ctx, o.customerParams(record, args))
	if err != nil {
		return false, err
	}
	record.Billing.CustomerID = customer.ID
	record.Billing.Plan = models.NormalizePlan(record.Billing.Plan)
	logger.Info("created customer", "user", record.ID, "customer", customer.ID)
	return true, nil
}

func (o *Orchestrator) customerParams(record *models.UserRecord, args *Args) payment.CustomerParams {
	params := payment.CustomerParams{
		Description: record.Username,
		Source:      args.Source,
		Coupon:      args.Coupon,
		Email:       args.Email,
		Metadata:    map[string]string{"user_id": record.ID},
	}
	if params.Email == "" && strings.Contains(record.Username, "@") {
		params.Email = record.Username
	}
	if record.Tax != nil && record.Tax.Key != "" {
		params.Metadata["tax_transaction_key"] = record.Tax.Key
	}
	return params
}

// syncSubscription moves the processor subscription to the target plan:
// created on free-to-paid, updated on paid-to-paid, canceled on paid-to-free.
// It reports whether the user record changed.
func (o *Orchestrator) syncSubscription(ctx context.Context, record *models.UserRecord, targetPlan string, args *Args, logger *slog.Logger) (bool, error) {
	currentPlan := models.NormalizePlan(record.Billing.Plan)
	targetPlan = models.NormalizePlan(targetPlan)
	if targetPlan == currentPlan {
		return false, nil
	}

	switch {
	case models.IsFreePlan(targetPlan):
		if record.Billing.SubscriptionID == "" {
			record.Billing.Plan = models.FreePlan
			return true, nil
		}
		if _, err := o.processor.CancelSubscription(ctx, record.Billing.SubscriptionID); err != nil {
			return false, err
		}
		logger.Info("canceled subscription", "user", record.ID, "subscription", record.Billing.SubscriptionID)
		record.Billing.SubscriptionID = ""
		record.Billing.Plan = models.FreePlan
		return true, nil

	case record.Billing.SubscriptionID != "":
		sub, err := o.processor.UpdateSubscription(ctx, record.Billing.SubscriptionID, o.subscriptionParams(record, targetPlan, args))
		if err != nil {
			return false, err
		}
		logger.Info("changed subscription plan", "user", record.ID, "subscription", sub.ID, "plan", targetPlan)
		record.Billing.Plan = targetPlan
		return true, nil

	default:
		sub, err := o.processor.CreateSubscription(ctx, record.Billing.CustomerID, o.subscriptionParams(record, targetPlan, args))
		if err != nil {
			return false, err
		}
		logger.Info("created subscription", "user", record.ID, "subscription", sub.ID, "plan", targetPlan)
		record.Billing.SubscriptionID = sub.ID
		record.Billing.Plan = targetPlan
		return true, nil
	}
}

func (o *Orchestrator) subscriptionParams(record *models.UserRecord, plan string, args *Args) payment.SubscriptionParams {
	params := payment.SubscriptionParams{
		Plan:     plan,
		Coupon:   args.Coupon,
		Quantity: args.Quantity,
	}
	if !o.cfg.UniversalPricing && record.Tax != nil {
		params.TaxPercent = record.Tax.Rate
	}
	return params
}

func (o *Orchestrator) retrieveCustomer(ctx context.Context, req *Request) (any, error) {
	record, err := o.authenticate(ctx, req)
	if err != nil {
		return nil, err
	}
	if record.Billing.CustomerID == "" {
		return nil, apierrors.NewForbiddenError("User isn't a customer.")
	}
	customer, err := o.processor.RetrieveCustomer(ctx, record.Billing.CustomerID)
	if err != nil {
		return nil, err
	}
	if !req.Args.IncludeCharges {
		return customer, nil
	}
	charges, err := o.processor.ListCharges(ctx, record.Billing.CustomerID, recentChargeLimit)
	if err != nil {
		return nil, err
	}
	return &customerWithCharges{Customer: customer, Charges: charges}, nil
}

func (o *Orchestrator) upcomingInvoice(ctx context.Context, req *Request) (any, error) {
	args := req.Args
	record, err := o.authenticate(ctx, req)
	if err != nil {
		return nil, err
	}

	mctx := context.WithoutCancel(ctx)
	if record.Billing.CustomerID == "" {
		// Preview for a not-yet-customer needs a bare customer object; no
		// payment source is attached.
		customer, err := o.processor.CreateCustomer(mctx, o.customerParams(record, &Args{}))
		if err != nil {
			return nil, err
		}
		record.Billing.CustomerID = customer.ID
		record.Billing.Plan = models.NormalizePlan(record.Billing.Plan)
		if err := reconcileAccount(mctx, o.users, record, true); err != nil {
			return nil, err
		}
	}

	params := payment.UpcomingInvoiceParams{
		CustomerID:     record.Billing.CustomerID,
		SubscriptionID: record.Billing.SubscriptionID,
		Quantity:       args.SubscriptionQuantity,
		TrialEnd:       args.SubscriptionTrialEnd,
	}
	if args.SubscriptionPlan != "" {
		params.Plan, err = o.localizer.Localize(ctx, args.SubscriptionPlan, record.Tax)
		if err != nil {
			return nil, err
		}
	}
	return o.processor.UpcomingInvoice(ctx, params)
}

func (o *Orchestrator) buyCredits(ctx context.Context, req *Request, logger *slog.Logger) (any, error) {
	args := req.Args
	if args.Credits <= 0 {
		return nil, apierrors.NewValidationError("credits", "credits must be positive")
	}

	record, token, err := o.resolveRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	dirty, err := o.resolveTax(ctx, record, args, token)
	if err != nil {
		return nil, err
	}

	currency := args.CurrencyCode
	if currency == "" {
		currency = o.cfg.CreditCurrency
	}
	if err := o.checkCurrency(record, currency); err != nil {
		return nil, err
	}

	mctx := context.WithoutCancel(ctx)
	if record.Billing.CustomerID == "" {
		if args.Source == "" {
			return nil, apierrors.NewForbiddenError("A payment source is required to buy credits.")
		}
		customer, err := o.processor.CreateCustomer(mctx, o.customerParams(record, args))
		if err != nil {
			return nil, err
		}
		record.Billing.CustomerID = customer.ID
		record.Billing.Plan = models.NormalizePlan(record.Billing.Plan)
		dirty = true
	}

	reference := uuid.NewString()
	chargeID, err := o.processor.CreateCreditCharge(mctx, payment.CreditChargeParams{
		CustomerID: record.Billing.CustomerID,
		Amount:     args.Credits * o.cfg.CreditUnitAmount,
		Currency:   strings.ToLower(currency),
		Credits:    args.Credits,
		Reference:  reference,
	})
	if err != nil {
		o.persistPartial(mctx, record, dirty, logger)
		return nil, err
	}
	balance, err := o.ledger.Credit(mctx, record.Billing.CustomerID, args.Credits)
	if err != nil {
		// The charge went through but the balance write failed; surface
		// the error with enough context to repair the ledger by hand.
		logger.Error("credit balance write failed after charge",
			"user", record.ID, "charge", chargeID, "reference", reference, "error", err)
		o.persistPartial(mctx, record, dirty, logger)
		return nil, err
	}
	logger.Info("credits purchased",
		"user", record.ID, "credits", args.Credits, "balance", balance, "charge", chargeID)

	if err := reconcileAccount(mctx, o.users, record, dirty); err != nil {
		return nil, err
	}
	return &CreditsReply{Credits: balance, Authorization: record.Roles}, nil
}

func (o *Orchestrator) spendCredits(ctx context.Context, req *Request, logger *slog.Logger) (any, error) {
	args := req.Args
	if args.Credits <= 0 {
		return nil, apierrors.NewValidationError("credits", "credits must be positive")
	}

	record, err := o.authenticate(ctx, req)
	if err != nil {
		return nil, err
	}
	if record.Billing.CustomerID == "" {
		return nil, apierrors.NewForbiddenError("User isn't a customer.")
	}

	balance, ok, err := o.ledger.Debit(context.WithoutCancel(ctx), record.Billing.CustomerID, args.Credits)
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.Info("credit debit overdraws balance, dropped",
			"user", record.ID, "credits", args.Credits, "balance", balance)
	}
	return &CreditsReply{Credits: balance, Authorization: record.Roles}, nil
}

// customerWithCharges is the customers.retrieve reply when the caller asks
// for recent charges alongside the live customer view.
type customerWithCharges struct {
	*stripe.Customer
	Charges []*stripe.Charge `json:"charges"`
}

// persistPartial saves whatever a failed mutation already changed on the
// record. The original failure is what the caller sees; a persist error on
// top of it is only logged.
func (o *Orchestrator) persistPartial(ctx context.Context, record *models.UserRecord, dirty bool, logger *slog.Logger) {
	if !dirty {
		return
	}
	if err := reconcileAccount(ctx, o.users, record, true); err != nil {
		logger.Error("failed to persist partial mutation", "user", record.ID, "error", err)
	}
}

// reconcileAccount syncs the plan role with the billing plan and persists the
// record if anything changed this request.
func reconcileAccount(ctx context.Context, users repository.UserRepository, record *models.UserRecord, dirty bool) error {
	if record.SyncPlanRole() {
		dirty = true
	}
	if !dirty {
		return nil
	}
	return users.Update(ctx, record)
}
