package service

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stripe/stripe-go/v76"

	"github.com/appback/billing/internal/config"
	"github.com/appback/billing/internal/models"
	"github.com/appback/billing/internal/payment"
	apierrors "github.com/appback/billing/internal/pkg/errors"
	"github.com/appback/billing/internal/session"
	"github.com/appback/billing/internal/tax"
)

// --- Fakes ---

type fakeVerifier struct {
	userID string
	err    error
}

func (f *fakeVerifier) Verify(ctx context.Context, creds session.Credentials) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.userID, nil
}

type fakeUsers struct {
	records     map[string]*models.UserRecord
	updateCalls int
	updateErr   error
}

func newFakeUsers(records ...*models.UserRecord) *fakeUsers {
	f := &fakeUsers{records: make(map[string]*models.UserRecord)}
	for _, r := range records {
		f.records[r.ID] = r
	}
	return f
}

func (f *fakeUsers) GetByID(ctx context.Context, id string) (*models.UserRecord, error) {
	return f.records[id], nil
}

func (f *fakeUsers) GetByCustomerID(ctx context.Context, customerID string) (*models.UserRecord, error) {
	for _, r := range f.records {
		if r.Billing.CustomerID == customerID {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeUsers) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	for _, r := range f.records {
		if r.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeUsers) Create(ctx context.Context, record *models.UserRecord) error {
	f.records[record.ID] = record
	return nil
}

func (f *fakeUsers) Update(ctx context.Context, record *models.UserRecord) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updateCalls++
	f.records[record.ID] = record
	return nil
}

// fakeProcessor implements payment.Processor with overridable behavior and
// records the order of processor calls.
type fakeProcessor struct {
	plans    []models.CatalogPlan
	metadata map[string]string

	retrieveTokenFunc      func(ctx context.Context, id string) (*payment.Token, error)
	createCustomerFunc     func(ctx context.Context, params payment.CustomerParams) (*payment.Customer, error)
	createSubscriptionFunc func(ctx context.Context, customerID string, params payment.SubscriptionParams) (*payment.Subscription, error)
	updateSubscriptionFunc func(ctx context.Context, id string, params payment.SubscriptionParams) (*payment.Subscription, error)
	createPlanFunc         func(ctx context.Context, plan models.CatalogPlan) (*models.CatalogPlan, error)
	createCreditChargeFunc func(ctx context.Context, params payment.CreditChargeParams) (string, error)

	calls []string
}

func newFakeProcessor(plans ...models.CatalogPlan) *fakeProcessor {
	return &fakeProcessor{plans: plans, metadata: make(map[string]string)}
}

func (f *fakeProcessor) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeProcessor) called(call string) bool {
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeProcessor) RetrieveToken(ctx context.Context, id string) (*payment.Token, error) {
	f.record("RetrieveToken")
	if f.retrieveTokenFunc != nil {
		return f.retrieveTokenFunc(ctx, id)
	}
	return &payment.Token{ID: id, CardCountry: "DE", ClientIP: "192.0.2.1"}, nil
}

func (f *fakeProcessor) CreateCustomer(ctx context.Context, params payment.CustomerParams) (*payment.Customer, error) {
	f.record("CreateCustomer")
	if f.createCustomerFunc != nil {
		return f.createCustomerFunc(ctx, params)
	}
	return &payment.Customer{ID: "cus_test", Email: params.Email, Metadata: params.Metadata}, nil
}

func (f *fakeProcessor) UpdateCustomer(ctx context.Context, id string, params payment.CustomerParams) (*payment.Customer, error) {
	f.record("UpdateCustomer")
	return &payment.Customer{ID: id}, nil
}

func (f *fakeProcessor) RetrieveCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	f.record("RetrieveCustomer")
	return &stripe.Customer{ID: id, Metadata: f.metadata}, nil
}

func (f *fakeProcessor) UpdateCustomerMetadata(ctx context.Context, id string, metadata map[string]string) error {
	f.record("UpdateCustomerMetadata")
	for k, v := range metadata {
		f.metadata[k] = v
	}
	return nil
}

func (f *fakeProcessor) CreateSubscription(ctx context.Context, customerID string, params payment.SubscriptionParams) (*payment.Subscription, error) {
	f.record("CreateSubscription")
	if f.createSubscriptionFunc != nil {
		return f.createSubscriptionFunc(ctx, customerID, params)
	}
	return &payment.Subscription{ID: "sub_test", Plan: params.Plan, Status: "active"}, nil
}

func (f *fakeProcessor) UpdateSubscription(ctx context.Context, id string, params payment.SubscriptionParams) (*payment.Subscription, error) {
	f.record("UpdateSubscription")
	if f.updateSubscriptionFunc != nil {
		return f.updateSubscriptionFunc(ctx, id, params)
	}
	return &payment.Subscription{ID: id, Plan: params.Plan, Status: "active"}, nil
}

func (f *fakeProcessor) CancelSubscription(ctx context.Context, id string) (*payment.Subscription, error) {
	f.record("CancelSubscription")
	return &payment.Subscription{ID: id, Canceled: true, Status: "canceled"}, nil
}

func (f *fakeProcessor) ListPlans(ctx context.Context) ([]models.CatalogPlan, error) {
	f.record("ListPlans")
	return f.plans, nil
}

func (f *fakeProcessor) CreatePlan(ctx context.Context, plan models.CatalogPlan) (*models.CatalogPlan, error) {
	f.record("CreatePlan")
	if f.createPlanFunc != nil {
		return f.createPlanFunc(ctx, plan)
	}
	f.plans = append(f.plans, plan)
	return &plan, nil
}

func (f *fakeProcessor) UpcomingInvoice(ctx context.Context, params payment.UpcomingInvoiceParams) (*stripe.Invoice, error) {
	f.record("UpcomingInvoice")
	return &stripe.Invoice{}, nil
}

func (f *fakeProcessor) ListCharges(ctx context.Context, customerID string, limit int64) ([]*stripe.Charge, error) {
	f.record("ListCharges")
	return []*stripe.Charge{{ID: "ch_1"}}, nil
}

func (f *fakeProcessor) CreateCreditCharge(ctx context.Context, params payment.CreditChargeParams) (string, error) {
	f.record("CreateCreditCharge")
	if f.createCreditChargeFunc != nil {
		return f.createCreditChargeFunc(ctx, params)
	}
	return "ch_test", nil
}

func (f *fakeProcessor) ConstructEvent(payload []byte, signature string) (*payment.Event, error) {
	f.record("ConstructEvent")
	return nil, nil
}

type fakeTaxClient struct {
	createFunc func(ctx context.Context, params tax.CreateParams) (*tax.Result, error)
	updateFunc func(ctx context.Context, key string, params tax.UpdateParams) (*tax.Result, error)
}

func defaultTaxResult() *tax.Result {
	return &tax.Result{
		Record: models.TaxRecord{
			Key:         "tx_test",
			Rate:        20,
			Region:      "EU",
			CountryCode: "DE",
		},
		CurrencyCode: "EUR",
	}
}

func (f *fakeTaxClient) CreateTransaction(ctx context.Context, params tax.CreateParams) (*tax.Result, error) {
	if f.createFunc != nil {
		return f.createFunc(ctx, params)
	}
	return defaultTaxResult(), nil
}

func (f *fakeTaxClient) UpdateTransaction(ctx context.Context, key string, params tax.UpdateParams) (*tax.Result, error) {
	if f.updateFunc != nil {
		return f.updateFunc(ctx, key, params)
	}
	result := defaultTaxResult()
	result.Record.Key = key
	return result, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.BillingConfig {
	return config.BillingConfig{
		ProcessorKey:     "sk_test_abc",
		TaxKey:           "tax_key",
		UniversalPricing: true,
		EuroInEU:         true,
		RegionalCurrency: true,
		CreditUnitAmount: 100,
		CreditCurrency:   "usd",
	}
}

type orchestratorFixture struct {
	orchestrator *Orchestrator
	users        *fakeUsers
	processor    *fakeProcessor
	taxes        *fakeTaxClient
	verifier     *fakeVerifier
}

func newFixture(cfg config.BillingConfig, users *fakeUsers, processor *fakeProcessor) *orchestratorFixture {
	verifier := &fakeVerifier{userID: "user-1"}
	taxes := &fakeTaxClient{}
	logger := testLogger()
	catalog := NewPlanCatalog(processor)
	localizer := NewLocalizer(catalog, processor, cfg, logger)
	ledger := NewCreditsLedger(processor)
	return &orchestratorFixture{
		orchestrator: NewOrchestrator(verifier, users, processor, taxes, localizer, ledger, cfg, logger),
		users:        users,
		processor:    processor,
		taxes:        taxes,
		verifier:     verifier,
	}
}

func testUser() *models.UserRecord {
	return &models.UserRecord{
		ID:       "user-1",
		Username: "pat@example.com",
		Roles:    []string{"confirmed"},
		Billing:  models.BillingInfo{Plan: models.FreePlan},
	}
}

func basePlan() models.CatalogPlan {
	return models.CatalogPlan{
		ID:       "pro_taxfree_USD",
		Amount:   1000,
		Currency: "USD",
		Interval: "month",
		Nickname: "Pro",
	}
}

// --- Tests ---

func TestMutate_TokenEvidenceReachesTaxCreate(t *testing.T) {
	users := newFakeUsers(testUser())
	processor := newFakeProcessor(basePlan())
	fx := newFixture(testConfig(), users, processor)

	var got tax.CreateParams
	fx.taxes.createFunc = func(ctx context.Context, params tax.CreateParams) (*tax.Result, error) {
		got = params
		return defaultTaxResult(), nil
	}

	_, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "customers.update",
		Args:   &Args{Source: "tok_visa", CardPrefix: "424242"},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if got.ForceCountryCode != "DE" {
		t.Errorf("ForceCountryCode = %q, want card country DE", got.ForceCountryCode)
	}
	if got.BuyerIP != "192.0.2.1" {
		t.Errorf("BuyerIP = %q, want token client IP", got.BuyerIP)
	}
	if got.CardPrefix != "424242" {
		t.Errorf("CardPrefix = %q, want 424242", got.CardPrefix)
	}
}

func TestMutate_ForceCountryOverrideInTestMode(t *testing.T) {
	users := newFakeUsers(testUser())
	processor := newFakeProcessor(basePlan())
	fx := newFixture(testConfig(), users, processor)

	var got tax.CreateParams
	fx.taxes.createFunc = func(ctx context.Context, params tax.CreateParams) (*tax.Result, error) {
		got = params
		return defaultTaxResult(), nil
	}

	_, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "customers.update",
		Args:   &Args{Source: "tok_visa", ForceCountryCode: "fr", TaxDeducted: true},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if got.ForceCountryCode != "FR" {
		t.Errorf("ForceCountryCode = %q, want FR", got.ForceCountryCode)
	}
	if !got.TaxDeducted {
		t.Error("TaxDeducted must be honored against a test-mode key")
	}
}

func TestMutate_NoTaxPercentUnderUniversalPricing(t *testing.T) {
	users := newFakeUsers(testUser())
	processor := newFakeProcessor(basePlan())
	fx := newFixture(testConfig(), users, processor)

	var got payment.SubscriptionParams
	processor.createSubscriptionFunc = func(ctx context.Context, customerID string, params payment.SubscriptionParams) (*payment.Subscription, error) {
		got = params
		return &payment.Subscription{ID: "sub_test", Plan: params.Plan, Status: "active"}, nil
	}

	plan := "pro_taxfree_USD"
	_, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "customers.update",
		Args:   &Args{Plan: &plan, Source: "tok_visa"},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	// The rate is baked into the localized plan price instead.
	if got.TaxPercent != 0 {
		t.Errorf("TaxPercent = %v, want 0", got.TaxPercent)
	}
	if got.Plan != "pro_20tax_EUR" {
		t.Errorf("Plan = %v, want pro_20tax_EUR", got.Plan)
	}
}

func TestMutate_TaxPercentWithoutUniversalPricing(t *testing.T) {
	users := newFakeUsers(testUser())
	processor := newFakeProcessor(basePlan())
	cfg := testConfig()
	cfg.UniversalPricing = false
	fx := newFixture(cfg, users, processor)

	var got payment.SubscriptionParams
	processor.createSubscriptionFunc = func(ctx context.Context, customerID string, params payment.SubscriptionParams) (*payment.Subscription, error) {
		got = params
		return &payment.Subscription{ID: "sub_test", Plan: params.Plan, Status: "active"}, nil
	}

	plan := "pro_taxfree_USD"
	_, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "customers.update",
		Args:   &Args{Plan: &plan, Source: "tok_visa"},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if got.TaxPercent != 20 {
		t.Errorf("TaxPercent = %v, want the resolved regional rate 20", got.TaxPercent)
	}
	if got.Plan != "pro_taxfree_USD" {
		t.Errorf("Plan = %v, want the base plan", got.Plan)
	}
}

func TestMutate_TokenAloneSkipsTaxUpdate(t *testing.T) {
	user := testUser()
	user.Billing.CustomerID = "cus_1"
	user.Tax = &models.TaxRecord{Key: "tx1", Rate: 20, Region: "EU", CountryCode: "DE"}
	users := newFakeUsers(user)
	fx := newFixture(testConfig(), users, newFakeProcessor(basePlan()))

	updated := false
	fx.taxes.updateFunc = func(ctx context.Context, key string, params tax.UpdateParams) (*tax.Result, error) {
		updated = true
		return defaultTaxResult(), nil
	}

	_, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "customers.update",
		Args:   &Args{Source: "tok_visa"},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if updated {
		t.Error("a source change without buyer details must not touch the tax transaction")
	}
}

func TestMutate_FreeToPaid(t *testing.T) {
	users := newFakeUsers(testUser())
	processor := newFakeProcessor(basePlan())
	fx := newFixture(testConfig(), users, processor)

	plan := "pro_taxfree_USD"
	reply, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "customers.update",
		Args:   &Args{Plan: &plan, Source: "tok_visa"},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	mutation, ok := reply.(*MutationReply)
	if !ok {
		t.Fatalf("reply type = %T, want *MutationReply", reply)
	}
	// EU buyer at 20% on a 1000-cent USD base: localized variant in EUR.
	if mutation.Plan != "pro_20tax_EUR" {
		t.Errorf("Plan = %v, want pro_20tax_EUR", mutation.Plan)
	}

	record := users.records["user-1"]
	if record.Billing.CustomerID != "cus_test" {
		t.Errorf("CustomerID = %v, want cus_test", record.Billing.CustomerID)
	}
	if record.Billing.SubscriptionID != "sub_test" {
		t.Errorf("SubscriptionID = %v, want sub_test", record.Billing.SubscriptionID)
	}
	if record.Tax == nil || record.Tax.Key != "tx_test" {
		t.Errorf("Tax = %+v, want key tx_test", record.Tax)
	}
	if role := record.CurrentPlanRole(); role != "stripe:plan:pro_20tax_EUR" {
		t.Errorf("plan role = %v, want stripe:plan:pro_20tax_EUR", role)
	}
	if !processor.called("CreatePlan") {
		t.Error("expected localized plan creation")
	}
	if users.updateCalls == 0 {
		t.Error("expected record persist")
	}
}

func TestMutate_LocalizedPlanPriceFloors(t *testing.T) {
	users := newFakeUsers(testUser())
	processor := newFakeProcessor(basePlan())
	var created *models.CatalogPlan
	processor.createPlanFunc = func(ctx context.Context, plan models.CatalogPlan) (*models.CatalogPlan, error) {
		created = &plan
		return &plan, nil
	}
	fx := newFixture(testConfig(), users, processor)

	plan := "pro_taxfree_USD"
	_, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "customers.update",
		Args:   &Args{Plan: &plan, Source: "tok_visa"},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if created == nil {
		t.Fatal("expected plan creation")
	}
	if created.Amount != 833 {
		t.Errorf("localized amount = %v, want 833", created.Amount)
	}
	if created.Currency != "eur" {
		t.Errorf("localized currency = %v, want eur", created.Currency)
	}
}

func TestMutate_AnonymousRejected(t *testing.T) {
	users := newFakeUsers(testUser())
	processor := newFakeProcessor(basePlan())
	fx := newFixture(testConfig(), users, processor)
	fx.verifier.err = apierrors.ErrUnauthenticated

	plan := "pro_taxfree_USD"
	_, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "customers.update",
		Args:   &Args{Plan: &plan, Source: "tok_visa"},
	})
	if apierrors.AsAPIError(err).StatusCode != 401 {
		t.Fatalf("expected 401, got %v", err)
	}
	if processor.called("CreateCustomer") || processor.called("CreateSubscription") {
		t.Error("no processor mutation may run for anonymous callers")
	}
}

func TestMutate_PaidPlanWithoutSourceForbidden(t *testing.T) {
	users := newFakeUsers(testUser())
	processor := newFakeProcessor(basePlan())
	fx := newFixture(testConfig(), users, processor)

	plan := "pro_taxfree_USD"
	_, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "customers.update",
		Args:   &Args{Plan: &plan},
	})
	if apierrors.AsAPIError(err).StatusCode != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestMutate_CancelToFree(t *testing.T) {
	user := testUser()
	user.Billing = models.BillingInfo{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Plan:           "pro_20tax_EUR",
	}
	user.Roles = []string{"confirmed", "stripe:plan:pro_20tax_EUR"}
	user.Tax = &defaultTaxResult().Record
	users := newFakeUsers(user)
	processor := newFakeProcessor(basePlan())
	fx := newFixture(testConfig(), users, processor)

	plan := ""
	reply, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "customers.updateSubscription",
		Args:   &Args{Plan: &plan},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	mutation := reply.(*MutationReply)
	if mutation.Plan != models.FreePlan {
		t.Errorf("Plan = %v, want %v", mutation.Plan, models.FreePlan)
	}
	if !processor.called("CancelSubscription") {
		t.Error("expected subscription cancel")
	}
	record := users.records["user-1"]
	if record.Billing.SubscriptionID != "" {
		t.Errorf("SubscriptionID = %v, want empty", record.Billing.SubscriptionID)
	}
	if role := record.CurrentPlanRole(); role != "" {
		t.Errorf("plan role = %v, want none", role)
	}
}

func TestMutate_EUCurrencyMismatchForbidden(t *testing.T) {
	user := testUser()
	user.Tax = &defaultTaxResult().Record
	users := newFakeUsers(user)
	processor := newFakeProcessor(basePlan())
	fx := newFixture(testConfig(), users, processor)

	plan := "pro_taxfree_USD"
	_, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "customers.update",
		Args:   &Args{Plan: &plan, Source: "tok_visa", CurrencyCode: "USD"},
	})
	if apierrors.AsAPIError(err).StatusCode != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
	if processor.called("CreateCustomer") || processor.called("CreateSubscription") {
		t.Error("currency guard must fire before processor mutations")
	}
}

func TestMutate_SamePlanIsIdempotent(t *testing.T) {
	user := testUser()
	user.Billing = models.BillingInfo{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Plan:           "pro_20tax_EUR",
	}
	user.Roles = []string{"confirmed", "stripe:plan:pro_20tax_EUR"}
	user.Tax = &defaultTaxResult().Record
	users := newFakeUsers(user)
	processor := newFakeProcessor(basePlan(), models.CatalogPlan{ID: "pro_20tax_EUR", Amount: 833, Currency: "EUR"})
	fx := newFixture(testConfig(), users, processor)

	plan := "pro_taxfree_USD"
	_, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "customers.updateSubscription",
		Args:   &Args{Plan: &plan},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if processor.called("CreateSubscription") || processor.called("UpdateSubscription") || processor.called("CancelSubscription") {
		t.Error("no subscription mutation for an unchanged plan")
	}
	if users.updateCalls != 0 {
		t.Errorf("updateCalls = %v, want 0 for a no-op", users.updateCalls)
	}
}

func TestMutate_CreateTwiceForbidden(t *testing.T) {
	user := testUser()
	user.Billing.CustomerID = "cus_1"
	users := newFakeUsers(user)
	processor := newFakeProcessor(basePlan())
	fx := newFixture(testConfig(), users, processor)

	_, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "customers.create",
		Args:   &Args{Source: "tok_visa"},
	})
	if apierrors.AsAPIError(err).StatusCode != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestMutate_SubscriptionFailureKeepsCustomerLink(t *testing.T) {
	users := newFakeUsers(testUser())
	processor := newFakeProcessor(basePlan())
	processor.createSubscriptionFunc = func(ctx context.Context, customerID string, params payment.SubscriptionParams) (*payment.Subscription, error) {
		return nil, apierrors.NewUpstreamError(402, "Your card was declined.")
	}
	fx := newFixture(testConfig(), users, processor)

	plan := "pro_taxfree_USD"
	_, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "customers.update",
		Args:   &Args{Plan: &plan, Source: "tok_visa"},
	})
	apiErr := apierrors.AsAPIError(err)
	if apiErr.StatusCode != 402 {
		t.Fatalf("expected upstream 402, got %v", err)
	}
	if apiErr.Message != "Your card was declined." {
		t.Errorf("Message = %v, want upstream text verbatim", apiErr.Message)
	}

	// The customer was created before the failure; its link must survive.
	record := users.records["user-1"]
	if record.Billing.CustomerID != "cus_test" {
		t.Errorf("CustomerID = %v, want cus_test after partial persist", record.Billing.CustomerID)
	}
	if record.Billing.SubscriptionID != "" {
		t.Errorf("SubscriptionID = %v, want empty", record.Billing.SubscriptionID)
	}
}

func TestRetrieve_NotACustomerForbidden(t *testing.T) {
	users := newFakeUsers(testUser())
	processor := newFakeProcessor()
	fx := newFixture(testConfig(), users, processor)

	_, err := fx.orchestrator.Handle(context.Background(), &Request{Method: "customers.retrieve"})
	if apierrors.AsAPIError(err).StatusCode != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestRetrieve_WithCharges(t *testing.T) {
	user := testUser()
	user.Billing.CustomerID = "cus_1"
	users := newFakeUsers(user)
	processor := newFakeProcessor()
	fx := newFixture(testConfig(), users, processor)

	reply, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "customers.retrieve",
		Args:   &Args{IncludeCharges: true},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	withCharges, ok := reply.(*customerWithCharges)
	if !ok {
		t.Fatalf("reply type = %T, want *customerWithCharges", reply)
	}
	if withCharges.Customer.ID != "cus_1" {
		t.Errorf("customer ID = %v, want cus_1", withCharges.Customer.ID)
	}
	if len(withCharges.Charges) != 1 {
		t.Errorf("charges = %v, want 1", len(withCharges.Charges))
	}
}

func TestUpcomingInvoice_CreatesBareCustomer(t *testing.T) {
	users := newFakeUsers(testUser())
	processor := newFakeProcessor(basePlan())
	fx := newFixture(testConfig(), users, processor)

	_, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "invoices.retrieveUpcoming",
		Args:   &Args{},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !processor.called("CreateCustomer") {
		t.Error("expected bare customer creation")
	}
	record := users.records["user-1"]
	if record.Billing.CustomerID != "cus_test" {
		t.Errorf("CustomerID = %v, want cus_test", record.Billing.CustomerID)
	}
	if record.Billing.Plan != models.FreePlan {
		t.Errorf("Plan = %v, want %v", record.Billing.Plan, models.FreePlan)
	}
}

func TestBuyCredits(t *testing.T) {
	users := newFakeUsers(testUser())
	processor := newFakeProcessor()
	var charge payment.CreditChargeParams
	processor.createCreditChargeFunc = func(ctx context.Context, params payment.CreditChargeParams) (string, error) {
		charge = params
		return "ch_test", nil
	}
	fx := newFixture(testConfig(), users, processor)

	reply, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "credits.buy",
		Args:   &Args{Credits: 5, Source: "tok_visa", CurrencyCode: "EUR"},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	credits := reply.(*CreditsReply)
	if credits.Credits != 5 {
		t.Errorf("Credits = %v, want 5", credits.Credits)
	}
	if charge.Amount != 500 {
		t.Errorf("charge amount = %v, want 500", charge.Amount)
	}
	if charge.Currency != "eur" {
		t.Errorf("charge currency = %v, want eur", charge.Currency)
	}
	if charge.Reference == "" {
		t.Error("expected a charge reference")
	}
	if processor.metadata["credits"] != "5" {
		t.Errorf("stored balance = %v, want 5", processor.metadata["credits"])
	}
}

func TestBuyCredits_RequiresSourceForNewCustomer(t *testing.T) {
	users := newFakeUsers(testUser())
	processor := newFakeProcessor()
	fx := newFixture(testConfig(), users, processor)

	_, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "credits.buy",
		Args:   &Args{Credits: 5},
	})
	if apierrors.AsAPIError(err).StatusCode != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
	if processor.called("CreateCreditCharge") {
		t.Error("no charge may be placed without a source")
	}
}

func TestSpendCredits_OverdrawReturnsPriorBalance(t *testing.T) {
	user := testUser()
	user.Billing.CustomerID = "cus_1"
	users := newFakeUsers(user)
	processor := newFakeProcessor()
	processor.metadata["credits"] = "4"
	fx := newFixture(testConfig(), users, processor)

	reply, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "credits.spend",
		Args:   &Args{Credits: 5},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	credits := reply.(*CreditsReply)
	if credits.Credits != 4 {
		t.Errorf("Credits = %v, want prior balance 4", credits.Credits)
	}
	if processor.metadata["credits"] != "4" {
		t.Errorf("stored balance = %v, want untouched 4", processor.metadata["credits"])
	}
}

func TestSpendCredits_DebitsBalance(t *testing.T) {
	user := testUser()
	user.Billing.CustomerID = "cus_1"
	users := newFakeUsers(user)
	processor := newFakeProcessor()
	processor.metadata["credits"] = "4"
	fx := newFixture(testConfig(), users, processor)

	reply, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "credits.spend",
		Args:   &Args{Credits: 3},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if credits := reply.(*CreditsReply); credits.Credits != 1 {
		t.Errorf("Credits = %v, want 1", credits.Credits)
	}
}

func TestUsernamesExist(t *testing.T) {
	users := newFakeUsers(testUser())
	fx := newFixture(testConfig(), users, newFakeProcessor())

	reply, err := fx.orchestrator.Handle(context.Background(), &Request{
		Method: "usernames.exist",
		Args:   &Args{Username: "pat@example.com"},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !reply.(*ExistsReply).Exists {
		t.Error("expected username to exist")
	}

	reply, err = fx.orchestrator.Handle(context.Background(), &Request{
		Method: "usernames.exist",
		Args:   &Args{Username: "nobody"},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if reply.(*ExistsReply).Exists {
		t.Error("expected username to be free")
	}
}

func TestHandle_UnknownMethod(t *testing.T) {
	fx := newFixture(testConfig(), newFakeUsers(), newFakeProcessor())

	_, err := fx.orchestrator.Handle(context.Background(), &Request{Method: "customers.destroy"})
	if apierrors.AsAPIError(err).StatusCode != 400 {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandle_Ping(t *testing.T) {
	fx := newFixture(testConfig(), newFakeUsers(), newFakeProcessor())

	reply, err := fx.orchestrator.Handle(context.Background(), &Request{Method: "ping"})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if reply != "pong" {
		t.Errorf("reply = %v, want pong", reply)
	}
}
