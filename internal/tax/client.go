// Package tax provides a typed client for the tax-calculation service.
package tax

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/appback/billing/internal/models"
	apierrors "github.com/appback/billing/internal/pkg/errors"
)

// placeholderLineID marks the placeholder transaction line. The tax service
// keys line updates off it, so it must survive round trips.
const placeholderLineID = "dontRemoveThisProp"

// Address is a buyer invoice address.
type Address struct {
	StreetName string `json:"street_name,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Region     string `json:"region,omitempty"`
	Country    string `json:"country,omitempty"`
}

// CreateParams describes a new placeholder transaction. The amounts carried
// on the line are irrelevant; only the resolved rate and region matter.
type CreateParams struct {
	CurrencyCode     string
	Description      string
	BuyerEmail       string
	BuyerName        string
	BuyerTaxNumber   string
	BuyerIP          string
	CardPrefix       string
	ForceCountryCode string
	InvoiceAddress   *Address

	// TaxDeducted may only be forced by requests against a test-mode
	// processor key.
	TaxDeducted bool
	// UniversalPricing selects the B2C total-amount line shape.
	UniversalPricing bool
}

// UpdateParams describes an in-place update of an existing transaction.
// Everything else on the transaction is immutable after creation.
type UpdateParams struct {
	BuyerName      string
	BuyerTaxNumber string
	InvoiceAddress *Address
}

// Result is the resolved tax context returned by the service.
type Result struct {
	Record       models.TaxRecord
	CurrencyCode string
}

// Client creates and updates tax transactions.
type Client interface {
	CreateTransaction(ctx context.Context, params CreateParams) (*Result, error)
	UpdateTransaction(ctx context.Context, key string, params UpdateParams) (*Result, error)
}

type client struct {
	baseURL    string
	privateKey string
	httpClient *http.Client
}

// NewClient creates a tax service client. The timeout bounds every call; the
// tax service sits on the critical path of customer mutations.
func NewClient(baseURL, privateKey string, timeout time.Duration) Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &client{
		baseURL:    baseURL,
		privateKey: privateKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type wireLine struct {
	CustomID    string  `json:"custom_id"`
	Amount      *int64  `json:"amount,omitempty"`
	TotalAmount *int64  `json:"total_amount,omitempty"`
	TaxRate     float64 `json:"tax_rate,omitempty"`
}

type wireTransaction struct {
	TransactionLines   []wireLine `json:"transaction_lines,omitempty"`
	CurrencyCode       string     `json:"currency_code,omitempty"`
	Description        string     `json:"description,omitempty"`
	Status             string     `json:"status,omitempty"`
	BuyerEmail         string     `json:"buyer_email,omitempty"`
	BuyerName          string     `json:"buyer_name,omitempty"`
	BuyerTaxNumber     string     `json:"buyer_tax_number,omitempty"`
	BuyerIP            string     `json:"buyer_ip,omitempty"`
	BuyerCardPrefix    string     `json:"buyer_credit_card_prefix,omitempty"`
	ForceCountryCode   string     `json:"force_country_code,omitempty"`
	InvoiceAddress     *Address   `json:"invoice_address,omitempty"`
	TaxDeducted        bool       `json:"tax_deducted,omitempty"`
	Key                string     `json:"key,omitempty"`
	TaxRegion          string     `json:"tax_region,omitempty"`
	TaxCountryCode     string     `json:"tax_country_code,omitempty"`
	BillingCountryCode string     `json:"billing_country_code,omitempty"`
}

type wireEnvelope struct {
	Transaction wireTransaction `json:"transaction"`
}

// CreateTransaction creates a placeholder transaction and returns the
// resolved tax context.
func (c *client) CreateTransaction(ctx context.Context, params CreateParams) (*Result, error) {
	var zero int64
	line := wireLine{CustomID: placeholderLineID, Amount: &zero}
	if params.UniversalPricing && params.BuyerTaxNumber == "" && !params.TaxDeducted {
		// universal pricing only applies to B2C transactions
		line.Amount = nil
		line.TotalAmount = &zero
	}

	currency := params.CurrencyCode
	if currency == "" {
		// the currency of the placeholder transaction is irrelevant
		currency = "USD"
	}
	description := params.Description
	if description == "" {
		description = "Subscription"
	}

	tx := wireTransaction{
		TransactionLines: []wireLine{line},
		CurrencyCode:     currency,
		Description:      description,
		Status:           "C",
		BuyerEmail:       params.BuyerEmail,
		BuyerName:        params.BuyerName,
		BuyerTaxNumber:   params.BuyerTaxNumber,
		BuyerIP:          params.BuyerIP,
		BuyerCardPrefix:  params.CardPrefix,
		ForceCountryCode: params.ForceCountryCode,
		InvoiceAddress:   params.InvoiceAddress,
		TaxDeducted:      params.TaxDeducted,
	}

	return c.send(ctx, http.MethodPost, "/transactions", tx)
}

// UpdateTransaction updates an existing transaction in place by key.
func (c *client) UpdateTransaction(ctx context.Context, key string, params UpdateParams) (*Result, error) {
	tx := wireTransaction{
		BuyerName:      params.BuyerName,
		BuyerTaxNumber: params.BuyerTaxNumber,
		InvoiceAddress: params.InvoiceAddress,
	}
	return c.send(ctx, http.MethodPut, "/transactions/"+key, tx)
}

func (c *client) send(ctx context.Context, method, path string, tx wireTransaction) (*Result, error) {
	payload, err := json.Marshal(wireEnvelope{Transaction: tx})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tax transaction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create tax request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Private-Token", c.privateKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, apierrors.ErrUpstreamUnavailable.WithMessage("Tax service timed out")
		}
		return nil, apierrors.ErrUpstreamUnavailable.WithMessage("Tax service unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tax response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, apierrors.NewUpstreamError(resp.StatusCode, upstreamMessage(resp, body))
	}

	var envelope wireEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode tax response: %w", err)
	}

	result := &Result{
		Record: models.TaxRecord{
			Key:         envelope.Transaction.Key,
			Region:      envelope.Transaction.TaxRegion,
			CountryCode: envelope.Transaction.TaxCountryCode,
			TaxDeducted: envelope.Transaction.TaxDeducted,
		},
		CurrencyCode: envelope.Transaction.CurrencyCode,
	}
	if n := envelope.Transaction.BuyerTaxNumber; n != "" {
		result.Record.TaxNumber = &n
	}
	if n := envelope.Transaction.BillingCountryCode; n != "" {
		result.Record.BillingCountryCode = &n
	}
	if len(envelope.Transaction.TransactionLines) > 0 {
		result.Record.Rate = envelope.Transaction.TransactionLines[0].TaxRate
	}
	return result, nil
}

// upstreamMessage extracts an error message from a tax service failure,
// falling back to the HTTP status text.
func upstreamMessage(resp *http.Response, body []byte) string {
	var payload struct {
		Errors  []string `json:"errors"`
		Message string   `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if len(payload.Errors) > 0 {
			return payload.Errors[0]
		}
	}
	return resp.Status
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}
