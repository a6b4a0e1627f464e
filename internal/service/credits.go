package service

import (
	"context"
	"strconv"

	"github.com/appback/billing/internal/payment"
)

const creditsMetadataKey = "credits"

// CreditsLedger tracks per-customer prepaid credit balances. The balance is
// stored as customer metadata at the payment processor, so the processor
// dashboard stays the single source of truth.
type CreditsLedger struct {
	processor payment.Processor
}

// NewCreditsLedger creates a ledger backed by processor customer metadata.
func NewCreditsLedger(processor payment.Processor) *CreditsLedger {
	return &CreditsLedger{processor: processor}
}

// Balance returns the current balance for a customer. A customer with no
// recorded balance has zero credits.
func (l *CreditsLedger) Balance(ctx context.Context, customerID string) (int64, error) {
	customer, err := l.processor.RetrieveCustomer(ctx, customerID)
	if err != nil {
		return 0, err
	}
	return parseBalance(customer.Metadata), nil
}

// Credit adds amount credits to the customer's balance and returns the new
// balance.
func (l *CreditsLedger) Credit(ctx context.Context, customerID string, amount int64) (int64, error) {
	balance, err := l.Balance(ctx, customerID)
	if err != nil {
		return 0, err
	}
	updated := balance + amount
	if err := l.write(ctx, customerID, updated); err != nil {
		return 0, err
	}
	return updated, nil
}

// Debit subtracts amount credits from the customer's balance. The balance
// never goes negative: a debit that would overdraw is dropped and the prior
// balance is returned with ok=false.
func (l *CreditsLedger) Debit(ctx context.Context, customerID string, amount int64) (balance int64, ok bool, err error) {
	balance, err = l.Balance(ctx, customerID)
	if err != nil {
		return 0, false, err
	}
	updated := balance - amount
	if updated < 0 {
		return balance, false, nil
	}
	if err := l.write(ctx, customerID, updated); err != nil {
		return 0, false, err
	}
	return updated, true, nil
}

func (l *CreditsLedger) write(ctx context.Context, customerID string, balance int64) error {
	return l.processor.UpdateCustomerMetadata(ctx, customerID, map[string]string{
		creditsMetadataKey: strconv.FormatInt(balance, 10),
	})
}

func parseBalance(metadata map[string]string) int64 {
	raw, ok := metadata[creditsMetadataKey]
	if !ok {
		return 0
	}
	balance, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return balance
}
