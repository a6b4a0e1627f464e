package service

import (
	"context"
	"testing"
)

func TestLedger_BalanceDefaultsToZero(t *testing.T) {
	ledger := NewCreditsLedger(newFakeProcessor())

	balance, err := ledger.Balance(context.Background(), "cus_1")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance != 0 {
		t.Errorf("balance = %v, want 0", balance)
	}
}

func TestLedger_BalanceIgnoresGarbageMetadata(t *testing.T) {
	processor := newFakeProcessor()
	processor.metadata["credits"] = "not-a-number"
	ledger := NewCreditsLedger(processor)

	balance, err := ledger.Balance(context.Background(), "cus_1")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance != 0 {
		t.Errorf("balance = %v, want 0", balance)
	}
}

func TestLedger_CreditAccumulates(t *testing.T) {
	processor := newFakeProcessor()
	ledger := NewCreditsLedger(processor)

	if _, err := ledger.Credit(context.Background(), "cus_1", 5); err != nil {
		t.Fatalf("Credit() error = %v", err)
	}
	balance, err := ledger.Credit(context.Background(), "cus_1", 3)
	if err != nil {
		t.Fatalf("Credit() error = %v", err)
	}
	if balance != 8 {
		t.Errorf("balance = %v, want 8", balance)
	}
	if processor.metadata["credits"] != "8" {
		t.Errorf("stored balance = %v, want 8", processor.metadata["credits"])
	}
}

func TestLedger_DebitFloorsAtZero(t *testing.T) {
	processor := newFakeProcessor()
	processor.metadata["credits"] = "4"
	ledger := NewCreditsLedger(processor)

	balance, ok, err := ledger.Debit(context.Background(), "cus_1", 5)
	if err != nil {
		t.Fatalf("Debit() error = %v", err)
	}
	if ok {
		t.Error("overdraw must report ok=false")
	}
	if balance != 4 {
		t.Errorf("balance = %v, want prior 4", balance)
	}

	balance, ok, err = ledger.Debit(context.Background(), "cus_1", 4)
	if err != nil {
		t.Fatalf("Debit() error = %v", err)
	}
	if !ok || balance != 0 {
		t.Errorf("balance = %v ok = %v, want 0 true", balance, ok)
	}
}
