package memledger

import (
	"context"
	"sync"
	"testing"
)

func TestRemainingCapacity(t *testing.T) {
	l := New(1_000_000)
	ctx := context.Background()

	remaining, err := l.RemainingCapacity(ctx, "PAT-001", 2025)
	if err != nil {
		t.Fatalf("RemainingCapacity failed: %v", err)
	}
	if remaining != 1_000_000 {
		t.Errorf("expected full capacity, got %d", remaining)
	}

	if err := l.Charge(ctx, "PAT-001", 2025, 50_000); err != nil {
		t.Fatalf("Charge failed: %v", err)
	}

	remaining, _ = l.RemainingCapacity(ctx, "PAT-001", 2025)
	if remaining != 950_000 {
		t.Errorf("expected 950000 remaining, got %d", remaining)
	}
}

func TestChargeClampsAtCap(t *testing.T) {
	l := New(100_000)
	ctx := context.Background()

	if err := l.Charge(ctx, "PAT-001", 2025, 80_000); err != nil {
		t.Fatalf("Charge failed: %v", err)
	}
	if err := l.Charge(ctx, "PAT-001", 2025, 80_000); err != nil {
		t.Fatalf("Charge failed: %v", err)
	}

	if got := l.TotalCharged("PAT-001", 2025); got != 100_000 {
		t.Errorf("expected total clamped at cap, got %d", got)
	}
	remaining, _ := l.RemainingCapacity(ctx, "PAT-001", 2025)
	if remaining != 0 {
		t.Errorf("expected no remaining capacity, got %d", remaining)
	}
}

func TestChargeRejectsNegativeAmount(t *testing.T) {
	l := New(100_000)
	if err := l.Charge(context.Background(), "PAT-001", 2025, -1); err == nil {
		t.Fatal("expected an error for a negative charge")
	}
}

func TestYearsAreIndependent(t *testing.T) {
	l := New(100_000)
	ctx := context.Background()

	if err := l.Charge(ctx, "PAT-001", 2024, 100_000); err != nil {
		t.Fatalf("Charge failed: %v", err)
	}

	remaining, _ := l.RemainingCapacity(ctx, "PAT-001", 2025)
	if remaining != 100_000 {
		t.Errorf("a new year starts with full capacity, got %d", remaining)
	}
}

func TestPatientsAreIndependent(t *testing.T) {
	l := New(100_000)
	ctx := context.Background()

	if err := l.Charge(ctx, "PAT-001", 2025, 100_000); err != nil {
		t.Fatalf("Charge failed: %v", err)
	}

	remaining, _ := l.RemainingCapacity(ctx, "PAT-002", 2025)
	if remaining != 100_000 {
		t.Errorf("another patient keeps full capacity, got %d", remaining)
	}
}

func TestConcurrentChargesNeverExceedCap(t *testing.T) {
	l := New(1_000_000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Charge(ctx, "PAT-001", 2025, 50_000)
		}()
	}
	wg.Wait()

	if got := l.TotalCharged("PAT-001", 2025); got != 1_000_000 {
		t.Errorf("expected total clamped at cap, got %d", got)
	}
}
