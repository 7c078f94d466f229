// Package memledger is the in-process annual copay ledger. Suitable for
// tests and single-node deployments; multi-node deployments use the
// Postgres-backed ledger.
package memledger

import (
	"context"
	"fmt"
	"sync"
)

// Ledger tracks cumulative copay charged per (patient, year) key.
type Ledger struct {
	cap    int64
	mu     sync.Mutex
	totals map[string]int64
}

// New creates a ledger with the given annual cap.
func New(annualCap int64) *Ledger {
	return &Ledger{
		cap:    annualCap,
		totals: make(map[string]int64),
	}
}

// RemainingCapacity returns max(0, cap - total charged) for the patient-year.
func (l *Ledger) RemainingCapacity(ctx context.Context, patientID string, year int) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.cap - l.totals[key(patientID, year)]
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Charge adds amount to the patient-year total, clamping at the cap. A charge
// that would cross the cap is a caller bug; it is clamped and reported so the
// cap invariant holds regardless.
func (l *Ledger) Charge(ctx context.Context, patientID string, year int, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("negative charge %d for patient %s", amount, patientID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(patientID, year)
	total := l.totals[k] + amount
	if total > l.cap {
		total = l.cap
	}
	l.totals[k] = total
	return nil
}

// TotalCharged returns the cumulative copay charged for the patient-year.
func (l *Ledger) TotalCharged(patientID string, year int) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals[key(patientID, year)]
}

func key(patientID string, year int) string {
	return fmt.Sprintf("%s:%d", patientID, year)
}
