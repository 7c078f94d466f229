// Package billing computes patient copays and insurance coverage for
// finalized medical orders.
package billing

import (
	"context"
	"time"

	"github.com/clinovia/go-omb/internal/domain/order"
)

// InvoiceLine is one billed line of an invoice.
type InvoiceLine struct {
	Description string         `json:"description"`
	Amount      int64          `json:"amount"`
	ItemType    order.ItemKind `json:"item_type"`
}

// Invoice is the billing outcome for one order. Created exactly once per
// order and immutable thereafter. copay + insuranceCoverage == subtotal
// always holds.
type Invoice struct {
	InvoiceID         string        `json:"invoice_id"`
	OrderNumber       string        `json:"order_number"`
	PatientID         string        `json:"patient_id"`
	PatientName       string        `json:"patient_name"`
	DoctorID          string        `json:"doctor_id"`
	Lines             []InvoiceLine `json:"lines"`
	Subtotal          int64         `json:"subtotal"`
	Copay             int64         `json:"copay"`
	InsuranceCoverage int64         `json:"insurance_coverage"`
	GeneratedAt       time.Time     `json:"generated_at"`
}

// CopayCharge is the ledger debit paired with a covered invoice.
type CopayCharge struct {
	PatientID string
	Year      int
	Amount    int64
}

// InvoiceRepository persists invoices. Save must apply the copay charge (when
// present) atomically with the invoice: both happen or neither does.
type InvoiceRepository interface {
	NextInvoiceID(ctx context.Context) (string, error)
	Save(ctx context.Context, inv *Invoice, charge *CopayCharge) error
}

// Ledger tracks cumulative copay charged per patient per calendar year.
type Ledger interface {
	// RemainingCapacity returns max(0, annual cap - total charged so far).
	RemainingCapacity(ctx context.Context, patientID string, year int) (int64, error)
	// Charge adds amount to the year's total. Implementations clamp at the
	// cap to catch programming errors; callers must respect the capacity
	// they last queried.
	Charge(ctx context.Context, patientID string, year int, amount int64) error
}
