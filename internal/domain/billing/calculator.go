package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clinovia/go-omb/internal/catalog"
	"github.com/clinovia/go-omb/internal/domain/insurance"
	"github.com/clinovia/go-omb/internal/domain/order"
	"github.com/clinovia/go-omb/internal/domain/patient"
)

// Config holds the billing policy constants. Injected so tests can override.
type Config struct {
	// StandardCopay is the copay charged per covered invoice.
	StandardCopay int64
	// AnnualCap is the maximum cumulative copay per patient per calendar year.
	AnnualCap int64
}

// DefaultConfig returns the current policy constants.
func DefaultConfig() Config {
	return Config{
		StandardCopay: 50_000,
		AnnualCap:     1_000_000,
	}
}

// ErrOrderNotFinalized indicates billing was requested for an open order.
var ErrOrderNotFinalized = errors.New("order is not finalized")

// Calculator generates invoices for finalized orders.
//
// Known policy quirk, preserved on purpose: the copay is min(standard copay,
// remaining annual capacity) and is NOT capped by the order subtotal, so a
// cheap order can carry a copay above its own subtotal and a negative
// insurance coverage. Changing this changes observable billing behavior.
type Calculator struct {
	cfg      Config
	patients patient.Repository
	invoices InvoiceRepository
	ledger   Ledger
	catalogs catalog.Resolver
	logger   *zap.Logger

	// serializes the capacity read + charge per (patient, year)
	locks keyedMutex
}

// NewCalculator creates a new calculator
func NewCalculator(cfg Config, patients patient.Repository, invoices InvoiceRepository, ledger Ledger, catalogs catalog.Resolver, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{
		cfg:      cfg,
		patients: patients,
		invoices: invoices,
		ledger:   ledger,
		catalogs: catalogs,
		logger:   logger,
	}
}

// Config returns the policy constants the calculator runs with.
func (c *Calculator) Config() Config { return c.cfg }

// Generate produces the invoice for a finalized order and persists it
// together with the ledger charge. Concurrent calls for the same patient in
// the same year serialize on the ledger read-modify-write.
func (c *Calculator) Generate(ctx context.Context, o *order.Order, refDate time.Time) (*Invoice, error) {
	if !o.Finalized() {
		return nil, ErrOrderNotFinalized
	}

	h := o.Header()
	pat, err := c.patients.FindByID(ctx, h.PatientID)
	if err != nil {
		return nil, err
	}

	lines, subtotal, err := c.buildLines(ctx, o)
	if err != nil {
		return nil, err
	}

	elig := insurance.Evaluate(pat.Policy, refDate)

	year := refDate.Year()
	var copay int64
	var charge *CopayCharge

	if !elig.Active {
		// no insurance or lapsed policy: the patient bears the full cost
		copay = subtotal
	} else {
		unlock := c.locks.lock(ledgerKey(h.PatientID, year))
		defer unlock()

		remaining, err := c.ledger.RemainingCapacity(ctx, h.PatientID, year)
		if err != nil {
			return nil, fmt.Errorf("ledger capacity: %w", err)
		}

		copay = c.cfg.StandardCopay
		if remaining < copay {
			copay = remaining
		}
		charge = &CopayCharge{PatientID: h.PatientID, Year: year, Amount: copay}
	}

	invoiceID, err := c.invoices.NextInvoiceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("next invoice id: %w", err)
	}

	inv := &Invoice{
		InvoiceID:         invoiceID,
		OrderNumber:       h.OrderNumber,
		PatientID:         pat.ID,
		PatientName:       pat.Name,
		DoctorID:          h.DoctorID,
		Lines:             lines,
		Subtotal:          subtotal,
		Copay:             copay,
		InsuranceCoverage: subtotal - copay,
		GeneratedAt:       time.Now().UTC(),
	}

	if err := c.invoices.Save(ctx, inv, charge); err != nil {
		return nil, fmt.Errorf("save invoice: %w", err)
	}

	c.logger.Info("invoice generated",
		zap.String("invoice_id", inv.InvoiceID),
		zap.String("order_number", inv.OrderNumber),
		zap.String("patient_id", inv.PatientID),
		zap.Int64("subtotal", inv.Subtotal),
		zap.Int64("copay", inv.Copay),
		zap.Bool("covered", charge != nil),
	)

	return inv, nil
}

func (c *Calculator) buildLines(ctx context.Context, o *order.Order) ([]InvoiceLine, int64, error) {
	items := o.Items()
	lines := make([]InvoiceLine, 0, len(items))
	var subtotal int64

	for _, it := range items {
		entry, err := c.catalogs.Resolve(ctx, it.Kind, it.CatalogID)
		if err != nil {
			return nil, 0, fmt.Errorf("item %d: %w", it.Number, err)
		}
		lines = append(lines, InvoiceLine{
			Description: entry.Name,
			Amount:      it.Cost,
			ItemType:    it.Kind,
		})
		subtotal += it.Cost
	}
	return lines, subtotal, nil
}

func ledgerKey(patientID string, year int) string {
	return fmt.Sprintf("%s:%d", patientID, year)
}

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
