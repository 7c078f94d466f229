package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/clinovia/go-omb/internal/catalog"
	"github.com/clinovia/go-omb/internal/domain/insurance"
	"github.com/clinovia/go-omb/internal/domain/order"
	"github.com/clinovia/go-omb/internal/domain/patient"
	"github.com/clinovia/go-omb/internal/ledger/memledger"
)

type fakePatients struct {
	patients map[string]*patient.Patient
}

func (f *fakePatients) FindByID(_ context.Context, id string) (*patient.Patient, error) {
	p, ok := f.patients[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	return p, nil
}

// fakeInvoices applies the copay charge together with the save, matching the
// transactional pairing the Postgres store provides.
type fakeInvoices struct {
	mu      sync.Mutex
	ledger  *memledger.Ledger
	next    int
	saved   []*Invoice
	charges []*CopayCharge
}

func (f *fakeInvoices) NextInvoiceID(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return fmt.Sprintf("INV-%08d", f.next), nil
}

func (f *fakeInvoices) Save(ctx context.Context, inv *Invoice, charge *CopayCharge) error {
	if charge != nil {
		if err := f.ledger.Charge(ctx, charge.PatientID, charge.Year, charge.Amount); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, inv)
	f.charges = append(f.charges, charge)
	return nil
}

type fakeCatalog struct{}

func (fakeCatalog) Resolve(_ context.Context, _ order.ItemKind, catalogID string) (*catalog.Entry, error) {
	return &catalog.Entry{CatalogID: catalogID, Name: "Item " + catalogID}, nil
}

type fixture struct {
	calc     *Calculator
	ledger   *memledger.Ledger
	invoices *fakeInvoices
}

func newFixture(t *testing.T, patients map[string]*patient.Patient) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	ledger := memledger.New(cfg.AnnualCap)
	invoices := &fakeInvoices{ledger: ledger}
	calc := NewCalculator(cfg, &fakePatients{patients: patients}, invoices, ledger, fakeCatalog{}, nil)
	return &fixture{calc: calc, ledger: ledger, invoices: invoices}
}

func coveredPatient(id string) *patient.Patient {
	end := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	return &patient.Patient{
		ID:   id,
		Name: "Jordan Reyes",
		Policy: &insurance.Policy{
			Company:      "AXA",
			PolicyNumber: "POL-" + id,
			Active:       true,
			EndDate:      &end,
		},
	}
}

func finalizedOrder(t *testing.T, orderNumber, patientID string, costs ...int64) *order.Order {
	t.Helper()
	o, err := order.New(order.Header{
		OrderNumber: orderNumber,
		PatientID:   patientID,
		DoctorID:    "DOC-042",
		Date:        time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i, cost := range costs {
		item := order.NewMedicationItem(i+1, fmt.Sprintf("MED-%03d", i+1), cost, "1 tab", "7 days")
		if err := o.AddItem(item); err != nil {
			t.Fatalf("AddItem failed: %v", err)
		}
	}
	if err := o.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	return o
}

var refDate = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func TestGenerateCoveredPatient(t *testing.T) {
	fx := newFixture(t, map[string]*patient.Patient{"PAT-001": coveredPatient("PAT-001")})
	o := finalizedOrder(t, "100001", "PAT-001", 80_000, 50_000)

	inv, err := fx.calc.Generate(context.Background(), o, refDate)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if inv.Subtotal != 130_000 {
		t.Errorf("expected subtotal 130000, got %d", inv.Subtotal)
	}
	if inv.Copay != 50_000 {
		t.Errorf("expected copay 50000, got %d", inv.Copay)
	}
	if inv.InsuranceCoverage != 80_000 {
		t.Errorf("expected coverage 80000, got %d", inv.InsuranceCoverage)
	}
	if inv.Copay+inv.InsuranceCoverage != inv.Subtotal {
		t.Error("copay plus coverage must equal subtotal")
	}
	if len(inv.Lines) != 2 {
		t.Errorf("expected 2 lines, got %d", len(inv.Lines))
	}

	if got := fx.ledger.TotalCharged("PAT-001", 2025); got != 50_000 {
		t.Errorf("expected 50000 charged, got %d", got)
	}
	if len(fx.invoices.charges) != 1 || fx.invoices.charges[0] == nil {
		t.Fatal("expected the save to carry a copay charge")
	}
}

func TestGenerateUninsuredPatient(t *testing.T) {
	fx := newFixture(t, map[string]*patient.Patient{
		"PAT-002": {ID: "PAT-002", Name: "Sam Okafor"},
	})
	o := finalizedOrder(t, "100002", "PAT-002", 80_000, 50_000)

	inv, err := fx.calc.Generate(context.Background(), o, refDate)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if inv.Copay != 130_000 {
		t.Errorf("uninsured patient bears the full subtotal, got copay %d", inv.Copay)
	}
	if inv.InsuranceCoverage != 0 {
		t.Errorf("expected no coverage, got %d", inv.InsuranceCoverage)
	}
	if got := fx.ledger.TotalCharged("PAT-002", 2025); got != 0 {
		t.Errorf("uninsured billing must not touch the ledger, got %d", got)
	}
	if fx.invoices.charges[0] != nil {
		t.Error("expected no copay charge for an uninsured patient")
	}
}

func TestGenerateLapsedPolicy(t *testing.T) {
	end := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	fx := newFixture(t, map[string]*patient.Patient{
		"PAT-003": {
			ID:   "PAT-003",
			Name: "Ana Duarte",
			Policy: &insurance.Policy{
				Company: "AXA", PolicyNumber: "POL-3", Active: true, EndDate: &end,
			},
		},
	})
	o := finalizedOrder(t, "100003", "PAT-003", 200_000)

	inv, err := fx.calc.Generate(context.Background(), o, refDate)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if inv.Copay != 200_000 || inv.InsuranceCoverage != 0 {
		t.Errorf("lapsed policy bills like uninsured, got copay %d coverage %d", inv.Copay, inv.InsuranceCoverage)
	}
}

func TestGenerateNearAnnualCap(t *testing.T) {
	fx := newFixture(t, map[string]*patient.Patient{"PAT-004": coveredPatient("PAT-004")})

	// 970000 already charged this year leaves 30000 of capacity
	if err := fx.ledger.Charge(context.Background(), "PAT-004", 2025, 970_000); err != nil {
		t.Fatalf("seed charge failed: %v", err)
	}

	o := finalizedOrder(t, "100004", "PAT-004", 120_000)
	inv, err := fx.calc.Generate(context.Background(), o, refDate)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if inv.Copay != 30_000 {
		t.Errorf("expected copay clamped to 30000, got %d", inv.Copay)
	}
	if inv.InsuranceCoverage != 90_000 {
		t.Errorf("expected coverage 90000, got %d", inv.InsuranceCoverage)
	}
	if got := fx.ledger.TotalCharged("PAT-004", 2025); got != 1_000_000 {
		t.Errorf("expected ledger at cap, got %d", got)
	}
}

func TestGenerateCapExhausted(t *testing.T) {
	fx := newFixture(t, map[string]*patient.Patient{"PAT-005": coveredPatient("PAT-005")})
	if err := fx.ledger.Charge(context.Background(), "PAT-005", 2025, 1_000_000); err != nil {
		t.Fatalf("seed charge failed: %v", err)
	}

	o := finalizedOrder(t, "100005", "PAT-005", 120_000)
	inv, err := fx.calc.Generate(context.Background(), o, refDate)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if inv.Copay != 0 {
		t.Errorf("expected zero copay at the cap, got %d", inv.Copay)
	}
	if inv.InsuranceCoverage != 120_000 {
		t.Errorf("expected full coverage, got %d", inv.InsuranceCoverage)
	}
}

func TestGenerateCopayExceedsSubtotal(t *testing.T) {
	// The copay is min(standard copay, remaining capacity) and is not capped
	// by the subtotal. A cheap order carries the full standard copay and the
	// coverage goes negative; copay + coverage == subtotal still holds.
	fx := newFixture(t, map[string]*patient.Patient{"PAT-006": coveredPatient("PAT-006")})
	o := finalizedOrder(t, "100006", "PAT-006", 20_000)

	inv, err := fx.calc.Generate(context.Background(), o, refDate)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if inv.Copay != 50_000 {
		t.Errorf("expected copay 50000, got %d", inv.Copay)
	}
	if inv.InsuranceCoverage != -30_000 {
		t.Errorf("expected coverage -30000, got %d", inv.InsuranceCoverage)
	}
	if inv.Copay+inv.InsuranceCoverage != inv.Subtotal {
		t.Error("copay plus coverage must equal subtotal")
	}
}

func TestGenerateRejectsOpenOrder(t *testing.T) {
	fx := newFixture(t, map[string]*patient.Patient{"PAT-007": coveredPatient("PAT-007")})

	o, err := order.New(order.Header{
		OrderNumber: "100007",
		PatientID:   "PAT-007",
		DoctorID:    "DOC-042",
		Date:        refDate,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := fx.calc.Generate(context.Background(), o, refDate); !errors.Is(err, ErrOrderNotFinalized) {
		t.Fatalf("expected ErrOrderNotFinalized, got %v", err)
	}
}

func TestGenerateUnknownPatient(t *testing.T) {
	fx := newFixture(t, map[string]*patient.Patient{})
	o := finalizedOrder(t, "100008", "PAT-404", 10_000)

	if _, err := fx.calc.Generate(context.Background(), o, refDate); !errors.Is(err, patient.ErrNotFound) {
		t.Fatalf("expected patient.ErrNotFound, got %v", err)
	}
}

func TestGenerateConcurrentChargesRespectCap(t *testing.T) {
	fx := newFixture(t, map[string]*patient.Patient{"PAT-009": coveredPatient("PAT-009")})

	// 25 standard copays of 50000 hit the 1000000 cap exactly at invoice 20.
	const orders = 25
	var wg sync.WaitGroup
	for i := 0; i < orders; i++ {
		o := finalizedOrder(t, fmt.Sprintf("2%05d", i), "PAT-009", 500_000)
		wg.Add(1)
		go func(o *order.Order) {
			defer wg.Done()
			if _, err := fx.calc.Generate(context.Background(), o, refDate); err != nil {
				t.Errorf("Generate failed: %v", err)
			}
		}(o)
	}
	wg.Wait()

	if got := fx.ledger.TotalCharged("PAT-009", 2025); got != 1_000_000 {
		t.Errorf("expected ledger at exactly the cap, got %d", got)
	}

	var sum int64
	for _, inv := range fx.invoices.saved {
		sum += inv.Copay
		if inv.Copay+inv.InsuranceCoverage != inv.Subtotal {
			t.Errorf("invoice %s: copay %d + coverage %d != subtotal %d",
				inv.InvoiceID, inv.Copay, inv.InsuranceCoverage, inv.Subtotal)
		}
	}
	if sum != 1_000_000 {
		t.Errorf("expected copays to sum to the cap, got %d", sum)
	}
}
