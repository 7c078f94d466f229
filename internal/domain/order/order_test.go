package order

import (
	"errors"
	"testing"
	"time"
)

func testHeader() Header {
	return Header{
		OrderNumber: "123456",
		PatientID:   "PAT-001",
		DoctorID:    "DOC-042",
		Date:        time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
	}
}

func TestNewOrder(t *testing.T) {
	o, err := New(testHeader())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if o.Kind() != KindEmpty {
		t.Errorf("expected kind %q, got %q", KindEmpty, o.Kind())
	}
	if o.Finalized() {
		t.Error("new order must not be finalized")
	}
	if len(o.Items()) != 0 {
		t.Errorf("expected no items, got %d", len(o.Items()))
	}

	changes := o.Changes()
	if len(changes) != 1 {
		t.Fatalf("expected 1 event, got %d", len(changes))
	}
	if changes[0].EventType != EventOrderCreated {
		t.Errorf("expected %q event, got %q", EventOrderCreated, changes[0].EventType)
	}
}

func TestNewOrderRejectsBadOrderNumber(t *testing.T) {
	for _, n := range []string{"", "1234567", "12A456", "12 456", "-12345"} {
		h := testHeader()
		h.OrderNumber = n
		if _, err := New(h); !errors.Is(err, ErrInvalidOrderNumber) {
			t.Errorf("order number %q: expected ErrInvalidOrderNumber, got %v", n, err)
		}
	}
}

func TestAddItemEstablishesKind(t *testing.T) {
	o, _ := New(testHeader())

	if err := o.AddItem(NewMedicationItem(1, "MED-ACETAMINOPHEN", 12_000, "500mg", "7 days")); err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	if o.Kind() != KindMedicationOrProcedure {
		t.Errorf("expected kind %q, got %q", KindMedicationOrProcedure, o.Kind())
	}

	// procedures share the kind with medications
	if err := o.AddItem(NewProcedureItem(2, "PROC-XRAY", 80_000, 1, "once", true, "SP-RADIOLOGY")); err != nil {
		t.Fatalf("AddItem procedure failed: %v", err)
	}
}

func TestAddItemRejectsMixedKinds(t *testing.T) {
	o, _ := New(testHeader())

	if err := o.AddItem(NewMedicationItem(1, "MED-A", 10_000, "1 tab", "5 days")); err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}

	err := o.AddItem(NewDiagnosticAidItem(2, "DIAG-MRI", 300_000, 1, true, "SP-RADIOLOGY"))
	if !errors.Is(err, ErrMixedOrderKind) {
		t.Fatalf("expected ErrMixedOrderKind, got %v", err)
	}

	var rule *RuleError
	if !errors.As(err, &rule) {
		t.Fatal("expected a RuleError")
	}
	if rule.ItemNumber != 2 {
		t.Errorf("expected offending item 2, got %d", rule.ItemNumber)
	}

	// the rejected item must not have been appended
	if len(o.Items()) != 1 {
		t.Errorf("expected 1 item after rejection, got %d", len(o.Items()))
	}
	if o.Kind() != KindMedicationOrProcedure {
		t.Errorf("kind changed after rejection: %q", o.Kind())
	}
}

func TestAddItemRejectsDiagnosticThenMedication(t *testing.T) {
	o, _ := New(testHeader())

	if err := o.AddItem(NewDiagnosticAidItem(1, "DIAG-CT", 250_000, 1, false, "")); err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	if o.Kind() != KindDiagnosticOnly {
		t.Errorf("expected kind %q, got %q", KindDiagnosticOnly, o.Kind())
	}

	err := o.AddItem(NewMedicationItem(2, "MED-A", 10_000, "1 tab", "5 days"))
	if !errors.Is(err, ErrMixedOrderKind) {
		t.Fatalf("expected ErrMixedOrderKind, got %v", err)
	}
}

func TestAddItemRejectsDuplicateNumber(t *testing.T) {
	o, _ := New(testHeader())

	if err := o.AddItem(NewMedicationItem(1, "MED-A", 10_000, "1 tab", "5 days")); err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}

	err := o.AddItem(NewMedicationItem(1, "MED-B", 20_000, "2 tabs", "3 days"))
	if !errors.Is(err, ErrDuplicateItemNumber) {
		t.Fatalf("expected ErrDuplicateItemNumber, got %v", err)
	}
}

func TestFinalize(t *testing.T) {
	o, _ := New(testHeader())
	o.AddItem(NewMedicationItem(1, "MED-A", 10_000, "1 tab", "5 days"))
	o.AddItem(NewProcedureItem(2, "PROC-B", 40_000, 2, "weekly", false, ""))

	if err := o.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if !o.Finalized() {
		t.Error("order should be finalized")
	}
	if o.Subtotal() != 50_000 {
		t.Errorf("expected subtotal 50000, got %d", o.Subtotal())
	}

	// created, two item additions, finalized
	if len(o.Changes()) != 4 {
		t.Errorf("expected 4 events, got %d", len(o.Changes()))
	}

	if err := o.AddItem(NewMedicationItem(3, "MED-C", 5_000, "1 tab", "1 day")); !errors.Is(err, ErrOrderFinalized) {
		t.Errorf("expected ErrOrderFinalized, got %v", err)
	}
	if err := o.Finalize(); !errors.Is(err, ErrOrderFinalized) {
		t.Errorf("repeat Finalize: expected ErrOrderFinalized, got %v", err)
	}
}

func TestFinalizeEmptyOrder(t *testing.T) {
	o, _ := New(testHeader())
	if err := o.Finalize(); !errors.Is(err, ErrEmptyOrder) {
		t.Fatalf("expected ErrEmptyOrder, got %v", err)
	}
	if o.Finalized() {
		t.Error("failed Finalize must leave the order open")
	}
}

func TestFinalizeNonContiguousNumbers(t *testing.T) {
	o, _ := New(testHeader())
	o.AddItem(NewMedicationItem(1, "MED-A", 10_000, "1 tab", "5 days"))
	o.AddItem(NewMedicationItem(3, "MED-B", 20_000, "2 tabs", "3 days"))

	err := o.Finalize()
	if !errors.Is(err, ErrNonContiguousItemNumbers) {
		t.Fatalf("expected ErrNonContiguousItemNumbers, got %v", err)
	}
	if o.Finalized() {
		t.Error("failed Finalize must leave the order open")
	}
}

func TestFinalizeMissingSpecialty(t *testing.T) {
	o, _ := New(testHeader())
	o.AddItem(NewProcedureItem(1, "PROC-SURGERY", 500_000, 1, "once", true, ""))

	err := o.Finalize()
	if !errors.Is(err, ErrMissingSpecialty) {
		t.Fatalf("expected ErrMissingSpecialty, got %v", err)
	}

	var rule *RuleError
	if !errors.As(err, &rule) {
		t.Fatal("expected a RuleError")
	}
	if rule.ItemNumber != 1 {
		t.Errorf("expected offending item 1, got %d", rule.ItemNumber)
	}
}

func TestItemsReturnsCopy(t *testing.T) {
	o, _ := New(testHeader())
	o.AddItem(NewMedicationItem(1, "MED-A", 10_000, "1 tab", "5 days"))

	items := o.Items()
	items[0].Cost = 999_999

	if o.Subtotal() != 10_000 {
		t.Error("mutating the Items slice must not affect the order")
	}
}

func TestRehydrate(t *testing.T) {
	h := testHeader()
	items := []Item{
		NewMedicationItem(1, "MED-A", 10_000, "1 tab", "5 days"),
		NewMedicationItem(2, "MED-B", 20_000, "2 tabs", "3 days"),
	}

	o := Rehydrate(h, items, KindMedicationOrProcedure, true, time.Now().UTC())

	if !o.Finalized() {
		t.Error("rehydrated order should keep finalized state")
	}
	if o.Subtotal() != 30_000 {
		t.Errorf("expected subtotal 30000, got %d", o.Subtotal())
	}
	if len(o.Changes()) != 0 {
		t.Errorf("rehydration must not emit events, got %d", len(o.Changes()))
	}
}
