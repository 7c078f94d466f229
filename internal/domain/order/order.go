package order

import (
	"time"
)

// Kind classifies an order by the items it holds. The first item added fixes
// the kind for the lifetime of the order; there is no transition between
// KindMedicationOrProcedure and KindDiagnosticOnly.
type Kind string

const (
	KindEmpty                 Kind = "empty"
	KindMedicationOrProcedure Kind = "medication_or_procedure"
	KindDiagnosticOnly        Kind = "diagnostic_only"
)

// Header identifies an order. Immutable once created.
type Header struct {
	OrderNumber string
	PatientID   string
	DoctorID    string
	Date        time.Time
}

// Order is the medical order aggregate root. Items are added one at a time
// while the order is open; Finalize seals it. A failed AddItem or Finalize
// leaves the order unchanged.
type Order struct {
	header    Header
	items     []Item
	kind      Kind
	finalized bool
	createdAt time.Time
	changes   []*Event
}

// New creates an open order with no items.
func New(header Header) (*Order, error) {
	if !validOrderNumber(header.OrderNumber) {
		return nil, ErrInvalidOrderNumber
	}

	o := &Order{
		header:    header,
		kind:      KindEmpty,
		createdAt: time.Now().UTC(),
		changes:   make([]*Event, 0),
	}

	event, err := NewEvent(header.OrderNumber, EventOrderCreated, &OrderCreatedData{
		OrderNumber: header.OrderNumber,
		PatientID:   header.PatientID,
		DoctorID:    header.DoctorID,
		Date:        header.Date,
	})
	if err != nil {
		return nil, err
	}
	o.changes = append(o.changes, event)
	return o, nil
}

// Header returns the order header.
func (o *Order) Header() Header { return o.header }

// Kind returns the current order kind.
func (o *Order) Kind() Kind { return o.kind }

// Finalized reports whether the order has been sealed.
func (o *Order) Finalized() bool { return o.finalized }

// Items returns a copy of the order items in insertion order.
func (o *Order) Items() []Item {
	items := make([]Item, len(o.items))
	copy(items, o.items)
	return items
}

// Subtotal returns the sum of all item costs.
func (o *Order) Subtotal() int64 {
	var total int64
	for _, it := range o.items {
		total += it.Cost
	}
	return total
}

// Changes returns uncommitted domain events.
func (o *Order) Changes() []*Event { return o.changes }

// ClearChanges clears uncommitted domain events.
func (o *Order) ClearChanges() { o.changes = make([]*Event, 0) }

// AddItem appends an item to an open order. It rejects cross-kind additions,
// duplicate item numbers, and any addition after Finalize. The first accepted
// item establishes the order kind permanently.
func (o *Order) AddItem(it Item) error {
	if o.finalized {
		return ErrOrderFinalized
	}

	next := kindFor(it)
	if o.kind != KindEmpty && o.kind != next {
		return ruleViolation(ErrMixedOrderKind, it.Number)
	}
	for _, existing := range o.items {
		if existing.Number == it.Number {
			return ruleViolation(ErrDuplicateItemNumber, it.Number)
		}
	}

	event, err := NewEvent(o.header.OrderNumber, EventOrderItemAdded, &OrderItemAddedData{
		OrderNumber: o.header.OrderNumber,
		ItemNumber:  it.Number,
		ItemKind:    it.Kind,
		CatalogID:   it.CatalogID,
		Cost:        it.Cost,
	})
	if err != nil {
		return err
	}

	o.items = append(o.items, it)
	o.kind = next
	o.changes = append(o.changes, event)
	return nil
}

// Finalize seals the order. It fails on an empty order, on item numbers that
// are not exactly 1..n, and on a specialist item without a specialty id.
func (o *Order) Finalize() error {
	if o.finalized {
		return ErrOrderFinalized
	}
	if err := ValidateItemNumbers(o.items); err != nil {
		return err
	}
	if err := ValidateSpecialties(o.items); err != nil {
		return err
	}

	event, err := NewEvent(o.header.OrderNumber, EventOrderFinalized, &OrderFinalizedData{
		OrderNumber: o.header.OrderNumber,
		PatientID:   o.header.PatientID,
		Kind:        o.kind,
		ItemCount:   len(o.items),
		Subtotal:    o.Subtotal(),
		FinalizedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	o.finalized = true
	o.changes = append(o.changes, event)
	return nil
}

// Rehydrate rebuilds an order from persisted state. Used by the repository;
// it bypasses composition rules because persisted orders already passed them.
func Rehydrate(header Header, items []Item, kind Kind, finalized bool, createdAt time.Time) *Order {
	o := &Order{
		header:    header,
		items:     items,
		kind:      kind,
		finalized: finalized,
		createdAt: createdAt,
		changes:   make([]*Event, 0),
	}
	return o
}

func validOrderNumber(n string) bool {
	if len(n) == 0 || len(n) > 6 {
		return false
	}
	for _, r := range n {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
