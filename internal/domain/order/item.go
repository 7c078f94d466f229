// Package order implements the medical order aggregate.
package order

// ItemKind tags the variant of an order item.
type ItemKind string

const (
	KindMedication    ItemKind = "medication"
	KindProcedure     ItemKind = "procedure"
	KindDiagnosticAid ItemKind = "diagnostic_aid"
)

// Item is one line of a medical order. The Kind tag selects which of the
// variant fields are meaningful; use the constructors below rather than
// building the struct by hand.
type Item struct {
	Number    int
	Kind      ItemKind
	CatalogID string
	Cost      int64

	// medication
	Dosage   string
	Duration string

	// procedure and diagnostic aid
	Quantity           int
	Frequency          string
	SpecialistRequired bool
	SpecialtyID        string
}

// NewMedicationItem builds a medication item.
func NewMedicationItem(number int, catalogID string, cost int64, dosage, duration string) Item {
	return Item{
		Number:    number,
		Kind:      KindMedication,
		CatalogID: catalogID,
		Cost:      cost,
		Dosage:    dosage,
		Duration:  duration,
	}
}

// NewProcedureItem builds a procedure item.
func NewProcedureItem(number int, catalogID string, cost int64, quantity int, frequency string, specialistRequired bool, specialtyID string) Item {
	return Item{
		Number:             number,
		Kind:               KindProcedure,
		CatalogID:          catalogID,
		Cost:               cost,
		Quantity:           quantity,
		Frequency:          frequency,
		SpecialistRequired: specialistRequired,
		SpecialtyID:        specialtyID,
	}
}

// NewDiagnosticAidItem builds a diagnostic aid item.
func NewDiagnosticAidItem(number int, catalogID string, cost int64, quantity int, specialistRequired bool, specialtyID string) Item {
	return Item{
		Number:             number,
		Kind:               KindDiagnosticAid,
		CatalogID:          catalogID,
		Cost:               cost,
		Quantity:           quantity,
		SpecialistRequired: specialistRequired,
		SpecialtyID:        specialtyID,
	}
}

// IsDiagnostic reports whether the item is a diagnostic aid.
func (i Item) IsDiagnostic() bool { return i.Kind == KindDiagnosticAid }
