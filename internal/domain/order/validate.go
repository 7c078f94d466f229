package order

import "sort"

// ValidateItemNumbers checks that item numbers are unique and form the exact
// sequence 1..n. Pure; safe to call repeatedly on the same input.
func ValidateItemNumbers(items []Item) error {
	if len(items) == 0 {
		return ruleViolation(ErrEmptyOrder, 0)
	}

	numbers := make([]int, len(items))
	for i, it := range items {
		numbers[i] = it.Number
	}
	sort.Ints(numbers)

	for i, n := range numbers {
		if i > 0 && n == numbers[i-1] {
			return ruleViolation(ErrDuplicateItemNumber, n)
		}
		if n != i+1 {
			return ruleViolation(ErrNonContiguousItemNumbers, n)
		}
	}
	return nil
}

// ValidateSpecialties checks that every procedure or diagnostic aid item
// flagged as requiring a specialist carries a specialty id.
func ValidateSpecialties(items []Item) error {
	for _, it := range items {
		switch it.Kind {
		case KindProcedure, KindDiagnosticAid:
			if it.SpecialistRequired && it.SpecialtyID == "" {
				return ruleViolation(ErrMissingSpecialty, it.Number)
			}
		case KindMedication:
			// medications never require a specialty
		}
	}
	return nil
}

// kindFor maps an item variant to the order kind it establishes.
func kindFor(it Item) Kind {
	if it.IsDiagnostic() {
		return KindDiagnosticOnly
	}
	return KindMedicationOrProcedure
}
