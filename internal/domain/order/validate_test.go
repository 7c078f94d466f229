package order

import (
	"errors"
	"testing"
)

func TestValidateItemNumbers(t *testing.T) {
	tests := []struct {
		name    string
		numbers []int
		wantErr error
	}{
		{"single item", []int{1}, nil},
		{"sequence in order", []int{1, 2, 3}, nil},
		{"sequence out of order", []int{3, 1, 2}, nil},
		{"empty", nil, ErrEmptyOrder},
		{"duplicate", []int{1, 2, 2}, ErrDuplicateItemNumber},
		{"gap", []int{1, 2, 4}, ErrNonContiguousItemNumbers},
		{"does not start at one", []int{2, 3, 4}, ErrNonContiguousItemNumbers},
		{"zero", []int{0, 1, 2}, ErrNonContiguousItemNumbers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := make([]Item, len(tt.numbers))
			for i, n := range tt.numbers {
				items[i] = NewMedicationItem(n, "MED-A", 1_000, "1 tab", "1 day")
			}

			err := ValidateItemNumbers(items)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateItemNumbersIsPure(t *testing.T) {
	items := []Item{
		NewMedicationItem(3, "MED-C", 1_000, "1 tab", "1 day"),
		NewMedicationItem(1, "MED-A", 1_000, "1 tab", "1 day"),
		NewMedicationItem(2, "MED-B", 1_000, "1 tab", "1 day"),
	}

	if err := ValidateItemNumbers(items); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if items[0].Number != 3 || items[1].Number != 1 || items[2].Number != 2 {
		t.Fatal("validation must not reorder the input slice")
	}
	if err := ValidateItemNumbers(items); err != nil {
		t.Fatalf("second call failed: %v", err)
	}
}

func TestValidateSpecialties(t *testing.T) {
	valid := []Item{
		NewProcedureItem(1, "PROC-A", 10_000, 1, "once", true, "SP-CARDIOLOGY"),
		NewDiagnosticAidItem(2, "DIAG-B", 20_000, 1, false, ""),
		NewMedicationItem(3, "MED-C", 1_000, "1 tab", "1 day"),
	}
	if err := ValidateSpecialties(valid); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	missing := []Item{
		NewProcedureItem(1, "PROC-A", 10_000, 1, "once", false, ""),
		NewDiagnosticAidItem(2, "DIAG-B", 20_000, 1, true, ""),
	}
	err := ValidateSpecialties(missing)
	if !errors.Is(err, ErrMissingSpecialty) {
		t.Fatalf("expected ErrMissingSpecialty, got %v", err)
	}

	var rule *RuleError
	if !errors.As(err, &rule) {
		t.Fatal("expected a RuleError")
	}
	if rule.ItemNumber != 2 {
		t.Errorf("expected offending item 2, got %d", rule.ItemNumber)
	}
}
