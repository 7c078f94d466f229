package idempotency

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateKeyDeterministic(t *testing.T) {
	ref := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

	k1 := GenerateKey("123456", "patient-1", ref)
	k2 := GenerateKey("123456", "patient-1", ref)
	if k1 != k2 {
		t.Fatalf("same inputs produced different keys: %s vs %s", k1, k2)
	}
	if len(k1) != 64 {
		t.Errorf("expected hex sha256 key, got length %d", len(k1))
	}
}

func TestGenerateKeyIgnoresTimeOfDay(t *testing.T) {
	morning := time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)
	evening := time.Date(2025, 6, 15, 22, 45, 12, 0, time.UTC)

	if GenerateKey("123456", "patient-1", morning) != GenerateKey("123456", "patient-1", evening) {
		t.Fatal("keys for the same day should match regardless of time")
	}
}

func TestGenerateKeyVariesByInput(t *testing.T) {
	ref := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	base := GenerateKey("123456", "patient-1", ref)

	if GenerateKey("654321", "patient-1", ref) == base {
		t.Error("different order numbers should produce different keys")
	}
	if GenerateKey("123456", "patient-2", ref) == base {
		t.Error("different patients should produce different keys")
	}
	if GenerateKey("123456", "patient-1", ref.AddDate(0, 0, 1)) == base {
		t.Error("different days should produce different keys")
	}
}

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		err      error
		terminal bool
	}{
		{errors.New("patient not found: p1"), true},
		{errors.New("invalid order number"), true},
		{errors.New("order not finalized"), true},
		{errors.New("connection refused"), false},
		{errors.New("context deadline exceeded"), false},
	}
	for _, tc := range cases {
		if got := isTerminal(tc.err); got != tc.terminal {
			t.Errorf("isTerminal(%q) = %v, want %v", tc.err, got, tc.terminal)
		}
	}
}
