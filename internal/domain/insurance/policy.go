// Package insurance evaluates insurance policy eligibility.
package insurance

import (
	"time"

	"github.com/clinovia/go-omb/pkg/dates"
)

// Policy is a patient's insurance policy as declared by the insurer.
type Policy struct {
	Company      string
	PolicyNumber string
	Active       bool
	EndDate      *time.Time
}

// Eligibility is the outcome of evaluating a policy against a reference date.
type Eligibility struct {
	Active           bool
	RemainingDays    int
	EndDateFormatted string
}

// Evaluate decides whether coverage is effectively active on the reference
// date. A nil policy or a declared-inactive policy is never active. A policy
// with no end date never expires. Pure and deterministic.
func Evaluate(policy *Policy, ref time.Time) Eligibility {
	if policy == nil || !policy.Active {
		return Eligibility{}
	}

	if policy.EndDate == nil {
		return Eligibility{Active: true}
	}

	end := *policy.EndDate
	result := Eligibility{EndDateFormatted: dates.Format(end)}

	remaining := dates.DaysBetween(ref, end)
	if remaining < 0 {
		return result
	}

	result.Active = true
	result.RemainingDays = remaining
	return result
}
