package order

import (
	"errors"
	"fmt"
)

// Sentinel targets for errors.Is on composition rule violations.
var (
	ErrMixedOrderKind           = errors.New("order already holds the other item kind")
	ErrDuplicateItemNumber      = errors.New("item number already present in order")
	ErrNonContiguousItemNumbers = errors.New("item numbers must run 1..n with no gaps")
	ErrEmptyOrder               = errors.New("order has no items")
	ErrMissingSpecialty         = errors.New("specialist required but specialty id is empty")
	ErrOrderFinalized           = errors.New("order is finalized")
	ErrInvalidOrderNumber       = errors.New("order number must be a numeric string of 1 to 6 digits")
)

// RuleError is a composition rule violation. It wraps one of the sentinel
// errors above and carries the offending item number when one applies.
type RuleError struct {
	Rule       error
	ItemNumber int
}

func (e *RuleError) Error() string {
	if e.ItemNumber > 0 {
		return fmt.Sprintf("item %d: %s", e.ItemNumber, e.Rule.Error())
	}
	return e.Rule.Error()
}

func (e *RuleError) Unwrap() error { return e.Rule }

func ruleViolation(rule error, itemNumber int) error {
	return &RuleError{Rule: rule, ItemNumber: itemNumber}
}
