package aggregate

import "errors"

var (
	// ErrUnresolvableParent signals that a child's parent cannot be determined
	// at event time, typically because a cascading delete already removed it.
	// The affected update is suppressed rather than failing the event.
	ErrUnresolvableParent = errors.New("aggregate: parent unresolvable")
	// ErrSymbolicOperand is returned when an operand cannot be resolved to a
	// concrete number. It indicates a malformed spec and is always surfaced.
	ErrSymbolicOperand = errors.New("aggregate: operand is not a concrete value")
	// ErrNonIntegerOperand is returned for numeric operands that are not
	// int64 integers: fractions and values outside the int64 range.
	ErrNonIntegerOperand = errors.New("aggregate: operand is not an int64 integer")
	// ErrOverflow is returned when a delta or an aggregate leaves the int64
	// range.
	ErrOverflow = errors.New("aggregate: int64 overflow")
	// ErrUnsupportedKind is returned for aggregate kinds without a delta rule.
	ErrUnsupportedKind = errors.New("aggregate: unsupported aggregate kind")
	// ErrInvalidSpec is returned when a spec fails validation.
	ErrInvalidSpec = errors.New("aggregate: invalid spec")
)
