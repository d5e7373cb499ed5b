// Package errtypes holds the error taxonomy shared by the flow, trainer and
// checkpoint packages. Every typed error matches its sentinel with errors.Is,
// so callers can branch on the class of failure without type assertions.
package errtypes

import (
	"errors"
	"fmt"
)

// Sentinel errors for each failure class.
var (
	ErrShapeMismatch        = errors.New("shape mismatch")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrSampleBudgetExceeded = errors.New("sample budget exceeded")
	ErrNumericalInstability = errors.New("numerical instability")
	ErrPriorStateCorrupted  = errors.New("prior hidden state is not zero")
)

// ShapeMismatchError reports a dimension disagreement found while building a
// graph, executing a tensor op or restoring a checkpoint.
type ShapeMismatchError struct {
	Node   string
	Reason string
	Want   []int
	Got    []int
}

func (e *ShapeMismatchError) Error() string {
	msg := "shape mismatch"
	if e.Node != "" {
		msg += fmt.Sprintf(" at %q", e.Node)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Want != nil || e.Got != nil {
		msg += fmt.Sprintf(" (want %v, got %v)", e.Want, e.Got)
	}
	return msg
}

func (e *ShapeMismatchError) Is(target error) bool { return target == ErrShapeMismatch }

// Shape is shorthand for constructing a ShapeMismatchError.
func Shape(node, reason string, want, got []int) error {
	return &ShapeMismatchError{Node: node, Reason: reason, Want: want, Got: got}
}

// InvalidConfigurationError reports an unknown kind tag or an out of range
// setting detected at construction time.
type InvalidConfigurationError struct {
	Field string
	Value any
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s=%v", e.Field, e.Value)
}

func (e *InvalidConfigurationError) Is(target error) bool { return target == ErrInvalidConfiguration }

// SampleBudgetExceededError is returned when a decode asks for more samples
// than one batched execution can hold.
type SampleBudgetExceededError struct {
	Requested int
	Limit     int
}

func (e *SampleBudgetExceededError) Error() string {
	return fmt.Sprintf("too many samples for batch execution: requested %d, limit %d", e.Requested, e.Limit)
}

func (e *SampleBudgetExceededError) Is(target error) bool { return target == ErrSampleBudgetExceeded }

// NumericalInstabilityError reports NaN or Inf values in a log-determinant,
// a loss or a gradient norm.
type NumericalInstabilityError struct {
	Stage string
	NaN   int
	Inf   int
}

func (e *NumericalInstabilityError) Error() string {
	return fmt.Sprintf("numerical instability in %s: %d NaN, %d Inf", e.Stage, e.NaN, e.Inf)
}

func (e *NumericalInstabilityError) Is(target error) bool { return target == ErrNumericalInstability }
