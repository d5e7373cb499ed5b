package errtypes

import (
	"errors"
	"fmt"
	"testing"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{Shape("split", "sections do not partition", []int{8}, []int{7}), ErrShapeMismatch},
		{&InvalidConfigurationError{Field: "optimizer", Value: "rmsprop"}, ErrInvalidConfiguration},
		{&SampleBudgetExceededError{Requested: 17, Limit: 16}, ErrSampleBudgetExceeded},
		{&NumericalInstabilityError{Stage: "seg logdet", NaN: 1}, ErrNumericalInstability},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("train step: %w", tc.err)
		if !errors.Is(wrapped, tc.sentinel) {
			t.Fatalf("%v does not match %v", wrapped, tc.sentinel)
		}
		if errors.Is(wrapped, ErrPriorStateCorrupted) {
			t.Fatalf("%v unexpectedly matches ErrPriorStateCorrupted", wrapped)
		}
	}
}

func TestShapeMismatchAs(t *testing.T) {
	err := fmt.Errorf("build: %w", Shape("concat", "", []int{4, 2}, []int{4, 3}))
	var sm *ShapeMismatchError
	if !errors.As(err, &sm) {
		t.Fatalf("expected ShapeMismatchError, got %T", err)
	}
	if sm.Node != "concat" {
		t.Fatalf("unexpected node %q", sm.Node)
	}
	want := `shape mismatch at "concat" (want [4 2], got [4 3])`
	if sm.Error() != want {
		t.Fatalf("message %q, want %q", sm.Error(), want)
	}
}
