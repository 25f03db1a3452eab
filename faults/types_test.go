package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsCategory(t *testing.T) {
	t.Parallel()

	err := NewTypedError(ValidationError, "invalid input", nil)
	if !IsCategory(err, ValidationError) {
		t.Fatalf("expected validation category match")
	}
	if IsCategory(err, NotFoundError) {
		t.Fatalf("expected not-found category mismatch")
	}

	wrapped := errors.New("wrap: " + err.Error())
	if IsCategory(wrapped, ValidationError) {
		t.Fatalf("plain wrapped string error must not match typed category")
	}

	joined := errors.Join(err, errors.New("other"))
	if !IsCategory(joined, ValidationError) {
		t.Fatalf("expected category match through errors.Join")
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "auth", err: NewTypedError(AuthError, "denied", nil), want: true},
		{name: "transport wrapped", err: fmt.Errorf("pull: %w", NewTypedError(TransportError, "reset", nil)), want: true},
		{name: "rate limit", err: NewTypedError(RateLimitError, "slow down", nil), want: true},
		{name: "conflict", err: Conflict("rejected", nil), want: true},
		{name: "validation", err: Validation("bad", nil), want: false},
		{name: "untyped", err: errors.New("boom"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsRetryable(tc.err); got != tc.want {
				t.Fatalf("IsRetryable(%v) = %t, want %t", tc.err, got, tc.want)
			}
		})
	}
}

func TestCategoryDefaultsToInternal(t *testing.T) {
	t.Parallel()

	if got := Category(errors.New("plain")); got != InternalError {
		t.Fatalf("expected InternalError, got %q", got)
	}
	if got := Category(NotFound("missing")); got != NotFoundError {
		t.Fatalf("expected NotFoundError, got %q", got)
	}
}
