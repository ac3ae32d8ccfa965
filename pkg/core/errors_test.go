package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{NewError(CodeThrottled, "wait"), CodeThrottled},
		{ErrInvalidEvent, CodeInvalidInput},
		{ErrNodeNotFound, CodeNotFound},
		{ErrCandidateExists, CodeConflict},
		{ErrMinerThrottled, CodeThrottled},
		{ErrStorageFailure, CodeStorageFailure},
		{errors.New("mystery"), CodeInternal},
		{fmt.Errorf("wrapped: %w", ErrStorageFailure), CodeStorageFailure},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Errorf("CodeOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapError(CodeStorageFailure, "persist graph", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	var coded *Error
	if !errors.As(err, &coded) {
		t.Fatal("errors.As failed for *Error")
	}
	if coded.Code != CodeStorageFailure {
		t.Errorf("unexpected code %s", coded.Code)
	}
}

func TestErrorWithContext(t *testing.T) {
	base := NewError(CodeNotFound, "no such node")
	withCtx := base.WithContext("node_id", "light.kitchen")

	if base.Context != nil {
		t.Error("WithContext mutated the original error")
	}
	if withCtx.Context["node_id"] != "light.kitchen" {
		t.Error("context entry missing")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(ErrStorageFailure) {
		t.Error("storage failures should be retryable")
	}
	if IsRetryable(NewError(CodeInternal, "bug")) {
		t.Error("internal errors must never be retried")
	}
	if IsRetryable(NewError(CodeThrottled, "wait")) {
		t.Error("throttled is not retryable")
	}
}
