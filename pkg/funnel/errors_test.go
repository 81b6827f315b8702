package funnel_test

import (
	"errors"
	"testing"

	"github.com/dreamstageindia/welcome-dreamstage-tech/pkg/funnel"
)

func TestWrapErrorKeepsSentinelChain(test *testing.T) {
	test.Parallel()
	wrapped := funnel.WrapError("invite", "code", "exhausted", funnel.ErrExhausted)
	if !errors.Is(wrapped, funnel.ErrExhausted) {
		test.Fatalf("expected wrapped error to match sentinel, got %v", wrapped)
	}

	var operationError funnel.OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "invite" || operationError.Subject() != "code" || operationError.Code() != "exhausted" {
		test.Fatalf("unexpected segments: %s.%s.%s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
}

func TestWrapErrorNilPassesThrough(test *testing.T) {
	test.Parallel()
	if err := funnel.WrapError("invite", "code", "exhausted", nil); err != nil {
		test.Fatalf("expected nil, got %v", err)
	}
}
