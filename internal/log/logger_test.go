package log

import (
	"context"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-123")
	if got := RequestIDFromContext(ctx); got != "req-123" {
		t.Fatalf("expected req-123, got %q", got)
	}
}

func TestRequestIDFromNilContext(t *testing.T) {
	if got := RequestIDFromContext(nil); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}
}

func TestWithComponentFromContextDoesNotPanic(t *testing.T) {
	l := WithComponentFromContext(context.Background(), "test")
	l.Debug().Msg("noop")
}
