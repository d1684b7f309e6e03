package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := Wrap(CodeNetworkFailure, "retrieve decision", stderrors.New("connection refused"))
	if !stderrors.Is(err, New(CodeNetworkFailure, "other message")) {
		t.Fatal("expected errors.Is to match by code")
	}
	if stderrors.Is(err, New(CodeStorageFailure, "retrieve decision")) {
		t.Fatal("expected different code not to match")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(CodeStorageFailure, "load choices", stderrors.New("disk full"))
	if got := err.Error(); got != "load choices: disk full" {
		t.Fatalf("Error() = %q", got)
	}
	if got := New(CodeInvalidArgument, "id is required").Error(); got != "id is required" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestCodeOfWrappedChain(t *testing.T) {
	inner := WithMetadata(CodeCodeAdaptationFailure, "missing default export", map[string]string{"proposal_id": "p1"})
	wrapped := fmt.Errorf("load variant: %w", inner)

	if got := CodeOf(wrapped); got != CodeCodeAdaptationFailure {
		t.Fatalf("CodeOf = %q, want %q", got, CodeCodeAdaptationFailure)
	}
	if !HasCode(wrapped, CodeCodeAdaptationFailure) {
		t.Fatal("expected HasCode to find adaptation failure")
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("CodeOf(foreign) = %q, want %q", got, CodeUnknown)
	}
	if got := CodeOf(nil); got != CodeUnknown {
		t.Fatalf("CodeOf(nil) = %q, want %q", got, CodeUnknown)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := stderrors.New("timeout")
	err := WrapWithMetadata(CodeMetricDeliveryFailure, "post metric", map[string]string{"status": "503"}, cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
	if err.Metadata["status"] != "503" {
		t.Fatalf("metadata = %v", err.Metadata)
	}
}

func TestCodeDegraded(t *testing.T) {
	tests := []struct {
		code Code
		want bool
	}{
		{CodeNetworkFailure, true},
		{CodeStorageFailure, true},
		{CodeCodeAdaptationFailure, true},
		{CodeMetricDeliveryFailure, true},
		{CodeInvalidArgument, false},
		{CodeUnknown, false},
	}
	for _, tt := range tests {
		if got := tt.code.Degraded(); got != tt.want {
			t.Fatalf("%s.Degraded() = %v, want %v", tt.code, got, tt.want)
		}
	}
}
