package transport

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifySendError(t *testing.T) {
	if got := Classify(Transient("rate limited", nil)); got != KindTransient {
		t.Fatalf("Classify(transient) = %v", got)
	}
	if got := Classify(Fatal("bot blocked", nil)); got != KindFatal {
		t.Fatalf("Classify(fatal) = %v", got)
	}
}

func TestClassifyWrappedSendError(t *testing.T) {
	wrapped := fmt.Errorf("send stopped notification: %w", Fatal("forbidden", nil))
	if got := Classify(wrapped); got != KindFatal {
		t.Fatalf("Classify(wrapped fatal) = %v", got)
	}
}

func TestClassifyUnknownErrorIsTransient(t *testing.T) {
	if got := Classify(errors.New("connection reset")); got != KindTransient {
		t.Fatalf("unknown errors must default to transient, got %v", got)
	}
}

func TestSendErrorMessage(t *testing.T) {
	err := Transient("telegram unreachable", errors.New("dial timeout"))
	if !strings.Contains(err.Error(), "transient") || !strings.Contains(err.Error(), "dial timeout") {
		t.Fatalf("unexpected error text: %q", err.Error())
	}
	if !errors.Is(err, err.Err) {
		t.Fatal("Unwrap must expose the cause")
	}
}
