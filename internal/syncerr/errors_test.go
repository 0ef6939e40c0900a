package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindNone},
		{name: "uncategorized defaults to transient", err: base, want: KindTransient},
		{name: "transient", err: Transient(base), want: KindTransient},
		{name: "permanent", err: Permanent(base), want: KindPermanent},
		{name: "wrapped permanent", err: fmt.Errorf("failed to upsert: %w", Permanent(base)), want: KindPermanent},
		{name: "local storage", err: LocalStorage(base), want: KindLocalStorage},
		{name: "session unavailable", err: ErrSessionUnavailable, want: KindSessionUnavailable},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTransient},
		{name: "canceled", err: fmt.Errorf("request: %w", context.Canceled), want: KindTransient},
		{name: "exhausted", err: Exhausted(base), want: KindQueueExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCategorizedError_Unwrap(t *testing.T) {
	base := errors.New("status 422")
	err := Permanent(base)

	if !errors.Is(err, base) {
		t.Error("Permanent() should unwrap to the original error")
	}
	if err.Error() != "status 422" {
		t.Errorf("Error() = %q, want %q", err.Error(), "status 422")
	}
	if Transient(nil) != nil || Permanent(nil) != nil || LocalStorage(nil) != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestExhausted(t *testing.T) {
	base := errors.New("timeout")
	err := Exhausted(base)

	if !errors.Is(err, ErrQueueExhausted) {
		t.Error("Exhausted() should match ErrQueueExhausted")
	}
	if !errors.Is(err, base) {
		t.Error("Exhausted() should keep the last error")
	}
	if !errors.Is(Exhausted(nil), ErrQueueExhausted) {
		t.Error("Exhausted(nil) should match ErrQueueExhausted")
	}
}

func TestResult(t *testing.T) {
	ok := OK(42)
	if !ok.OK() || ok.Fallback() || ok.Value != 42 {
		t.Errorf("OK() = %+v", ok)
	}

	transient := Fail[int](errors.New("reset by peer"))
	if !transient.Fallback() || !transient.Retryable() {
		t.Errorf("transient result = %+v, want fallback and retryable", transient)
	}

	rejected := Fail[int](Permanent(errors.New("400")))
	if rejected.Retryable() {
		t.Error("permanent failure should not be retryable")
	}

	skipped := Skipped[int]()
	if skipped.Kind != KindSessionUnavailable || skipped.Retryable() {
		t.Errorf("Skipped() = %+v", skipped)
	}
}
