package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func fail(_ context.Context) (int, error) {
	return 0, NewTransientError(errors.New("status 503"), 503)
}

func reject(_ context.Context) (int, error) { return 0, errors.New("status 400") }

func ok(_ context.Context) (int, error) { return 1, nil }

func TestCircuitBreaker_DisabledIsNil(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{}, nil)
	if cb != nil {
		t.Fatal("expected nil breaker when threshold is zero")
	}
	for i := 0; i < 10; i++ {
		_, _ = ExecuteVal(context.Background(), cb, fail)
	}
	if v, err := ExecuteVal(context.Background(), cb, ok); err != nil || v != 1 {
		t.Errorf("nil breaker should pass calls through, got %d, %v", v, err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("nil breaker should report closed")
	}
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var transitions []CircuitState
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		OnStateChange:    func(_, to CircuitState) { transitions = append(transitions, to) },
	}, clock)

	for i := 0; i < 3; i++ {
		_, _ = ExecuteVal(context.Background(), cb, fail)
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	_, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		t.Error("should not be called while open")
		return 0, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}

	clock.Advance(time.Minute)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after reset timeout, got %s", cb.State())
	}
	if _, err := ExecuteVal(context.Background(), cb, ok); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}

	want := []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}, clock)

	_, _ = ExecuteVal(context.Background(), cb, fail)
	clock.Advance(time.Second)
	_, _ = ExecuteVal(context.Background(), cb, fail)

	if cb.State() != CircuitOpen {
		t.Errorf("expected open after failed probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2}, clockwork.NewFakeClock())

	_, _ = ExecuteVal(context.Background(), cb, fail)
	_, _ = ExecuteVal(context.Background(), cb, ok)
	_, _ = ExecuteVal(context.Background(), cb, fail)

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_PermanentErrorsDoNotOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2}, clockwork.NewFakeClock())

	for i := 0; i < 5; i++ {
		_, _ = ExecuteVal(context.Background(), cb, reject)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after permanent errors, got %s", cb.State())
	}

	_, _ = ExecuteVal(context.Background(), cb, fail)
	_, _ = ExecuteVal(context.Background(), cb, reject)
	_, _ = ExecuteVal(context.Background(), cb, fail)
	if cb.State() != CircuitClosed {
		t.Errorf("a permanent error should break the transient streak, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}, clock)

	_, _ = ExecuteVal(context.Background(), cb, fail)
	clock.Advance(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
		done <- err
	}()
	<-started

	_, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		t.Error("second caller should be rejected while the probe runs")
		return 0, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen during probe, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_CancelledProbeStaysHalfOpen(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}, clock)

	_, _ = ExecuteVal(context.Background(), cb, fail)
	clock.Advance(time.Second)
	_, _ = ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		return 0, context.Canceled
	})

	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after cancelled probe, got %s", cb.State())
	}
	if _, err := ExecuteVal(context.Background(), cb, ok); err != nil {
		t.Errorf("next probe should be allowed: %v", err)
	}
}
