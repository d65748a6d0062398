package resilience

import (
	"testing"
	"time"
)

func testBreaker(threshold int, recovery time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		HalfOpenRequests: 2,
	})
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := testBreaker(3, time.Hour)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if !cb.CanExecute() {
			t.Fatalf("circuit opened early after %d failures", i+1)
		}
	}
	cb.RecordFailure()

	if cb.CanExecute() {
		t.Error("circuit must be open after reaching the threshold")
	}
	if cb.GetState() != "open" {
		t.Errorf("expected open state, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := testBreaker(3, time.Hour)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if !cb.CanExecute() {
		t.Error("interleaved successes must reset the failure count")
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := testBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()

	if cb.CanExecute() {
		t.Fatal("circuit should be open")
	}

	time.Sleep(20 * time.Millisecond)

	// First probe enters half-open
	if !cb.CanExecute() {
		t.Fatal("circuit should allow a probe after the recovery timeout")
	}
	if cb.GetState() != "half-open" {
		t.Fatalf("expected half-open, got %s", cb.GetState())
	}

	cb.RecordSuccess()
	if !cb.CanExecute() {
		t.Fatal("second probe should be allowed")
	}
	cb.RecordSuccess()

	if cb.GetState() != "closed" {
		t.Errorf("expected closed after successful probes, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := testBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !cb.CanExecute() {
		t.Fatal("probe should be allowed")
	}
	cb.RecordFailure()

	if cb.GetState() != "open" {
		t.Errorf("half-open failure must reopen the circuit, got %s", cb.GetState())
	}
	if cb.CanExecute() {
		t.Error("reopened circuit must block execution")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := testBreaker(1, time.Hour)
	cb.RecordFailure()

	cb.Reset()
	if cb.GetState() != "closed" || !cb.CanExecute() {
		t.Error("reset must return the breaker to closed")
	}
}
