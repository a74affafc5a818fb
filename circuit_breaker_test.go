package touriquest

import (
	"testing"
	"time"
)

func TestNewCircuitBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	if cb.config.FailureThreshold != 5 {
		t.Errorf("Expected default FailureThreshold=5, got %d", cb.config.FailureThreshold)
	}
	if cb.config.RecoveryTimeout != 30*time.Second {
		t.Errorf("Expected default RecoveryTimeout=30s, got %v", cb.config.RecoveryTimeout)
	}
	if cb.config.SuccessThreshold != 1 {
		t.Errorf("Expected default SuccessThreshold=1, got %d", cb.config.SuccessThreshold)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected initial state=closed, got %v", cb.State())
	}
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Errorf("Expected closed below threshold, got %v", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("Expected open at threshold, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("Expected Allow()=false while open")
	}
	if !cb.Tripped() {
		t.Error("Expected Tripped()=true while open")
	}
}

func TestCircuitBreakerHalfOpenSingleTrial(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
	})

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("Expected open, got %v", cb.State())
	}

	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("Expected the first caller after recovery timeout to win the trial")
	}
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected half-open, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("Expected only one trial call in half-open")
	}
}

func TestCircuitBreakerHalfOpenSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		SuccessThreshold: 1,
	})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("Expected trial to be allowed")
	}
	cb.RecordSuccess()

	if cb.State() != StateClosed {
		t.Errorf("Expected closed after trial success, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Error("Expected Allow()=true after closing")
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
	})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("Expected trial to be allowed")
	}
	cb.RecordFailure()

	if cb.State() != StateOpen {
		t.Errorf("Expected open after trial failure, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("Expected fail-fast immediately after reopening")
	}
}

func TestCircuitBreakerFailureRateTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:    100,
		ExpectedFailureRate: 0.5,
	})

	// 5 failures / 10 outcomes hits the 50% rate with enough samples.
	for i := 0; i < 5; i++ {
		cb.RecordSuccess()
	}
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateClosed {
		t.Fatalf("Expected closed below sample minimum, got %v", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("Expected open once failure rate reached, got %v", cb.State())
	}
}

func TestCircuitBreakerWindowRollsOver(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		MonitoringPeriod: 20 * time.Millisecond,
	})

	cb.RecordFailure()
	cb.RecordFailure()

	time.Sleep(30 * time.Millisecond)

	// Old failures fell out of the window; two fresh failures are below
	// the threshold again.
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Errorf("Expected closed after window rollover, got %v", cb.State())
	}
}

func TestBreakerRegistryIsolatesClasses(t *testing.T) {
	registry := NewBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1})

	payments := registry.Get("api.example.com/payments")
	payments.RecordFailure()

	if payments.State() != StateOpen {
		t.Fatalf("Expected payments breaker open, got %v", payments.State())
	}

	bookings := registry.Get("api.example.com/bookings")
	if bookings.State() != StateClosed {
		t.Errorf("Expected bookings breaker unaffected, got %v", bookings.State())
	}
	if !bookings.Allow() {
		t.Error("Expected bookings calls to pass while payments is open")
	}

	if registry.Get("api.example.com/payments") != payments {
		t.Error("Expected the same breaker instance per class")
	}
}
