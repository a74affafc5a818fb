package backoff

import (
	"testing"
	"time"
)

func TestExponentialJitterGrowth(t *testing.T) {
	s := ExponentialJitter{}

	d0 := s.Calculate(0, 100*time.Millisecond, 10*time.Second, 2.0, 0)
	d1 := s.Calculate(1, 100*time.Millisecond, 10*time.Second, 2.0, 0)
	d2 := s.Calculate(2, 100*time.Millisecond, 10*time.Second, 2.0, 0)

	if d0 != 100*time.Millisecond {
		t.Errorf("Expected base delay for attempt 0, got %v", d0)
	}
	if d1 != 200*time.Millisecond {
		t.Errorf("Expected doubled delay for attempt 1, got %v", d1)
	}
	if d2 != 400*time.Millisecond {
		t.Errorf("Expected quadrupled delay for attempt 2, got %v", d2)
	}
}

func TestExponentialJitterCapped(t *testing.T) {
	s := ExponentialJitter{}

	for attempt := 0; attempt < 100; attempt++ {
		d := s.Calculate(attempt, 100*time.Millisecond, time.Second, 2.0, 0.5)
		if d > time.Second {
			t.Fatalf("attempt %d: delay %v exceeds cap", attempt, d)
		}
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive delay %v", attempt, d)
		}
	}
}

func TestExponentialJitterAddsJitter(t *testing.T) {
	s := ExponentialJitter{}

	varied := false
	first := s.Calculate(3, 100*time.Millisecond, time.Hour, 2.0, 1.0)
	for i := 0; i < 50; i++ {
		if s.Calculate(3, 100*time.Millisecond, time.Hour, 2.0, 1.0) != first {
			varied = true
			break
		}
	}
	if !varied {
		t.Error("Expected jitter to vary the delay")
	}
}

func TestDecorrelatedJitterBounds(t *testing.T) {
	s := DecorrelatedJitter{}

	if d := s.Calculate(0, 100*time.Millisecond, time.Second, 2.0, 0); d != 100*time.Millisecond {
		t.Errorf("Expected base delay for attempt 0, got %v", d)
	}

	for attempt := 1; attempt < 50; attempt++ {
		d := s.Calculate(attempt, 100*time.Millisecond, time.Second, 2.0, 0)
		if d < 100*time.Millisecond || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of [base, cap]", attempt, d)
		}
	}
}
