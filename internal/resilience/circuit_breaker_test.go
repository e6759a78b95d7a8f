package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Second)

	if cb.GetState() != StateClosed {
		t.Errorf("initial state = %d, want closed", cb.GetState())
	}
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Errorf("Call: %v", err)
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Second)
	fail := func() error { return errors.New("down") }

	cb.Call(fail)
	cb.Call(fail)
	if cb.GetState() != StateClosed {
		t.Error("circuit opened before reaching max failures")
	}

	cb.Call(fail)
	if cb.GetState() != StateOpen {
		t.Error("circuit did not open after max failures")
	}
}

func TestCircuitBreaker_ShedsWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Second)
	cb.Call(func() error { return errors.New("down") })

	called := false
	err := cb.Call(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("function ran while circuit was open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", 2, time.Second)

	cb.Call(func() error { return errors.New("down") })
	cb.Call(func() error { return nil })
	cb.Call(func() error { return errors.New("down") })

	if cb.GetState() != StateClosed {
		t.Error("circuit opened despite interleaved success")
	}
}

func TestCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 50*time.Millisecond)
	cb.Call(func() error { return errors.New("down") })

	time.Sleep(75 * time.Millisecond)

	// Probing allowed again; three successes close the circuit.
	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return nil }); err != nil {
			t.Fatalf("probe call %d: %v", i, err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Errorf("state = %d, want closed after successful probes", cb.GetState())
	}
}

func TestCircuitBreaker_ReopensOnProbeFailure(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 50*time.Millisecond)
	cb.Call(func() error { return errors.New("down") })

	time.Sleep(75 * time.Millisecond)

	cb.Call(func() error { return errors.New("still down") })
	if cb.GetState() != StateOpen {
		t.Error("circuit did not reopen on probe failure")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Minute)
	cb.Call(func() error { return errors.New("down") })

	if cb.GetState() != StateOpen {
		t.Fatal("circuit should be open")
	}
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Error("circuit not closed after reset")
	}
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Errorf("Call after reset: %v", err)
	}
}
