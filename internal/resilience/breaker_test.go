package resilience

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream failed")

func newTestBreaker(cfg Config) *Breaker {
	return New(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestClosedForwardsCalls(t *testing.T) {
	b := newTestBreaker(Config{Name: "synth"})
	called := false
	err := b.Do(func() error { called = true; return nil })
	if err != nil || !called {
		t.Errorf("Do = %v, called = %v", err, called)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(Config{Name: "synth", MaxFailures: 3})

	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return errUpstream }); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	// Open breaker short-circuits without calling fn.
	called := false
	if err := b.Do(func() error { called = true; return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("Do while open = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn must not run while the breaker is open")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(Config{Name: "synth", MaxFailures: 2})

	b.Do(func() error { return errUpstream })
	b.Do(func() error { return nil })
	b.Do(func() error { return errUpstream })

	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after interleaved success", b.State())
	}
}

func TestHalfOpenProbeClosesBreaker(t *testing.T) {
	b := newTestBreaker(Config{Name: "synth", MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMax: 2})
	b.Do(func() error { return errUpstream })

	// Move the clock past the reset timeout.
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", b.State())
	}

	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after successful probes", b.State())
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b := newTestBreaker(Config{Name: "synth", MaxFailures: 1, ResetTimeout: time.Minute})
	b.Do(func() error { return errUpstream })

	base := time.Now()
	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	if err := b.Do(func() error { return errUpstream }); !errors.Is(err, errUpstream) {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open after failed probe", b.State())
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("Do after failed probe = %v, want ErrOpen", err)
	}
}

func TestHalfOpenProbeBudget(t *testing.T) {
	b := newTestBreaker(Config{Name: "synth", MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMax: 1})
	b.Do(func() error { return errUpstream })
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	// First probe is admitted and closes the breaker on success.
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}
