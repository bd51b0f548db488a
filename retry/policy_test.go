package retry

import (
	"errors"
	"testing"
	"time"
)

type transientErr struct{ transient bool }

func (e transientErr) Error() string     { return "boom" }
func (e transientErr) IsTransient() bool { return e.transient }

func TestFixedRetriesUntilCap(t *testing.T) {
	t.Parallel()

	p := Fixed{Delay: time.Second, MaxRetries: 2}
	for attempt := 1; attempt <= 2; attempt++ {
		retry, d := p.ShouldRetry(attempt, transientErr{transient: true})
		if !retry {
			t.Fatalf("attempt %d: expected retry", attempt)
		}
		if d != time.Second {
			t.Fatalf("attempt %d: delay = %v, want %v", attempt, d, time.Second)
		}
	}
	if retry, _ := p.ShouldRetry(3, transientErr{transient: true}); retry {
		t.Fatal("expected no retry beyond MaxRetries")
	}
}

func TestFixedUnboundedWhenMaxRetriesZero(t *testing.T) {
	t.Parallel()

	p := Fixed{Delay: time.Millisecond}
	if retry, _ := p.ShouldRetry(1000, transientErr{transient: true}); !retry {
		t.Fatal("expected unbounded retries when MaxRetries is 0")
	}
}

func TestFixedRefusesNonTransient(t *testing.T) {
	t.Parallel()

	p := Fixed{Delay: time.Second}
	if retry, _ := p.ShouldRetry(1, transientErr{transient: false}); retry {
		t.Fatal("expected no retry for a non-transient error")
	}
}

func TestFixedTreatsUnknownErrorsAsTransient(t *testing.T) {
	t.Parallel()

	p := Fixed{Delay: time.Second}
	if retry, _ := p.ShouldRetry(1, errors.New("plain")); !retry {
		t.Fatal("expected a plain error (no IsTransient) to be treated as transient")
	}
}

func TestExponentialDoublesUpToMax(t *testing.T) {
	t.Parallel()

	p := Exponential{Base: time.Second, Max: 10 * time.Second}
	wants := []time.Duration{1, 2, 4, 8, 10}
	for i, want := range wants {
		_, d := p.ShouldRetry(i+1, transientErr{transient: true})
		if d != want*time.Second {
			t.Fatalf("attempt %d: delay = %v, want %v", i+1, d, want*time.Second)
		}
	}
}

func TestExponentialJitterStaysInBand(t *testing.T) {
	t.Parallel()

	p := Exponential{Base: time.Second, Max: time.Second, UseJitter: true}
	for i := 0; i < 50; i++ {
		_, d := p.ShouldRetry(1, transientErr{transient: true})
		if d < 950*time.Millisecond || d > 1050*time.Millisecond {
			t.Fatalf("delay %v out of [0.95,1.05] jitter band for base 1s", d)
		}
	}
}

func TestIncrementalGrowsByStep(t *testing.T) {
	t.Parallel()

	p := Incremental{Base: time.Second, Step: 500 * time.Millisecond, Max: 3 * time.Second}
	wants := []time.Duration{
		time.Second,
		1500 * time.Millisecond,
		2 * time.Second,
		2500 * time.Millisecond,
		3 * time.Second,
		3 * time.Second, // clamped at Max
	}
	for i, want := range wants {
		_, d := p.ShouldRetry(i+1, transientErr{transient: true})
		if d != want {
			t.Fatalf("attempt %d: delay = %v, want %v", i+1, d, want)
		}
	}
}
