package corr

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
)

func TestInsertDuplicateRejected(t *testing.T) {
	t.Parallel()

	r := New()
	if _, err := r.Insert("1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Insert("1"); err == nil {
		t.Fatal("expected an error inserting a duplicate request id")
	}
}

func TestCompleteDeliversValue(t *testing.T) {
	t.Parallel()

	r := New()
	ch, err := r.Insert("1")
	if err != nil {
		t.Fatal(err)
	}

	r.Complete("1", 42)

	select {
	case res := <-ch:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if res.Value != 42 {
			t.Fatalf("Value = %v, want 42", res.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}

	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after completion", r.Len())
	}
}

func TestCompleteUnknownRIDIsNoop(t *testing.T) {
	t.Parallel()

	r := New()
	r.Complete("missing", "value") // must not panic or block
}

func TestCancelRemovesEntryAndResolvesError(t *testing.T) {
	t.Parallel()

	r := New()
	ch, err := r.Insert("1")
	if err != nil {
		t.Fatal(err)
	}

	wantErr := errors.New("cancelled")
	r.Cancel("1", wantErr)

	select {
	case res := <-ch:
		if res.Err != wantErr {
			t.Fatalf("Err = %v, want %v", res.Err, wantErr)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation")
	}

	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after cancel", r.Len())
	}
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	t.Parallel()

	r := New()
	ch, err := r.Insert("stale")
	if err != nil {
		t.Fatal(err)
	}

	wantErr := errors.New("timed out")
	n := r.Sweep(time.Now().Add(time.Hour), time.Minute, wantErr)
	if n != 1 {
		t.Fatalf("Sweep() removed %d entries, want 1", n)
	}

	select {
	case res := <-ch:
		if res.Err != wantErr {
			t.Fatalf("Err = %v, want %v", res.Err, wantErr)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sweep resolution")
	}
}

func TestSweepLeavesFreshEntries(t *testing.T) {
	t.Parallel()

	r := New()
	if _, err := r.Insert("fresh"); err != nil {
		t.Fatal(err)
	}

	n := r.Sweep(time.Now(), time.Hour, errors.New("unused"))
	if n != 0 {
		t.Fatalf("Sweep() removed %d entries, want 0", n)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestConcurrentInsertComplete(t *testing.T) {
	t.Parallel()
	defer leaktest.Check(t)()

	r := New()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			rid := ridFor(i)
			ch, err := r.Insert(rid)
			if err != nil {
				t.Error(err)
				return
			}
			r.Complete(rid, i)
			select {
			case res := <-ch:
				if res.Value != i {
					t.Errorf("Value = %v, want %d", res.Value, i)
				}
			case <-time.After(time.Second):
				t.Error("timed out waiting for completion")
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after all complete", r.Len())
	}
}

func ridFor(i int) string {
	return fmt.Sprintf("rid-%d", i)
}
