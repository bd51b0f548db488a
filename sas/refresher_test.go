package sas

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
)

func TestRefresherIssuesFirstTokenSynchronously(t *testing.T) {
	t.Parallel()

	sign := func(ctx context.Context, audience string) (string, time.Time, error) {
		return "tok-1", time.Time{}, nil
	}
	r := New(sign, "aud")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	issued, err := r.Current(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if issued.Token != "tok-1" {
		t.Fatalf("Token = %q, want %q", issued.Token, "tok-1")
	}
}

func TestRefresherFirstIssueFailurePropagates(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("boom")
	sign := func(ctx context.Context, audience string) (string, time.Time, error) {
		return "", time.Time{}, wantErr
	}
	r := New(sign, "aud")
	if err := r.Run(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("Run() err = %v, want %v", err, wantErr)
	}
}

func TestRefresherReissuesAfterRefreshOn(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	sign := func(ctx context.Context, audience string) (string, time.Time, error) {
		n := calls.Add(1)
		if n == 1 {
			return "tok-1", time.Now().Add(10 * time.Millisecond), nil
		}
		return "tok-2", time.Time{}, nil
	}

	r := New(sign, "aud")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		issued, err := r.Current(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if issued.Token == "tok-2" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for token re-issue")
}

func TestRefresherTransientFailureContinuesLoop(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	sign := func(ctx context.Context, audience string) (string, time.Time, error) {
		n := calls.Add(1)
		switch n {
		case 1:
			return "tok-1", time.Now().Add(5 * time.Millisecond), nil
		case 2:
			return "", time.Time{}, errors.New("transient")
		default:
			return "tok-final", time.Time{}, nil
		}
	}

	r := New(sign, "aud")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		issued, err := r.Current(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if issued.Token == "tok-final" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for recovery after a transient failure")
}

func TestRefresherCloseStopsLoopCleanly(t *testing.T) {
	t.Parallel()
	defer leaktest.Check(t)()

	sign := func(ctx context.Context, audience string) (string, time.Time, error) {
		return "tok", time.Now().Add(time.Hour), nil
	}
	r := New(sign, "aud")
	ctx := context.Background()
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}

	r.Close()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("refresh loop did not exit after Close")
	}
}

func TestRefresherCurrentBlocksUntilFirstIssue(t *testing.T) {
	t.Parallel()

	r := New(func(ctx context.Context, audience string) (string, time.Time, error) {
		return "tok", time.Time{}, nil
	}, "aud")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Run was never called: ready is never closed, so Current must respect ctx.
	if _, err := r.Current(ctx); err == nil {
		t.Fatal("expected Current to fail when no token has ever been issued and ctx expires")
	}
}
