// Package sas runs the background loop that keeps a shared-access-signature
// token fresh for as long as a transport handler is open.
//
// Grounded on the teacher's synchronous, connect-time token generation
// (credentials.Credentials.GenerateToken) plus the proactive refresh-timer
// goroutine in other_examples/bluesea251610e-iothub__mqtt.go's
// startTokenRefreshTimer/stopTokenRefreshTimer, generalized into a
// standalone, independently testable loop instead of being wired into one
// transport's Connect method.
package sas

import (
	"context"
	"sync"
	"time"

	"github.com/edgeforge/iothub/common"
)

// Signer issues a SAS token string for the given audience, valid until the
// returned time. It is satisfied by *credentials.Credentials.GenerateToken
// bound to an audience, or any pluggable third-party signer.
type Signer func(ctx context.Context, audience string) (token string, refreshOn time.Time, err error)

// Issued is the most recently issued token and when it should next be refreshed.
type Issued struct {
	Token     string
	RefreshOn time.Time
}

// RefresherOption configures a Refresher at construction.
type RefresherOption func(*Refresher)

// WithLogger sets the logger used to report transient re-issue failures.
func WithLogger(l common.Logger) RefresherOption {
	return func(r *Refresher) { r.logger = l }
}

// WithClock overrides the refresher's notion of "now", for tests.
func WithClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) { r.now = now }
}

// Refresher runs a Signer on a loop, always keeping a fresh token available
// via Current, and re-issuing proactively once RefreshOn arrives. It is owned
// exclusively by one transport handler and must be stopped with Close.
type Refresher struct {
	sign     Signer
	audience string
	logger   common.Logger
	now      func() time.Time

	mu      sync.RWMutex
	current Issued
	lastErr error

	ready  chan struct{} // closed once the first token has been issued
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Refresher for the given signer and audience. The
// background loop is started by Run.
func New(sign Signer, audience string, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		sign:     sign,
		audience: audience,
		logger:   common.NewLogger("sas", common.LevelError, nil),
		now:      time.Now,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run issues the first token synchronously, then starts the background
// refresh loop. It blocks until the first token is issued or ctx is done.
// The loop itself runs until ctx is cancelled or Close is called.
func (r *Refresher) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	tok, refreshOn, err := r.sign(ctx, r.audience)
	if err != nil {
		close(r.done)
		return err
	}
	r.store(tok, refreshOn, nil)
	close(r.ready)

	go r.loop(loopCtx)
	return nil
}

func (r *Refresher) loop(ctx context.Context) {
	defer close(r.done)

	for {
		r.mu.RLock()
		refreshOn := r.current.RefreshOn
		r.mu.RUnlock()

		var wait <-chan time.Time
		if !refreshOn.IsZero() {
			if d := refreshOn.Sub(r.now()); d > 0 {
				t := time.NewTimer(d)
				defer t.Stop()
				wait = t.C
			} else {
				wait = immediate()
			}
		} else {
			// refresh-on is +∞: nothing to do until cancelled.
			<-ctx.Done()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-wait:
		}

		tok, newRefreshOn, err := r.sign(ctx, r.audience)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warnf("sas: token re-issue failed, retrying: %v", err)
			r.mu.Lock()
			r.lastErr = err
			r.mu.Unlock()
			continue
		}
		r.store(tok, newRefreshOn, nil)
	}
}

func immediate() <-chan time.Time {
	c := make(chan time.Time, 1)
	c <- time.Now()
	return c
}

func (r *Refresher) store(tok string, refreshOn time.Time, err error) {
	r.mu.Lock()
	r.current = Issued{Token: tok, RefreshOn: refreshOn}
	r.lastErr = err
	r.mu.Unlock()
}

// Current returns the most recently issued token. It blocks until the first
// token has been issued, or ctx is done.
func (r *Refresher) Current(ctx context.Context) (Issued, error) {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return Issued{}, ctx.Err()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, nil
}

// Close stops the refresh loop. It does not block waiting for the loop to
// observe cancellation.
func (r *Refresher) Close() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Done returns a channel that's closed once the refresh loop has exited.
func (r *Refresher) Done() <-chan struct{} {
	return r.done
}
