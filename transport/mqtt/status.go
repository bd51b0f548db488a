package mqtt

import (
	"sync"

	"github.com/edgeforge/iothub/transport"
)

// ConnectionStatusBus fans a handler's connection-state transitions out to
// every registered listener. Grounded on the bare boolean
// ConnectionStatusHandler callback in
// other_examples/bluesea251610e-iothub__mqtt.go, generalized to the
// (status, reason, recommendedAction) triple spec.md §4.H specifies.
type ConnectionStatusBus struct {
	mu        sync.RWMutex
	listeners []transport.StatusListener
}

// NewConnectionStatusBus returns an empty bus.
func NewConnectionStatusBus() *ConnectionStatusBus {
	return &ConnectionStatusBus{}
}

// Register adds l to the set of listeners notified by Emit.
func (b *ConnectionStatusBus) Register(l transport.StatusListener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Emit delivers change to every registered listener, synchronously and in
// registration order. Listeners must not block.
func (b *ConnectionStatusBus) Emit(change transport.StatusChange) {
	b.mu.RLock()
	listeners := make([]transport.StatusListener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		l(change)
	}
}

// recommendedActionFor derives a RecommendedAction from a change reason,
// following the §4.H contract that every transition carries guidance for
// what the caller should do next.
func recommendedActionFor(reason transport.ConnectionStatusChangeReason) transport.RecommendedAction {
	switch reason {
	case transport.ClientOpen, transport.ClientClose:
		return transport.ActionNone
	case transport.CommunicationError:
		return transport.ActionRetryWithBackoff
	case transport.BadCredential:
		return transport.ActionReauthenticate
	case transport.DeviceDisabled, transport.ReasonQuotaExceeded:
		return transport.ActionQuit
	case transport.RetryExpired:
		return transport.ActionQuit
	default:
		return transport.ActionRetryWithBackoff
	}
}
