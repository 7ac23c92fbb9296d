package attempt

import (
	"sync/atomic"
)

// BridgeState is the state of a cancellation bridge.
type BridgeState int32

const (
	// BridgeArmed listens for a cancellation notification.
	BridgeArmed BridgeState = iota
	// BridgeCancelRequested has accepted a notification and is stopping the backend.
	BridgeCancelRequested
	// BridgePropagated has invoked the backend's stop routine.
	BridgePropagated
	// BridgeDisarmed saw the run finish first; later notifications are discarded.
	BridgeDisarmed
)

func (s BridgeState) String() string {
	switch s {
	case BridgeArmed:
		return "ARMED"
	case BridgeCancelRequested:
		return "CANCEL_REQUESTED"
	case BridgePropagated:
		return "PROPAGATED"
	case BridgeDisarmed:
		return "DISARMED"
	default:
		return "UNKNOWN"
	}
}

// Bridge carries one attempt's external cancellation into its backend.
// The first of Notify and Disarm wins; everything after is a no-op, so the
// stop routine runs at most once.
type Bridge struct {
	state      atomic.Int32
	stop       func() error
	stopErr    error
	requested  chan struct{}
	propagated chan struct{}
}

// NewBridge returns an armed bridge that calls stop on cancellation.
func NewBridge(stop func() error) *Bridge {
	return &Bridge{
		stop:       stop,
		requested:  make(chan struct{}),
		propagated: make(chan struct{}),
	}
}

// Notify delivers a cancellation notification. It reports whether this call
// triggered cancellation. The stop routine runs on its own goroutine so
// Notify never blocks the caller.
func (b *Bridge) Notify() bool {
	if !b.state.CompareAndSwap(int32(BridgeArmed), int32(BridgeCancelRequested)) {
		return false
	}
	close(b.requested)
	go func() {
		b.stopErr = b.stop()
		b.state.Store(int32(BridgePropagated))
		close(b.propagated)
	}()
	return true
}

// Disarm records that the run produced its terminal result. It reports
// false if a cancellation was already accepted.
func (b *Bridge) Disarm() bool {
	return b.state.CompareAndSwap(int32(BridgeArmed), int32(BridgeDisarmed))
}

// State returns the current state.
func (b *Bridge) State() BridgeState {
	return BridgeState(b.state.Load())
}

// Requested is closed once a cancellation notification is accepted.
func (b *Bridge) Requested() <-chan struct{} { return b.requested }

// Propagated is closed once the stop routine has returned.
func (b *Bridge) Propagated() <-chan struct{} { return b.propagated }

// StopErr returns the stop routine's error. Only valid after Propagated is
// closed.
func (b *Bridge) StopErr() error {
	select {
	case <-b.propagated:
		return b.stopErr
	default:
		return nil
	}
}
