package monitor

import "sync/atomic"

// State is the lifecycle state of a Monitor.
type State uint32

const (
	StateIdle State = iota
	StateConnecting
	StateRunning
	StateDisconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateRunning:
		return "Running"
	case StateDisconnecting:
		return "Disconnecting"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// AtomicState holds a State with compare-and-swap transitions.
type AtomicState struct {
	state atomic.Uint32
}

func (st *AtomicState) String() string {
	return st.Get().String()
}

// Get returns the current state.
func (st *AtomicState) Get() State {
	return State(st.state.Load())
}

// Set stores state unconditionally.
func (st *AtomicState) Set(state State) {
	st.state.Store(uint32(state))
}

func (st *AtomicState) IsRunning() bool {
	return st.Get() == StateRunning
}

// IsActive reports whether the monitor is connecting, running or shutting down.
func (st *AtomicState) IsActive() bool {
	switch st.Get() {
	case StateConnecting, StateRunning, StateDisconnecting:
		return true
	default:
		return false
	}
}

// ToConnecting moves from Idle or Stopped to Connecting.
func (st *AtomicState) ToConnecting() bool {
	if st.state.CompareAndSwap(uint32(StateIdle), uint32(StateConnecting)) {
		return true
	}

	return st.state.CompareAndSwap(uint32(StateStopped), uint32(StateConnecting))
}

// ToRunning moves from Connecting to Running.
func (st *AtomicState) ToRunning() bool {
	return st.state.CompareAndSwap(uint32(StateConnecting), uint32(StateRunning))
}

// ToDisconnecting moves from Running or Connecting to Disconnecting.
func (st *AtomicState) ToDisconnecting() bool {
	if st.state.CompareAndSwap(uint32(StateRunning), uint32(StateDisconnecting)) {
		return true
	}

	return st.state.CompareAndSwap(uint32(StateConnecting), uint32(StateDisconnecting))
}

// ToStopped moves to Stopped from any state.
func (st *AtomicState) ToStopped() {
	st.Set(StateStopped)
}
