package cs104

import "sync/atomic"

// OpState is the lifecycle of a Client, independent of the link state.
type OpState uint32

const (
	ClosedState OpState = iota
	ClosingState
	OpeningState
	OpenedState
)

func (s OpState) String() string {
	switch s {
	case ClosedState, finalState:
		return "Closed"
	case ClosingState:
		return "Closing"
	case OpeningState:
		return "Opening"
	case OpenedState:
		return "Opened"
	default:
		return "Unknown"
	}
}

// AtomicOpState holds an OpState. The zero value is ClosedState.
type AtomicOpState struct {
	state atomic.Uint32
}

func (st *AtomicOpState) String() string {
	return st.Get().String()
}

// Get returns the current state.
func (st *AtomicOpState) Get() OpState {
	return OpState(st.state.Load())
}

func (st *AtomicOpState) IsClosed() bool {
	return st.Get() == ClosedState
}

func (st *AtomicOpState) IsOpened() bool {
	return st.Get() == OpenedState
}

func (st *AtomicOpState) ToOpening() bool {
	return st.state.CompareAndSwap(uint32(ClosedState), uint32(OpeningState))
}

func (st *AtomicOpState) ToOpened() bool {
	if st.IsOpened() {
		return true
	}

	return st.state.CompareAndSwap(uint32(OpeningState), uint32(OpenedState))
}

// ToClosing moves an opening or opened client to ClosingState. It returns false if the client
// is closing or closed already.
func (st *AtomicOpState) ToClosing() bool {
	if st.state.CompareAndSwap(uint32(OpenedState), uint32(ClosingState)) {
		return true
	}

	return st.state.CompareAndSwap(uint32(OpeningState), uint32(ClosingState))
}

// ToFinal marks the client as closed for good; a finished client cannot be reopened.
func (st *AtomicOpState) ToFinal() {
	st.state.Store(uint32(finalState))
}

// IsFinal reports whether Close has completed.
func (st *AtomicOpState) IsFinal() bool {
	return st.Get() == finalState
}

// finalState is ClosedState reached through Close. It is not exported; String reports it as Closed.
const finalState OpState = 1<<32 - 1
