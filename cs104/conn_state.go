package cs104

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-iec104/locking"
	"github.com/arloliu/go-iec104/logger"
)

// ConnState represents the stages of the link.
type ConnState uint32

// Link states.
const (
	// DisconnectedState indicates that no TCP connection exists.
	DisconnectedState ConnState = iota
	// ConnectingState indicates that the TCP connection or the STARTDT handshake is in progress.
	ConnectingState
	// DataTransferActiveState indicates that STARTDT was confirmed and telegrams flow.
	DataTransferActiveState
	// StoppedState indicates that data transfer ended, by STOPDT or a fatal error, and the
	// connection is being torn down.
	StoppedState
)

// IsDisconnected returns if the state is DisconnectedState.
func (cs ConnState) IsDisconnected() bool { return cs == DisconnectedState }

// IsConnecting returns if the state is ConnectingState.
func (cs ConnState) IsConnecting() bool { return cs == ConnectingState }

// IsActive returns if the state is DataTransferActiveState.
func (cs ConnState) IsActive() bool { return cs == DataTransferActiveState }

// IsStopped returns if the state is StoppedState.
func (cs ConnState) IsStopped() bool { return cs == StoppedState }

// String returns string representation of the state.
func (cs ConnState) String() string {
	switch cs {
	case DisconnectedState:
		return "disconnected"
	case ConnectingState:
		return "connecting"
	case DataTransferActiveState:
		return "data-transfer-active"
	case StoppedState:
		return "stopped"
	default:
		return "unknown"
	}
}

// ConnStateChangeHandler is invoked after the state changed from prevState to newState.
//
// Note: handlers run while the transition lock is held. They must not call a synchronous
// transition method; use the Async variants instead.
type ConnStateChangeHandler func(prevState ConnState, newState ConnState)

// ConnStateMgr manages the state of the link.
//
//	Disconnected --> Connecting --> DataTransferActive --> Stopped --> Disconnected
//	                     |                                   ^
//	                     +----------> Stopped / Disconnected-+
//
// Transitions are serialized and notify registered handlers. Waiters blocked in WaitState are
// woken on every change.
type ConnStateMgr struct {
	ctx              context.Context
	mu               sync.Locker // guards cond
	cond             *sync.Cond
	transMu          sync.Locker // serializes transitions and handlers
	state            atomic.Uint32
	logger           logger.Logger
	asyncStateChange chan stateReq
	handlers         []ConnStateChangeHandler
}

type stateReq struct {
	state ConnState
	cond  func() bool
}

// NewConnStateMgr creates a ConnStateMgr in DisconnectedState. Locks are created by policy.
// The asynchronous transition goroutine runs until ctx is done.
func NewConnStateMgr(ctx context.Context, policy locking.Policy, l logger.Logger, handlers ...ConnStateChangeHandler) *ConnStateMgr {
	mgr := &ConnStateMgr{
		ctx:              ctx,
		mu:               policy.NewMutex(),
		transMu:          policy.NewMutex(),
		logger:           l,
		asyncStateChange: make(chan stateReq, 16),
	}
	mgr.cond = policy.NewCond(mgr.mu)
	mgr.handlers = append(mgr.handlers, handlers...)
	mgr.state.Store(uint32(DisconnectedState))

	go mgr.asyncStateChangeTask()

	return mgr
}

// State returns the current state.
func (cs *ConnStateMgr) State() ConnState {
	return ConnState(cs.state.Load())
}

// AddHandler adds handlers invoked on state changes.
func (cs *ConnStateMgr) AddHandler(handlers ...ConnStateChangeHandler) {
	cs.transMu.Lock()
	defer cs.transMu.Unlock()

	cs.handlers = append(cs.handlers, handlers...)
}

// WaitState waits until the state equals state or ctx is done.
// It returns nil if the state is reached, ctx.Err() otherwise.
func (cs *ConnStateMgr) WaitState(ctx context.Context, state ConnState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		cs.mu.Lock()
		cs.cond.Broadcast()
		cs.mu.Unlock()
	})
	defer stopFunc()

	for cs.State() != state {
		if err := ctx.Err(); err != nil {
			cs.logger.Debug("wait connection state receive ctx done", "cur_state", cs.State(), "desired_state", state)
			return err
		}

		cs.cond.Wait()
	}

	return nil
}

// ToConnecting transitions Disconnected to Connecting.
func (cs *ConnStateMgr) ToConnecting() error {
	return cs.transition(ConnectingState, nil)
}

// ToDataTransferActive transitions Connecting to DataTransferActive.
func (cs *ConnStateMgr) ToDataTransferActive() error {
	return cs.transition(DataTransferActiveState, nil)
}

// ToStopped transitions Connecting or DataTransferActive to Stopped.
func (cs *ConnStateMgr) ToStopped() error {
	return cs.transition(StoppedState, nil)
}

// ToDisconnected transitions Connecting or Stopped to Disconnected.
func (cs *ConnStateMgr) ToDisconnected() error {
	return cs.transition(DisconnectedState, nil)
}

// ToConnectingAsync requests ToConnecting from the transition goroutine.
func (cs *ConnStateMgr) ToConnectingAsync() { cs.changeStateAsync(ConnectingState) }

// ToStoppedAsync requests ToStopped from the transition goroutine.
func (cs *ConnStateMgr) ToStoppedAsync() { cs.changeStateAsync(StoppedState) }

// ToDisconnectedAsync requests ToDisconnected from the transition goroutine.
func (cs *ConnStateMgr) ToDisconnectedAsync() { cs.changeStateAsync(DisconnectedState) }

// toActiveIf transitions to DataTransferActive when cond, evaluated under the transition
// lock, holds. It returns ErrInvalidTransition otherwise.
func (cs *ConnStateMgr) toActiveIf(cond func() bool) error {
	return cs.transition(DataTransferActiveState, cond)
}

func validTransition(from, to ConnState) bool {
	switch to {
	case ConnectingState:
		return from == DisconnectedState
	case DataTransferActiveState:
		return from == ConnectingState
	case StoppedState:
		return from == ConnectingState || from == DataTransferActiveState
	case DisconnectedState:
		return from == ConnectingState || from == StoppedState
	default:
		return false
	}
}

func (cs *ConnStateMgr) transition(to ConnState, cond func() bool) error {
	cs.transMu.Lock()
	defer cs.transMu.Unlock()

	from := cs.State()
	if from == to {
		return nil
	}

	if !validTransition(from, to) {
		return ErrInvalidTransition
	}

	if cond != nil && !cond() {
		return ErrInvalidTransition
	}

	cs.setState(to)
	cs.logger.Debug("connection state changed", "prev_state", from, "state", to)
	cs.invokeHandlers(from, to)

	return nil
}

// setState stores newState and wakes every waiter.
func (cs *ConnStateMgr) setState(newState ConnState) {
	cs.mu.Lock()
	cs.state.Store(uint32(newState))
	cs.cond.Broadcast()
	cs.mu.Unlock()
}

func (cs *ConnStateMgr) invokeHandlers(prevState ConnState, newState ConnState) {
	for _, handler := range cs.handlers {
		if handler != nil {
			handler(prevState, newState)
		}
	}
}

func (cs *ConnStateMgr) changeStateAsync(state ConnState) {
	select {
	case cs.asyncStateChange <- stateReq{state: state}:
	case <-cs.ctx.Done():
	}
}

// asyncStateChangeTask handles state changing in the background.
func (cs *ConnStateMgr) asyncStateChangeTask() {
	defer cs.logger.Debug("asyncStateChangeTask terminated")

	for {
		select {
		case <-cs.ctx.Done():
			return

		case req := <-cs.asyncStateChange:
			prevState := cs.State()
			if req.state == prevState {
				break
			}

			if err := cs.transition(req.state, req.cond); err != nil {
				cs.logger.Debug("async connection state rejected",
					"method", "asyncStateChangeTask",
					"prev_state", prevState, "cur_state", cs.State(), "desired_state", req.state,
					"error", err,
				)
			}
		}
	}
}
