package backend

import "sync"

// State describes the connection lifecycle of a backend.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// lifecycle is a lightweight deterministic state machine. Transitions are
// one-way; closed is terminal.
type lifecycle struct {
	mu    sync.RWMutex
	state State
}

func newLifecycle() *lifecycle {
	return &lifecycle{state: StateConnecting}
}

// State returns the current state.
func (l *lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// markReady moves connecting to ready. Reports whether the transition
// happened; it happens at most once.
func (l *lifecycle) markReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateConnecting {
		return false
	}
	l.state = StateReady
	return true
}

// markClosing enters the closing state from any non-terminal state.
func (l *lifecycle) markClosing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosing || l.state == StateClosed {
		return false
	}
	l.state = StateClosing
	return true
}

// markClosed makes the terminal transition. Reports whether this call was
// the one that closed.
func (l *lifecycle) markClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return false
	}
	l.state = StateClosed
	return true
}
