// Copyright 2026 The MyAgents Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/HuaMick/myagents-relay/lib/clock"
)

// State is the client's connection lifecycle phase.
type State int

const (
	// StateDisconnected is the idle state: no transport, nothing
	// scheduled. Both the initial and the terminal state.
	StateDisconnected State = iota

	// StateConnecting is a first connection attempt in flight.
	StateConnecting

	// StateConnected is a live, usable transport.
	StateConnected

	// StateReconnecting is a retry scheduled or in flight after a
	// failure or an unexpected transport closure.
	StateReconnecting

	// StateError records a failure. The machine holds the message
	// until the next transition into a non-error state.
	StateError
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReconnecting: "reconnecting",
	StateError:        "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// StateChange is the snapshot delivered to observers on every actual
// transition. ErrorMessage is non-empty only when State is StateError.
type StateChange struct {
	State        State
	ErrorMessage string
	At           time.Time
}

// StateMachine tracks the connection state under guarded transitions:
// each setter names the states it may fire from and silently ignores
// the call otherwise, so racing goroutines cannot push the machine
// through an illegal edge. Observers are notified exactly once per
// actual change, in registration order.
//
// The zero value is not usable; build one with NewStateMachine.
type StateMachine struct {
	clock clock.Clock

	mu             sync.Mutex
	state          State
	errorMessage   string
	lastTransition time.Time
	observers      []stateObserver
	nextObserverID int
}

type stateObserver struct {
	id int
	fn func(StateChange)
}

// NewStateMachine returns a machine in StateDisconnected. A nil clk
// uses the real clock; tests inject a fake for deterministic
// transition timestamps.
func NewStateMachine(clk clock.Clock) *StateMachine {
	if clk == nil {
		clk = clock.Real()
	}
	return &StateMachine{
		clock:          clk,
		state:          StateDisconnected,
		lastTransition: clk.Now(),
	}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ErrorMessage returns the message recorded by the last SetError, or
// "" outside StateError.
func (m *StateMachine) ErrorMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorMessage
}

// LastTransition returns when the machine last actually changed.
func (m *StateMachine) LastTransition() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTransition
}

// Snapshot returns the current state, error message, and transition
// time as one consistent read.
func (m *StateMachine) Snapshot() StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return StateChange{State: m.state, ErrorMessage: m.errorMessage, At: m.lastTransition}
}

// OnChange registers fn to run on every actual state change. The
// returned remove function unregisters it and is idempotent.
//
// Callbacks run synchronously with the machine's lock held, in
// registration order; they must not call back into the StateMachine.
func (m *StateMachine) OnChange(fn func(StateChange)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextObserverID
	m.nextObserverID++
	m.observers = append(m.observers, stateObserver{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, observer := range m.observers {
			if observer.id == id {
				m.observers = append(m.observers[:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// SetConnecting marks a first connection attempt. Valid from
// disconnected and error; a no-op from any other state.
func (m *StateMachine) SetConnecting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDisconnected && m.state != StateError {
		return
	}
	m.transitionLocked(StateConnecting, "")
}

// SetConnected marks a successful attempt. Valid from connecting and
// reconnecting; a no-op from any other state.
func (m *StateMachine) SetConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnecting && m.state != StateReconnecting {
		return
	}
	m.transitionLocked(StateConnected, "")
}

// SetReconnecting marks a scheduled or in-flight retry. Valid from
// disconnected, error, and connected (an unexpected closure of a live
// transport); a no-op from any other state — in particular it does
// not restart the stamp while already reconnecting.
func (m *StateMachine) SetReconnecting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDisconnected && m.state != StateError && m.state != StateConnected {
		return
	}
	m.transitionLocked(StateReconnecting, "")
}

// SetDisconnected marks the idle state. A no-op when already
// disconnected, so repeated teardown paths notify at most once.
func (m *StateMachine) SetDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDisconnected {
		return
	}
	m.transitionLocked(StateDisconnected, "")
}

// SetError records a failure with its message. Valid from any state.
// Re-entering error with a different message counts as a change and
// notifies; repeating the same message does not.
func (m *StateMachine) SetError(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateError && m.errorMessage == message {
		return
	}
	m.transitionLocked(StateError, message)
}

// Reset forces the machine back to disconnected and always notifies,
// even when already disconnected. Teardown paths use it so observers
// see a final, unambiguous resting state.
func (m *StateMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitionLocked(StateDisconnected, "")
}

// transitionLocked performs the state change and notifies observers.
// Callers hold m.mu and have already validated the edge.
func (m *StateMachine) transitionLocked(to State, errorMessage string) {
	m.state = to
	m.errorMessage = errorMessage
	m.lastTransition = m.clock.Now()

	change := StateChange{State: to, ErrorMessage: errorMessage, At: m.lastTransition}
	for _, observer := range m.observers {
		observer.fn(change)
	}
}
