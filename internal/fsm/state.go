// Package fsm implements the connectivity state machine as a pure transition
// function. Side effects are returned as data and performed by the caller.
package fsm

import (
	"fmt"

	"github.com/goccy/go-json"
)

// State is the connectivity state. Exactly one value is active at a time.
type State string

const (
	Idle                 State = "idle"
	DisconnectedIdle     State = "disconnectedIdle"
	DisconnectedRetrying State = "disconnectedRetrying"
	ConnectingIdle       State = "connectingIdle"
	ConnectingRetrying   State = "connectingRetrying"
	Connected            State = "connected"
)

// AllStates lists every state in declaration order.
var AllStates = []State{Idle, DisconnectedIdle, DisconnectedRetrying, ConnectingIdle, ConnectingRetrying, Connected}

var knownStates = map[State]struct{}{
	Idle:                 {},
	DisconnectedIdle:     {},
	DisconnectedRetrying: {},
	ConnectingIdle:       {},
	ConnectingRetrying:   {},
	Connected:            {},
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	_, ok := knownStates[s]
	return ok
}

func (s State) String() string { return string(s) }

// IsConnecting reports whether a transport open is in flight.
func (s State) IsConnecting() bool {
	return s == ConnectingIdle || s == ConnectingRetrying
}

// IsActive reports whether the user intends to be connected in s.
func (s State) IsActive() bool {
	return s == Connected || s.IsConnecting() || s == DisconnectedRetrying
}

// Context is the retry bookkeeping persisted alongside the state.
type Context struct {
	RetryCount                      int   `json:"retryCount"`
	TimeSinceLastRetryWithRefreshMs int64 `json:"timeSinceLastRetryWithRefreshMs"`
	CurrentReconnectionDelayMs      int64 `json:"currentReconnectionDelayMs"`
	RetriedConnectToOtherEndpoint   bool  `json:"retriedConnectToOtherEndpoint"`
}

// Snapshot is the persisted (state, context) pair.
type Snapshot struct {
	State   State   `json:"state"`
	Context Context `json:"context"`
}

// DecodeSnapshot parses a persisted snapshot and validates it against the
// policy. Any problem yields the initial snapshot together with the reason.
func DecodeSnapshot(data []byte, p Policy) (Snapshot, error) {
	initial := p.InitialSnapshot()
	if len(data) == 0 {
		return initial, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return initial, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := p.Validate(snap); err != nil {
		return initial, err
	}
	return snap, nil
}

// Validate checks that a snapshot could have been produced by the policy.
func (p Policy) Validate(snap Snapshot) error {
	if !snap.State.Valid() {
		return fmt.Errorf("unknown state %q", snap.State)
	}
	c := snap.Context
	switch {
	case c.RetryCount < 0:
		return fmt.Errorf("negative retry count %d", c.RetryCount)
	case c.TimeSinceLastRetryWithRefreshMs < 0:
		return fmt.Errorf("negative refresh timer %d", c.TimeSinceLastRetryWithRefreshMs)
	case c.CurrentReconnectionDelayMs < p.FloorMs || c.CurrentReconnectionDelayMs > p.CeilingMs:
		return fmt.Errorf("reconnection delay %d outside [%d, %d]", c.CurrentReconnectionDelayMs, p.FloorMs, p.CeilingMs)
	case snap.State == Connected && c.RetryCount != 0:
		return fmt.Errorf("connected with retry count %d", c.RetryCount)
	}
	return nil
}
