// ABOUTME: Transport session state, status snapshots and supervisor events
// ABOUTME: Status is what observers see on every state change and on the status query

package transport

import "time"

// State is the supervisor's session state.
type State string

const (
	StateDisconnected    State = "disconnected"
	StateAwaitingPairing State = "awaiting_pairing"
	StateConnected       State = "connected"
)

// Status is a snapshot of the transport session.
type Status struct {
	Driver          string     `json:"driver"`
	State           State      `json:"state"`
	Connected       bool       `json:"connected"`
	PairingCode     string     `json:"pairing_code,omitempty"`
	BoundAddress    string     `json:"bound_address,omitempty"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	Reconnecting    bool       `json:"reconnecting"`
}

// EventKind distinguishes supervisor events.
type EventKind string

const (
	EventStatus  EventKind = "status"
	EventInbound EventKind = "inbound"
)

// Event is emitted by the supervisor to the single router loop.
type Event struct {
	Kind    EventKind
	Status  Status     // set for EventStatus
	Inbound []RawEvent // set for EventInbound
}
