// ABOUTME: Transport driver contract, raw inbound events and typed transport errors
// ABOUTME: Drivers (matrix, cloudapi) implement Driver; the Supervisor owns their lifecycle

package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned by Send while no transport session is connected.
	ErrNotConnected = errors.New("transport not connected")

	// ErrSendFailed wraps a driver failure to deliver an outbound message.
	ErrSendFailed = errors.New("transport send failed")

	// ErrLoggedOut is returned by a driver when the remote side revoked the
	// session. The supervisor does not reconnect after it.
	ErrLoggedOut = errors.New("transport session logged out")
)

// RawEvent is one inbound message as reported by a driver, before normalization.
type RawEvent struct {
	ID          string
	From        string
	DisplayName string
	SelfSent    bool
	Text        string
	ReceivedAt  time.Time
}

// Session is handed to Driver.Run and lets the driver report progress of one
// connection attempt. Calls made after Run returns are ignored.
type Session interface {
	// PairingCode reports a code the operator must enter on the device.
	PairingCode(code string)
	// Connected reports that the session is ready and bound to address.
	Connected(boundAddress string)
	// Deliver hands a batch of inbound events to the router, in arrival order.
	Deliver(events []RawEvent)
}

// Driver is a messaging transport.
type Driver interface {
	// Name identifies the driver in logs and status.
	Name() string

	// Run performs one connection session and blocks until it ends.
	// It returns nil when ctx is cancelled, an error wrapping ErrLoggedOut
	// when the session was revoked, and any other error for a transient loss.
	Run(ctx context.Context, session Session) error

	// Send delivers text to address on the current session.
	Send(ctx context.Context, address, text string) error
}

// Sender is the outbound half of the transport used by the router.
type Sender interface {
	Send(ctx context.Context, address, text string) error
}
