// Package transport manages the connection to the instant-messaging network.
//
// A Driver (see the matrix and cloudapi subpackages) performs one connection
// session at a time. The Supervisor runs the driver in a loop:
//
//	Disconnected -> AwaitingPairing(code) -> Connected(boundAddress)
//	any state    -> Disconnected (on loss)
//
// After a transient loss the supervisor waits a fixed backoff and reconnects.
// After ErrLoggedOut it stays disconnected until Connect is called.
//
// Every state change and every inbound batch is published as an Event on a
// single channel, so the router consumes transport activity from one loop.
// Send fails fast with ErrNotConnected when there is no session and wraps
// driver failures in ErrSendFailed; outbound messages are never queued.
package transport
