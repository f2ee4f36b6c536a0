// Package ingress normalizes raw transport events into InboundMessages.
//
// Events sent by the bound account itself and events without text are
// dropped silently. Events missing an id or sender are malformed: they are
// logged and dropped, never surfaced to clients. Event ids are remembered for
// a bounded window so a redelivered event yields no second message.
package ingress
