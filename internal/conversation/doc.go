// Package conversation routes client messages between the bot and human
// operators and tracks conversation lifecycle.
//
// # Overview
//
// The Service consumes typed events from the transport supervisor in a
// single loop. Inbound batches are normalized and each message is queued on
// the serial lane of its client address, so everything that reads and
// writes one client's rows runs in delivery order and never interleaves:
//
//  1. Resolver finds or creates the client and its open conversation
//  2. The client message is recorded (a repeated transport event id is skipped)
//  3. The inactivity timer is reset while the conversation is active
//  4. If the conversation is active with no operator, the bot computes a
//     transition, the Dispatcher sends the reply, and either the new bot
//     state is stored or the Handoff moves the conversation to waiting
//
// # Operator actions
//
// Operators act through SendAsOperator, Take, Release, Close and MarkRead.
// They run on the same lane as inbound traffic for that client.
//
//   - Take: status active, operator assigned, bot silent, inactivity window restarted
//   - Release: operator cleared, bot restarts at welcome on the next message,
//     inactivity window restarted
//   - Close: status closed, inactivity timer cancelled
//
// # Delivery policy
//
// The Dispatcher sends first and records second. A message the transport
// did not accept is never recorded and the transport error is returned
// (transport.ErrNotConnected or transport.ErrSendFailed). A delivered
// message that could not be recorded is reported with ErrPersistence.
//
// # Inactivity
//
// The Reaper keeps one timer per active conversation. Handoff drops it, so a
// conversation waiting for an operator never expires. When a timer fires the
// Service re-checks, on the client's lane, that the conversation is still
// active and idle for the whole window before closing it and sending the
// closure notice. Timers are re-armed at startup and a cron sweep catches
// anything a timer missed.
//
// # Events
//
// EventBroadcaster fans out new_message, operator_needed,
// conversation_closed, transport_status and conversation_updated to
// subscribers. Delivery is at-most-once.
package conversation
