// ABOUTME: Sentinel errors of the routing layer
// ABOUTME: Transport errors pass through unchanged from the transport package

package conversation

import "errors"

var (
	// ErrConversationClosed is returned for operator actions on a closed conversation.
	ErrConversationClosed = errors.New("conversation is closed")

	// ErrPersistence wraps a store failure after the router already acted,
	// for example a delivered message that could not be recorded.
	ErrPersistence = errors.New("persistence failed")

	// ErrEmptyMessage is returned when an operator sends blank text.
	ErrEmptyMessage = errors.New("message content is empty")
)
