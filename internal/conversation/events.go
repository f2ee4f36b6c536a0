// ABOUTME: Real-time event topics and JSON payloads published to observers
// ABOUTME: The same views are returned by the HTTP API so UI clients reconcile against one shape

package conversation

import (
	"time"

	"github.com/2389/switchboard/internal/store"
)

// Topic names a real-time event stream.
type Topic string

const (
	TopicNewMessage          Topic = "new_message"
	TopicOperatorNeeded      Topic = "operator_needed"
	TopicConversationClosed  Topic = "conversation_closed"
	TopicTransportStatus     Topic = "transport_status"
	TopicConversationUpdated Topic = "conversation_updated"
)

// Event is one published notification.
type Event struct {
	Topic   Topic     `json:"topic"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// MessageView is the JSON form of a message.
type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderKind     string    `json:"sender_kind"`
	SenderRef      *string   `json:"sender_ref,omitempty"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	IsRead         bool      `json:"is_read"`
}

// ClientView is the JSON form of a client.
type ClientView struct {
	ID                string    `json:"id"`
	Address           string    `json:"address"`
	DisplayName       string    `json:"display_name,omitempty"`
	ClientType        string    `json:"client_type"`
	ConversationState string    `json:"conversation_state"`
	LastMessage       string    `json:"last_message,omitempty"`
	LastMessageAt     time.Time `json:"last_message_at"`
}

// ConversationView is the JSON form of a conversation with its client.
type ConversationView struct {
	ID            string      `json:"id"`
	Status        string      `json:"status"`
	OperatorRef   *string     `json:"operator_ref,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	LastMessageAt time.Time   `json:"last_message_at"`
	EndedAt       *time.Time  `json:"ended_at,omitempty"`
	ClosedByRef   *string     `json:"closed_by_ref,omitempty"`
	CloseReason   string      `json:"close_reason,omitempty"`
	UnreadCount   int         `json:"unread_count"`
	Client        *ClientView `json:"client,omitempty"`
}

// NewMessageEvent is the payload of TopicNewMessage.
type NewMessageEvent struct {
	ConversationID string      `json:"conversation_id"`
	ClientAddress  string      `json:"client_address"`
	Message        MessageView `json:"message"`
}

// OperatorNeededEvent is the payload of TopicOperatorNeeded.
type OperatorNeededEvent struct {
	ConversationID string `json:"conversation_id"`
	ClientAddress  string `json:"client_address"`
	ClientType     string `json:"client_type"`
}

// ConversationClosedEvent is the payload of TopicConversationClosed.
type ConversationClosedEvent struct {
	ConversationID string  `json:"conversation_id"`
	ClientAddress  string  `json:"client_address"`
	Reason         string  `json:"reason"`
	ClosedBy       *string `json:"closed_by,omitempty"`
}

// ToMessageView converts a stored message.
func ToMessageView(m *store.Message) MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderKind:     string(m.SenderKind),
		SenderRef:      m.SenderRef,
		Content:        m.Content,
		Timestamp:      m.Timestamp,
		IsRead:         m.IsRead,
	}
}

// ToClientView converts a stored client.
func ToClientView(c *store.Client) *ClientView {
	if c == nil {
		return nil
	}
	return &ClientView{
		ID:                c.ID,
		Address:           c.Address,
		DisplayName:       c.DisplayName,
		ClientType:        string(c.ClientType),
		ConversationState: c.ConversationState,
		LastMessage:       c.LastMessage,
		LastMessageAt:     c.LastMessageAt,
	}
}

// ToConversationView converts a stored conversation listing row.
func ToConversationView(v *store.ConversationView) ConversationView {
	c := v.Conversation
	return ConversationView{
		ID:            c.ID,
		Status:        string(c.Status),
		OperatorRef:   c.OperatorRef,
		StartedAt:     c.StartedAt,
		LastMessageAt: c.LastMessageAt,
		EndedAt:       c.EndedAt,
		ClosedByRef:   c.ClosedByRef,
		CloseReason:   c.CloseReason,
		UnreadCount:   v.UnreadCount,
		Client:        ToClientView(v.Client),
	}
}
