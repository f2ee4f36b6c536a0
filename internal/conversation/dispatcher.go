// ABOUTME: Outbound Dispatcher sends through the transport, then records and publishes the message
// ABOUTME: A message that was never delivered is never recorded; bot, operator and system sends share this path

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/transport"
)

// Dispatcher delivers outbound text for a conversation.
type Dispatcher struct {
	sender transport.Sender
	store  store.Store
	events *EventBroadcaster
	now    func() time.Time
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. Pass nil logger for default.
func NewDispatcher(sender transport.Sender, s store.Store, events *EventBroadcaster, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender: sender,
		store:  s,
		events: events,
		now:    time.Now,
		logger: logger.With("component", "dispatcher"),
	}
}

// Dispatch sends text to the client of conv and records it as authored by
// kind. On a transport failure it returns the transport error
// (transport.ErrNotConnected or transport.ErrSendFailed) and records
// nothing. When delivery succeeded but recording failed, it returns the
// message together with an error wrapping ErrPersistence.
//
// conv and client are updated in place with the new last-message data.
func (d *Dispatcher) Dispatch(ctx context.Context, conv *store.Conversation, client *store.Client, kind store.SenderKind, senderRef *string, text string) (*store.Message, error) {
	if err := d.sender.Send(ctx, client.Address, text); err != nil {
		d.logger.Warn("outbound send failed",
			"conversation_id", conv.ID,
			"sender_kind", kind,
			"error", err)
		return nil, err
	}

	// keep timestamps non-decreasing within the conversation
	ts := d.now().UTC()
	if ts.Before(conv.LastMessageAt) {
		ts = conv.LastMessageAt
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderKind:     kind,
		SenderRef:      senderRef,
		Content:        text,
		Timestamp:      ts,
		IsRead:         true,
	}

	// Use a separate context so a cancelled request still records what was delivered
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := d.store.InsertMessage(saveCtx, msg); err != nil {
		d.logger.Error("failed to record delivered message",
			"error", err,
			"conversation_id", conv.ID,
			"message_id", msg.ID)
		return msg, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	conv.LastMessageAt = ts
	if err := d.store.UpdateConversation(saveCtx, conv); err != nil {
		d.logger.Error("failed to update conversation", "error", err, "conversation_id", conv.ID)
	}
	client.LastMessage = text
	client.LastMessageAt = ts
	client.UpdatedAt = ts
	if err := d.store.UpsertClient(saveCtx, client); err != nil {
		d.logger.Error("failed to update client", "error", err, "client_id", client.ID)
	}

	d.logger.Debug("message dispatched",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"sender_kind", kind)

	d.events.Publish(TopicNewMessage, NewMessageEvent{
		ConversationID: conv.ID,
		ClientAddress:  client.Address,
		Message:        ToMessageView(msg),
	})

	return msg, nil
}
