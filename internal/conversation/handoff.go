// ABOUTME: Handoff Coordinator moves a conversation from the bot to the operator queue
// ABOUTME: Idempotent per conversation so operator_needed is published once per transfer

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/switchboard/internal/bot"
	"github.com/2389/switchboard/internal/store"
)

// Handoff transfers conversations to operators.
type Handoff struct {
	store    store.Store
	sessions bot.SessionStore
	events   *EventBroadcaster
	now      func() time.Time
	logger   *slog.Logger
}

// NewHandoff creates a coordinator. Pass nil logger for default.
func NewHandoff(s store.Store, sessions bot.SessionStore, events *EventBroadcaster, logger *slog.Logger) *Handoff {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handoff{
		store:    s,
		sessions: sessions,
		events:   events,
		now:      time.Now,
		logger:   logger.With("component", "handoff"),
	}
}

// Transfer marks conv as waiting for an operator, resets the client's bot
// session and publishes operator_needed. It reports false without side
// effects when conv is already waiting. conv and client are updated in place.
func (h *Handoff) Transfer(ctx context.Context, conv *store.Conversation, client *store.Client) (bool, error) {
	switch conv.Status {
	case store.ConversationWaiting:
		return false, nil
	case store.ConversationClosed:
		return false, ErrConversationClosed
	}

	conv.Status = store.ConversationWaiting
	conv.OperatorRef = nil
	if err := h.store.UpdateConversation(ctx, conv); err != nil {
		return false, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	// the next bot contact after release starts from a fresh welcome
	h.sessions.Clear(client.Address)
	client.ConversationState = string(bot.StateInitial)
	client.UpdatedAt = h.now().UTC()
	if err := h.store.UpsertClient(ctx, client); err != nil {
		h.logger.Error("failed to reset client state", "error", err, "client_id", client.ID)
	}

	h.logger.Info("operator needed",
		"conversation_id", conv.ID,
		"client_address", client.Address,
		"client_type", client.ClientType)

	h.events.Publish(TopicOperatorNeeded, OperatorNeededEvent{
		ConversationID: conv.ID,
		ClientAddress:  client.Address,
		ClientType:     string(client.ClientType),
	})
	return true, nil
}
