// ABOUTME: Routing Service consumes transport events and drives resolver, bot, handoff, reaper and dispatcher
// ABOUTME: Every state change for one client address runs on that address's serial lane

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/bot"
	"github.com/2389/switchboard/internal/ingress"
	"github.com/2389/switchboard/internal/serial"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/transport"
)

// expireTimeout bounds one inactivity closure, which runs outside any request.
const expireTimeout = 30 * time.Second

// sweepPageSize is how many open conversations one sweep or restore inspects.
const sweepPageSize = 1000

// Transport is what the service needs from the transport supervisor.
type Transport interface {
	transport.Sender
	Events() <-chan transport.Event
	Status() transport.Status
}

// Options configures a Service.
type Options struct {
	// InactivityTimeout is the idle window before auto-closure.
	InactivityTimeout time.Duration
	// SweepSchedule is the cron spec for the overdue-conversation sweep; empty disables it.
	SweepSchedule string
	// Templates are the bot responses; nil uses the defaults.
	Templates *bot.Templates
	// Sessions caches bot state; nil uses an in-memory store.
	Sessions bot.SessionStore
}

// Service routes inbound client messages and applies operator actions.
type Service struct {
	store      store.Store
	transport  Transport
	normalizer *ingress.Normalizer
	events     *EventBroadcaster
	queue      *serial.Queue
	sessions   bot.SessionStore
	templates  *bot.Templates

	resolver   *Resolver
	handoff    *Handoff
	dispatcher *Dispatcher
	reaper     *Reaper

	sweepSchedule string
	now           func() time.Time
	logger        *slog.Logger
}

// New creates a Service. Pass nil logger for default.
func New(s store.Store, t Transport, normalizer *ingress.Normalizer, events *EventBroadcaster, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Templates == nil {
		opts.Templates = bot.DefaultTemplates()
	}
	if opts.Sessions == nil {
		opts.Sessions = bot.NewMemorySessions()
	}

	svc := &Service{
		store:         s,
		transport:     t,
		normalizer:    normalizer,
		events:        events,
		queue:         serial.New(logger),
		sessions:      opts.Sessions,
		templates:     opts.Templates,
		resolver:      NewResolver(s, logger),
		handoff:       NewHandoff(s, opts.Sessions, events, logger),
		dispatcher:    NewDispatcher(t, s, events, logger),
		sweepSchedule: opts.SweepSchedule,
		now:           time.Now,
		logger:        logger.With("component", "conversation"),
	}
	svc.reaper = NewReaper(opts.InactivityTimeout, svc.scheduleExpire, logger)
	return svc
}

// Run re-arms inactivity timers for open conversations, starts the sweep
// and consumes transport events until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Restore(ctx); err != nil {
		s.logger.Error("failed to restore inactivity timers", "error", err)
	}

	if err := s.reaper.StartSweep(s.sweepSchedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.sweepSchedule, err)
	}
	defer s.reaper.Stop()

	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("routing loop stopped")
			return nil
		case ev := <-events:
			s.handleEvent(ctx, ev)
		}
	}
}

// Shutdown waits for queued work to finish and stops all timers.
func (s *Service) Shutdown() {
	s.reaper.Stop()
	s.queue.Close()
}

func (s *Service) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventStatus:
		s.events.Publish(TopicTransportStatus, ev.Status)

	case transport.EventInbound:
		for _, msg := range s.normalizer.Normalize(ev.Inbound) {
			if err := s.queue.Submit(msg.FromAddress, func() {
				if err := s.processInbound(ctx, msg); err != nil {
					s.logger.Error("inbound message failed",
						"error", err,
						"event_id", msg.EventID,
						"from", msg.FromAddress)
				}
			}); err != nil {
				s.logger.Warn("dropping inbound message", "error", err, "event_id", msg.EventID)
			}
		}
	}
}

// HandleInbound processes one normalized message on its address lane and
// waits for the result.
func (s *Service) HandleInbound(ctx context.Context, msg ingress.InboundMessage) error {
	return s.queue.Do(ctx, msg.FromAddress, func(ctx context.Context) error {
		return s.processInbound(ctx, msg)
	})
}

// processInbound must run on the lane of msg.FromAddress.
func (s *Service) processInbound(ctx context.Context, msg ingress.InboundMessage) error {
	// a replay must not open a conversation the original already ended
	recorded, err := s.store.HasTransportEvent(ctx, msg.EventID)
	if err != nil {
		s.logger.Warn("event lookup failed", "error", err, "event_id", msg.EventID)
	}
	if recorded {
		s.logger.Debug("event already recorded", "event_id", msg.EventID)
		return nil
	}

	client, conv, err := s.resolver.Resolve(ctx, msg.FromAddress, msg.DisplayName)
	if err != nil {
		// nothing was recorded, let a redelivery try again
		s.normalizer.Forget(msg.EventID)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	ts := msg.ReceivedAt
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	if ts.Before(conv.LastMessageAt) {
		ts = conv.LastMessageAt
	}

	inbound := &store.Message{
		ID:               uuid.New().String(),
		ConversationID:   conv.ID,
		SenderKind:       store.SenderClient,
		Content:          msg.Text,
		Timestamp:        ts,
		TransportEventID: msg.EventID,
	}
	recorded = true
	if err := s.store.InsertMessage(ctx, inbound); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			s.logger.Debug("event already recorded", "event_id", msg.EventID)
			return nil
		}
		// degraded durability: keep serving the client
		recorded = false
		s.logger.Error("failed to record inbound message",
			"error", err,
			"conversation_id", conv.ID,
			"event_id", msg.EventID)
	}

	client.LastMessage = msg.Text
	client.LastMessageAt = ts
	client.UpdatedAt = s.now().UTC()
	if msg.DisplayName != "" {
		client.DisplayName = msg.DisplayName
	}
	if err := s.store.UpsertClient(ctx, client); err != nil {
		s.logger.Error("failed to update client", "error", err, "client_id", client.ID)
	}
	conv.LastMessageAt = ts
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		s.logger.Error("failed to update conversation", "error", err, "conversation_id", conv.ID)
	}

	s.armReaper(conv, client.Address, ts)

	if recorded {
		s.events.Publish(TopicNewMessage, NewMessageEvent{
			ConversationID: conv.ID,
			ClientAddress:  client.Address,
			Message:        ToMessageView(inbound),
		})
	}

	if conv.Status != store.ConversationActive || conv.OperatorRef != nil {
		s.logger.Debug("message left for operator",
			"conversation_id", conv.ID,
			"status", conv.Status)
		return nil
	}

	return s.runBot(ctx, client, conv, msg.Text)
}

func (s *Service) runBot(ctx context.Context, client *store.Client, conv *store.Conversation, text string) error {
	state, repaired := bot.CurrentState(s.sessions, client.Address, client.ConversationState)
	if repaired {
		s.logger.Warn("unknown bot state, restarting at welcome",
			"client_id", client.ID,
			"persisted_state", client.ConversationState)
	}

	res := bot.Transition(state, text)
	s.logger.Debug("bot transition",
		"client_id", client.ID,
		"from", state,
		"to", res.Next,
		"template", res.Template,
		"handoff", res.Handoff)

	if _, err := s.dispatcher.Dispatch(ctx, conv, client, store.SenderBot, nil, s.templates.Text(res.Template)); err != nil {
		if !errors.Is(err, ErrPersistence) {
			// undelivered: stay in the current state so the client can retry
			return fmt.Errorf("bot reply: %w", err)
		}
	}

	if res.ClientType != "" {
		client.ClientType = res.ClientType
	}

	if res.Handoff {
		if _, err := s.handoff.Transfer(ctx, conv, client); err != nil {
			return fmt.Errorf("handoff: %w", err)
		}
		// waiting for an operator is not idleness
		s.reaper.Cancel(conv.ID)
		return nil
	}

	s.sessions.Set(client.Address, res.Next)
	client.ConversationState = string(res.Next)
	client.UpdatedAt = s.now().UTC()
	if err := s.store.UpsertClient(ctx, client); err != nil {
		s.logger.Error("failed to persist bot state", "error", err, "client_id", client.ID)
	}
	return nil
}

// withConversation loads the conversation and its client, then runs fn on
// the client's lane with freshly re-read rows.
func (s *Service) withConversation(ctx context.Context, conversationID string, fn func(ctx context.Context, conv *store.Conversation, client *store.Client) error) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	client, err := s.store.GetClient(ctx, conv.ClientID)
	if err != nil {
		return err
	}

	return s.queue.Do(ctx, client.Address, func(ctx context.Context) error {
		conv, err := s.store.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		client, err := s.store.GetClient(ctx, conv.ClientID)
		if err != nil {
			return err
		}
		return fn(ctx, conv, client)
	})
}

// SendAsOperator delivers text from operatorID to the conversation's client.
// Transport errors are returned unchanged; nothing is recorded for them.
func (s *Service) SendAsOperator(ctx context.Context, conversationID, operatorID, text string) (*store.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	var sent *store.Message
	err := s.withConversation(ctx, conversationID, func(ctx context.Context, conv *store.Conversation, client *store.Client) error {
		if !conv.Status.IsOpen() {
			return ErrConversationClosed
		}
		var ref *string
		if operatorID != "" {
			ref = &operatorID
		}
		msg, err := s.dispatcher.Dispatch(ctx, conv, client, store.SenderOperator, ref, text)
		sent = msg
		return err
	})
	return sent, err
}

// Take assigns the conversation to operatorID and silences the bot.
func (s *Service) Take(ctx context.Context, conversationID, operatorID string) (*store.Conversation, error) {
	var out *store.Conversation
	err := s.withConversation(ctx, conversationID, func(ctx context.Context, conv *store.Conversation, client *store.Client) error {
		if !conv.Status.IsOpen() {
			return ErrConversationClosed
		}
		conv.Status = store.ConversationActive
		conv.OperatorRef = &operatorID
		if err := s.store.UpdateConversation(ctx, conv); err != nil {
			return err
		}
		s.sessions.Clear(client.Address)
		s.reaper.Reset(conv.ID, client.Address, s.now())

		s.logger.Info("conversation taken", "conversation_id", conv.ID, "operator", operatorID)
		s.publishUpdated(conv, client)
		out = conv
		return nil
	})
	return out, err
}

// Release hands the conversation back to the bot, which greets the client
// afresh on their next message.
func (s *Service) Release(ctx context.Context, conversationID string) (*store.Conversation, error) {
	var out *store.Conversation
	err := s.withConversation(ctx, conversationID, func(ctx context.Context, conv *store.Conversation, client *store.Client) error {
		if !conv.Status.IsOpen() {
			return ErrConversationClosed
		}
		conv.Status = store.ConversationActive
		conv.OperatorRef = nil
		if err := s.store.UpdateConversation(ctx, conv); err != nil {
			return err
		}
		s.resetBot(ctx, client)
		s.reaper.Reset(conv.ID, client.Address, s.now())

		s.logger.Info("conversation released", "conversation_id", conv.ID)
		s.publishUpdated(conv, client)
		out = conv
		return nil
	})
	return out, err
}

// Close ends the conversation on behalf of operatorID and cancels its
// inactivity timer.
func (s *Service) Close(ctx context.Context, conversationID, operatorID string) (*store.Conversation, error) {
	var out *store.Conversation
	err := s.withConversation(ctx, conversationID, func(ctx context.Context, conv *store.Conversation, client *store.Client) error {
		if !conv.Status.IsOpen() {
			return ErrConversationClosed
		}
		s.reaper.Cancel(conv.ID)

		var closedBy *string
		if operatorID != "" {
			closedBy = &operatorID
		}
		if err := s.closeConversation(ctx, conv, client, store.CloseReasonOperator, closedBy); err != nil {
			return err
		}
		out = conv
		return nil
	})
	return out, err
}

// closeConversation marks conv closed, resets the client's bot and
// publishes conversation_closed.
func (s *Service) closeConversation(ctx context.Context, conv *store.Conversation, client *store.Client, reason string, closedBy *string) error {
	now := s.now().UTC()
	conv.Status = store.ConversationClosed
	conv.EndedAt = &now
	conv.ClosedByRef = closedBy
	conv.CloseReason = reason
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return err
	}
	s.resetBot(ctx, client)

	s.logger.Info("conversation closed", "conversation_id", conv.ID, "reason", reason)
	s.events.Publish(TopicConversationClosed, ConversationClosedEvent{
		ConversationID: conv.ID,
		ClientAddress:  client.Address,
		Reason:         reason,
		ClosedBy:       closedBy,
	})
	return nil
}

func (s *Service) resetBot(ctx context.Context, client *store.Client) {
	s.sessions.Clear(client.Address)
	client.ConversationState = string(bot.StateInitial)
	client.UpdatedAt = s.now().UTC()
	if err := s.store.UpsertClient(ctx, client); err != nil {
		s.logger.Error("failed to reset client state", "error", err, "client_id", client.ID)
	}
}

func (s *Service) publishUpdated(conv *store.Conversation, client *store.Client) {
	s.events.Publish(TopicConversationUpdated, ToConversationView(&store.ConversationView{
		Conversation: conv,
		Client:       client,
	}))
}

// MarkRead marks the conversation's messages read.
func (s *Service) MarkRead(ctx context.Context, conversationID string) (int64, error) {
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return 0, err
	}
	return s.store.MarkMessagesRead(ctx, conversationID)
}

// ListConversations returns conversations with their clients and unread counts.
func (s *Service) ListConversations(ctx context.Context, filter store.ConversationFilter) ([]*store.ConversationView, error) {
	return s.store.ListConversations(ctx, filter)
}

// GetConversation returns one conversation with its client and unread count.
func (s *Service) GetConversation(ctx context.Context, conversationID string) (*store.ConversationView, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	client, err := s.store.GetClient(ctx, conv.ClientID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}

	unread := 0
	for _, m := range msgs {
		if !m.IsRead {
			unread++
		}
	}
	return &store.ConversationView{Conversation: conv, Client: client, UnreadCount: unread}, nil
}

// History returns up to limit most recent messages in chronological order;
// limit <= 0 returns all of them.
func (s *Service) History(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID, limit)
}

// TransportStatus returns the current transport snapshot.
func (s *Service) TransportStatus() transport.Status {
	return s.transport.Status()
}

// Restore arms inactivity timers for every active conversation from its last
// message time. Overdue conversations expire right away.
func (s *Service) Restore(ctx context.Context) error {
	views, err := s.activeConversations(ctx)
	if err != nil {
		return err
	}
	for _, v := range views {
		s.reaper.Reset(v.Conversation.ID, v.Client.Address, v.Conversation.LastMessageAt)
	}
	s.logger.Info("inactivity timers restored", "count", len(views))
	return nil
}

// Sweep expires every active conversation idle for longer than the window.
// It backs up the per-conversation timers.
func (s *Service) Sweep(ctx context.Context) {
	views, err := s.activeConversations(ctx)
	if err != nil {
		s.logger.Error("inactivity sweep failed", "error", err)
		return
	}

	now := s.now()
	cutoff := now.Add(-s.reaper.Window())
	for _, v := range views {
		if v.Conversation.LastMessageAt.After(cutoff) {
			continue
		}
		// take and release restart the window without a new message
		if deadline, ok := s.reaper.Deadline(v.Conversation.ID); ok && deadline.After(now) {
			continue
		}
		s.scheduleExpire(v.Conversation.ID, v.Client.Address)
	}
}

// activeConversations lists the conversations the reaper watches. Waiting
// conversations sit in the operator queue and never expire.
func (s *Service) activeConversations(ctx context.Context) ([]*store.ConversationView, error) {
	return s.store.ListConversations(ctx, store.ConversationFilter{
		Statuses: []store.ConversationStatus{store.ConversationActive},
		Limit:    sweepPageSize,
	})
}

// armReaper restarts the inactivity timer of an active conversation and
// drops it for any other status.
func (s *Service) armReaper(conv *store.Conversation, address string, lastActivity time.Time) {
	if conv.Status != store.ConversationActive {
		s.reaper.Cancel(conv.ID)
		return
	}
	s.reaper.Reset(conv.ID, address, lastActivity)
}

// scheduleExpire queues an inactivity check on the client's lane.
func (s *Service) scheduleExpire(conversationID, address string) {
	err := s.queue.Submit(address, func() {
		ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
		defer cancel()

		if _, err := s.expire(ctx, conversationID); err != nil {
			s.logger.Error("inactivity closure failed", "error", err, "conversation_id", conversationID)
		}
	})
	if err != nil {
		s.logger.Debug("inactivity check skipped", "error", err, "conversation_id", conversationID)
	}
}

// Expire closes the conversation if it is still active and has been idle
// for the whole window. It reports whether the conversation was closed.
func (s *Service) Expire(ctx context.Context, conversationID string) (bool, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	client, err := s.store.GetClient(ctx, conv.ClientID)
	if err != nil {
		return false, err
	}

	var closed bool
	err = s.queue.Do(ctx, client.Address, func(ctx context.Context) error {
		var err error
		closed, err = s.expire(ctx, conversationID)
		return err
	})
	return closed, err
}

// expire must run on the lane of the conversation's client.
func (s *Service) expire(ctx context.Context, conversationID string) (bool, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if conv.Status != store.ConversationActive {
		// closed manually or handed to the operator queue meanwhile
		s.reaper.Cancel(conv.ID)
		return false, nil
	}
	client, err := s.store.GetClient(ctx, conv.ClientID)
	if err != nil {
		return false, err
	}

	// a message after the timer was armed moved the deadline
	deadline := conv.LastMessageAt.Add(s.reaper.Window())
	if s.now().Before(deadline) {
		s.reaper.Reset(conv.ID, client.Address, conv.LastMessageAt)
		return false, nil
	}

	s.reaper.Cancel(conv.ID)
	if err := s.closeConversation(ctx, conv, client, store.CloseReasonInactivity, nil); err != nil {
		return false, err
	}

	notice := s.templates.Text(bot.TemplateClosureNotice)
	if _, err := s.dispatcher.Dispatch(ctx, conv, client, store.SenderSystem, nil, notice); err != nil {
		s.logger.Warn("closure notice not delivered", "error", err, "conversation_id", conv.ID)
	}
	return true, nil
}
