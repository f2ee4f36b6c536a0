// ABOUTME: Tests for the routing Service
// ABOUTME: Drives bot scenarios, handoff, inactivity closure, operator actions and idempotence end to end

package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/bot"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/ingress"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/transport"
)

type outbound struct {
	address string
	text    string
}

// fakeTransport records sends and lets tests inject events and failures.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []outbound
	err    error
	events chan transport.Event
	status transport.Status
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan transport.Event, 16),
		status: transport.Status{Driver: "fake", State: transport.StateConnected, Connected: true},
	}
}

func (f *fakeTransport) Send(ctx context.Context, address, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, outbound{address: address, text: text})
	return nil
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }
func (f *fakeTransport) Status() transport.Status       { return f.status }

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTransport) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, o := range f.sent {
		out[i] = o.text
	}
	return out
}

type testEnv struct {
	svc       *Service
	store     store.Store
	mock      *store.MockStore
	transport *fakeTransport
	events    *EventBroadcaster
}

func newTestEnv(t *testing.T, s store.Store, opts Options) *testEnv {
	t.Helper()
	if s == nil {
		s = store.NewMockStore()
	}
	if opts.InactivityTimeout == 0 {
		opts.InactivityTimeout = time.Hour
	}

	cache := dedupe.New(time.Hour, 1000, dedupe.WithSweepInterval(0))
	t.Cleanup(cache.Close)

	ft := newFakeTransport()
	events := NewEventBroadcaster(nil)
	t.Cleanup(events.Close)

	svc := New(s, ft, ingress.NewNormalizer(cache, nil), events, opts, nil)
	t.Cleanup(svc.Shutdown)

	env := &testEnv{svc: svc, store: s, transport: ft, events: events}
	env.mock, _ = s.(*store.MockStore)
	return env
}

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var eventSeq struct {
	mu sync.Mutex
	n  int
}

func inbound(address, text string) ingress.InboundMessage {
	eventSeq.mu.Lock()
	eventSeq.n++
	id := fmt.Sprintf("evt-%d", eventSeq.n)
	eventSeq.mu.Unlock()
	return ingress.InboundMessage{EventID: id, FromAddress: address, Text: text, ReceivedAt: time.Now().UTC()}
}

func (e *testEnv) send(t *testing.T, address, text string) {
	t.Helper()
	require.NoError(t, e.svc.HandleInbound(t.Context(), inbound(address, text)))
}

func (e *testEnv) client(t *testing.T, address string) *store.Client {
	t.Helper()
	c, err := e.store.FindClientByAddress(t.Context(), address)
	require.NoError(t, err)
	return c
}

func (e *testEnv) openConversation(t *testing.T, address string) *store.Conversation {
	t.Helper()
	conv, err := e.store.FindOpenConversation(t.Context(), e.client(t, address).ID)
	require.NoError(t, err)
	return conv
}

func collect(ch <-chan Event, topic Topic, wait time.Duration) []Event {
	var out []Event
	deadline := time.After(wait)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			if ev.Topic == topic {
				out = append(out, ev)
			}
		case <-deadline:
			return out
		}
	}
}

func TestScenario_FirstContactGetsWelcome(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	welcome := bot.DefaultTemplates().Text(bot.TemplateWelcome)

	env.send(t, "5551234", "hola")

	client := env.client(t, "5551234")
	assert.Equal(t, store.ClientTypeUnknown, client.ClientType)
	assert.Equal(t, string(bot.StateWelcome), client.ConversationState)

	conv := env.openConversation(t, "5551234")
	assert.Equal(t, store.ConversationActive, conv.Status)
	assert.Nil(t, conv.OperatorRef)

	assert.Equal(t, []string{welcome}, env.transport.sentTexts())

	msgs, err := env.svc.History(t.Context(), conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.SenderClient, msgs[0].SenderKind)
	assert.Equal(t, "hola", msgs[0].Content)
	assert.False(t, msgs[0].IsRead)
	assert.Equal(t, store.SenderBot, msgs[1].SenderKind)
	assert.Equal(t, welcome, msgs[1].Content)
	assert.False(t, msgs[1].Timestamp.Before(msgs[0].Timestamp))
}

func TestScenario_FirstMessageDigitIsContact(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	env.send(t, "5551234", "1")

	assert.Equal(t, string(bot.StateWelcome), env.client(t, "5551234").ConversationState)
	assert.Equal(t, []string{bot.DefaultTemplates().Text(bot.TemplateWelcome)}, env.transport.sentTexts())
}

func TestScenario_WelcomeToClientMenu(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	env.send(t, "5551234", "hola")
	env.send(t, "5551234", "1")

	client := env.client(t, "5551234")
	assert.Equal(t, string(bot.StateClientMenu), client.ConversationState)
	assert.Equal(t, store.ClientTypeExisting, client.ClientType)

	sent := env.transport.sentTexts()
	require.Len(t, sent, 2)
	assert.Equal(t, bot.DefaultTemplates().Text(bot.TemplateClientMenu), sent[1])
}

func TestScenario_ClientMenuOperatorHandoff(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	needed, _ := env.events.Subscribe(t.Context(), TopicOperatorNeeded)

	env.send(t, "5551234", "hola")
	env.send(t, "5551234", "1")
	env.send(t, "5551234", "3")

	sent := env.transport.sentTexts()
	require.Len(t, sent, 3)
	assert.Equal(t, bot.DefaultTemplates().Text(bot.TemplateOperatorConnecting), sent[2])

	conv := env.openConversation(t, "5551234")
	assert.Equal(t, store.ConversationWaiting, conv.Status)
	assert.Nil(t, conv.OperatorRef)
	assert.Equal(t, string(bot.StateInitial), env.client(t, "5551234").ConversationState)

	// the bot stays silent while the client waits
	env.send(t, "5551234", "hola?")
	env.send(t, "5551234", "3")
	assert.Len(t, env.transport.sentTexts(), 3)

	evs := collect(needed, TopicOperatorNeeded, 200*time.Millisecond)
	require.Len(t, evs, 1)
	payload := evs[0].Payload.(OperatorNeededEvent)
	assert.Equal(t, conv.ID, payload.ConversationID)
	assert.Equal(t, "5551234", payload.ClientAddress)
	assert.Equal(t, string(store.ClientTypeExisting), payload.ClientType)
}

func TestHandoff_TransferIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	needed, _ := env.events.Subscribe(t.Context(), TopicOperatorNeeded)
	env.send(t, "a", "hola")

	conv := env.openConversation(t, "a")
	client := env.client(t, "a")

	first, err := env.svc.handoff.Transfer(t.Context(), conv, client)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := env.svc.handoff.Transfer(t.Context(), conv, client)
	require.NoError(t, err)
	assert.False(t, second)

	assert.Len(t, collect(needed, TopicOperatorNeeded, 200*time.Millisecond), 1)

	conv.Status = store.ConversationClosed
	_, err = env.svc.handoff.Transfer(t.Context(), conv, client)
	assert.ErrorIs(t, err, ErrConversationClosed)
}

func TestScenario_InactivityClosesOnce(t *testing.T) {
	env := newTestEnv(t, nil, Options{InactivityTimeout: 80 * time.Millisecond})
	closedCh, _ := env.events.Subscribe(t.Context(), TopicConversationClosed)

	env.send(t, "5551234", "hola")
	env.send(t, "5551234", "1")
	conv := env.openConversation(t, "5551234")

	evs := collect(closedCh, TopicConversationClosed, 500*time.Millisecond)
	require.Len(t, evs, 1)
	payload := evs[0].Payload.(ConversationClosedEvent)
	assert.Equal(t, conv.ID, payload.ConversationID)
	assert.Equal(t, store.CloseReasonInactivity, payload.Reason)

	got, err := env.store.GetConversation(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationClosed, got.Status)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, store.CloseReasonInactivity, got.CloseReason)
	assert.Equal(t, string(bot.StateInitial), env.client(t, "5551234").ConversationState)

	notice := bot.DefaultTemplates().Text(bot.TemplateClosureNotice)
	count := 0
	for _, txt := range env.transport.sentTexts() {
		if txt == notice {
			count++
		}
	}
	assert.Equal(t, 1, count)

	// sweep and direct expiry after closure are no-ops
	env.svc.Sweep(t.Context())
	closed, err := env.svc.Expire(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Empty(t, collect(closedCh, TopicConversationClosed, 100*time.Millisecond))

	// the next message starts a new conversation with a fresh welcome
	env.send(t, "5551234", "1")
	next := env.openConversation(t, "5551234")
	assert.NotEqual(t, conv.ID, next.ID)
	sent := env.transport.sentTexts()
	assert.Equal(t, bot.DefaultTemplates().Text(bot.TemplateWelcome), sent[len(sent)-1])
}

func TestInactivity_MessageBeforeDeadlineResets(t *testing.T) {
	env := newTestEnv(t, nil, Options{InactivityTimeout: 150 * time.Millisecond})

	env.send(t, "a", "hola")
	conv := env.openConversation(t, "a")
	first, ok := env.svc.reaper.Deadline(conv.ID)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	env.send(t, "a", "1")
	second, ok := env.svc.reaper.Deadline(conv.ID)
	require.True(t, ok)
	assert.True(t, second.After(first))

	// past the first deadline but before the second one
	time.Sleep(80 * time.Millisecond)
	got, err := env.store.GetConversation(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationActive, got.Status)

	closed, err := env.svc.Expire(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.False(t, closed, "not idle for the full window yet")

	assert.Eventually(t, func() bool {
		got, err := env.store.GetConversation(context.Background(), conv.ID)
		return err == nil && got.Status == store.ConversationClosed
	}, time.Second, 20*time.Millisecond)
}

// seedConversation stores a client at address with one conversation.
func seedConversation(t *testing.T, env *testEnv, id, address string, status store.ConversationStatus, lastMessageAt time.Time) {
	t.Helper()
	ctx := t.Context()
	clientID := "client-" + id
	require.NoError(t, env.store.CreateClient(ctx, &store.Client{
		ID: clientID, Address: address, ClientType: store.ClientTypeUnknown,
		LastMessageAt: lastMessageAt, CreatedAt: lastMessageAt, UpdatedAt: lastMessageAt,
	}))
	require.NoError(t, env.store.CreateConversation(ctx, &store.Conversation{
		ID: id, ClientID: clientID, Status: status, StartedAt: lastMessageAt, LastMessageAt: lastMessageAt,
	}))
}

func TestRestore_ExpiresOverdueActiveConversations(t *testing.T) {
	env := newTestEnv(t, nil, Options{InactivityTimeout: time.Minute})
	ctx := t.Context()

	old := time.Now().Add(-2 * time.Hour).UTC()
	fresh := time.Now().UTC()
	seedConversation(t, env, "overdue", "a", store.ConversationActive, old)
	seedConversation(t, env, "queued", "b", store.ConversationWaiting, old)
	seedConversation(t, env, "recent", "c", store.ConversationActive, fresh)

	require.NoError(t, env.svc.Restore(ctx))

	assert.Eventually(t, func() bool {
		got, err := env.store.GetConversation(context.Background(), "overdue")
		return err == nil && got.Status == store.ConversationClosed
	}, time.Second, 20*time.Millisecond)

	got, err := env.store.GetConversation(ctx, "queued")
	require.NoError(t, err)
	assert.Equal(t, store.ConversationWaiting, got.Status, "the operator queue never expires")
	_, armed := env.svc.reaper.Deadline("queued")
	assert.False(t, armed)

	got, err = env.store.GetConversation(ctx, "recent")
	require.NoError(t, err)
	assert.Equal(t, store.ConversationActive, got.Status)
	_, armed = env.svc.reaper.Deadline("recent")
	assert.True(t, armed)
}

func TestInactivity_WaitingConversationStaysQueued(t *testing.T) {
	env := newTestEnv(t, nil, Options{InactivityTimeout: 80 * time.Millisecond})
	closedCh, _ := env.events.Subscribe(t.Context(), TopicConversationClosed)

	env.send(t, "5551234", "hola")
	env.send(t, "5551234", "1")
	env.send(t, "5551234", "3")
	conv := env.openConversation(t, "5551234")
	require.Equal(t, store.ConversationWaiting, conv.Status)

	_, armed := env.svc.reaper.Deadline(conv.ID)
	assert.False(t, armed, "handoff drops the inactivity timer")

	// a message while queued does not re-arm it
	env.send(t, "5551234", "hola?")
	_, armed = env.svc.reaper.Deadline(conv.ID)
	assert.False(t, armed)

	time.Sleep(300 * time.Millisecond)
	env.svc.Sweep(t.Context())
	closed, err := env.svc.Expire(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.False(t, closed)

	got, err := env.store.GetConversation(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationWaiting, got.Status)
	assert.Empty(t, collect(closedCh, TopicConversationClosed, 100*time.Millisecond))
	assert.NotContains(t, env.transport.sentTexts(), bot.DefaultTemplates().Text(bot.TemplateClosureNotice))
}

func TestSweep_TakeRestartsWindow(t *testing.T) {
	env := newTestEnv(t, nil, Options{InactivityTimeout: time.Hour})
	seedConversation(t, env, "queued", "a", store.ConversationWaiting, time.Now().Add(-3*time.Hour).UTC())

	_, err := env.svc.Take(t.Context(), "queued", "op-1")
	require.NoError(t, err)
	deadline, armed := env.svc.reaper.Deadline("queued")
	require.True(t, armed)
	assert.True(t, deadline.After(time.Now().Add(50*time.Minute)))

	env.svc.Sweep(t.Context())
	time.Sleep(50 * time.Millisecond)

	got, err := env.store.GetConversation(t.Context(), "queued")
	require.NoError(t, err)
	assert.Equal(t, store.ConversationActive, got.Status, "a freshly taken conversation is not swept")
}

func TestScenario_SendWhileDisconnected(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.send(t, "a", "hola")
	conv := env.openConversation(t, "a")

	before, err := env.svc.History(t.Context(), conv.ID, 0)
	require.NoError(t, err)

	env.transport.setErr(transport.ErrNotConnected)

	msg, err := env.svc.SendAsOperator(t.Context(), conv.ID, "op-1", "¿sigues ahí?")
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Nil(t, msg)

	after, err := env.svc.History(t.Context(), conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "undelivered message is not recorded")

	// the bot keeps its state when its reply cannot be delivered
	err = env.svc.HandleInbound(t.Context(), inbound("a", "1"))
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Equal(t, string(bot.StateWelcome), env.client(t, "a").ConversationState)
}

func TestSendAsOperator(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	newMsgs, _ := env.events.Subscribe(t.Context(), TopicNewMessage)
	env.send(t, "a", "hola")
	conv := env.openConversation(t, "a")

	_, err := env.svc.SendAsOperator(t.Context(), conv.ID, "op-1", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	msg, err := env.svc.SendAsOperator(t.Context(), conv.ID, "op-1", "Hola, soy Marta")
	require.NoError(t, err)
	assert.Equal(t, store.SenderOperator, msg.SenderKind)
	require.NotNil(t, msg.SenderRef)
	assert.Equal(t, "op-1", *msg.SenderRef)
	assert.True(t, msg.IsRead)

	evs := collect(newMsgs, TopicNewMessage, 200*time.Millisecond)
	require.Len(t, evs, 3)
	assert.Equal(t, "Hola, soy Marta", evs[2].Payload.(NewMessageEvent).Message.Content)

	_, err = env.svc.SendAsOperator(t.Context(), "missing", "op-1", "hola")
	assert.ErrorIs(t, err, store.ErrNotFound)

	env.transport.setErr(fmt.Errorf("%w: boom", transport.ErrSendFailed))
	_, err = env.svc.SendAsOperator(t.Context(), conv.ID, "op-1", "hola")
	assert.ErrorIs(t, err, transport.ErrSendFailed)
}

func TestTakeReleaseClose(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	updated, _ := env.events.Subscribe(t.Context(), TopicConversationUpdated, TopicConversationClosed)

	env.send(t, "a", "hola")
	env.send(t, "a", "2")
	conv := env.openConversation(t, "a")

	taken, err := env.svc.Take(t.Context(), conv.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.ConversationActive, taken.Status)
	require.NotNil(t, taken.OperatorRef)
	assert.Equal(t, "op-1", *taken.OperatorRef)
	_, armed := env.svc.reaper.Deadline(conv.ID)
	assert.True(t, armed, "taking a queued conversation starts its inactivity window")

	// operator owns the conversation, the bot stays quiet
	sentBefore := len(env.transport.sentTexts())
	env.send(t, "a", "1")
	assert.Len(t, env.transport.sentTexts(), sentBefore)

	released, err := env.svc.Release(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.Nil(t, released.OperatorRef)
	assert.Equal(t, string(bot.StateInitial), env.client(t, "a").ConversationState)

	env.send(t, "a", "1")
	sent := env.transport.sentTexts()
	assert.Equal(t, bot.DefaultTemplates().Text(bot.TemplateWelcome), sent[len(sent)-1], "release restarts at welcome")

	closed, err := env.svc.Close(t.Context(), conv.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.ConversationClosed, closed.Status)
	assert.Equal(t, store.CloseReasonOperator, closed.CloseReason)
	require.NotNil(t, closed.ClosedByRef)
	assert.Equal(t, "op-1", *closed.ClosedByRef)
	_, armed = env.svc.reaper.Deadline(conv.ID)
	assert.False(t, armed, "manual close cancels the inactivity timer")

	_, err = env.svc.Close(t.Context(), conv.ID, "op-1")
	assert.ErrorIs(t, err, ErrConversationClosed)
	_, err = env.svc.Take(t.Context(), conv.ID, "op-2")
	assert.ErrorIs(t, err, ErrConversationClosed)
	_, err = env.svc.Release(t.Context(), conv.ID)
	assert.ErrorIs(t, err, ErrConversationClosed)
	_, err = env.svc.SendAsOperator(t.Context(), conv.ID, "op-1", "hola")
	assert.ErrorIs(t, err, ErrConversationClosed)

	var topics []Topic
	for _, ev := range collect(updated, TopicConversationUpdated, 200*time.Millisecond) {
		topics = append(topics, ev.Topic)
	}
	assert.Len(t, topics, 2)
}

func TestIdempotence_ReplayedEventRecordedOnce(t *testing.T) {
	env := newTestEnv(t, createTestStore(t), Options{})

	msg := inbound("a", "hola")
	require.NoError(t, env.svc.HandleInbound(t.Context(), msg))
	require.NoError(t, env.svc.HandleInbound(t.Context(), msg))

	conv := env.openConversation(t, "a")
	msgs, err := env.svc.History(t.Context(), conv.ID, 0)
	require.NoError(t, err)

	clientMsgs := 0
	for _, m := range msgs {
		if m.SenderKind == store.SenderClient {
			clientMsgs++
		}
	}
	assert.Equal(t, 1, clientMsgs)
	assert.Len(t, env.transport.sentTexts(), 1, "replay does not trigger a second bot reply")
}

func TestIdempotence_ReplayAfterCloseOpensNothing(t *testing.T) {
	env := newTestEnv(t, createTestStore(t), Options{})

	msg := inbound("a", "hola")
	require.NoError(t, env.svc.HandleInbound(t.Context(), msg))
	conv := env.openConversation(t, "a")
	_, err := env.svc.Close(t.Context(), conv.ID, "op-1")
	require.NoError(t, err)
	sentBefore := len(env.transport.sentTexts())

	require.NoError(t, env.svc.HandleInbound(t.Context(), msg))

	_, err = env.store.FindOpenConversation(t.Context(), env.client(t, "a").ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "replay must not open a conversation")
	assert.Len(t, env.transport.sentTexts(), sentBefore)
	assert.Zero(t, env.svc.reaper.Len())
}

func TestConcurrentInbound_SingleOpenConversation(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			_ = env.svc.HandleInbound(context.Background(), inbound("5551234", fmt.Sprintf("msg %d", i)))
		})
	}
	wg.Wait()

	client := env.client(t, "5551234")
	assert.Equal(t, 1, env.mock.OpenConversationCount(client.ID))

	views, err := env.svc.ListConversations(t.Context(), store.ConversationFilter{})
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func TestRestart_RehydratesBotState(t *testing.T) {
	s := createTestStore(t)
	first := newTestEnv(t, s, Options{})
	first.send(t, "a", "hola")
	first.send(t, "a", "1")
	first.svc.Shutdown()

	// new process, empty session cache, same database
	second := newTestEnv(t, s, Options{})
	second.send(t, "a", "3")

	assert.Equal(t, []string{bot.DefaultTemplates().Text(bot.TemplateOperatorConnecting)}, second.transport.sentTexts())
	assert.Equal(t, store.ConversationWaiting, second.openConversation(t, "a").Status)
}

func TestUnknownPersistedStateHeals(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.send(t, "a", "hola")

	client := env.client(t, "a")
	client.ConversationState = "legacy_state"
	require.NoError(t, env.store.UpsertClient(t.Context(), client))
	env.svc.sessions.Clear("a")

	env.send(t, "a", "2")
	assert.Equal(t, string(bot.StateNonClientMenu), env.client(t, "a").ConversationState)
}

func TestPersistenceFailureKeepsServing(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.mock.FailInsertMessage = errors.New("disk full")

	require.NoError(t, env.svc.HandleInbound(t.Context(), inbound("a", "hola")))
	assert.Len(t, env.transport.sentTexts(), 1, "client still gets a reply")
	assert.Equal(t, string(bot.StateWelcome), env.client(t, "a").ConversationState)
}

func TestCustomTemplates(t *testing.T) {
	templates, err := bot.NewTemplates(map[string]string{"welcome": "Hello from ACME"})
	require.NoError(t, err)
	env := newTestEnv(t, nil, Options{Templates: templates})

	env.send(t, "a", "hi")
	assert.Equal(t, []string{"Hello from ACME"}, env.transport.sentTexts())
}

func TestMarkReadAndGetConversation(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.send(t, "a", "hola")
	env.send(t, "a", "1")
	conv := env.openConversation(t, "a")

	view, err := env.svc.GetConversation(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.UnreadCount)
	assert.Equal(t, "a", view.Client.Address)

	n, err := env.svc.MarkRead(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	view, err = env.svc.GetConversation(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, view.UnreadCount)

	_, err = env.svc.MarkRead(t.Context(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.svc.History(t.Context(), "missing", 10)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_ConsumesTransportEvents(t *testing.T) {
	env := newTestEnv(t, nil, Options{SweepSchedule: "@every 1m"})
	statusCh, _ := env.events.Subscribe(t.Context(), TopicTransportStatus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.svc.Run(ctx) }()

	env.transport.events <- transport.Event{Kind: transport.EventStatus, Status: transport.Status{State: transport.StateConnected, Connected: true, BoundAddress: "bot"}}
	batch := []transport.RawEvent{
		{ID: "w1", From: "5551234", Text: "hola"},
		{ID: "w2", From: "bot", Text: "echo", SelfSent: true},
		{ID: "w1", From: "5551234", Text: "hola"},
	}
	env.transport.events <- transport.Event{Kind: transport.EventInbound, Inbound: batch}
	env.transport.events <- transport.Event{Kind: transport.EventInbound, Inbound: batch}

	ev := recv(t, statusCh)
	assert.Equal(t, "bot", ev.Payload.(transport.Status).BoundAddress)

	assert.Eventually(t, func() bool { return len(env.transport.sentTexts()) == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, env.transport.sentTexts(), 1, "duplicate and self-sent events are dropped")

	cancel()
	assert.NoError(t, <-done)
}

func TestRun_InvalidSweepSchedule(t *testing.T) {
	env := newTestEnv(t, nil, Options{SweepSchedule: "every now and then"})
	err := env.svc.Run(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sweep schedule")
}
