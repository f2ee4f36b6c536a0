// ABOUTME: Mock Store implementation for testing
// ABOUTME: Enforces the same uniqueness rules as the SQLite schema without touching disk

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	clients       map[string]*Client        // keyed by client ID
	clientIndex   map[string]string         // address -> client ID
	conversations map[string]*Conversation  // keyed by conversation ID
	messages      map[string][]*Message     // keyed by conversation ID
	eventIDs      map[string]struct{}       // recorded transport event ids
	closed        bool

	// FailInsertMessage, when set, is returned by InsertMessage.
	FailInsertMessage error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		clients:       make(map[string]*Client),
		clientIndex:   make(map[string]string),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		eventIDs:      make(map[string]struct{}),
	}
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	if c.OperatorRef != nil {
		v := *c.OperatorRef
		cp.OperatorRef = &v
	}
	if c.ClosedByRef != nil {
		v := *c.ClosedByRef
		cp.ClosedByRef = &v
	}
	if c.EndedAt != nil {
		v := *c.EndedAt
		cp.EndedAt = &v
	}
	return &cp
}

// FindClientByAddress retrieves a client by its transport address.
func (m *MockStore) FindClientByAddress(ctx context.Context, address string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.clientIndex[address]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m.clients[id]
	return &c, nil
}

// GetClient retrieves a client by ID.
func (m *MockStore) GetClient(ctx context.Context, id string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// CreateClient stores a new client.
// Returns ErrDuplicateClient if the ID or address is already taken.
func (m *MockStore) CreateClient(ctx context.Context, client *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[client.ID]; exists {
		return ErrDuplicateClient
	}
	if _, exists := m.clientIndex[client.Address]; exists {
		return ErrDuplicateClient
	}

	c := *client
	if c.ClientType == "" {
		c.ClientType = ClientTypeUnknown
	}
	m.clients[c.ID] = &c
	m.clientIndex[c.Address] = c.ID
	return nil
}

// UpsertClient inserts or replaces the client with the same ID.
func (m *MockStore) UpsertClient(ctx context.Context, client *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, exists := m.clientIndex[client.Address]; exists && id != client.ID {
		return ErrDuplicateClient
	}

	c := *client
	if c.ClientType == "" {
		c.ClientType = ClientTypeUnknown
	}
	if existing, ok := m.clients[c.ID]; ok {
		// Address and creation time are immutable once stored.
		c.Address = existing.Address
		c.CreatedAt = existing.CreatedAt
	}
	m.clients[c.ID] = &c
	m.clientIndex[c.Address] = c.ID
	return nil
}

// FindOpenConversation returns the client's active or waiting conversation.
func (m *MockStore) FindOpenConversation(ctx context.Context, clientID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.conversations {
		if c.ClientID == clientID && c.Status.IsOpen() {
			return copyConversation(c), nil
		}
	}
	return nil, ErrNotFound
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// hasOtherOpen reports whether clientID has an open conversation other than exceptID.
func (m *MockStore) hasOtherOpen(clientID, exceptID string) bool {
	for _, c := range m.conversations {
		if c.ID != exceptID && c.ClientID == clientID && c.Status.IsOpen() {
			return true
		}
	}
	return false
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicateConversation
	}
	if conv.Status.IsOpen() && m.hasOtherOpen(conv.ClientID, conv.ID) {
		return ErrDuplicateConversation
	}
	m.conversations[conv.ID] = copyConversation(conv)
	return nil
}

// UpdateConversation replaces the stored conversation.
func (m *MockStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	if conv.Status.IsOpen() && m.hasOtherOpen(existing.ClientID, conv.ID) {
		return ErrDuplicateConversation
	}

	updated := copyConversation(conv)
	updated.ClientID = existing.ClientID
	updated.StartedAt = existing.StartedAt
	m.conversations[conv.ID] = updated
	return nil
}

// ListConversations returns conversations joined with their client, most recent first.
func (m *MockStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*ConversationView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	statusOK := func(s ConversationStatus) bool {
		if len(filter.Statuses) == 0 {
			return true
		}
		for _, want := range filter.Statuses {
			if s == want {
				return true
			}
		}
		return false
	}

	var views []*ConversationView
	for _, c := range m.conversations {
		if !statusOK(c.Status) {
			continue
		}
		if filter.ClientID != "" && c.ClientID != filter.ClientID {
			continue
		}
		client, ok := m.clients[c.ClientID]
		if !ok {
			continue
		}
		unread := 0
		for _, msg := range m.messages[c.ID] {
			if !msg.IsRead {
				unread++
			}
		}
		cl := *client
		views = append(views, &ConversationView{
			Conversation: copyConversation(c),
			Client:       &cl,
			UnreadCount:  unread,
		})
	}

	sort.SliceStable(views, func(i, j int) bool {
		return views[i].Conversation.LastMessageAt.After(views[j].Conversation.LastMessageAt)
	})
	if len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

// InsertMessage stores a message.
func (m *MockStore) InsertMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailInsertMessage != nil {
		return m.FailInsertMessage
	}
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	if msg.TransportEventID != "" {
		if _, seen := m.eventIDs[msg.TransportEventID]; seen {
			return ErrDuplicateMessage
		}
		m.eventIDs[msg.TransportEventID] = struct{}{}
	}

	stored := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &stored)
	return nil
}

// HasTransportEvent reports whether eventID was recorded by InsertMessage.
func (m *MockStore) HasTransportEvent(ctx context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, seen := m.eventIDs[eventID]
	return seen && eventID != "", nil
}

// ListMessages returns messages in insertion order, limited to the most recent `limit`.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.messages[conversationID]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}

	result := make([]*Message, 0, len(all)-start)
	for _, msg := range all[start:] {
		cp := *msg
		result = append(result, &cp)
	}
	return result, nil
}

// MarkMessagesRead flags every unread message in the conversation as read.
func (m *MockStore) MarkMessagesRead(ctx context.Context, conversationID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, msg := range m.messages[conversationID] {
		if !msg.IsRead {
			msg.IsRead = true
			n++
		}
	}
	return n, nil
}

// Close marks the store closed. The mock keeps its data for inspection.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// OpenConversationCount returns the number of open conversations for a client.
// Test helper.
func (m *MockStore) OpenConversationCount(clientID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, c := range m.conversations {
		if c.ClientID == clientID && c.Status.IsOpen() {
			n++
		}
	}
	return n
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
