// ABOUTME: Store interface and data types for switchboard persistence
// ABOUTME: Defines Client, Conversation, Message and the Store contract used by the router

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateClient is returned when a client with the same address already exists
var ErrDuplicateClient = errors.New("client already exists")

// ErrDuplicateConversation is returned when the client already has an open conversation
var ErrDuplicateConversation = errors.New("open conversation already exists")

// ErrDuplicateMessage is returned when a message with the same transport event id was already stored
var ErrDuplicateMessage = errors.New("message already recorded")

// ClientType classifies a client as learned by the bot.
type ClientType string

const (
	ClientTypeUnknown  ClientType = "unknown"
	ClientTypeExisting ClientType = "existing"
	ClientTypeProspect ClientType = "prospect"
)

// ConversationStatus is the lifecycle status of a conversation.
type ConversationStatus string

const (
	ConversationActive  ConversationStatus = "active"
	ConversationWaiting ConversationStatus = "waiting"
	ConversationClosed  ConversationStatus = "closed"
)

// IsOpen reports whether the status counts as an open conversation.
func (s ConversationStatus) IsOpen() bool {
	return s == ConversationActive || s == ConversationWaiting
}

// SenderKind identifies who authored a message.
type SenderKind string

const (
	SenderClient   SenderKind = "client"
	SenderBot      SenderKind = "bot"
	SenderOperator SenderKind = "operator"
	SenderSystem   SenderKind = "system"
)

// Close reasons recorded on closed conversations.
const (
	CloseReasonInactivity = "inactivity"
	CloseReasonOperator   = "operator"
)

// Client is a chat participant identified by its transport address.
type Client struct {
	ID                string
	Address           string
	DisplayName       string
	ClientType        ClientType
	ConversationState string // persisted bot state, "" means initial
	LastMessage       string
	LastMessageAt     time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Conversation is one support session between a client and the bot or an operator.
type Conversation struct {
	ID            string
	ClientID      string
	Status        ConversationStatus
	OperatorRef   *string
	StartedAt     time.Time
	LastMessageAt time.Time
	EndedAt       *time.Time
	ClosedByRef   *string
	CloseReason   string
}

// Message is a single delivered or received message within a conversation.
type Message struct {
	ID               string
	ConversationID   string
	SenderKind       SenderKind
	SenderRef        *string
	Content          string
	Timestamp        time.Time
	IsRead           bool
	TransportEventID string // empty for outbound messages
}

// ConversationFilter narrows ListConversations results.
type ConversationFilter struct {
	// Statuses limits results to these statuses; empty means all.
	Statuses []ConversationStatus
	// ClientID limits results to a single client.
	ClientID string
	// Limit caps the number of rows (default 100, max 1000).
	Limit int
}

// ConversationView joins a conversation with its client for listings.
type ConversationView struct {
	Conversation *Conversation
	Client       *Client
	UnreadCount  int
}

// Store defines the persistence contract for clients, conversations and messages.
type Store interface {
	// Clients
	FindClientByAddress(ctx context.Context, address string) (*Client, error)
	GetClient(ctx context.Context, id string) (*Client, error)
	CreateClient(ctx context.Context, client *Client) error
	UpsertClient(ctx context.Context, client *Client) error

	// Conversations
	FindOpenConversation(ctx context.Context, clientID string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	CreateConversation(ctx context.Context, conv *Conversation) error
	UpdateConversation(ctx context.Context, conv *Conversation) error
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*ConversationView, error)

	// Messages
	InsertMessage(ctx context.Context, msg *Message) error
	HasTransportEvent(ctx context.Context, eventID string) (bool, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	MarkMessagesRead(ctx context.Context, conversationID string) (int64, error)

	// Close releases any resources held by the store
	Close() error
}
