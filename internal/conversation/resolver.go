// ABOUTME: Resolver finds or creates the client and its single open conversation for an address
// ABOUTME: Callers serialize per address; unique-constraint races fall back to a re-lookup

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/bot"
	"github.com/2389/switchboard/internal/store"
)

// Resolver is the only creator of client and conversation rows.
type Resolver struct {
	store  store.Store
	now    func() time.Time
	logger *slog.Logger
}

// NewResolver creates a resolver. Pass nil logger for default.
func NewResolver(s store.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  s,
		now:    time.Now,
		logger: logger.With("component", "resolver"),
	}
}

// Resolve returns the client for address and its open conversation,
// creating either when absent. displayName is recorded on a new client.
func (r *Resolver) Resolve(ctx context.Context, address, displayName string) (*store.Client, *store.Conversation, error) {
	client, err := r.ensureClient(ctx, address, displayName)
	if err != nil {
		return nil, nil, fmt.Errorf("client resolution failed: %w", err)
	}

	conv, err := r.ensureConversation(ctx, client)
	if err != nil {
		return nil, nil, fmt.Errorf("conversation resolution failed: %w", err)
	}

	return client, conv, nil
}

func (r *Resolver) ensureClient(ctx context.Context, address, displayName string) (*store.Client, error) {
	client, err := r.store.FindClientByAddress(ctx, address)
	if err == nil {
		return client, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := r.now().UTC()
	client = &store.Client{
		ID:                uuid.New().String(),
		Address:           address,
		DisplayName:       displayName,
		ClientType:        store.ClientTypeUnknown,
		ConversationState: string(bot.StateInitial),
		LastMessageAt:     now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.store.CreateClient(ctx, client); err != nil {
		// Another writer created it between our lookup and insert
		if errors.Is(err, store.ErrDuplicateClient) {
			existing, lookupErr := r.store.FindClientByAddress(ctx, address)
			if lookupErr == nil {
				r.logger.Debug("found existing client after race", "client_id", existing.ID)
				return existing, nil
			}
			r.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, err
	}

	r.logger.Info("client created", "client_id", client.ID, "address", address)
	return client, nil
}

func (r *Resolver) ensureConversation(ctx context.Context, client *store.Client) (*store.Conversation, error) {
	conv, err := r.store.FindOpenConversation(ctx, client.ID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := r.now().UTC()
	conv = &store.Conversation{
		ID:            uuid.New().String(),
		ClientID:      client.ID,
		Status:        store.ConversationActive,
		StartedAt:     now,
		LastMessageAt: now,
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrDuplicateConversation) {
			existing, lookupErr := r.store.FindOpenConversation(ctx, client.ID)
			if lookupErr == nil {
				r.logger.Debug("found open conversation after race", "conversation_id", existing.ID)
				return existing, nil
			}
			r.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, err
	}

	r.logger.Info("conversation started", "conversation_id", conv.ID, "client_id", client.ID)
	return conv, nil
}
