// ABOUTME: Ingress Normalizer turns raw transport batches into router-ready inbound messages
// ABOUTME: Drops self-sent, empty, malformed and already seen events while keeping arrival order

package ingress

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/transport"
)

// ErrMalformedEvent marks a raw event missing its id or sender.
var ErrMalformedEvent = errors.New("malformed transport event")

// InboundMessage is a normalized message from a client.
type InboundMessage struct {
	EventID     string
	FromAddress string
	DisplayName string
	Text        string
	ReceivedAt  time.Time
}

// Normalizer filters and converts raw transport events.
type Normalizer struct {
	seen   *dedupe.Cache
	now    func() time.Time
	logger *slog.Logger
}

// NewNormalizer creates a normalizer backed by seen for event id dedup.
// Pass nil logger for default.
func NewNormalizer(seen *dedupe.Cache, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		seen:   seen,
		now:    time.Now,
		logger: logger.With("component", "ingress"),
	}
}

// Validate reports ErrMalformedEvent for events that cannot be attributed.
func Validate(raw transport.RawEvent) error {
	if strings.TrimSpace(raw.ID) == "" {
		return fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	if strings.TrimSpace(raw.From) == "" {
		return fmt.Errorf("%w: missing sender address", ErrMalformedEvent)
	}
	return nil
}

// Normalize returns one InboundMessage per acceptable raw event, in input
// order. Self-sent events, events without text, malformed events and event
// ids seen within the dedup window are dropped; malformed ones are logged.
func (n *Normalizer) Normalize(batch []transport.RawEvent) []InboundMessage {
	out := make([]InboundMessage, 0, len(batch))

	for _, raw := range batch {
		if raw.SelfSent {
			continue
		}

		text := strings.TrimSpace(raw.Text)
		if text == "" {
			continue
		}

		if err := Validate(raw); err != nil {
			n.logger.Warn("dropping transport event", "error", err, "from", raw.From)
			continue
		}

		if n.seen != nil && n.seen.CheckAndMark(raw.ID) {
			n.logger.Debug("dropping duplicate event", "event_id", raw.ID)
			continue
		}

		receivedAt := raw.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = n.now()
		}

		out = append(out, InboundMessage{
			EventID:     raw.ID,
			FromAddress: strings.TrimSpace(raw.From),
			DisplayName: raw.DisplayName,
			Text:        text,
			ReceivedAt:  receivedAt.UTC(),
		})
	}

	return out
}

// Forget releases an event id so a redelivery is processed again. The router
// calls it when an accepted message could not be recorded.
func (n *Normalizer) Forget(eventID string) {
	if n.seen != nil {
		n.seen.Forget(eventID)
	}
}
