// ABOUTME: Matrix transport driver built on mautrix; a client address is a room ID
// ABOUTME: Syncs m.room.message text events inbound and sends Markdown rendered as HTML outbound

package matrix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/switchboard/internal/transport"
)

// sendTimeout bounds one outbound send when the caller's context has no deadline.
const sendTimeout = 30 * time.Second

// Config holds the Matrix account the driver logs in as.
type Config struct {
	Homeserver   string
	UserID       string
	AccessToken  string
	AllowedRooms []string
}

// Driver implements transport.Driver for Matrix.
type Driver struct {
	cfg     Config
	client  *mautrix.Client
	md      goldmark.Markdown
	logger  *slog.Logger
	allowed map[string]bool

	mu        sync.Mutex
	startedAt time.Time
}

// New creates a Matrix driver. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	allowed := make(map[string]bool, len(cfg.AllowedRooms))
	for _, room := range cfg.AllowedRooms {
		allowed[room] = true
	}

	return &Driver{
		cfg:     cfg,
		client:  client,
		md:      goldmark.New(),
		logger:  logger.With("component", "matrix"),
		allowed: allowed,
	}, nil
}

// Name identifies the driver.
func (d *Driver) Name() string { return "matrix" }

// Run verifies the access token, reports the bound user ID and syncs until
// ctx is cancelled or the homeserver rejects the token.
func (d *Driver) Run(ctx context.Context, session transport.Session) error {
	d.logger.Info("connecting to matrix homeserver",
		"homeserver", d.cfg.Homeserver,
		"user_id", d.cfg.UserID,
	)

	whoami, err := d.client.Whoami(ctx)
	if err != nil {
		return classify(err)
	}

	d.mu.Lock()
	d.startedAt = time.Now()
	d.mu.Unlock()

	// A fresh syncer per session keeps handlers from piling up across reconnects.
	syncer := mautrix.NewDefaultSyncer()
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		raw, ok := d.toRawEvent(evt)
		if !ok {
			return
		}
		session.Deliver([]transport.RawEvent{raw})
	})
	d.client.Syncer = syncer

	session.Connected(whoami.UserID.String())

	err = d.client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		return errors.New("matrix sync stopped")
	}
	return classify(err)
}

// toRawEvent converts a Matrix message event. It reports false for events the
// router must never see: non-text messages, rooms outside the allow-list and
// history replayed from before this session started.
func (d *Driver) toRawEvent(evt *event.Event) (transport.RawEvent, bool) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return transport.RawEvent{}, false
	}
	if content.MsgType != event.MsgText {
		return transport.RawEvent{}, false
	}

	roomID := evt.RoomID.String()
	if len(d.allowed) > 0 && !d.allowed[roomID] {
		d.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return transport.RawEvent{}, false
	}

	sentAt := time.UnixMilli(evt.Timestamp)
	d.mu.Lock()
	startedAt := d.startedAt
	d.mu.Unlock()
	if !startedAt.IsZero() && sentAt.Before(startedAt.Add(-time.Minute)) {
		return transport.RawEvent{}, false
	}

	return transport.RawEvent{
		ID:          evt.ID.String(),
		From:        roomID,
		DisplayName: evt.Sender.String(),
		SelfSent:    evt.Sender == id.UserID(d.cfg.UserID),
		Text:        content.Body,
		ReceivedAt:  sentAt,
	}, true
}

// Send posts text to the room. The plain body is kept as typed and an HTML
// formatted body is attached when the Markdown renders to something richer.
func (d *Driver) Send(ctx context.Context, address, text string) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sendTimeout)
		defer cancel()
	}

	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if html, ok := d.renderHTML(text); ok {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}

	if _, err := d.client.SendMessageEvent(ctx, id.RoomID(address), event.EventMessage, content); err != nil {
		return classify(err)
	}
	return nil
}

// renderHTML converts Markdown to HTML. It reports false when rendering
// fails or adds nothing beyond a single paragraph of the same text.
func (d *Driver) renderHTML(text string) (string, bool) {
	var buf bytes.Buffer
	if err := d.md.Convert([]byte(text), &buf); err != nil {
		d.logger.Debug("markdown render failed", "error", err)
		return "", false
	}
	html := strings.TrimSpace(buf.String())
	if html == "<p>"+text+"</p>" {
		return "", false
	}
	return html, true
}

// classify maps a revoked token to transport.ErrLoggedOut.
func classify(err error) error {
	if errors.Is(err, mautrix.MUnknownToken) {
		return fmt.Errorf("%w: %w", transport.ErrLoggedOut, err)
	}
	return err
}

var _ transport.Driver = (*Driver)(nil)
