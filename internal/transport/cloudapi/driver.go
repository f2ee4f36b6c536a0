// ABOUTME: WhatsApp Cloud API transport driver: webhook inbound, Graph API send outbound
// ABOUTME: A client address is the sender's phone number as reported by the webhook

package cloudapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/transport"
)

// maxWebhookBody caps the size of an inbound webhook payload.
const maxWebhookBody = 1 << 20

// SignatureHeader carries the HMAC-SHA256 of the webhook body keyed by the app secret.
const SignatureHeader = "X-Hub-Signature-256"

// Config holds the Cloud API credentials and webhook settings.
type Config struct {
	APIURL      string
	PhoneID     string
	Token       string
	VerifyToken string
	// AppSecret signs webhook notifications. When empty, deliveries are
	// accepted unsigned.
	AppSecret string

	// HTTPClient is used for Graph API calls; defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

// Driver implements transport.Driver for the WhatsApp Cloud API.
type Driver struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu      sync.RWMutex
	session transport.Session // nil while no session is running
}

// New creates a Cloud API driver. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	d := &Driver{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "cloudapi"),
	}
	if cfg.AppSecret == "" {
		d.logger.Warn("no app secret configured, webhook signatures are not checked")
	}
	return d
}

// Name identifies the driver.
func (d *Driver) Name() string { return "cloudapi" }

// phoneNumberInfo is the subset of the phone number object used as the bound address.
type phoneNumberInfo struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	VerifiedName       string `json:"verified_name"`
}

// Run checks the credentials against the phone number endpoint, then accepts
// webhook deliveries until ctx is cancelled.
func (d *Driver) Run(ctx context.Context, session transport.Session) error {
	info, err := d.probe(ctx)
	if err != nil {
		return err
	}

	bound := info.DisplayPhoneNumber
	if bound == "" {
		bound = d.cfg.PhoneID
	}

	d.mu.Lock()
	d.session = session
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.session = nil
		d.mu.Unlock()
	}()

	session.Connected(bound)
	<-ctx.Done()
	return nil
}

func (d *Driver) probe(ctx context.Context) (*phoneNumberInfo, error) {
	url := fmt.Sprintf("%s/%s?fields=display_phone_number,verified_name", d.cfg.APIURL, d.cfg.PhoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building probe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.cfg.Token)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probing phone number: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	var info phoneNumberInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding phone number: %w", err)
	}
	return &info, nil
}

// sendRequest is the Graph API text message payload.
type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type textBody struct {
	Body string `json:"body"`
}

// Send posts a text message to address through the Graph API.
func (d *Driver) Send(ctx context.Context, address, text string) error {
	payload, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		To:               address,
		Type:             "text",
		Text:             textBody{Body: text},
	})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", d.cfg.APIURL, d.cfg.PhoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	d.logger.Debug("message sent", "to", address, "length", len(text))
	return nil
}

// apiError is the Graph API error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// checkResponse turns a non-2xx response into an error; 401 means the token
// was revoked and maps to transport.ErrLoggedOut.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	var envelope apiError
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", transport.ErrLoggedOut, msg)
	}
	return fmt.Errorf("cloud api returned %d: %s", resp.StatusCode, msg)
}

// webhookPayload is the subset of the webhook notification the driver reads.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// parseWebhook extracts message events in payload order. Status updates and
// other notifications yield no events. Non-text messages are returned with
// empty text so the normalizer can drop them.
func parseWebhook(body []byte, now time.Time) ([]transport.RawEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding webhook: %w", err)
	}

	var events []transport.RawEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				receivedAt := now
				if secs, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
					receivedAt = time.Unix(secs, 0)
				}
				text := ""
				if m.Type == "text" || m.Type == "" {
					text = m.Text.Body
				}
				events = append(events, transport.RawEvent{
					ID:          m.ID,
					From:        m.From,
					DisplayName: names[m.From],
					Text:        text,
					ReceivedAt:  receivedAt,
				})
			}
		}
	}
	return events, nil
}

// WebhookHandler serves the Cloud API webhook: GET for subscription
// verification and POST for notifications.
func (d *Driver) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			d.handleVerify(w, r)
		case http.MethodPost:
			d.handleNotification(w, r)
		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (d *Driver) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && d.cfg.VerifyToken != "" &&
		hmac.Equal([]byte(token), []byte(d.cfg.VerifyToken)) {
		d.logger.Info("webhook verified")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, challenge)
		return
	}

	d.logger.Warn("webhook verification rejected", "mode", mode)
	http.Error(w, "forbidden", http.StatusForbidden)
}

func (d *Driver) handleNotification(w http.ResponseWriter, r *http.Request) {
	d.mu.RLock()
	session := d.session
	d.mu.RUnlock()

	if session == nil {
		http.Error(w, "transport not running", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !d.validSignature(body, r.Header.Get(SignatureHeader)) {
		d.logger.Warn("webhook signature rejected", "remote_addr", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	events, err := parseWebhook(body, time.Now())
	if err != nil {
		d.logger.Warn("malformed webhook payload", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if len(events) > 0 {
		d.logger.Debug("webhook delivered messages", "count", len(events))
		session.Deliver(events)
	}

	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "EVENT_RECEIVED")
}

// validSignature checks header ("sha256=<hex>") against the body HMAC.
func (d *Driver) validSignature(body []byte, header string) bool {
	if d.cfg.AppSecret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(d.cfg.AppSecret, body))
}

// Sign returns the HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

var _ transport.Driver = (*Driver)(nil)
