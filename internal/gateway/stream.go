// ABOUTME: Real-time event streams for operator UIs over SSE and WebSocket
// ABOUTME: Both send a transport_status snapshot first; WebSocket clients may also send messages

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/conversation"
)

const (
	// keepaliveInterval spaces SSE comments and WebSocket pings on idle streams.
	keepaliveInterval = 30 * time.Second

	wsWriteWait = 10 * time.Second
	wsPongWait  = 2 * keepaliveInterval
)

// WebSocket frame types.
const (
	FrameSendMessage = "send_message"
	FramePing        = "ping"
	FrameMessageSent = "message_sent"
	FramePong        = "pong"
	FrameError       = "error"
)

const topicNames = "new_message operator_needed conversation_closed transport_status conversation_updated"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ClientFrame is a command sent by a WebSocket client.
type ClientFrame struct {
	Type           string `json:"type" validate:"required,oneof=send_message ping"`
	RequestID      string `json:"request_id,omitempty"`
	ConversationID string `json:"conversation_id" validate:"required_if=Type send_message"`
	Content        string `json:"content" validate:"required_if=Type send_message,max=4096"`
}

// ReplyFrame answers a ClientFrame.
type ReplyFrame struct {
	Type      string                    `json:"type"`
	RequestID string                    `json:"request_id,omitempty"`
	Success   bool                      `json:"success"`
	Error     string                    `json:"error,omitempty"`
	Message   *conversation.MessageView `json:"message,omitempty"`
}

// parseTopics reads a comma-separated topic filter; empty means all topics.
func parseTopics(raw string) ([]conversation.Topic, error) {
	if raw == "" {
		return nil, nil
	}
	var topics []conversation.Topic
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := validate.Var(name, "oneof="+topicNames); err != nil {
			return nil, fmt.Errorf("unknown topic %q", name)
		}
		topics = append(topics, conversation.Topic(name))
	}
	return topics, nil
}

// statusSnapshot wraps the current transport status as an event.
func (g *Gateway) statusSnapshot() conversation.Event {
	return conversation.Event{
		Topic:   conversation.TopicTransportStatus,
		Payload: g.supervisor.Status(),
		At:      time.Now().UTC(),
	}
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, ev conversation.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return nil
	}
	_, err = fmt.Fprint(w, formatSSEEvent(string(ev.Topic), string(data)))
	return err
}

// handleEvents streams events as Server-Sent Events. The optional topics
// query parameter narrows the stream.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	topics, err := parseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	events, subID := g.events.Subscribe(ctx, topics...)
	defer g.events.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := g.writeSSEEvent(w, g.statusSnapshot()); err != nil {
		return
	}
	flusher.Flush()

	g.logger.Debug("event stream opened", "operator", auth.OperatorID(ctx), "sub_id", subID)

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.closing:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := g.writeSSEEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// wsConn serializes writes to a WebSocket connection; gorilla allows only
// one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) writeControl(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(messageType, data, time.Now().Add(wsWriteWait))
}

// handleWebSocket upgrades to a WebSocket that carries every event and
// accepts send_message commands from the operator.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ws := &wsConn{conn: conn}
	operatorID := auth.OperatorID(r.Context())
	logger := g.logger.With("operator", operatorID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, subID := g.events.Subscribe(ctx)
	defer g.events.Unsubscribe(subID)

	if err := ws.writeJSON(g.statusSnapshot()); err != nil {
		return
	}
	logger.Debug("websocket opened", "sub_id", subID)

	go func() {
		defer cancel()
		g.readFrames(ctx, ws, operatorID)
	}()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("websocket closed", "sub_id", subID)
			return
		case <-g.closing:
			_ = ws.writeControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := ws.writeJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := ws.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readFrames handles client commands until the connection fails.
func (g *Gateway) readFrames(ctx context.Context, ws *wsConn, operatorID string) {
	ws.conn.SetReadLimit(maxRequestBody)
	_ = ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		reply := g.handleFrame(ctx, data, operatorID)
		if err := ws.writeJSON(reply); err != nil {
			return
		}
	}
}

// handleFrame executes one client command and builds its reply.
func (g *Gateway) handleFrame(ctx context.Context, data []byte, operatorID string) ReplyFrame {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ReplyFrame{Type: FrameError, Error: "invalid JSON frame"}
	}
	if err := validate.Struct(frame); err != nil {
		return ReplyFrame{Type: FrameError, RequestID: frame.RequestID, Error: validationMessage(err)}
	}

	switch frame.Type {
	case FramePing:
		return ReplyFrame{Type: FramePong, RequestID: frame.RequestID, Success: true}
	default:
		reply := ReplyFrame{Type: FrameMessageSent, RequestID: frame.RequestID}
		msg, err := g.conversation.SendAsOperator(ctx, frame.ConversationID, operatorID, frame.Content)
		if msg != nil {
			view := conversation.ToMessageView(msg)
			reply.Message = &view
			reply.Success = true
		}
		if err != nil {
			if !reply.Success {
				reply.Error = err.Error()
			} else {
				reply.Error = "message delivered but not recorded"
			}
		}
		return reply
	}
}
