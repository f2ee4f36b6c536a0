// ABOUTME: HTTP API handlers for operators: conversations, messages and transport control
// ABOUTME: Validates request bodies and maps router errors onto HTTP status codes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/transport"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 64 << 10

// SendMessageRequest is the body of POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Content string `json:"content" validate:"required,max=4096"`
}

// SendMessageResponse is returned after an operator message was delivered.
type SendMessageResponse struct {
	Message conversation.MessageView `json:"message"`
	// Warning is set when the message reached the client but was not recorded.
	Warning string `json:"warning,omitempty"`
}

// ConversationListResponse is returned by GET /api/conversations.
type ConversationListResponse struct {
	Conversations []conversation.ConversationView `json:"conversations"`
}

// MessageListResponse is returned by GET /api/conversations/{id}/messages.
type MessageListResponse struct {
	Messages []conversation.MessageView `json:"messages"`
}

// listQuery holds validated query parameters for conversation listings.
type listQuery struct {
	Status string `json:"status" validate:"omitempty,oneof=open active waiting closed all"`
	Limit  int    `json:"limit" validate:"gte=0,lte=1000"`
}

var validate = newValidator()

// newValidator reports field errors by their json key.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationMessage turns a validator error into a short client-facing message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required", "required_if":
		return fe.Field() + " is required"
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// registerHTTPAPIRoutes mounts the operator API behind the auth middleware.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux) {
	authed := auth.HTTPAuthMiddleware(g.verifier)
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(h))
	}

	handle("GET /api/transport/status", g.handleTransportStatus)
	handle("POST /api/transport/connect", g.handleTransportConnect)
	handle("POST /api/transport/disconnect", g.handleTransportDisconnect)

	handle("GET /api/conversations", g.handleListConversations)
	handle("GET /api/conversations/{id}", g.handleGetConversation)
	handle("GET /api/conversations/{id}/messages", g.handleListMessages)
	handle("POST /api/conversations/{id}/messages", g.handleSendMessage)
	handle("POST /api/conversations/{id}/take", g.handleTake)
	handle("POST /api/conversations/{id}/release", g.handleRelease)
	handle("POST /api/conversations/{id}/close", g.handleClose)
	handle("POST /api/conversations/{id}/read", g.handleMarkRead)

	handle("GET /api/events", g.handleEvents)
	handle("GET /api/ws", g.handleWebSocket)
}

func (g *Gateway) handleTransportStatus(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.supervisor.Status())
}

// handleTransportConnect starts the connection loop. The result arrives as
// transport_status events, so the response is only the current snapshot.
func (g *Gateway) handleTransportConnect(w http.ResponseWriter, r *http.Request) {
	g.logger.Info("transport connect requested", "operator", auth.OperatorID(r.Context()))
	g.supervisor.Connect()
	g.writeJSON(w, http.StatusAccepted, g.supervisor.Status())
}

func (g *Gateway) handleTransportDisconnect(w http.ResponseWriter, r *http.Request) {
	g.logger.Info("transport disconnect requested", "operator", auth.OperatorID(r.Context()))
	g.supervisor.Disconnect()
	g.writeJSON(w, http.StatusOK, g.supervisor.Status())
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := listQuery{Status: r.URL.Query().Get("status")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		q.Limit = n
	}
	if err := validate.Struct(q); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	filter := store.ConversationFilter{Limit: q.Limit}
	switch q.Status {
	case "", "all":
	case "open":
		filter.Statuses = []store.ConversationStatus{store.ConversationActive, store.ConversationWaiting}
	default:
		filter.Statuses = []store.ConversationStatus{store.ConversationStatus(q.Status)}
	}

	views, err := g.conversation.ListConversations(r.Context(), filter)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	resp := ConversationListResponse{Conversations: make([]conversation.ConversationView, 0, len(views))}
	for _, v := range views {
		resp.Conversations = append(resp.Conversations, conversation.ToConversationView(v))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	g.respondConversation(w, r, http.StatusOK, r.PathValue("id"))
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative number")
			return
		}
		limit = n
	}

	msgs, err := g.conversation.History(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	resp := MessageListResponse{Messages: make([]conversation.MessageView, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, conversation.ToMessageView(m))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleSendMessage delivers an operator message to the conversation's client.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	operatorID := auth.OperatorID(r.Context())
	msg, err := g.conversation.SendAsOperator(r.Context(), r.PathValue("id"), operatorID, req.Content)
	if err != nil && !(msg != nil && errors.Is(err, conversation.ErrPersistence)) {
		g.sendServiceError(w, err)
		return
	}

	resp := SendMessageResponse{Message: conversation.ToMessageView(msg)}
	if err != nil {
		resp.Warning = "message delivered but not recorded"
	}
	g.writeJSON(w, http.StatusCreated, resp)
}

func (g *Gateway) handleTake(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := g.conversation.Take(r.Context(), id, auth.OperatorID(r.Context())); err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.respondConversation(w, r, http.StatusOK, id)
}

func (g *Gateway) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := g.conversation.Release(r.Context(), id); err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.respondConversation(w, r, http.StatusOK, id)
}

func (g *Gateway) handleClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := g.conversation.Close(r.Context(), id, auth.OperatorID(r.Context())); err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.respondConversation(w, r, http.StatusOK, id)
}

func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := g.conversation.MarkRead(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

// respondConversation writes the current view of conversation id.
func (g *Gateway) respondConversation(w http.ResponseWriter, r *http.Request, status int, id string) {
	view, err := g.conversation.GetConversation(r.Context(), id)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, status, conversation.ToConversationView(view))
}

// errorStatus maps router and transport errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrConversationClosed):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, transport.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, transport.ErrSendFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// sendServiceError writes err with its mapped status. Internal errors are
// logged and reported without detail.
func (g *Gateway) sendServiceError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, status, "internal error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}

// writeJSON writes v as a JSON response.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
