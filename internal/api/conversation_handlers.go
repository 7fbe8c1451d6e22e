// Package api provides conversation management handlers for FunnelPipe
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// conversationsHandler handles the conversation collection (POST and GET
// /conversations).
func (s *Server) conversationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.conversationsHandler: processing request", "method", r.Method, "path", r.URL.Path)

	switch r.Method {
	case http.MethodPost:
		s.startConversationHandler(w, r)
	case http.MethodGet:
		s.listConversationsHandler(w, r)
	default:
		writeMethodNotAllowed(w, r, "GET, POST")
	}
}

// startConversationHandler handles POST /conversations: it enrolls a visitor
// into a funnel and sends them the greeting block.
func (s *Server) startConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req models.StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.startConversationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.startConversationHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	// Validate and canonicalize phone number
	if _, err := s.msgService.ValidateAndCanonicalizeRecipient(req.PhoneNumber); err != nil {
		slog.Warn("Server.startConversationHandler: phone validation failed", "error", err, "phone", req.PhoneNumber)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid phone number: "+err.Error()))
		return
	}

	conv, err := s.router.StartConversation(context.Background(), req.FunnelID, req.PhoneNumber)
	if err != nil {
		switch {
		case errors.Is(err, messaging.ErrActiveConversationExists):
			slog.Warn("Server.startConversationHandler: visitor already enrolled", "phone", req.PhoneNumber)
			writeJSONResponse(w, http.StatusConflict, models.Error("Visitor already has an active conversation"))
		case errors.Is(err, messaging.ErrFunnelNotFound):
			slog.Warn("Server.startConversationHandler: funnel not found", "funnelID", req.FunnelID)
			writeJSONResponse(w, http.StatusNotFound, models.Error("Funnel not found"))
		default:
			slog.Error("Server.startConversationHandler: start failed", "error", err, "funnelID", req.FunnelID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start conversation"))
		}
		return
	}

	slog.Info("Server.startConversationHandler: conversation started", "conversationID", conv.ID, "funnelID", req.FunnelID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Conversation started successfully", conv))
}

// listConversationsHandler handles GET /conversations, returning every active
// conversation across funnels.
func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	convs, err := s.st.ListActiveConversations()
	if err != nil {
		slog.Error("Server.listConversationsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list conversations"))
		return
	}
	slog.Debug("Server.listConversationsHandler: conversations fetched", "count", len(convs))
	writeJSONResponse(w, http.StatusOK, models.Success(convs))
}

// conversationHandler handles GET /conversations/{id}.
func (s *Server) conversationHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.conversationHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}

	conversationID := strings.TrimPrefix(r.URL.Path, "/conversations/")
	if conversationID == "" || strings.Contains(conversationID, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown conversation endpoint"))
		return
	}

	conv, err := s.st.GetConversation(conversationID)
	if err != nil {
		slog.Error("Server.conversationHandler: lookup failed", "error", err, "conversationID", conversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get conversation"))
		return
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

// inboundMessageHandler handles POST /messages/inbound. It accepts a visitor
// message from any webhook source and routes it through the funnel engine,
// exactly as if it had arrived over the long-lived transport connection.
func (s *Server) inboundMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.inboundMessageHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req models.InboundMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.inboundMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.inboundMessageHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if _, err := s.msgService.ValidateAndCanonicalizeRecipient(req.From); err != nil {
		slog.Warn("Server.inboundMessageHandler: sender validation failed", "error", err, "from", req.From)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid sender: "+err.Error()))
		return
	}

	response := models.Response{
		From:      req.From,
		Body:      req.Body,
		MessageID: req.MessageID,
		Time:      time.Now().Unix(),
	}
	if err := s.router.ProcessResponse(context.Background(), response); err != nil {
		slog.Error("Server.inboundMessageHandler: processing failed", "error", err, "from", req.From)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}

	slog.Info("Server.inboundMessageHandler: message processed", "from", req.From)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message processed successfully", nil))
}
