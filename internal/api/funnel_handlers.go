// Package api provides funnel definition and resource directory handlers for
// FunnelPipe endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/funnel"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// funnelsHandler handles the funnel collection (POST and GET /funnels).
func (s *Server) funnelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.funnelsHandler: processing request", "method", r.Method, "path", r.URL.Path)

	switch r.Method {
	case http.MethodPost:
		s.createFunnelHandler(w, r)
	case http.MethodGet:
		s.listFunnelsHandler(w, r)
	default:
		writeMethodNotAllowed(w, r, "GET, POST")
	}
}

// funnelHandler dispatches single-funnel operations: GET, PUT and DELETE
// /funnels/{id}, GET /funnels/{id}/stats and GET /funnels/{id}/conversations.
func (s *Server) funnelHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.funnelHandler: processing request", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/funnels/")
	segments := strings.Split(path, "/")

	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Funnel ID required"))
		return
	}
	funnelID := segments[0]

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getFunnelHandler(w, r, funnelID)
		case http.MethodPut:
			s.updateFunnelHandler(w, r, funnelID)
		case http.MethodDelete:
			s.deleteFunnelHandler(w, r, funnelID)
		default:
			writeMethodNotAllowed(w, r, "GET, PUT, DELETE")
		}
		return
	}

	if len(segments) == 2 {
		switch segments[1] {
		case "stats":
			if r.Method != http.MethodGet {
				writeMethodNotAllowed(w, r, http.MethodGet)
				return
			}
			s.funnelStatsHandler(w, r, funnelID)
			return
		case "conversations":
			if r.Method != http.MethodGet {
				writeMethodNotAllowed(w, r, http.MethodGet)
				return
			}
			s.funnelConversationsHandler(w, r, funnelID)
			return
		}
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown funnel endpoint"))
}

// createFunnelHandler handles POST /funnels.
func (s *Server) createFunnelHandler(w http.ResponseWriter, r *http.Request) {
	var graph models.FunnelGraph
	if err := json.NewDecoder(r.Body).Decode(&graph); err != nil {
		slog.Warn("Server.createFunnelHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	// Indexing validates structure and referential integrity in one pass; a
	// graph that does not index is refused before it can strand a conversation.
	if _, err := funnel.NewGraphIndex(graph); err != nil {
		slog.Warn("Server.createFunnelHandler: graph validation failed", "error", err, "name", graph.Name)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	now := time.Now()
	if graph.CreatedAt.IsZero() {
		graph.CreatedAt = now
	}
	graph.UpdatedAt = now

	if err := s.st.SaveFunnel(&graph); err != nil {
		slog.Error("Server.createFunnelHandler: save failed", "error", err, "name", graph.Name)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save funnel"))
		return
	}
	s.router.InvalidateFunnel(graph.ID)

	slog.Info("Server.createFunnelHandler: funnel created", "funnelID", graph.ID, "name", graph.Name)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Funnel created successfully", graph))
}

// listFunnelsHandler handles GET /funnels.
func (s *Server) listFunnelsHandler(w http.ResponseWriter, r *http.Request) {
	funnels, err := s.st.ListFunnels()
	if err != nil {
		slog.Error("Server.listFunnelsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list funnels"))
		return
	}
	slog.Debug("Server.listFunnelsHandler: funnels fetched", "count", len(funnels))
	writeJSONResponse(w, http.StatusOK, models.Success(funnels))
}

// getFunnelHandler handles GET /funnels/{id}.
func (s *Server) getFunnelHandler(w http.ResponseWriter, r *http.Request, funnelID string) {
	graph, err := s.st.GetFunnel(funnelID)
	if err != nil {
		slog.Error("Server.getFunnelHandler: lookup failed", "error", err, "funnelID", funnelID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get funnel"))
		return
	}
	if graph == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Funnel not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(graph))
}

// updateFunnelHandler handles PUT /funnels/{id}. Conversations already past a
// block keep their recorded path; only the next advance sees the new graph.
func (s *Server) updateFunnelHandler(w http.ResponseWriter, r *http.Request, funnelID string) {
	existing, err := s.st.GetFunnel(funnelID)
	if err != nil {
		slog.Error("Server.updateFunnelHandler: lookup failed", "error", err, "funnelID", funnelID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to check funnel"))
		return
	}
	if existing == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Funnel not found"))
		return
	}

	var graph models.FunnelGraph
	if err := json.NewDecoder(r.Body).Decode(&graph); err != nil {
		slog.Warn("Server.updateFunnelHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	graph.ID = funnelID
	graph.CreatedAt = existing.CreatedAt
	graph.UpdatedAt = time.Now()

	if _, err := funnel.NewGraphIndex(graph); err != nil {
		slog.Warn("Server.updateFunnelHandler: graph validation failed", "error", err, "funnelID", funnelID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.st.SaveFunnel(&graph); err != nil {
		slog.Error("Server.updateFunnelHandler: save failed", "error", err, "funnelID", funnelID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update funnel"))
		return
	}
	s.router.InvalidateFunnel(funnelID)

	slog.Info("Server.updateFunnelHandler: funnel updated", "funnelID", funnelID, "name", graph.Name)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Funnel updated successfully", graph))
}

// deleteFunnelHandler handles DELETE /funnels/{id}.
func (s *Server) deleteFunnelHandler(w http.ResponseWriter, r *http.Request, funnelID string) {
	graph, err := s.st.GetFunnel(funnelID)
	if err != nil {
		slog.Error("Server.deleteFunnelHandler: lookup failed", "error", err, "funnelID", funnelID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to check funnel"))
		return
	}
	if graph == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Funnel not found"))
		return
	}

	if err := s.st.DeleteFunnel(funnelID); err != nil {
		slog.Error("Server.deleteFunnelHandler: delete failed", "error", err, "funnelID", funnelID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete funnel"))
		return
	}
	s.router.InvalidateFunnel(funnelID)

	slog.Info("Server.deleteFunnelHandler: funnel deleted", "funnelID", funnelID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Funnel deleted successfully", nil))
}

// funnelStatsHandler handles GET /funnels/{id}/stats.
func (s *Server) funnelStatsHandler(w http.ResponseWriter, r *http.Request, funnelID string) {
	graph, err := s.st.GetFunnel(funnelID)
	if err != nil {
		slog.Error("Server.funnelStatsHandler: lookup failed", "error", err, "funnelID", funnelID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get funnel"))
		return
	}
	if graph == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Funnel not found"))
		return
	}

	convs, err := s.st.ListConversationsByFunnel(funnelID)
	if err != nil {
		slog.Error("Server.funnelStatsHandler: conversation list failed", "error", err, "funnelID", funnelID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list conversations"))
		return
	}

	// A stored funnel always indexed at save time, but a legacy row may not;
	// stats fall back to raw block IDs as stage keys in that case.
	var idx *funnel.GraphIndex
	if built, err := funnel.NewGraphIndex(*graph); err == nil {
		idx = built
	} else {
		slog.Warn("Server.funnelStatsHandler: stored graph failed to index", "error", err, "funnelID", funnelID)
	}

	stats := models.FunnelStats{
		FunnelID:              funnelID,
		TotalConversations:    len(convs),
		ConversationsByStatus: make(map[models.ConversationStatus]int),
		ConversationsByStage:  make(map[string]int),
	}
	for _, conv := range convs {
		stats.ConversationsByStatus[conv.Status]++
		stageKey := conv.CurrentBlockID
		if idx != nil {
			if stage, ok := idx.StageOf(conv.CurrentBlockID); ok {
				stageKey = stage.Name
			}
		}
		stats.ConversationsByStage[stageKey]++
		if conv.OneTimeActionClaimed {
			stats.OneTimeActionsClaimed++
		}
	}

	slog.Debug("Server.funnelStatsHandler: stats computed", "funnelID", funnelID, "total", stats.TotalConversations)
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

// funnelConversationsHandler handles GET /funnels/{id}/conversations.
func (s *Server) funnelConversationsHandler(w http.ResponseWriter, r *http.Request, funnelID string) {
	convs, err := s.st.ListConversationsByFunnel(funnelID)
	if err != nil {
		slog.Error("Server.funnelConversationsHandler: list failed", "error", err, "funnelID", funnelID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list conversations"))
		return
	}
	slog.Debug("Server.funnelConversationsHandler: conversations fetched", "funnelID", funnelID, "count", len(convs))
	writeJSONResponse(w, http.StatusOK, models.Success(convs))
}

// resourcesHandler handles the resource directory (POST and GET /resources).
// Entries are upserted per (owner scope, name); listing filters by the
// owner_scope query parameter.
func (s *Server) resourcesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.resourcesHandler: processing request", "method", r.Method, "path", r.URL.Path)

	switch r.Method {
	case http.MethodPost:
		s.saveResourceHandler(w, r)
	case http.MethodGet:
		s.listResourcesHandler(w, r)
	default:
		writeMethodNotAllowed(w, r, "GET, POST")
	}
}

// saveResourceHandler handles POST /resources.
func (s *Server) saveResourceHandler(w http.ResponseWriter, r *http.Request) {
	var resource models.Resource
	if err := json.NewDecoder(r.Body).Decode(&resource); err != nil {
		slog.Warn("Server.saveResourceHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := resource.Validate(); err != nil {
		slog.Warn("Server.saveResourceHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	now := time.Now()
	if resource.CreatedAt.IsZero() {
		resource.CreatedAt = now
	}
	resource.UpdatedAt = now

	if err := s.st.SaveResource(&resource); err != nil {
		slog.Error("Server.saveResourceHandler: save failed", "error", err, "name", resource.Name)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save resource"))
		return
	}

	slog.Info("Server.saveResourceHandler: resource saved", "name", resource.Name, "owner_scope", resource.OwnerScope)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Resource saved successfully", resource))
}

// listResourcesHandler handles GET /resources.
func (s *Server) listResourcesHandler(w http.ResponseWriter, r *http.Request) {
	ownerScope := r.URL.Query().Get("owner_scope")
	resources, err := s.st.ListResources(ownerScope)
	if err != nil {
		slog.Error("Server.listResourcesHandler: list failed", "error", err, "owner_scope", ownerScope)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list resources"))
		return
	}
	slog.Debug("Server.listResourcesHandler: resources fetched", "count", len(resources), "owner_scope", ownerScope)
	writeJSONResponse(w, http.StatusOK, models.Success(resources))
}
