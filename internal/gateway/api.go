// ABOUTME: HTTP routes and JSON API handlers for dashboards and operators
// ABOUTME: Outbound calls, live conversation snapshots, stats, health and metrics

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/switchboard-gateway/internal/auth"
	"github.com/2389/switchboard-gateway/internal/bridge"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	OrganizationID      string `json:"organizationId"`
	Leads               int    `json:"leads"`
	ActiveConversations int    `json:"activeConversations"`
	HumanControlled     int    `json:"humanControlled"`
	ConversationsToday  int    `json:"conversationsToday"`
	MessagesToday       int    `json:"messagesToday"`
	LiveConversations   int    `json:"liveConversations"`
	ConnectedDashboards int    `json:"connectedDashboards"`
}

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, promhttp.Handler())
	}

	mux.Handle("/ws", g.hub)

	mux.HandleFunc("POST /webhooks/sms", g.handleSMSWebhook)
	mux.HandleFunc("POST /webhooks/voice/{event}", g.handleVoiceWebhook)

	requireAuth := auth.HTTPAuthMiddleware(g.verifier)
	mux.Handle("POST /api/calls", requireAuth(http.HandlerFunc(g.handleOutboundCall)))
	mux.Handle("GET /api/conversations/{id}", requireAuth(http.HandlerFunc(g.handleConversation)))
	mux.Handle("GET /api/stats", requireAuth(http.HandlerFunc(g.handleStats)))
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d live conversations, %d dashboards)", g.bridge.Len(), g.hub.ConnectionCount())
}

// handleOutboundCall places an AI call on behalf of the caller's organization.
func (g *Gateway) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	var req bridge.OutboundRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.OrganizationID == "" {
		req.OrganizationID = id.OrganizationID
	}
	if req.OrganizationID != id.OrganizationID {
		g.sendJSONError(w, http.StatusForbidden, "cannot place calls for another organization")
		return
	}

	res, err := g.bridge.RequestOutboundCall(r.Context(), req)
	switch {
	case errors.Is(err, bridge.ErrInvalidRequest):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, bridge.ErrCallFailed):
		g.logger.Error("outbound call failed", "lead_id", req.LeadID, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, err.Error())
		return
	case err != nil:
		g.logger.Error("outbound call failed", "lead_id", req.LeadID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to place call")
		return
	}
	g.writeJSON(w, http.StatusCreated, res)
}

// handleConversation returns the live snapshot of one conversation.
func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	view, ok := g.bridge.State(r.PathValue("id"))
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "conversation not live")
		return
	}
	if view.OrganizationID != id.OrganizationID {
		// Indistinguishable from an unknown id
		g.sendJSONError(w, http.StatusNotFound, "conversation not live")
		return
	}
	g.writeJSON(w, http.StatusOK, view)
}

// handleStats returns dashboard counters for the caller's organization.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	stats, err := g.directory.DashboardStats(r.Context(), id.OrganizationID)
	if err != nil {
		g.logger.Error("loading dashboard stats", "organization_id", id.OrganizationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	g.writeJSON(w, http.StatusOK, StatsResponse{
		OrganizationID:      id.OrganizationID,
		Leads:               stats.Leads,
		ActiveConversations: stats.ActiveConversations,
		HumanControlled:     stats.HumanControlled,
		ConversationsToday:  stats.ConversationsToday,
		MessagesToday:       stats.MessagesToday,
		LiveConversations:   g.bridge.Len(),
		ConnectedDashboards: g.hub.ConnectionCount(),
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
