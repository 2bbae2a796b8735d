package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/trackify/realtime/pkg/auth"
	"github.com/trackify/realtime/pkg/database"
	"github.com/trackify/realtime/pkg/protocol"
	"github.com/trackify/realtime/pkg/router"
)

type identityKey struct{}

// maxRequestBody bounds JSON bodies on the HTTP API
const maxRequestBody = 64 * 1024

// Routes returns the HTTP handler serving the WebSocket endpoint, health,
// metrics and the authenticated session/notification API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.traceRequests)

	r.Get("/health", s.HealthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
	r.Get("/ws", s.HandleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/sessions", s.ListSessionsHandler)
		r.Delete("/sessions/{identity}", s.ForceLogoutHandler)
		r.Post("/notifications", s.PostNotificationHandler)
		r.Post("/teams/{teamID}/events", s.PostTeamEventHandler)
	})
	return r
}

// traceRequests wraps each request in a span named after its method and path
func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, caller)))
	})
}

func callerFrom(r *http.Request) string {
	return principalFrom(r).Identity
}

func principalFrom(r *http.Request) auth.Principal {
	p, _ := r.Context().Value(identityKey{}).(auth.Principal)
	return p
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":            "healthy",
		"uptime_seconds":    int64(time.Since(s.startTime).Seconds()),
		"online_identities": len(s.sessions.OnlineIdentities()),
		"connections":       s.hub.Count(),
		"attached_handles":  s.sessions.ConnectionCount(),
	}
	writeJSON(w, http.StatusOK, health)
}

// ListSessionsHandler returns the live connection count per identity
func (s *Server) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.SessionCounts(),
	})
}

// ForceLogoutHandler detaches and closes every connection of an identity.
// Users may log themselves out; admins may log out anyone.
func (s *Server) ForceLogoutHandler(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	caller := principal.Identity
	identity := chi.URLParam(r, "identity")
	if identity != caller && !s.isAdmin(principal) {
		writeError(w, http.StatusForbidden, "Not allowed to revoke sessions of another user")
		return
	}

	handles := s.sessions.DetachAll(identity)
	for _, h := range handles {
		if err := s.hub.Close(h); err != nil && !errors.Is(err, ErrConnectionNotFound) {
			debugLog.Printf("Closing %s for %s: %v", h, identity, err)
		}
	}
	debugLog.Printf("%s revoked %d session(s) of %s", caller, len(handles), identity)

	writeJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"closed":   len(handles),
	})
}

// PostNotificationHandler publishes a direct notification on behalf of a
// server-side producer. The target defaults to the caller.
func (s *Server) PostNotificationHandler(w http.ResponseWriter, r *http.Request) {
	var payload protocol.NotificationPayload
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if payload.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	n, err := notificationFromPayload(payload, callerFrom(r), time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOutcome(w, n.ID, s.router.Publish(r.Context(), n))
}

// teamEventRequest is the body of POST /api/teams/{teamID}/events
type teamEventRequest struct {
	Action      string         `json:"action"`
	EntityID    string         `json:"entityId"`
	Title       string         `json:"title,omitempty"`
	Amount      float64        `json:"amount,omitempty"`
	Category    string         `json:"category,omitempty"`
	Status      string         `json:"status,omitempty"`
	Description string         `json:"description,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// PostTeamEventHandler publishes a domain event to the members of a team,
// typically an approval decision. Only team members may publish.
func (s *Server) PostTeamEventHandler(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	caller := callerFrom(r)

	var req teamEventRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	action, err := protocol.ParseAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.EntityID == "" {
		writeError(w, http.StatusBadRequest, "entityId is required")
		return
	}

	members, err := s.db.GetTeamMembers(r.Context(), teamID)
	if errors.Is(err, database.ErrTeamNotFound) {
		writeError(w, http.StatusNotFound, "Team not found")
		return
	}
	if err != nil {
		errorLog.Printf("Team lookup for %s failed: %v", teamID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !slices.Contains(members, caller) {
		writeError(w, http.StatusForbidden, "Not a member of this team")
		return
	}

	now := time.Now().UTC()
	event := &protocol.DomainEvent{
		Action:      action,
		EntityID:    req.EntityID,
		Actor:       caller,
		TeamID:      teamID,
		Title:       req.Title,
		Amount:      req.Amount,
		Category:    req.Category,
		Status:      req.Status,
		Description: req.Description,
		Fields:      req.Fields,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	writeOutcome(w, req.EntityID, s.router.Publish(r.Context(), event))
}

// isAdmin accepts the admin role claim or a name listed in auth.admins
func (s *Server) isAdmin(p auth.Principal) bool {
	return p.HasRole(auth.RoleAdmin) || slices.Contains(s.config.Admins, p.Identity)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeOutcome(w http.ResponseWriter, id string, out router.Outcome) {
	if out.Err != nil && !errors.Is(out.Err, router.ErrNoTarget) {
		errorLog.Printf("Publish of %s failed: %v", id, out.Err)
		writeError(w, http.StatusBadGateway, "Publish failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":        id,
		"targets":   out.Targets,
		"delivered": out.Delivered,
		"failed":    out.Failed,
		"dropped":   out.Dropped,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		errorLog.Printf("Error encoding JSON response: %v", err)
	}
}
