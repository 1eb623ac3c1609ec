package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appContest "github.com/plenty-of-plants/contest/internal/application/contest"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	contestSvc *appContest.Service
	logger     zerolog.Logger
	// streamKeepAlive is the interval between SSE comment pings.
	streamKeepAlive time.Duration
}

func NewServer(contestSvc *appContest.Service, logger zerolog.Logger) *Server {
	return &Server{
		contestSvc:      contestSvc,
		logger:          logger.With().Str("component", "http").Logger(),
		streamKeepAlive: 15 * time.Second,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/contest", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/sessions", s.listActiveSessions)
			r.Get("/sessions/{sessionId}", s.getSession)
			r.Post("/cleanup", s.cleanupExpiredSessions)
			r.Post("/sessions/{sessionId}/resolve", s.resolveSession)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePlayer)
				r.Post("/join", s.joinOrCreate)
				r.Post("/sessions/{sessionId}/leave", s.leaveSession)
				r.Post("/sessions/{sessionId}/votes", s.castVote)
				r.Post("/sessions/{sessionId}/start", s.startSession)
				r.Post("/sessions/{sessionId}/heartbeat", s.sendHeartbeat)
			})
		})

		r.Get("/sessions/{sessionId}/stream", s.streamSession)
	})

	return r
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func contextFromRequest(r *http.Request) context.Context {
	return r.Context()
}
