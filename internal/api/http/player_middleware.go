package httpapi

import (
	"net/http"
	"strings"
)

const (
	headerUserID   = "X-User-ID"
	headerUserName = "X-User-Name"
)

func (s *Server) requirePlayer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := extractPlayer(r)
		if p == nil {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing "+headerUserID+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPlayer(r.Context(), p)))
	})
}

// extractPlayer reads the caller from gateway headers. Browsers cannot set headers
// on EventSource requests, so user_id is also accepted as a query parameter.
func extractPlayer(r *http.Request) *Player {
	id := strings.TrimSpace(r.Header.Get(headerUserID))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	if id == "" {
		return nil
	}
	name := strings.TrimSpace(r.Header.Get(headerUserName))
	if name == "" {
		name = id
	}
	return &Player{UserID: id, Name: name}
}
