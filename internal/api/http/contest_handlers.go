package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	appContest "github.com/plenty-of-plants/contest/internal/application/contest"
	"github.com/plenty-of-plants/contest/internal/domain/contest"
)

type joinRequest struct {
	Plant contest.PlantSnapshot `json:"plant"`
}

type voteRequest struct {
	ContestantID uuid.UUID `json:"contestantId"`
}

type sessionSummary struct {
	SessionID       uuid.UUID `json:"sessionId"`
	HostID          string    `json:"hostId"`
	HostName        string    `json:"hostName"`
	ContestantCount int       `json:"contestantCount"`
	Capacity        int       `json:"capacity"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// streamMessage is one SSE frame.
type streamMessage struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s *Server) joinOrCreate(w http.ResponseWriter, r *http.Request) {
	p := playerFromContext(r.Context())
	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if req.Plant.PlantID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "plant.plantId required")
		return
	}
	res, err := s.contestSvc.JoinOrCreate(contextFromRequest(r), appContest.JoinInput{
		UserID:   p.UserID,
		UserName: p.Name,
		Plant:    req.Plant,
	})
	if err != nil {
		s.respondContestError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, res)
}

func (s *Server) listActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.contestSvc.GetActiveSessions(contextFromRequest(r))
	if err != nil {
		s.respondContestError(w, err)
		return
	}
	capacity := s.contestSvc.Policy().Capacity
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		sum := sessionSummary{
			SessionID:       sess.SessionID,
			HostID:          sess.HostID,
			ContestantCount: sess.ConnectedCount(),
			Capacity:        capacity,
			CreatedAt:       sess.CreatedAt,
			ExpiresAt:       sess.ExpiresAt,
		}
		if host := sess.ContestantByOwner(sess.HostID); host != nil {
			sum.HostName = host.OwnerName
		}
		out = append(out, sum)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	sess, err := s.contestSvc.GetSession(contextFromRequest(r), id)
	if err != nil {
		s.respondContestError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) leaveSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	p := playerFromContext(r.Context())
	if err := s.contestSvc.LeaveSession(contextFromRequest(r), id, p.UserID); err != nil {
		s.respondContestError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) castVote(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	var req voteRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if req.ContestantID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "contestantId required")
		return
	}
	p := playerFromContext(r.Context())
	sess, err := s.contestSvc.CastVote(contextFromRequest(r), id, p.UserID, req.ContestantID)
	if err != nil {
		s.respondContestError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	p := playerFromContext(r.Context())
	sess, err := s.contestSvc.StartManually(contextFromRequest(r), id, p.UserID)
	if err != nil {
		s.respondContestError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	sess, err := s.contestSvc.Resolve(contextFromRequest(r), id)
	if err != nil {
		s.respondContestError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) sendHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	p := playerFromContext(r.Context())
	if err := s.contestSvc.SendHeartbeat(contextFromRequest(r), id, p.UserID); err != nil {
		s.respondContestError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cleanupExpiredSessions(w http.ResponseWriter, r *http.Request) {
	report, err := s.contestSvc.CleanupExpiredSessions(contextFromRequest(r))
	if err != nil && report == nil {
		s.respondContestError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("cleanup finished with errors")
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) streamSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	ctx := r.Context()
	updates, err := s.contestSvc.SubscribeToSession(ctx, id)
	if err != nil {
		s.respondContestError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	keepAlive := time.NewTicker(s.streamKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case sess, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(sess)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to encode session update")
				return
			}
			payload, _ := json.Marshal(streamMessage{
				ID:        uuid.NewString(),
				Event:     "session",
				Data:      data,
				Timestamp: time.Now().UTC(),
			})
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
			if sess.IsFinished() {
				return
			}
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func sessionIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return uuid.Nil, false
	}
	return id, true
}

// respondContestError maps a classified failure to a status and a message fit for players.
func (s *Server) respondContestError(w http.ResponseWriter, err error) {
	kind := contest.KindOf(err)
	if errors.Is(err, contest.ErrConflict) {
		kind = contest.KindStorageConflict
	}
	status, ok := kindStatus[kind]
	if !ok {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("kind", string(kind)).Msg("contest request failed")
	}
	respondError(w, status, string(kind), playerMessage(err, kind))
}

var kindStatus = map[contest.Kind]int{
	contest.KindInvalidInput:    http.StatusBadRequest,
	contest.KindNotFound:        http.StatusNotFound,
	contest.KindInvalidPhase:    http.StatusConflict,
	contest.KindForbidden:       http.StatusForbidden,
	contest.KindAlreadyDone:     http.StatusConflict,
	contest.KindCapacity:        http.StatusConflict,
	contest.KindStorageConflict: http.StatusServiceUnavailable,
	contest.KindStorage:         http.StatusInternalServerError,
}

var sentinelMessages = []struct {
	err error
	msg string
}{
	{contest.ErrAlreadyVoted, "You already voted this round"},
	{contest.ErrSelfVote, "You can't vote for your own plant"},
	{contest.ErrNotHost, "Only the host can start the contest"},
	{contest.ErrAlreadyEntered, "You already entered a different plant in this contest"},
	{contest.ErrSessionFull, "This contest is full, try another one"},
	{contest.ErrNotVotingPhase, "Voting isn't open right now"},
	{contest.ErrNotWaiting, "This contest has already started"},
	{contest.ErrNotEnoughContestants, "At least two players are needed to start"},
	{contest.ErrSessionFinished, "This contest has already ended"},
	{contest.ErrContestantOut, "That plant is out of this round"},
	{contest.ErrSessionNotFound, "This contest no longer exists"},
	{contest.ErrUnknownContestant, "That plant isn't in this contest"},
}

var kindMessages = map[contest.Kind]string{
	contest.KindInvalidInput:    "Invalid request",
	contest.KindNotFound:        "Not found",
	contest.KindInvalidPhase:    "That can't be done right now",
	contest.KindForbidden:       "You're not allowed to do that",
	contest.KindAlreadyDone:     "Already done",
	contest.KindCapacity:        "This contest is full",
	contest.KindStorageConflict: "The contest is busy, please try again",
	contest.KindStorage:         "Something went wrong, please try again",
}

func playerMessage(err error, kind contest.Kind) string {
	switch kind {
	case contest.KindStorage, contest.KindStorageConflict:
		return kindMessages[kind]
	case contest.KindInvalidInput:
		var e *contest.Error
		if errors.As(err, &e) {
			return e.Message
		}
	}
	for _, m := range sentinelMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return kindMessages[kind]
}
