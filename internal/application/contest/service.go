package contest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plenty-of-plants/contest/internal/domain/contest"
)

// Service runs the contest lobby, voting and round resolution.
type Service struct {
	repo      *Repository
	policy    contest.Policy
	publisher contest.ResultPublisher
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService creates a contest service. publisher may be nil.
func NewService(repo *Repository, policy contest.Policy, publisher contest.ResultPublisher, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		policy:    policy.Normalized(),
		publisher: publisher,
		logger:    logger.With().Str("service", "contest").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the wall clock, for tests and simulations.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Policy returns the tunables in effect.
func (s *Service) Policy() contest.Policy {
	return s.policy
}

// JoinInput identifies the user entering a contest and the plant they submit.
type JoinInput struct {
	UserID   string
	UserName string
	Plant    contest.PlantSnapshot
}

// JoinResult tells the caller where they landed.
type JoinResult struct {
	SessionID uuid.UUID `json:"sessionId"`
	Created   bool      `json:"created"`
	Rejoined  bool      `json:"rejoined"`
	// Full is set when this join filled the lobby.
	Full bool `json:"full"`
}

// JoinOrCreate rejoins the user's unfinished session, joins an open lobby, or creates one.
func (s *Service) JoinOrCreate(ctx context.Context, in JoinInput) (*JoinResult, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	if in.UserID == "" {
		return nil, contest.InvalidInput("user id is required")
	}
	if strings.TrimSpace(in.UserName) == "" {
		in.UserName = in.UserID
	}

	sessions, err := s.repo.ListUnfinished(ctx)
	if err != nil {
		return nil, err
	}

	for _, sess := range sessions {
		c := sess.ContestantByOwner(in.UserID)
		if c == nil || c.EliminatedRound != 0 {
			continue
		}
		res, err := s.join(ctx, sess.SessionID, in)
		if err == nil {
			res.Rejoined = true
			return res, nil
		}
		if errors.Is(err, contest.ErrAlreadyEntered) {
			return nil, err
		}
		if !fallsThrough(err) {
			return nil, err
		}
	}

	now := s.now()
	candidates := make([]*contest.Session, 0, len(sessions))
	for _, sess := range sessions {
		if sess.Status() == contest.StatusWaiting && !sess.Expired(now) && sess.ConnectedCount() < s.policy.Capacity {
			candidates = append(candidates, sess)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	for _, sess := range candidates {
		res, err := s.join(ctx, sess.SessionID, in)
		if err == nil {
			return res, nil
		}
		if !fallsThrough(err) {
			return nil, err
		}
		s.logger.Debug().Err(err).Str("session_id", sess.SessionID.String()).Msg("lobby no longer joinable")
	}

	created, err := s.repo.CreateSession(ctx, in.UserID, in.UserName, in.Plant, s.now(), s.policy.LobbyTTL)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("session_id", created.SessionID.String()).
		Str("host_id", in.UserID).
		Msg("contest session created")
	return &JoinResult{SessionID: created.SessionID, Created: true}, nil
}

func (s *Service) join(ctx context.Context, sessionID uuid.UUID, in JoinInput) (*JoinResult, error) {
	var full bool
	_, err := s.repo.Transact(ctx, sessionID, func(sess *contest.Session) (bool, error) {
		now := s.now()
		if sess.ContestantByOwner(in.UserID) == nil && sess.Status() == contest.StatusWaiting && sess.Expired(now) {
			return false, contest.ErrNotWaiting
		}
		if _, err := sess.Join(in.UserID, in.UserName, in.Plant, now, s.policy.Capacity); err != nil {
			return false, err
		}
		full = sess.Status() == contest.StatusWaiting && sess.ConnectedCount() >= s.policy.Capacity
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	res := &JoinResult{SessionID: sessionID, Full: full}
	if full && s.policy.AutoStartWhenFull {
		if _, err := s.Resolve(ctx, sessionID); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID.String()).Msg("auto start after filling lobby failed")
		}
	}
	return res, nil
}

// fallsThrough reports whether a failed join should move on to the next option.
func fallsThrough(err error) bool {
	switch {
	case errors.Is(err, contest.ErrSessionFull),
		errors.Is(err, contest.ErrNotWaiting),
		errors.Is(err, contest.ErrSessionFinished),
		errors.Is(err, contest.ErrSessionNotFound),
		errors.Is(err, contest.ErrConflict):
		return true
	}
	return false
}

// LeaveSession disconnects the user from the session without deleting their entry.
func (s *Service) LeaveSession(ctx context.Context, sessionID uuid.UUID, userID string) error {
	_, err := s.repo.Transact(ctx, sessionID, func(sess *contest.Session) (bool, error) {
		if err := sess.Leave(userID, s.now()); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("session_id", sessionID.String()).Str("user_id", userID).Msg("contestant left session")
	return nil
}

// CastVote records voterID's vote for targetID in the current round.
func (s *Service) CastVote(ctx context.Context, sessionID uuid.UUID, voterID string, targetID uuid.UUID) (*contest.Session, error) {
	if strings.TrimSpace(voterID) == "" {
		return nil, contest.InvalidInput("voter id is required")
	}
	return s.repo.Transact(ctx, sessionID, func(sess *contest.Session) (bool, error) {
		if _, err := sess.CastVote(voterID, targetID, s.now()); err != nil {
			return false, err
		}
		return true, nil
	})
}

// StartManually lets the host move a waiting lobby into voting.
func (s *Service) StartManually(ctx context.Context, sessionID uuid.UUID, callerID string) (*contest.Session, error) {
	var out contest.Outcome
	sess, err := s.repo.Transact(ctx, sessionID, func(sess *contest.Session) (bool, error) {
		o, err := sess.Start(callerID, s.now(), s.policy)
		if err != nil {
			return false, err
		}
		out = o
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, sess, out)
	return sess, nil
}

// Resolve advances the session from its stored state and the current time.
// Calling it on a session that has nothing to do is a cheap no-op.
func (s *Service) Resolve(ctx context.Context, sessionID uuid.UUID) (*contest.Session, error) {
	var out contest.Outcome
	sess, err := s.repo.Transact(ctx, sessionID, func(sess *contest.Session) (bool, error) {
		out = sess.Resolve(s.now(), s.policy)
		return out.Changed, nil
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, sess, out)
	return sess, nil
}

// SendHeartbeat refreshes the caller's liveness in the session.
func (s *Service) SendHeartbeat(ctx context.Context, sessionID uuid.UUID, userID string) error {
	_, err := s.repo.Transact(ctx, sessionID, func(sess *contest.Session) (bool, error) {
		if err := sess.Heartbeat(userID, s.now()); err != nil {
			return false, err
		}
		return true, nil
	})
	return err
}

// GetSession returns the session.
func (s *Service) GetSession(ctx context.Context, sessionID uuid.UUID) (*contest.Session, error) {
	return s.repo.GetSession(ctx, sessionID)
}

// GetActiveSessions lists lobbies open for joining.
func (s *Service) GetActiveSessions(ctx context.Context) ([]*contest.Session, error) {
	return s.repo.ListActiveSessions(ctx, s.now())
}

// SubscribeToSession streams the session's state on every change.
func (s *Service) SubscribeToSession(ctx context.Context, sessionID uuid.UUID) (<-chan *contest.Session, error) {
	return s.repo.Subscribe(ctx, sessionID)
}

// CleanupReport summarizes one expiry sweep.
type CleanupReport struct {
	Scanned  int `json:"scanned"`
	Expired  int `json:"expired"`
	Advanced int `json:"advanced"`
	Finished int `json:"finished"`
}

// CleanupExpiredSessions resolves every unfinished session past its deadline.
// Safe to run repeatedly and from many callers at once.
func (s *Service) CleanupExpiredSessions(ctx context.Context) (*CleanupReport, error) {
	sessions, err := s.repo.ListUnfinished(ctx)
	if err != nil {
		return nil, err
	}
	report := &CleanupReport{Scanned: len(sessions)}
	now := s.now()
	var errs []error
	for _, sess := range sessions {
		if !sess.Expired(now) {
			continue
		}
		report.Expired++
		var out contest.Outcome
		updated, err := s.repo.Transact(ctx, sess.SessionID, func(cur *contest.Session) (bool, error) {
			out = cur.Resolve(s.now(), s.policy)
			return out.Changed, nil
		})
		if err != nil {
			if errors.Is(err, contest.ErrSessionNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if out.Changed {
			report.Advanced++
		}
		if out.Finished() {
			report.Finished++
		}
		s.afterTransition(ctx, updated, out)
	}
	if report.Advanced > 0 {
		s.logger.Info().
			Int("expired", report.Expired).
			Int("advanced", report.Advanced).
			Int("finished", report.Finished).
			Msg("expired sessions resolved")
	}
	return report, errors.Join(errs...)
}

// PurgeFinished deletes sessions that finished more than retention ago.
func (s *Service) PurgeFinished(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	sessions, err := s.repo.ListFinished(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-retention)
	purged := 0
	for _, sess := range sessions {
		at := sess.FinishedAt()
		if at == nil || at.After(cutoff) {
			continue
		}
		if err := s.repo.DeleteSession(ctx, sess.SessionID); err != nil {
			return purged, err
		}
		purged++
	}
	if purged > 0 {
		s.logger.Info().Int("purged", purged).Msg("finished sessions purged")
	}
	return purged, nil
}

// afterTransition logs a committed transition and announces finished contests.
func (s *Service) afterTransition(ctx context.Context, sess *contest.Session, out contest.Outcome) {
	if sess == nil || !out.Changed {
		return
	}
	event := s.logger.Info().
		Str("session_id", sess.SessionID.String()).
		Str("from", string(out.From)).
		Str("to", string(out.To)).
		Int("round", out.Round).
		Str("reason", string(out.Reason))
	if len(out.Eliminated) > 0 {
		event = event.Int("eliminated", len(out.Eliminated))
	}
	event.Msg("contest session advanced")

	if !out.Finished() || s.publisher == nil {
		return
	}
	if err := s.publisher.PublishResult(ctx, contest.NewResult(sess, out)); err != nil {
		s.logger.Error().Err(err).Str("session_id", sess.SessionID.String()).Msg("failed to publish contest result")
	}
}
