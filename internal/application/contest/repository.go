package contest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plenty-of-plants/contest/internal/domain/contest"
)

const DefaultTxMaxAttempts = 5

var activeStatuses = []contest.Status{contest.StatusWaiting, contest.StatusVoting}

// Repository runs contest transactions against a Store, retrying lost races and
// classifying backend failures.
type Repository struct {
	store       contest.Store
	watcher     contest.Watcher
	maxAttempts int
	logger      zerolog.Logger
}

// NewRepository wraps store. watcher may be nil when live subscriptions are not served.
func NewRepository(store contest.Store, watcher contest.Watcher, maxAttempts int, logger zerolog.Logger) *Repository {
	if maxAttempts <= 0 {
		maxAttempts = DefaultTxMaxAttempts
	}
	return &Repository{
		store:       store,
		watcher:     watcher,
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "contest_repository").Logger(),
	}
}

// CreateSession stores a new waiting session with the host as its only contestant.
func (r *Repository) CreateSession(ctx context.Context, hostID, hostName string, plant contest.PlantSnapshot, now time.Time, lobbyTTL time.Duration) (*contest.Session, error) {
	session := contest.NewSession(hostID, hostName, plant, now, lobbyTTL)
	if err := r.store.Create(ctx, session); err != nil {
		return nil, classify("create session", err)
	}
	return session, nil
}

// GetSession returns the session or ErrSessionNotFound.
func (r *Repository) GetSession(ctx context.Context, sessionID uuid.UUID) (*contest.Session, error) {
	session, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return nil, classify("get session", err)
	}
	if session == nil {
		return nil, contest.ErrSessionNotFound
	}
	return session, nil
}

// ListActiveSessions returns lobbies that are still open at now.
func (r *Repository) ListActiveSessions(ctx context.Context, now time.Time) ([]*contest.Session, error) {
	sessions, err := r.store.ListByStatus(ctx, []contest.Status{contest.StatusWaiting}, 0)
	if err != nil {
		return nil, classify("list sessions", err)
	}
	out := make([]*contest.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Status() == contest.StatusWaiting && !s.Expired(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// ListUnfinished returns every waiting or voting session. The scan is unbounded:
// rejoin detection and the expiry sweep both need to see all of them.
func (r *Repository) ListUnfinished(ctx context.Context) ([]*contest.Session, error) {
	sessions, err := r.store.ListByStatus(ctx, activeStatuses, 0)
	if err != nil {
		return nil, classify("list sessions", err)
	}
	return sessions, nil
}

// ListFinished returns finished sessions.
func (r *Repository) ListFinished(ctx context.Context) ([]*contest.Session, error) {
	sessions, err := r.store.ListByStatus(ctx, []contest.Status{contest.StatusFinished}, 0)
	if err != nil {
		return nil, classify("list sessions", err)
	}
	return sessions, nil
}

// DeleteSession removes a session and its contestants.
func (r *Repository) DeleteSession(ctx context.Context, sessionID uuid.UUID) error {
	if err := r.store.Delete(ctx, sessionID); err != nil {
		return classify("delete session", err)
	}
	return nil
}

// Transact applies fn atomically, re-running it against fresh state when another
// writer wins the race. Domain errors from fn are returned unchanged.
func (r *Repository) Transact(ctx context.Context, sessionID uuid.UUID, fn contest.Mutator) (*contest.Session, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		session, err := r.store.Update(ctx, sessionID, fn)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, contest.ErrConflict) {
			return nil, classify("update session", err)
		}
		lastErr = err
		r.logger.Debug().
			Str("session_id", sessionID.String()).
			Int("attempt", attempt).
			Msg("session update conflicted, retrying")
		if ctx.Err() != nil {
			break
		}
	}
	r.logger.Warn().
		Str("session_id", sessionID.String()).
		Int("attempts", r.maxAttempts).
		Msg("session update retries exhausted")
	return nil, contest.StorageError("update session", lastErr)
}

// Subscribe delivers the current state of the session followed by every committed
// change, until ctx is done. Stale or repeated versions are skipped.
func (r *Repository) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan *contest.Session, error) {
	if r.watcher == nil {
		return nil, errors.New("session subscriptions are not enabled")
	}
	updates, cancel := r.watcher.Watch(sessionID)
	current, err := r.GetSession(ctx, sessionID)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan *contest.Session, 1)
	go func() {
		defer close(out)
		defer cancel()

		var last int64 = -1
		send := func(s *contest.Session) bool {
			if s.Version <= last {
				return true
			}
			last = s.Version
			select {
			case out <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send(current) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-updates:
				if !ok || !send(s) {
					return
				}
			}
		}
	}()
	return out, nil
}

// classify passes classified errors through and wraps everything else as a storage failure.
func classify(op string, err error) error {
	if contest.KindOf(err) != "" {
		return err
	}
	return contest.StorageError(op, err)
}
