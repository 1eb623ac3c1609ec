package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/plenty-of-plants/contest/internal/domain/contest"
)

// Store keeps sessions in process memory. Updates use the same optimistic
// version check as the durable backends, so concurrent writers can conflict.
type Store struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*contest.Session
	feed     contest.Feed
}

// NewStore creates an empty store. feed may be nil.
func NewStore(feed contest.Feed) *Store {
	return &Store{
		sessions: make(map[uuid.UUID]*contest.Session),
		feed:     feed,
	}
}

func (s *Store) Create(ctx context.Context, session *contest.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, exists := s.sessions[session.SessionID]; exists {
		s.mu.Unlock()
		return contest.ErrConflict
	}
	session.Version = 1
	stored := session.Clone()
	s.sessions[session.SessionID] = stored
	s.mu.Unlock()

	s.publish(stored)
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID uuid.UUID) (*contest.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return stored.Clone(), nil
}

func (s *Store) Update(ctx context.Context, sessionID uuid.UUID, fn contest.Mutator) (*contest.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	current, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, contest.ErrSessionNotFound
	}
	readVersion := current.Version

	changed, err := fn(current)
	if err != nil {
		return nil, err
	}
	if !changed {
		return current, nil
	}

	s.mu.Lock()
	stored, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, contest.ErrSessionNotFound
	}
	if stored.Version != readVersion {
		s.mu.Unlock()
		return nil, contest.ErrConflict
	}
	current.Version = readVersion + 1
	committed := current.Clone()
	s.sessions[sessionID] = committed
	s.mu.Unlock()

	s.publish(committed)
	return current, nil
}

func (s *Store) ListByStatus(ctx context.Context, statuses []contest.Status, limit int) ([]*contest.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[contest.Status]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}

	s.mu.RLock()
	out := make([]*contest.Session, 0)
	for _, stored := range s.sessions {
		if _, ok := want[stored.Status()]; ok {
			out = append(out, stored.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, sessionID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) publish(session *contest.Session) {
	if s.feed != nil {
		s.feed.Publish(session.Clone())
	}
}
