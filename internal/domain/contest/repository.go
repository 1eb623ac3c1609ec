package contest

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Store,Feed,Watcher,ResultPublisher

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Mutator changes a session inside a transaction and reports whether it wrote anything.
// It may run more than once against fresh state and must not have side effects.
type Mutator func(s *Session) (bool, error)

// Store defines durable storage for contest sessions.
type Store interface {
	Create(ctx context.Context, session *Session) error
	// Get returns nil, nil when the session does not exist.
	Get(ctx context.Context, sessionID uuid.UUID) (*Session, error)
	// Update runs fn on a private copy of the latest committed state and commits only
	// if no other writer committed in between; otherwise it returns ErrConflict.
	// A missing session yields ErrSessionNotFound.
	Update(ctx context.Context, sessionID uuid.UUID, fn Mutator) (*Session, error)
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Session, error)
	Delete(ctx context.Context, sessionID uuid.UUID) error
}

// Feed receives every committed session state.
type Feed interface {
	Publish(session *Session)
}

// Watcher delivers committed states of a single session until cancel is called.
type Watcher interface {
	Watch(sessionID uuid.UUID) (updates <-chan *Session, cancel func())
}

// Result is the public record of a finished contest.
type Result struct {
	SessionID   uuid.UUID   `json:"sessionId"`
	Winner      *Contestant `json:"winner"`
	Rounds      int         `json:"rounds"`
	Reason      Reason      `json:"reason"`
	Contestants int         `json:"contestants"`
	FinishedAt  time.Time   `json:"finishedAt"`
}

// NewResult builds the result of a session that o moved into finished.
func NewResult(s *Session, o Outcome) Result {
	r := Result{
		SessionID:   s.SessionID,
		Winner:      s.Winner(),
		Rounds:      s.Round,
		Reason:      o.Reason,
		Contestants: len(s.Contestants),
	}
	if at := s.FinishedAt(); at != nil {
		r.FinishedAt = *at
	}
	return r
}

// ResultPublisher announces finished contests to other systems.
type ResultPublisher interface {
	PublishResult(ctx context.Context, result Result) error
}
