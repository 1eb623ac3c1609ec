package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/plenty-of-plants/contest/internal/domain/contest"
)

// ContestListener relays NOTIFY events from every server instance into a feed.
type ContestListener struct {
	pool   *pgxpool.Pool
	store  *ContestStore
	feed   contest.Feed
	logger zerolog.Logger
}

func NewContestListener(pool *pgxpool.Pool, store *ContestStore, feed contest.Feed, logger zerolog.Logger) *ContestListener {
	return &ContestListener{
		pool:   pool,
		store:  store,
		feed:   feed,
		logger: logger.With().Str("component", "pg_listener").Logger(),
	}
}

// Run listens until ctx is done, reconnecting after connection failures.
func (l *ContestListener) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("session listener disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (l *ContestListener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}
	l.logger.Info().Str("channel", NotifyChannel).Msg("listening for session changes")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		id, err := uuid.Parse(n.Payload)
		if err != nil {
			l.logger.Warn().Str("payload", n.Payload).Msg("ignoring malformed session notification")
			continue
		}
		session, err := l.store.Get(ctx, id)
		if err != nil {
			l.logger.Error().Err(err).Str("session_id", id.String()).Msg("failed to load notified session")
			continue
		}
		if session != nil {
			l.feed.Publish(session)
		}
	}
}
