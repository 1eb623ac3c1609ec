package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/plenty-of-plants/contest/internal/domain/contest"
)

const maxBackoff = 30 * time.Second

// Listener relays session changes published by any server instance into a feed.
type Listener struct {
	rdb     *redis.Client
	feed    contest.Feed
	backoff time.Duration
	logger  zerolog.Logger
}

func NewListener(rdb *redis.Client, feed contest.Feed, logger zerolog.Logger) *Listener {
	return &Listener{
		rdb:     rdb,
		feed:    feed,
		backoff: time.Second,
		logger:  logger.With().Str("component", "redis_listener").Logger(),
	}
}

// Run listens until ctx is done, resubscribing after failures.
func (l *Listener) Run(ctx context.Context) {
	backoff := l.backoff
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
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	sub := l.rdb.Subscribe(ctx, Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	l.logger.Info().Str("channel", Channel).Msg("listening for session changes")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}
			session, err := decode([]byte(msg.Payload))
			if err != nil {
				l.logger.Warn().Err(err).Msg("ignoring malformed session message")
				continue
			}
			l.feed.Publish(session)
		}
	}
}
