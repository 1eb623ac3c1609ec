package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/plenty-of-plants/contest/internal/domain/contest"
)

const (
	sessionKeyPrefix = "contest:session:"
	statusKeyPrefix  = "contest:status:"
	// Channel carries the full document of every committed session change.
	Channel = "contest:sessions"
)

var allStatuses = []contest.Status{contest.StatusWaiting, contest.StatusVoting, contest.StatusFinished}

func sessionKey(id uuid.UUID) string { return sessionKeyPrefix + id.String() }

func statusKey(s contest.Status) string { return statusKeyPrefix + string(s) }

// Store implements contest.Store on Redis using WATCH/MULTI for optimistic updates.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// NewClient connects to Redis and checks the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

func (s *Store) Create(ctx context.Context, session *contest.Session) error {
	session.Version = 1
	doc, err := json.Marshal(session.Document())
	if err != nil {
		return err
	}
	key := sessionKey(session.SessionID)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return contest.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, 0)
			pipe.SAdd(ctx, statusKey(session.Status()), session.SessionID.String())
			pipe.Publish(ctx, Channel, doc)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return contest.ErrConflict
	}
	return err
}

func (s *Store) Get(ctx context.Context, sessionID uuid.UUID) (*contest.Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func (s *Store) Update(ctx context.Context, sessionID uuid.UUID, fn contest.Mutator) (*contest.Session, error) {
	key := sessionKey(sessionID)
	var result *contest.Session
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return contest.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		current, err := decode(raw)
		if err != nil {
			return err
		}
		before := current.Status()

		changed, err := fn(current)
		if err != nil {
			return err
		}
		if !changed {
			result = current
			return nil
		}

		current.Version++
		doc, err := json.Marshal(current.Document())
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, 0)
			if after := current.Status(); after != before {
				pipe.SRem(ctx, statusKey(before), sessionID.String())
				pipe.SAdd(ctx, statusKey(after), sessionID.String())
			}
			pipe.Publish(ctx, Channel, doc)
			return nil
		})
		if err != nil {
			return err
		}
		result = current
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, contest.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListByStatus(ctx context.Context, statuses []contest.Status, limit int) ([]*contest.Session, error) {
	var out []*contest.Session
	for _, st := range statuses {
		ids, err := s.rdb.SMembers(ctx, statusKey(st)).Result()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			continue
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = sessionKeyPrefix + id
		}
		vals, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		var stale []interface{}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				stale = append(stale, ids[i])
				continue
			}
			session, err := decode([]byte(str))
			if err != nil {
				return nil, err
			}
			// The index may lag a concurrent update by one transition.
			if session.Status() == st {
				out = append(out, session)
			}
		}
		if len(stale) > 0 {
			s.rdb.SRem(ctx, statusKey(st), stale...)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(sessionID))
		for _, st := range allStatuses {
			pipe.SRem(ctx, statusKey(st), sessionID.String())
		}
		return nil
	})
	return err
}

func decode(raw []byte) (*contest.Session, error) {
	var doc contest.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode contest session: %w", err)
	}
	return contest.FromDocument(doc)
}
