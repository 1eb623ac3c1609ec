package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/plenty-of-plants/contest/internal/domain/contest"
)

var sessionsBucket = []byte("contest_sessions")

// Store implements contest.Store on an embedded bbolt file for single-node deployments.
type Store struct {
	db   *bolt.DB
	feed contest.Feed
}

// Open opens or creates the database at path. feed may be nil.
func Open(path string, feed contest.Feed) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, feed: feed}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, session *contest.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	session.Version = 1
	raw, err := json.Marshal(session.Document())
	if err != nil {
		return err
	}
	key := []byte(session.SessionID.String())
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get(key) != nil {
			return contest.ErrConflict
		}
		return b.Put(key, raw)
	})
	if err != nil {
		return err
	}
	s.publish(session)
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID uuid.UUID) (*contest.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var session *contest.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(sessionsBucket).Get([]byte(sessionID.String()))
		if raw == nil {
			return nil
		}
		var err error
		session, err = decode(raw)
		return err
	})
	return session, err
}

// Update applies fn outside the write transaction and commits under a version check,
// so the single bolt writer is held only for the compare-and-put.
func (s *Store) Update(ctx context.Context, sessionID uuid.UUID, fn contest.Mutator) (*contest.Session, error) {
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

	current.Version = readVersion + 1
	raw, err := json.Marshal(current.Document())
	if err != nil {
		return nil, err
	}
	key := []byte(sessionID.String())
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		stored := b.Get(key)
		if stored == nil {
			return contest.ErrSessionNotFound
		}
		var head struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(stored, &head); err != nil {
			return err
		}
		if head.Version != readVersion {
			return contest.ErrConflict
		}
		return b.Put(key, raw)
	})
	if err != nil {
		return nil, err
	}
	s.publish(current)
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
	var out []*contest.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, raw []byte) error {
			session, err := decode(raw)
			if err != nil {
				return err
			}
			if _, ok := want[session.Status()]; ok {
				out = append(out, session)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
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
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(sessionID.String()))
	})
}

func (s *Store) publish(session *contest.Session) {
	if s.feed != nil {
		s.feed.Publish(session.Clone())
	}
}

func decode(raw []byte) (*contest.Session, error) {
	var doc contest.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode contest session: %w", err)
	}
	return contest.FromDocument(doc)
}
