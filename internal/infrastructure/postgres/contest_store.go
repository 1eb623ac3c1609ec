package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plenty-of-plants/contest/internal/domain/contest"
)

// NotifyChannel carries the id of every committed session change.
const NotifyChannel = "contest_sessions"

// ContestStore implements contest.Store on a JSONB document per session.
type ContestStore struct {
	pool *pgxpool.Pool
}

func NewContestStore(pool *pgxpool.Pool) *ContestStore {
	return &ContestStore{pool: pool}
}

func (r *ContestStore) Create(ctx context.Context, s *contest.Session) error {
	s.Version = 1
	doc, err := json.Marshal(s.Document())
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO contest_sessions
			(session_id, status, round, host_id, contestant_count, document, version, created_at, updated_at, expires_at, finished_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, s.SessionID, string(s.Status()), s.Round, s.HostID, s.ConnectedCount(), doc, s.Version,
			s.CreatedAt, s.UpdatedAt, s.ExpiresAt, s.FinishedAt())
		if err != nil {
			if isUniqueViolation(err) {
				return contest.ErrConflict
			}
			return err
		}
		return notify(ctx, tx, s.SessionID)
	})
}

func (r *ContestStore) Get(ctx context.Context, sessionID uuid.UUID) (*contest.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT document, version FROM contest_sessions WHERE session_id=$1
	`, sessionID)
	return scanContestSession(row)
}

// Update reads the current version, applies fn, and writes back only if the
// version is unchanged.
func (r *ContestStore) Update(ctx context.Context, sessionID uuid.UUID, fn contest.Mutator) (*contest.Session, error) {
	current, err := r.Get(ctx, sessionID)
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
	doc, err := json.Marshal(current.Document())
	if err != nil {
		return nil, err
	}
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE contest_sessions
			SET status=$3, round=$4, contestant_count=$5, document=$6, version=$7,
			    updated_at=$8, expires_at=$9, finished_at=$10
			WHERE session_id=$1 AND version=$2
		`, sessionID, readVersion, string(current.Status()), current.Round, current.ConnectedCount(), doc,
			current.Version, current.UpdatedAt, current.ExpiresAt, current.FinishedAt())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return contest.ErrConflict
		}
		return notify(ctx, tx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return current, nil
}

func (r *ContestStore) ListByStatus(ctx context.Context, statuses []contest.Status, limit int) ([]*contest.Session, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	rows, err := r.pool.Query(ctx, `
		SELECT document, version FROM contest_sessions
		WHERE status = ANY($1)
		ORDER BY created_at ASC
		LIMIT NULLIF($2::int, 0)
	`, names, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*contest.Session
	for rows.Next() {
		s, err := scanContestSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *ContestStore) Delete(ctx context.Context, sessionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM contest_sessions WHERE session_id=$1`, sessionID)
	return err
}

func notify(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID) error {
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, sessionID.String())
	return err
}

func scanContestSession(row pgx.Row) (*contest.Session, error) {
	var raw []byte
	var version int64
	if err := row.Scan(&raw, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var doc contest.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode contest session: %w", err)
	}
	doc.Version = version
	return contest.FromDocument(doc)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
