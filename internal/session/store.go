package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store is the durable session store. Get applies expiry-on-read; Peek
// returns the raw row so the expiry scheduler can observe a lapsed
// session without deleting it. No locking is provided: callers must
// tolerate last-writer-wins.
type Store interface {
	Get(ctx context.Context, lineUserID string) (*Session, error)
	Peek(ctx context.Context, lineUserID string) (*Session, error)
	Set(ctx context.Context, lineUserID string, s *Session) error
	Clear(ctx context.Context, lineUserID string) error
}

// DB is the subset of pgx needed by the store.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore persists sessions in the line_sessions table.
type PGStore struct {
	db  DB
	now func() time.Time
}

// NewPGStore returns a Postgres-backed store.
func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db, now: time.Now}
}

// Stale reports whether a row last written at updatedAt has lapsed.
func Stale(updatedAt, now time.Time) bool {
	return now.Sub(updatedAt) > Window
}

func (s *PGStore) Get(ctx context.Context, lineUserID string) (*Session, error) {
	sess, updatedAt, err := s.load(ctx, lineUserID)
	if err != nil || sess == nil {
		return nil, err
	}
	if Stale(updatedAt, s.now()) {
		// Expiry-on-read: a lapsed row reads as absent.
		if err := s.Clear(ctx, lineUserID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return sess, nil
}

func (s *PGStore) Peek(ctx context.Context, lineUserID string) (*Session, error) {
	sess, _, err := s.load(ctx, lineUserID)
	return sess, err
}

func (s *PGStore) load(ctx context.Context, lineUserID string) (*Session, time.Time, error) {
	const q = `select step, data, retry_count, cancelled, expires_at, updated_at
		from line_sessions where line_user_id=$1`
	var (
		step      string
		raw       []byte
		retry     int
		cancelled bool
		expiresAt *time.Time
		updatedAt time.Time
	)
	err := s.db.QueryRow(ctx, q, lineUserID).Scan(&step, &raw, &retry, &cancelled, &expiresAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	sess := &Session{Step: Step(step), RetryCount: retry, Cancelled: cancelled}
	if expiresAt != nil {
		sess.ExpiresAt = *expiresAt
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &sess.Data); err != nil {
			return nil, time.Time{}, err
		}
	}
	return sess, updatedAt, nil
}

func (s *PGStore) Set(ctx context.Context, lineUserID string, sess *Session) error {
	raw, err := json.Marshal(sess.Data)
	if err != nil {
		return err
	}
	const q = `insert into line_sessions (line_user_id, step, data, retry_count, cancelled, expires_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,now())
		on conflict (line_user_id) do update set
			step=excluded.step, data=excluded.data, retry_count=excluded.retry_count,
			cancelled=excluded.cancelled, expires_at=excluded.expires_at, updated_at=now()`
	var expiresAt *time.Time
	if !sess.ExpiresAt.IsZero() {
		expiresAt = &sess.ExpiresAt
	}
	_, err = s.db.Exec(ctx, q, lineUserID, string(sess.Step), raw, sess.RetryCount, sess.Cancelled, expiresAt)
	return err
}

func (s *PGStore) Clear(ctx context.Context, lineUserID string) error {
	_, err := s.db.Exec(ctx, `delete from line_sessions where line_user_id=$1`, lineUserID)
	return err
}
