package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/looplocal/loyalty/internal/model"
)

// SessionRepo provides data access to the check_in_sessions and
// location_samples tables.  All timestamp comparisons take an explicit
// `now` supplied by the caller so that lifecycle decisions stay consistent
// with the engine's injected clock.  Timestamps are stored and compared in
// UTC.
type SessionRepo struct {
	db *sql.DB
}

// NewSessionRepo returns a new SessionRepo bound to the provided database.
func NewSessionRepo(db *sql.DB) *SessionRepo { return &SessionRepo{db: db} }

// DB exposes the underlying handle for callers that need to open a
// transaction spanning multiple repositories.
func (r *SessionRepo) DB() *sql.DB { return r.db }

// Create inserts a new ACTIVE session, enforcing the at-most-one-ACTIVE
// invariant per (user, store).  Inside one transaction it first expires any
// stale ACTIVE session for the pair, then checks for a surviving ACTIVE
// session with a locking read, and only then inserts.  Returns ErrConflict
// when a live ACTIVE session already exists.  The generated ID is written
// back onto the provided session.
func (r *SessionRepo) Create(ctx context.Context, s *model.CheckInSession, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// Lazy expiry first: a stale ACTIVE session must not block a new scan.
	if _, err := tx.ExecContext(ctx,
		`UPDATE check_in_sessions SET status = 'EXPIRED'
		 WHERE user_id = ? AND store_id = ? AND status = 'ACTIVE' AND expires_at <= ?`,
		s.UserID, s.StoreID, now.UTC()); err != nil {
		return err
	}

	var existing uint64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM check_in_sessions
		 WHERE user_id = ? AND store_id = ? AND status = 'ACTIVE' LIMIT 1 FOR UPDATE`,
		s.UserID, s.StoreID).Scan(&existing)
	switch {
	case err == nil:
		return ErrConflict
	case err != sql.ErrNoRows:
		return err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO check_in_sessions (user_id, store_id, status, civ_score, opened_at, expires_at)
		 VALUES (?, ?, 'ACTIVE', ?, ?, ?)`,
		s.UserID, s.StoreID, s.CIVScore, s.OpenedAt.UTC(), s.ExpiresAt.UTC())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = uint64(id)
	s.Status = model.SessionActive

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Get loads a session together with its samples ordered by captured_at.
// Returns ErrNotFound when no such session exists.
func (r *SessionRepo) Get(ctx context.Context, id uint64) (*model.CheckInSession, error) {
	const q = `SELECT id, user_id, store_id, status, civ_score, opened_at, expires_at, completed_at
	           FROM check_in_sessions WHERE id = ?`
	var s model.CheckInSession
	var completedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&s.ID, &s.UserID, &s.StoreID, &s.Status, &s.CIVScore,
		&s.OpenedAt, &s.ExpiresAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}

	// Samples are appended in arrival order but always read back sorted by
	// capture time; the id tiebreak keeps equal timestamps deterministic.
	const sq = `SELECT id, session_id, lat, lng, accuracy_m, captured_at
	            FROM location_samples WHERE session_id = ?
	            ORDER BY captured_at, id`
	rows, err := r.db.QueryContext(ctx, sq, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ls model.LocationSample
		if err := rows.Scan(&ls.ID, &ls.SessionID, &ls.Lat, &ls.Lng, &ls.AccuracyM, &ls.CapturedAt); err != nil {
			return nil, err
		}
		s.Samples = append(s.Samples, ls)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &s, nil
}

// AppendSample inserts a location sample guarded by the session's state:
// the INSERT..SELECT only matches when the session is still ACTIVE and
// unexpired at `now`.  When nothing is inserted the session is re-read to
// distinguish ErrNotFound from ErrInvalidState.
func (r *SessionRepo) AppendSample(ctx context.Context, sessionID uint64, sample model.LocationSample, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO location_samples (session_id, lat, lng, accuracy_m, captured_at)
		 SELECT id, ?, ?, ?, ? FROM check_in_sessions
		 WHERE id = ? AND status = 'ACTIVE' AND expires_at > ?`,
		sample.Lat, sample.Lng, sample.AccuracyM, sample.CapturedAt.UTC(),
		sessionID, now.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return r.stateError(ctx, sessionID)
	}
	return nil
}

// Complete transitions an ACTIVE, unexpired session to COMPLETED and
// records the final CIV score.  Exactly one caller can win the transition;
// losers receive ErrInvalidState (or ErrNotFound for unknown sessions).
func (r *SessionRepo) Complete(ctx context.Context, sessionID uint64, civScore float64, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE check_in_sessions
		 SET status = 'COMPLETED', civ_score = ?, completed_at = ?
		 WHERE id = ? AND status = 'ACTIVE' AND expires_at > ?`,
		civScore, now.UTC(), sessionID, now.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return r.stateError(ctx, sessionID)
	}
	return nil
}

// Expire moves a single ACTIVE session to EXPIRED.  It is idempotent with
// respect to concurrent sweeps: expiring an already terminal session is a
// no-op.
func (r *SessionRepo) Expire(ctx context.Context, sessionID uint64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE check_in_sessions SET status = 'EXPIRED' WHERE id = ? AND status = 'ACTIVE'`,
		sessionID)
	return err
}

// ExpireStale transitions every ACTIVE session past its expires_at to
// EXPIRED and returns how many rows changed.  Safe to run repeatedly or
// concurrently; each row transitions at most once.
func (r *SessionRepo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE check_in_sessions SET status = 'EXPIRED'
		 WHERE status = 'ACTIVE' AND expires_at <= ?`,
		now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LatestVisitAfter returns the open time of the most recent session a user
// opened at a store strictly after the given instant.  The boolean result
// is false when no such visit exists.  Used by the RETURN_VISIT rule.
func (r *SessionRepo) LatestVisitAfter(ctx context.Context, userID, storeID uint64, after time.Time) (time.Time, bool, error) {
	var openedAt time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT opened_at FROM check_in_sessions
		 WHERE user_id = ? AND store_id = ? AND opened_at > ?
		 ORDER BY opened_at DESC LIMIT 1`,
		userID, storeID, after.UTC()).Scan(&openedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return openedAt, true, nil
}

// stateError re-reads a session after a guarded mutation matched nothing
// and maps the observed state to the right sentinel.
func (r *SessionRepo) stateError(ctx context.Context, sessionID uint64) error {
	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT status FROM check_in_sessions WHERE id = ?`, sessionID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrInvalidState
}
