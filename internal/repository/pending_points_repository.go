package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/looplocal/loyalty/internal/model"
)

// PendingPointsRepo provides data access to the pending_points and
// settlement_triggers tables.  Unlocks are compare-and-set: the UPDATE is
// guarded on status = 'PENDING' so exactly one concurrent settlement
// attempt can win the transition; all others observe the committed state.
// Settlement trigger rows are append-only and written in the same
// transaction as the unlock they document.
type PendingPointsRepo struct {
	db *sql.DB
}

// NewPendingPointsRepo returns a new PendingPointsRepo bound to the given
// database.
func NewPendingPointsRepo(db *sql.DB) *PendingPointsRepo { return &PendingPointsRepo{db: db} }

const pendingColumns = `id, user_id, store_id, session_id, loops_pending, loops_unlocked,
	civ_score, status, unlock_trigger, created_at, expires_at, unlocked_at`

// Create inserts a new PENDING entry and writes the generated ID back onto
// the provided record.
func (r *PendingPointsRepo) Create(ctx context.Context, e *model.PendingPointsEntry) error {
	var sessionID sql.NullInt64
	if e.SessionID != nil {
		sessionID = sql.NullInt64{Int64: int64(*e.SessionID), Valid: true}
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO pending_points
		 (user_id, store_id, session_id, loops_pending, loops_unlocked, civ_score, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, 0, ?, 'PENDING', ?, ?)`,
		e.UserID, e.StoreID, sessionID, e.LoopsPending, e.CIVScore,
		e.CreatedAt.UTC(), e.ExpiresAt.UTC())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = uint64(id)
	e.Status = model.PendingStatusPending
	return nil
}

// Get loads one entry by ID.  Returns ErrNotFound when it does not exist.
func (r *PendingPointsRepo) Get(ctx context.Context, id uint64) (*model.PendingPointsEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_points WHERE id = ?`, id)
	e, err := scanPendingEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// ListPendingByUser returns all PENDING, unexpired entries for a user.
// Expiry is applied inside the same transaction that reads the results, so
// a concurrent reader never sees an entry this call is about to void.
func (r *PendingPointsRepo) ListPendingByUser(ctx context.Context, userID uint64, now time.Time) ([]model.PendingPointsEntry, error) {
	return r.listPending(ctx, now,
		`user_id = ?`, userID)
}

// ListPendingByUserStore is ListPendingByUser narrowed to one store; it is
// the working set of a settlement evaluation.
func (r *PendingPointsRepo) ListPendingByUserStore(ctx context.Context, userID, storeID uint64, now time.Time) ([]model.PendingPointsEntry, error) {
	return r.listPending(ctx, now,
		`user_id = ? AND store_id = ?`, userID, storeID)
}

func (r *PendingPointsRepo) listPending(ctx context.Context, now time.Time, where string, args ...interface{}) ([]model.PendingPointsEntry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	expireArgs := append([]interface{}{}, args...)
	expireArgs = append(expireArgs, now.UTC())
	if _, err := tx.ExecContext(ctx,
		`UPDATE pending_points SET status = 'EXPIRED'
		 WHERE `+where+` AND status = 'PENDING' AND expires_at <= ?`,
		expireArgs...); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_points
		 WHERE `+where+` AND status = 'PENDING'
		 ORDER BY created_at, id`,
		args...)
	if err != nil {
		return nil, err
	}
	entries := make([]model.PendingPointsEntry, 0)
	for rows.Next() {
		e, err := scanPendingEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return entries, nil
}

// Unlock performs the PENDING -> UNLOCKED transition for one entry and
// appends its settlement trigger row in the same transaction.  The UPDATE
// is guarded on status and expiry, so under concurrent settlement attempts
// exactly one caller gets the credited delta; the rest receive
// ErrInvalidState (or ErrNotFound for unknown IDs).  The returned delta is
// the Loop amount to credit.  Unlock is deliberately not idempotent: the
// engine treats ErrInvalidState as a lost race and no-ops.
func (r *PendingPointsRepo) Unlock(ctx context.Context, id uint64, trigger model.SettlementTrigger, now time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE pending_points
		 SET status = 'UNLOCKED', loops_unlocked = loops_pending, unlock_trigger = ?, unlocked_at = ?
		 WHERE id = ? AND status = 'PENDING' AND expires_at > ?`,
		trigger.TriggerType, now.UTC(), id, now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM pending_points WHERE id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, err
		}
		return 0, ErrInvalidState
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO settlement_triggers (pending_points_id, trigger_type, trigger_data, created_at)
		 VALUES (?, ?, ?, ?)`,
		id, trigger.TriggerType, trigger.TriggerData, now.UTC()); err != nil {
		return 0, err
	}

	var delta int64
	if err := tx.QueryRowContext(ctx,
		`SELECT loops_unlocked FROM pending_points WHERE id = ?`, id).Scan(&delta); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return delta, nil
}

// AppendTrigger records an audit row outside the unlock path, e.g. for a
// corroborating trigger observed after another trigger already unlocked
// the entry.  The trail is append-only; there is no update or delete.
func (r *PendingPointsRepo) AppendTrigger(ctx context.Context, t model.SettlementTrigger) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO settlement_triggers (pending_points_id, trigger_type, trigger_data, created_at)
		 VALUES (?, ?, ?, ?)`,
		t.PendingPointsID, t.TriggerType, t.TriggerData, t.CreatedAt.UTC())
	return err
}

// UpdateCIVBySession writes a completed session's final CIV score onto its
// still-PENDING entries so a later MANUAL_CHECK can qualify on it.
// Unlocked and expired entries keep the score they settled with.
func (r *PendingPointsRepo) UpdateCIVBySession(ctx context.Context, sessionID uint64, civScore float64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pending_points SET civ_score = ? WHERE session_id = ? AND status = 'PENDING'`,
		civScore, sessionID)
	return err
}

// ExpireStale voids every PENDING entry past its expires_at and returns
// how many rows changed.  Idempotent; intended for a periodic sweep.
func (r *PendingPointsRepo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE pending_points SET status = 'EXPIRED'
		 WHERE status = 'PENDING' AND expires_at <= ?`,
		now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanPendingEntry.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPendingEntry(row rowScanner) (*model.PendingPointsEntry, error) {
	var e model.PendingPointsEntry
	var sessionID sql.NullInt64
	var unlockTrigger sql.NullString
	var unlockedAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.UserID, &e.StoreID, &sessionID, &e.LoopsPending, &e.LoopsUnlocked,
		&e.CIVScore, &e.Status, &unlockTrigger, &e.CreatedAt, &e.ExpiresAt, &unlockedAt,
	)
	if err != nil {
		return nil, err
	}
	if sessionID.Valid {
		sid := uint64(sessionID.Int64)
		e.SessionID = &sid
	}
	if unlockTrigger.Valid {
		t := unlockTrigger.String
		e.UnlockTrigger = &t
	}
	if unlockedAt.Valid {
		t := unlockedAt.Time
		e.UnlockedAt = &t
	}
	return &e, nil
}
