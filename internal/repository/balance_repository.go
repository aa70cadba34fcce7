package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/looplocal/loyalty/internal/model"
)

// BalanceRepo owns the durable Loop balance and its idempotency ledger.
// Credit is keyed by pending entry ID through a unique index on
// balance_credits.pending_points_id: a retried credit for an entry that
// already settled inserts nothing and leaves the balance untouched, which
// lets the settlement engine credit before the guarded unlock and retry
// the whole sequence after a partial failure.
type BalanceRepo struct {
	db *sql.DB
}

// NewBalanceRepo returns a BalanceRepo bound to the given database.
func NewBalanceRepo(db *sql.DB) *BalanceRepo { return &BalanceRepo{db: db} }

// Credit applies a settled delta to the user's balance exactly once per
// pending entry.  The idempotency row and the balance upsert commit
// together; calling again with the same entryID is a silent no-op.  The
// caller supplies `now` so timestamps agree with the engine's clock.
func (r *BalanceRepo) Credit(ctx context.Context, userID, entryID uint64, loops int64, now time.Time) error {
	if loops <= 0 {
		return ErrInvalidArgument
	}
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

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO balance_credits (pending_points_id, user_id, loops, created_at)
		 VALUES (?, ?, ?, ?)`,
		entryID, userID, loops, now.UTC()); err != nil {
		// 1062 = duplicate key: this entry was already credited.
		if strings.Contains(strings.ToLower(err.Error()), "1062") {
			return nil
		}
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO balances (user_id, loops, updated_at)
		 VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE loops = loops + VALUES(loops), updated_at = VALUES(updated_at)`,
		userID, loops, now.UTC()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Get returns the user's current settled balance.  Users with no credits
// yet read as a zero balance rather than ErrNotFound.
func (r *BalanceRepo) Get(ctx context.Context, userID uint64) (model.Balance, error) {
	b := model.Balance{UserID: userID}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, loops, updated_at FROM balances WHERE user_id = ? LIMIT 1`,
		userID).Scan(&b.UserID, &b.Loops, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return model.Balance{UserID: userID}, nil
	}
	if err != nil {
		return model.Balance{}, err
	}
	return b, nil
}
