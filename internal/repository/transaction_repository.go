package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/looplocal/loyalty/internal/model"
)

// TransactionRepo records purchases and answers the one query the
// settlement engine needs: has a user completed a purchase at a store
// strictly after a given instant.
type TransactionRepo struct {
	db *sql.DB
}

// NewTransactionRepo returns a TransactionRepo bound to the given database.
func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{db: db} }

// Create inserts a purchase record and writes the generated ID back.
func (r *TransactionRepo) Create(ctx context.Context, t *model.Transaction) error {
	if t.AmountCents <= 0 {
		return ErrInvalidArgument
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO transactions (user_id, store_id, amount_cents, status, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.UserID, t.StoreID, t.AmountCents, t.Status, t.RecordedAt.UTC())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = uint64(id)
	return nil
}

// HasPurchaseAfter reports whether the user has a COMPLETED purchase at
// the store recorded strictly after the given instant.  The strict
// comparison matters: a purchase made before check-in must never settle
// the grant that check-in created.
func (r *TransactionRepo) HasPurchaseAfter(ctx context.Context, userID, storeID uint64, after time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM transactions
		   WHERE user_id = ? AND store_id = ? AND status = 'COMPLETED' AND recorded_at > ?
		 )`,
		userID, storeID, after.UTC()).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}
