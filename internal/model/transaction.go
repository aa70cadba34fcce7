package model

import "time"

// Transaction statuses.  Only COMPLETED purchases count as settlement
// evidence for the NEW_TRANSACTION trigger.
const (
	TransactionCompleted = "COMPLETED"
	TransactionVoided    = "VOIDED"
)

// Transaction records a purchase made by a user at a store.  The core
// engine only consumes it through the "purchase strictly after T" query;
// payment mechanics live elsewhere.
//
// Fields:
//  ID          – primary key identifier.
//  UserID      – purchasing customer.
//  StoreID     – store where the purchase happened.
//  AmountCents – purchase amount in cents.
//  Status      – COMPLETED or VOIDED.
//  RecordedAt  – when the purchase was recorded.
type Transaction struct {
	ID          uint64    // transactions.id
	UserID      uint64    // transactions.user_id
	StoreID     uint64    // transactions.store_id
	AmountCents int64     // transactions.amount_cents
	Status      string    // transactions.status
	RecordedAt  time.Time // transactions.recorded_at
}

// BalanceCredit is the idempotency record for a settlement credit.  One row
// exists per unlocked pending entry; the unique key on PendingPointsID makes
// retried credits a no-op.
//
// Fields:
//  ID              – primary key identifier.
//  PendingPointsID – the entry whose unlock produced this credit.
//  UserID          – credited customer.
//  Loops           – amount credited to the durable balance.
//  CreatedAt       – when the credit was applied.
type BalanceCredit struct {
	ID              uint64    // balance_credits.id
	PendingPointsID uint64    // balance_credits.pending_points_id
	UserID          uint64    // balance_credits.user_id
	Loops           int64     // balance_credits.loops
	CreatedAt       time.Time // balance_credits.created_at
}
