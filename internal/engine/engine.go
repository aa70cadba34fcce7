// Package engine implements the hybrid check-in and points-settlement
// core: time-boxed check-in sessions that accumulate location evidence,
// provisional Loop grants, and the deferred settlement that unlocks them
// once an independent trigger corroborates the visit.
//
// All waiting is modeled as explicit expires_at comparisons evaluated on
// access against an injected clock; nothing here schedules callbacks or
// sleeps, which keeps every lifecycle decision testable without wall-clock
// time.  Storage is abstracted behind small interfaces satisfied by the
// MySQL repositories and, in tests, by in-memory fakes.
package engine

import (
	"context"
	"time"

	"github.com/looplocal/loyalty/internal/model"
)

// Clock supplies the current instant.  Production wiring passes nil to the
// constructors, which falls back to time.Now in UTC.
type Clock func() time.Time

func defaultClock() time.Time { return time.Now().UTC() }

// SessionStore is the persistence surface for check-in sessions.  Create
// must enforce the one-ACTIVE-session-per-(user,store) invariant
// atomically, and the guarded mutations (AppendSample, Complete) must only
// apply while the session is ACTIVE and unexpired at the supplied instant.
// Implemented by repository.SessionRepo.
type SessionStore interface {
	Create(ctx context.Context, s *model.CheckInSession, now time.Time) error
	Get(ctx context.Context, id uint64) (*model.CheckInSession, error)
	AppendSample(ctx context.Context, sessionID uint64, sample model.LocationSample, now time.Time) error
	Complete(ctx context.Context, sessionID uint64, civScore float64, now time.Time) error
	Expire(ctx context.Context, sessionID uint64) error
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
	LatestVisitAfter(ctx context.Context, userID, storeID uint64, after time.Time) (time.Time, bool, error)
}

// PendingStore is the persistence surface for pending Loop grants and
// their append-only settlement trigger trail.  Unlock must be a
// compare-and-set on status PENDING: exactly one concurrent caller wins.
// Implemented by repository.PendingPointsRepo.
type PendingStore interface {
	Create(ctx context.Context, e *model.PendingPointsEntry) error
	Get(ctx context.Context, id uint64) (*model.PendingPointsEntry, error)
	ListPendingByUser(ctx context.Context, userID uint64, now time.Time) ([]model.PendingPointsEntry, error)
	ListPendingByUserStore(ctx context.Context, userID, storeID uint64, now time.Time) ([]model.PendingPointsEntry, error)
	Unlock(ctx context.Context, id uint64, trigger model.SettlementTrigger, now time.Time) (int64, error)
	AppendTrigger(ctx context.Context, t model.SettlementTrigger) error
	UpdateCIVBySession(ctx context.Context, sessionID uint64, civScore float64) error
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// StoreDirectory resolves scanned codes and store IDs to store records
// with their registered coordinates.  Implemented by repository.StoreRepo.
type StoreDirectory interface {
	GetByCode(ctx context.Context, code string) (*model.Store, error)
	GetByID(ctx context.Context, id uint64) (*model.Store, error)
}

// TransactionLog answers whether a user completed a purchase at a store
// strictly after a given instant.  Implemented by
// repository.TransactionRepo.
type TransactionLog interface {
	HasPurchaseAfter(ctx context.Context, userID, storeID uint64, after time.Time) (bool, error)
}

// Balance credits the durable Loop balance.  Credit must be idempotent
// per pending entry ID so a retried settlement never double-credits; the
// settlement engine relies on that to run the credit before the guarded
// unlock.  Implemented by repository.BalanceRepo.
type Balance interface {
	Credit(ctx context.Context, userID, entryID uint64, loops int64, now time.Time) error
}
