package engine

import (
	"context"
	"math"
	"time"

	"github.com/looplocal/loyalty/internal/civ"
	"github.com/looplocal/loyalty/internal/model"
	"github.com/looplocal/loyalty/internal/repository"
)

// PendingPointsLedger records provisional Loop grants and owns their
// state transitions.  Entries are created PENDING by the check-in flow,
// unlocked only through the settlement engine, and voided by the expiry
// sweep.  The unlock path delegates to the store's compare-and-set so
// concurrent settlement attempts settle each entry at most once.
type PendingPointsLedger struct {
	store PendingStore
	ttl   time.Duration
	now   Clock
}

// NewPendingPointsLedger builds a ledger with the given pending-entry TTL
// (much longer than the session TTL; settlement may wait for a future
// visit).  A nil clock falls back to wall time in UTC.
func NewPendingPointsLedger(store PendingStore, ttl time.Duration, now Clock) *PendingPointsLedger {
	if store == nil {
		panic("nil store passed to NewPendingPointsLedger")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if now == nil {
		now = defaultClock
	}
	return &PendingPointsLedger{store: store, ttl: ttl, now: now}
}

// Grant creates a PENDING entry for the user at the store.  sessionID may
// be nil for grants issued outside a check-in session.  Fails with
// ErrInvalidArgument when loopsPending is not positive; out-of-range CIV
// scores are clamped into [0,1] and NaN falls back to the neutral prior.
func (l *PendingPointsLedger) Grant(ctx context.Context, userID, storeID uint64, sessionID *uint64, loopsPending int64, civScore float64) (*model.PendingPointsEntry, error) {
	if userID == 0 || storeID == 0 || loopsPending <= 0 {
		return nil, repository.ErrInvalidArgument
	}
	if math.IsNaN(civScore) {
		civScore = civ.NeutralPrior
	}
	if civScore < 0 {
		civScore = 0
	}
	if civScore > 1 {
		civScore = 1
	}
	at := l.now()
	e := &model.PendingPointsEntry{
		UserID:       userID,
		StoreID:      storeID,
		SessionID:    sessionID,
		LoopsPending: loopsPending,
		CIVScore:     civScore,
		Status:       model.PendingStatusPending,
		CreatedAt:    at,
		ExpiresAt:    at.Add(l.ttl),
	}
	if err := l.store.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// ListPendingFor returns the user's PENDING, unexpired entries.  Expiry is
// applied by the store inside the same transaction that reads the result
// set, so callers never observe an entry that has already lapsed.
func (l *PendingPointsLedger) ListPendingFor(ctx context.Context, userID uint64) ([]model.PendingPointsEntry, error) {
	return l.store.ListPendingByUser(ctx, userID, l.now())
}

// ListPendingForStore narrows ListPendingFor to one store; it is the
// working set of one settlement evaluation.
func (l *PendingPointsLedger) ListPendingForStore(ctx context.Context, userID, storeID uint64) ([]model.PendingPointsEntry, error) {
	return l.store.ListPendingByUserStore(ctx, userID, storeID, l.now())
}

// Unlock transitions an entry PENDING -> UNLOCKED, records the trigger in
// the audit trail and returns the Loop delta to credit.  Not idempotent by
// design: a caller racing a committed unlock receives ErrInvalidState and
// must treat it as a no-op.
func (l *PendingPointsLedger) Unlock(ctx context.Context, entryID uint64, triggerType, triggerData string) (int64, error) {
	if !model.ValidTriggerType(triggerType) {
		return 0, repository.ErrInvalidArgument
	}
	at := l.now()
	return l.store.Unlock(ctx, entryID, model.SettlementTrigger{
		PendingPointsID: entryID,
		TriggerType:     triggerType,
		TriggerData:     triggerData,
		CreatedAt:       at,
	}, at)
}

// RecordTrigger appends an audit row without touching entry state, used
// when a qualifying trigger loses the unlock race but is still worth
// keeping in the trail.
func (l *PendingPointsLedger) RecordTrigger(ctx context.Context, entryID uint64, triggerType, triggerData string) error {
	return l.store.AppendTrigger(ctx, model.SettlementTrigger{
		PendingPointsID: entryID,
		TriggerType:     triggerType,
		TriggerData:     triggerData,
		CreatedAt:       l.now(),
	})
}

// RecordSessionScore propagates a completed session's final CIV score to
// its still-PENDING entries so MANUAL_CHECK can later qualify on it.
func (l *PendingPointsLedger) RecordSessionScore(ctx context.Context, sessionID uint64, civScore float64) error {
	return l.store.UpdateCIVBySession(ctx, sessionID, civScore)
}

// Get loads one entry by ID.
func (l *PendingPointsLedger) Get(ctx context.Context, entryID uint64) (*model.PendingPointsEntry, error) {
	return l.store.Get(ctx, entryID)
}

// ExpireStale voids every PENDING entry past its TTL and returns the
// number transitioned.  Idempotent; intended for the periodic sweep.
func (l *PendingPointsLedger) ExpireStale(ctx context.Context) (int64, error) {
	return l.store.ExpireStale(ctx, l.now())
}
