package engine

import (
	"context"
	"log"
	"time"

	"github.com/looplocal/loyalty/internal/civ"
	"github.com/looplocal/loyalty/internal/model"
	"github.com/looplocal/loyalty/internal/repository"
)

// TransactionRecorder persists purchase records.  Implemented by
// repository.TransactionRepo.
type TransactionRecorder interface {
	Create(ctx context.Context, t *model.Transaction) error
}

// Orchestrator is the façade the API layer calls.  It sequences the
// session manager, the ledger and the settlement engine and carries no
// business rules of its own beyond that sequencing.
type Orchestrator struct {
	sessions *SessionManager
	ledger   *PendingPointsLedger
	engine   *SettlementEngine
	stores   StoreDirectory
	txlog    TransactionRecorder
	now      Clock
}

// NewOrchestrator wires the façade.  A nil clock falls back to wall time
// in UTC.
func NewOrchestrator(sessions *SessionManager, ledger *PendingPointsLedger, engine *SettlementEngine, stores StoreDirectory, txlog TransactionRecorder, now Clock) *Orchestrator {
	if sessions == nil || ledger == nil || engine == nil || stores == nil || txlog == nil {
		panic("nil dependency passed to NewOrchestrator")
	}
	if now == nil {
		now = defaultClock
	}
	return &Orchestrator{sessions: sessions, ledger: ledger, engine: engine, stores: stores, txlog: txlog, now: now}
}

// CheckInResult is returned from a successful scan: the opened session,
// the provisional grant, and whatever older grants the return visit
// settled on the way in.
type CheckInResult struct {
	SessionID    uint64
	StoreID      uint64
	LoopsPending int64
	ExpiresAt    time.Time
	Settled      SettlementResult
}

// CheckIn resolves a scanned code, opens a session, issues the
// provisional grant, and records the optional initial position.  Opening
// a new session is itself a return-visit signal, so older pending entries
// at the store are evaluated under RETURN_VISIT before returning; a
// settlement failure there is logged, not surfaced, since the check-in
// has already succeeded.
func (o *Orchestrator) CheckIn(ctx context.Context, userID uint64, scannedCode string, lat, lng *float64) (*CheckInResult, error) {
	if (lat == nil) != (lng == nil) {
		return nil, repository.ErrInvalidArgument
	}
	if lat != nil && !validCoords(*lat, *lng) {
		return nil, repository.ErrInvalidArgument
	}
	store, err := o.stores.GetByCode(ctx, scannedCode)
	if err != nil {
		return nil, err
	}

	session, err := o.sessions.Open(ctx, userID, store.ID)
	if err != nil {
		return nil, err
	}

	entry, err := o.ledger.Grant(ctx, userID, store.ID, &session.ID, store.LoopsPerVisit, civ.NeutralPrior)
	if err != nil {
		return nil, err
	}

	if lat != nil {
		// The scan position is device-less evidence: accuracy unknown, so
		// it lands down-weighted. Failure to record it never fails the scan.
		if err := o.sessions.AppendSample(ctx, session.ID, *lat, *lng, 0, o.now()); err != nil {
			log.Printf("checkin: initial sample for session %d dropped: %v", session.ID, err)
		}
	}

	settled, err := o.engine.Evaluate(ctx, userID, store.ID, model.TriggerReturnVisit, nil)
	if err != nil {
		log.Printf("checkin: return-visit settlement for user %d store %d failed: %v", userID, store.ID, err)
	}

	return &CheckInResult{
		SessionID:    session.ID,
		StoreID:      store.ID,
		LoopsPending: entry.LoopsPending,
		ExpiresAt:    session.ExpiresAt,
		Settled:      settled,
	}, nil
}

// UpdateLocation appends a location sample to the caller's session and
// returns the session status after the attempt.  On a COMPLETED or
// EXPIRED session nothing is persisted and the terminal status is
// reported without error; the client learns the state instead of
// retrying.  Sessions belonging to other users read as not found.
func (o *Orchestrator) UpdateLocation(ctx context.Context, userID, sessionID uint64, lat, lng, accuracyM float64) (string, error) {
	session, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.UserID != userID {
		return "", repository.ErrNotFound
	}
	err = o.sessions.AppendSample(ctx, sessionID, lat, lng, accuracyM, o.now())
	if err == nil {
		return model.SessionActive, nil
	}
	if err == repository.ErrInvalidState {
		refreshed, gerr := o.sessions.Get(ctx, sessionID)
		if gerr != nil {
			return "", gerr
		}
		return refreshed.Status, nil
	}
	return "", err
}

// CompleteCheckIn ends the caller's visit, computes the final CIV score,
// and writes it onto the session's pending entries so a later manual
// check can qualify on it.  A score-propagation failure does not undo the
// completion; the entries keep the neutral prior and settlement falls
// back to the other triggers.
func (o *Orchestrator) CompleteCheckIn(ctx context.Context, userID, sessionID uint64) (float64, error) {
	session, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if session.UserID != userID {
		return 0, repository.ErrNotFound
	}
	score, err := o.sessions.Complete(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if err := o.ledger.RecordSessionScore(ctx, sessionID, score); err != nil {
		log.Printf("checkin: civ score for session %d not propagated: %v", sessionID, err)
	}
	return score, nil
}

// ListPendingPoints returns the user's live provisional grants.
func (o *Orchestrator) ListPendingPoints(ctx context.Context, userID uint64) ([]model.PendingPointsEntry, error) {
	return o.ledger.ListPendingFor(ctx, userID)
}

// CheckSettlement runs the trigger evaluations a user can initiate
// without new external evidence: NEW_TRANSACTION first (a purchase may
// have landed since the last check), then MANUAL_CHECK on the stored CIV
// score, then TIME_ELAPSED.  Results accumulate across the passes; an
// entry unlocked by an earlier pass is no longer PENDING and cannot be
// double-settled by a later one.  Calling this twice with no new trigger
// in between yields an empty result the second time.
func (o *Orchestrator) CheckSettlement(ctx context.Context, userID, storeID uint64) (SettlementResult, error) {
	var total SettlementResult
	for _, trigger := range []string{model.TriggerNewTransaction, model.TriggerManualCheck, model.TriggerTimeElapsed} {
		res, err := o.engine.Evaluate(ctx, userID, storeID, trigger, nil)
		total.Unlocked = append(total.Unlocked, res.Unlocked...)
		total.TotalCredited += res.TotalCredited
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// RecordTransaction persists a purchase and immediately evaluates
// NEW_TRANSACTION settlement for the pair, so a sale settles the visit
// that preceded it without waiting for a client-initiated check.
// merchantID is the authenticated caller; the purchase is rejected with
// ErrForbidden unless the store is registered to that merchant.
func (o *Orchestrator) RecordTransaction(ctx context.Context, merchantID, userID, storeID uint64, amountCents int64) (*model.Transaction, SettlementResult, error) {
	store, err := o.stores.GetByID(ctx, storeID)
	if err != nil {
		return nil, SettlementResult{}, err
	}
	if store.OwnerID != merchantID {
		return nil, SettlementResult{}, repository.ErrForbidden
	}
	t := &model.Transaction{
		UserID:      userID,
		StoreID:     storeID,
		AmountCents: amountCents,
		Status:      model.TransactionCompleted,
		RecordedAt:  o.now(),
	}
	if err := o.txlog.Create(ctx, t); err != nil {
		return nil, SettlementResult{}, err
	}
	res, err := o.engine.Evaluate(ctx, userID, storeID, model.TriggerNewTransaction, map[string]interface{}{
		"transaction_id": t.ID,
	})
	return t, res, err
}

// ExpireStale runs both expiry sweeps.  Safe to invoke from a periodic
// ticker without coordination; each pass transitions a row at most once.
func (o *Orchestrator) ExpireStale(ctx context.Context) (sessions, entries int64, err error) {
	sessions, err = o.sessions.ExpireStale(ctx)
	if err != nil {
		return sessions, 0, err
	}
	entries, err = o.ledger.ExpireStale(ctx)
	return sessions, entries, err
}
