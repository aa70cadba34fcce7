package model

import "time"

// Pending entry states.  PENDING entries are provisional grants awaiting a
// settlement trigger.  UNLOCKED means the grant was settled and credited to
// the durable balance.  EXPIRED is terminal and voids the grant.
const (
	PendingStatusPending  = "PENDING"
	PendingStatusUnlocked = "UNLOCKED"
	PendingStatusExpired  = "EXPIRED"
)

// Settlement trigger types.  Each names the independent evidence that may
// unlock a pending grant.
const (
	TriggerReturnVisit    = "RETURN_VISIT"
	TriggerNewTransaction = "NEW_TRANSACTION"
	TriggerManualCheck    = "MANUAL_CHECK"
	TriggerTimeElapsed    = "TIME_ELAPSED"
)

// ValidTriggerType reports whether t names a known settlement trigger.
func ValidTriggerType(t string) bool {
	switch t {
	case TriggerReturnVisit, TriggerNewTransaction, TriggerManualCheck, TriggerTimeElapsed:
		return true
	}
	return false
}

// PendingPointsEntry is a provisional grant of Loops tied to a user and a
// store.  The grant stays PENDING until the settlement engine observes a
// corroborating trigger, at which point loops_unlocked is raised to
// loops_pending and the durable balance is credited.  Entries that outlive
// their TTL without settling become EXPIRED and are void.
//
// Fields:
//  ID            – primary key identifier.
//  UserID        – customer the grant belongs to.
//  StoreID       – store the grant was earned at.
//  SessionID     – originating check-in session (nullable; a grant may be
//                  issued by flows that have no session).
//  LoopsPending  – provisional amount, always > 0.
//  LoopsUnlocked – settled amount, 0..LoopsPending.
//  CIVScore      – confidence score recorded for the visit; 0.5 when the
//                  session was never completed.
//  Status        – PENDING, UNLOCKED or EXPIRED.
//  UnlockTrigger – trigger type that caused the unlock (nullable).
//  CreatedAt     – when the grant was issued.
//  ExpiresAt     – CreatedAt plus the pending TTL (longer than the session
//                  TTL, settlement may depend on a future visit).
//  UnlockedAt    – when the grant was settled (nullable).
type PendingPointsEntry struct {
	ID            uint64     // pending_points.id
	UserID        uint64     // pending_points.user_id
	StoreID       uint64     // pending_points.store_id
	SessionID     *uint64    // pending_points.session_id (nullable)
	LoopsPending  int64      // pending_points.loops_pending
	LoopsUnlocked int64      // pending_points.loops_unlocked
	CIVScore      float64    // pending_points.civ_score
	Status        string     // pending_points.status
	UnlockTrigger *string    // pending_points.unlock_trigger (nullable)
	CreatedAt     time.Time  // pending_points.created_at
	ExpiresAt     time.Time  // pending_points.expires_at
	UnlockedAt    *time.Time // pending_points.unlocked_at (nullable)
}

// ExpiredBy reports whether a PENDING entry has outlived its TTL at the
// given instant.
func (e *PendingPointsEntry) ExpiredBy(now time.Time) bool {
	return e.Status == PendingStatusPending && !now.Before(e.ExpiresAt)
}

// SettlementTrigger is an append-only audit record of a trigger event
// evaluated against a pending entry.  One entry may accumulate several
// trigger rows even though only one ultimately causes the unlock.  Rows
// are never mutated or deleted.
//
// Fields:
//  ID              – primary key identifier.
//  PendingPointsID – entry the trigger was evaluated against.
//  TriggerType     – one of the trigger type constants above.
//  TriggerData     – opaque JSON payload describing the evidence.
//  CreatedAt       – when the trigger was recorded.
type SettlementTrigger struct {
	ID              uint64    // settlement_triggers.id
	PendingPointsID uint64    // settlement_triggers.pending_points_id
	TriggerType     string    // settlement_triggers.trigger_type
	TriggerData     string    // settlement_triggers.trigger_data (JSON)
	CreatedAt       time.Time // settlement_triggers.created_at
}
