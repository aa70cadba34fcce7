package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/looplocal/loyalty/internal/model"
	"github.com/looplocal/loyalty/internal/queue"
	"github.com/looplocal/loyalty/internal/repository"
)

// SettlementSettings are the calibration knobs for trigger qualification.
// The zero value is never used directly; NewSettlementEngine fills in the
// defaults below.
type SettlementSettings struct {
	// CIVThreshold is the minimum stored confidence score a MANUAL_CHECK
	// needs to unlock without new corroborating evidence.
	CIVThreshold float64
	// ReturnCooldown is the minimum gap between a grant and a return visit
	// before RETURN_VISIT qualifies; it prevents same-visit double counting.
	ReturnCooldown time.Duration
	// GracePeriod is how long an entry must survive unchallenged before
	// TIME_ELAPSED qualifies, so points are not lost to pure inaction.
	GracePeriod time.Duration
}

// PublishUnlocked broadcasts a settled entry to interested consumers.
// Publishing is best effort; failures are logged, never propagated.
type PublishUnlocked func(ctx context.Context, ev queue.PointsUnlockedEvent) error

// SettlementEngine decides, per pending entry, whether a trigger event
// corroborates the visit, and executes unlock plus balance credit for
// entries that qualify.  Qualification is evaluated per entry,
// independently: one Evaluate call may unlock zero, one or many entries,
// and zero is a normal outcome, not an error.
type SettlementEngine struct {
	ledger    *PendingPointsLedger
	visits    SessionStore
	purchases TransactionLog
	balance   Balance
	publish   PublishUnlocked
	settings  SettlementSettings
	now       Clock
}

// NewSettlementEngine wires the engine.  publish may be nil to disable
// event broadcasting; a nil clock falls back to wall time in UTC.
func NewSettlementEngine(ledger *PendingPointsLedger, visits SessionStore, purchases TransactionLog, balance Balance, publish PublishUnlocked, settings SettlementSettings, now Clock) *SettlementEngine {
	if ledger == nil || visits == nil || purchases == nil || balance == nil {
		panic("nil dependency passed to NewSettlementEngine")
	}
	if settings.CIVThreshold <= 0 {
		settings.CIVThreshold = 0.6
	}
	if settings.ReturnCooldown <= 0 {
		settings.ReturnCooldown = time.Hour
	}
	if settings.GracePeriod <= 0 {
		settings.GracePeriod = 72 * time.Hour
	}
	if now == nil {
		now = defaultClock
	}
	return &SettlementEngine{
		ledger:    ledger,
		visits:    visits,
		purchases: purchases,
		balance:   balance,
		publish:   publish,
		settings:  settings,
		now:       now,
	}
}

// SettlementResult reports one Evaluate call: the entries it unlocked and
// the total Loops credited to the durable balance.
type SettlementResult struct {
	Unlocked      []model.PendingPointsEntry
	TotalCredited int64
}

// Evaluate fetches the user's PENDING entries at the store and applies the
// trigger-specific qualification rule to each.  For a qualifying entry the
// balance is credited first (idempotent by entry ID), then the entry is
// unlocked by compare-and-set; a lost unlock race is a no-op recorded in
// the audit trail.
//
// The unlock is the last durable action per entry.  A failure between the
// credit and the unlock leaves the entry PENDING, so re-running settlement
// reaches it again: the repeated credit is absorbed by the idempotency key
// and the unlock completes.  No ordering of failures can strand an
// UNLOCKED entry without its credit.
func (e *SettlementEngine) Evaluate(ctx context.Context, userID, storeID uint64, triggerType string, extra map[string]interface{}) (SettlementResult, error) {
	var res SettlementResult
	if !model.ValidTriggerType(triggerType) {
		return res, repository.ErrInvalidArgument
	}
	entries, err := e.ledger.ListPendingForStore(ctx, userID, storeID)
	if err != nil {
		return res, err
	}
	at := e.now()
	for _, entry := range entries {
		qualified, evidence, err := e.qualifies(ctx, &entry, triggerType, at)
		if err != nil {
			return res, err
		}
		if !qualified {
			continue
		}
		data := triggerPayload(evidence, extra)
		// Credit precedes the unlock so the unlock stays the last durable
		// action; the entry is still PENDING if anything fails in between,
		// and the idempotency key absorbs the repeated credit on retry.
		if err := e.balance.Credit(ctx, entry.UserID, entry.ID, entry.LoopsPending, at); err != nil {
			return res, err
		}
		delta, err := e.ledger.Unlock(ctx, entry.ID, triggerType, data)
		if errors.Is(err, repository.ErrInvalidState) {
			// Another settlement attempt won the race; its credit and this
			// one collapsed into a single row.  Keep the corroborating
			// evidence in the trail and move on.
			if auditErr := e.ledger.RecordTrigger(ctx, entry.ID, triggerType, data); auditErr != nil {
				log.Printf("settlement: audit append failed for entry %d: %v", entry.ID, auditErr)
			}
			continue
		}
		if err != nil {
			return res, err
		}

		unlocked := entry
		unlocked.Status = model.PendingStatusUnlocked
		unlocked.LoopsUnlocked = delta
		trigger := triggerType
		unlocked.UnlockTrigger = &trigger
		unlockedAt := at
		unlocked.UnlockedAt = &unlockedAt
		res.Unlocked = append(res.Unlocked, unlocked)
		res.TotalCredited += delta

		if e.publish != nil {
			ev := queue.PointsUnlockedEvent{
				EntryID:     unlocked.ID,
				UserID:      unlocked.UserID,
				StoreID:     unlocked.StoreID,
				Loops:       delta,
				TriggerType: triggerType,
				CIVScore:    unlocked.CIVScore,
				UnlockedAt:  at.Format(time.RFC3339),
			}
			if unlocked.SessionID != nil {
				ev.SessionID = *unlocked.SessionID
			}
			if err := e.publish(ctx, ev); err != nil {
				log.Printf("settlement: publish points.unlocked failed for entry %d: %v", unlocked.ID, err)
			}
		}
	}
	return res, nil
}

// qualifies applies the rule for one trigger type against one entry and
// returns the evidence payload recorded on success.
func (e *SettlementEngine) qualifies(ctx context.Context, entry *model.PendingPointsEntry, triggerType string, at time.Time) (bool, map[string]interface{}, error) {
	switch triggerType {
	case model.TriggerReturnVisit:
		visitAt, ok, err := e.visits.LatestVisitAfter(ctx, entry.UserID, entry.StoreID, entry.CreatedAt)
		if err != nil {
			return false, nil, err
		}
		if !ok || visitAt.Sub(entry.CreatedAt) < e.settings.ReturnCooldown {
			return false, nil, nil
		}
		return true, map[string]interface{}{
			"visit_at":     visitAt.UTC().Format(time.RFC3339),
			"cooldown_min": int64(e.settings.ReturnCooldown / time.Minute),
		}, nil

	case model.TriggerNewTransaction:
		ok, err := e.purchases.HasPurchaseAfter(ctx, entry.UserID, entry.StoreID, entry.CreatedAt)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			return false, nil, nil
		}
		return true, map[string]interface{}{
			"purchase_after": entry.CreatedAt.UTC().Format(time.RFC3339),
		}, nil

	case model.TriggerManualCheck:
		if entry.CIVScore < e.settings.CIVThreshold {
			return false, nil, nil
		}
		return true, map[string]interface{}{
			"civ_score": entry.CIVScore,
			"threshold": e.settings.CIVThreshold,
		}, nil

	case model.TriggerTimeElapsed:
		if at.Sub(entry.CreatedAt) < e.settings.GracePeriod {
			return false, nil, nil
		}
		return true, map[string]interface{}{
			"elapsed_hours": int64(at.Sub(entry.CreatedAt) / time.Hour),
			"grace_hours":   int64(e.settings.GracePeriod / time.Hour),
		}, nil
	}
	return false, nil, repository.ErrInvalidArgument
}

// triggerPayload serializes the engine's evidence merged with any
// caller-supplied context into the opaque audit payload.
func triggerPayload(evidence, extra map[string]interface{}) string {
	merged := make(map[string]interface{}, len(evidence)+len(extra))
	for k, v := range evidence {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
