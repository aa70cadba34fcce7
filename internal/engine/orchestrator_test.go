package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/looplocal/loyalty/internal/model"
	"github.com/looplocal/loyalty/internal/repository"
)

type orchestratorFixture struct {
	orch    *Orchestrator
	clock   *testClock
	balance *fakeBalance
	pending *fakePendingStore
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	clock := newTestClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	sessions := newFakeSessionStore()
	pending := newFakePendingStore()
	purchases := newFakeTransactionLog()
	balance := newFakeBalance()
	stores := newFakeStoreDirectory(testStore)

	mgr := NewSessionManager(sessions, stores, 30*time.Minute, clock.Now)
	ledger := NewPendingPointsLedger(pending, 7*24*time.Hour, clock.Now)
	settlement := NewSettlementEngine(ledger, sessions, purchases, balance, nil,
		SettlementSettings{CIVThreshold: 0.6, ReturnCooldown: time.Hour, GracePeriod: 72 * time.Hour},
		clock.Now)
	orch := NewOrchestrator(mgr, ledger, settlement, stores, purchases, clock.Now)
	return &orchestratorFixture{orch: orch, clock: clock, balance: balance, pending: pending}
}

func TestCheckInUnknownCodeFails(t *testing.T) {
	f := newOrchestratorFixture(t)
	if _, err := f.orch.CheckIn(context.Background(), 1, "NO-SUCH-CODE", nil, nil); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("unknown code: want ErrNotFound, got %v", err)
	}
}

func TestCheckInRequiresBothCoordinates(t *testing.T) {
	f := newOrchestratorFixture(t)
	lat := testStore.Lat
	if _, err := f.orch.CheckIn(context.Background(), 1, testStore.Code, &lat, nil); !errors.Is(err, repository.ErrInvalidArgument) {
		t.Fatalf("lat without lng: want ErrInvalidArgument, got %v", err)
	}
}

func TestCheckInGrantsProvisionalLoops(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	res, err := f.orch.CheckIn(ctx, 1, testStore.Code, nil, nil)
	if err != nil {
		t.Fatalf("check-in failed: %v", err)
	}
	if res.LoopsPending != testStore.LoopsPerVisit {
		t.Fatalf("grant: want %d loops, got %d", testStore.LoopsPerVisit, res.LoopsPending)
	}
	if !res.ExpiresAt.Equal(f.clock.Now().Add(30 * time.Minute)) {
		t.Fatalf("session expiry: got %v", res.ExpiresAt)
	}

	entries, err := f.orch.ListPendingPoints(ctx, 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want one pending entry, got %d", len(entries))
	}
	e := entries[0]
	if e.SessionID == nil || *e.SessionID != res.SessionID {
		t.Fatalf("entry not linked to session: %+v", e)
	}
	if e.CIVScore != 0.5 {
		t.Fatalf("fresh grant score: want neutral 0.5, got %f", e.CIVScore)
	}
}

func TestFullVisitPurchaseSettlementFlow(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	res, err := f.orch.CheckIn(ctx, 1, testStore.Code, nil, nil)
	if err != nil {
		t.Fatalf("check-in failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		f.clock.Advance(2 * time.Minute)
		status, err := f.orch.UpdateLocation(ctx, 1, res.SessionID, offsetLat(20), testStore.Lng, 10)
		if err != nil {
			t.Fatalf("sample %d failed: %v", i, err)
		}
		if status != model.SessionActive {
			t.Fatalf("sample %d: want ACTIVE, got %s", i, status)
		}
	}
	score, err := f.orch.CompleteCheckIn(ctx, 1, res.SessionID)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if score < 0.8 {
		t.Fatalf("corroborated visit: want score >= 0.8, got %f", score)
	}

	// Two days later a purchase lands and settles the grant on the spot.
	f.clock.Advance(48 * time.Hour)
	_, settled, err := f.orch.RecordTransaction(ctx, testStore.OwnerID, 1, testStore.ID, 1250)
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
	if settled.TotalCredited != testStore.LoopsPerVisit {
		t.Fatalf("settlement: want %d loops, got %d", testStore.LoopsPerVisit, settled.TotalCredited)
	}
	if len(settled.Unlocked) != 1 || *settled.Unlocked[0].UnlockTrigger != model.TriggerNewTransaction {
		t.Fatalf("unlock trigger: %+v", settled.Unlocked)
	}
	if f.balance.total(1) != testStore.LoopsPerVisit {
		t.Fatalf("balance: want %d, got %d", testStore.LoopsPerVisit, f.balance.total(1))
	}

	// Nothing is left to settle.
	again, err := f.orch.CheckSettlement(ctx, 1, testStore.ID)
	if err != nil {
		t.Fatalf("settlement check failed: %v", err)
	}
	if len(again.Unlocked) != 0 || f.balance.total(1) != testStore.LoopsPerVisit {
		t.Fatalf("repeated settlement must be a no-op: %+v", again)
	}
}

func TestCompletePropagatesScoreForManualCheck(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	res, err := f.orch.CheckIn(ctx, 1, testStore.Code, nil, nil)
	if err != nil {
		t.Fatalf("check-in failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		f.clock.Advance(2 * time.Minute)
		if _, err := f.orch.UpdateLocation(ctx, 1, res.SessionID, offsetLat(20), testStore.Lng, 10); err != nil {
			t.Fatalf("sample failed: %v", err)
		}
	}
	if _, err := f.orch.CompleteCheckIn(ctx, 1, res.SessionID); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	// The completed visit's confidence now clears the manual-check bar.
	settled, err := f.orch.CheckSettlement(ctx, 1, testStore.ID)
	if err != nil {
		t.Fatalf("settlement check failed: %v", err)
	}
	if len(settled.Unlocked) != 1 || *settled.Unlocked[0].UnlockTrigger != model.TriggerManualCheck {
		t.Fatalf("want a MANUAL_CHECK unlock, got %+v", settled.Unlocked)
	}
}

func TestLowConfidenceVisitWaitsForGracePeriod(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	// A check-in with no location evidence keeps the neutral prior, below
	// the manual-check bar.
	if _, err := f.orch.CheckIn(ctx, 1, testStore.Code, nil, nil); err != nil {
		t.Fatalf("check-in failed: %v", err)
	}
	settled, err := f.orch.CheckSettlement(ctx, 1, testStore.ID)
	if err != nil {
		t.Fatalf("settlement check failed: %v", err)
	}
	if len(settled.Unlocked) != 0 {
		t.Fatalf("unverified visit settled immediately: %+v", settled)
	}

	// Three days of no dispute settles it through TIME_ELAPSED.
	f.clock.Advance(73 * time.Hour)
	settled, err = f.orch.CheckSettlement(ctx, 1, testStore.ID)
	if err != nil {
		t.Fatalf("settlement check failed: %v", err)
	}
	if len(settled.Unlocked) != 1 || *settled.Unlocked[0].UnlockTrigger != model.TriggerTimeElapsed {
		t.Fatalf("want a TIME_ELAPSED unlock, got %+v", settled.Unlocked)
	}
}

func TestGrantLapsesBeforeSettlement(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	if _, err := f.orch.CheckIn(ctx, 1, testStore.Code, nil, nil); err != nil {
		t.Fatalf("check-in failed: %v", err)
	}
	f.clock.Advance(8 * 24 * time.Hour)

	settled, err := f.orch.CheckSettlement(ctx, 1, testStore.ID)
	if err != nil {
		t.Fatalf("settlement check failed: %v", err)
	}
	if len(settled.Unlocked) != 0 || f.balance.total(1) != 0 {
		t.Fatalf("lapsed grant settled: %+v", settled)
	}
	entries, _ := f.orch.ListPendingPoints(ctx, 1)
	if len(entries) != 0 {
		t.Fatalf("lapsed grant still listed: %+v", entries)
	}
}

func TestRecordTransactionRejectsForeignMerchant(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	if _, err := f.orch.CheckIn(ctx, 1, testStore.Code, nil, nil); err != nil {
		t.Fatalf("check-in failed: %v", err)
	}
	f.clock.Advance(time.Hour)

	// A merchant who does not own the store cannot record purchases
	// against it, so they cannot mint settlements for their own grants.
	_, _, err := f.orch.RecordTransaction(ctx, testStore.OwnerID+1, 1, testStore.ID, 500)
	if !errors.Is(err, repository.ErrForbidden) {
		t.Fatalf("foreign merchant: want ErrForbidden, got %v", err)
	}
	if f.balance.total(1) != 0 {
		t.Fatalf("rejected purchase credited the balance: %d", f.balance.total(1))
	}
	entries, _ := f.orch.ListPendingPoints(ctx, 1)
	if len(entries) != 1 || entries[0].Status != model.PendingStatusPending {
		t.Fatalf("rejected purchase touched the grant: %+v", entries)
	}

	// The owner records the same purchase and the grant settles.
	_, settled, err := f.orch.RecordTransaction(ctx, testStore.OwnerID, 1, testStore.ID, 500)
	if err != nil {
		t.Fatalf("owner transaction failed: %v", err)
	}
	if settled.TotalCredited != testStore.LoopsPerVisit {
		t.Fatalf("owner settlement: want %d, got %d", testStore.LoopsPerVisit, settled.TotalCredited)
	}
}

func TestUpdateLocationReportsTerminalStatus(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	res, err := f.orch.CheckIn(ctx, 1, testStore.Code, nil, nil)
	if err != nil {
		t.Fatalf("check-in failed: %v", err)
	}
	f.clock.Advance(31 * time.Minute)

	status, err := f.orch.UpdateLocation(ctx, 1, res.SessionID, testStore.Lat, testStore.Lng, 10)
	if err != nil {
		t.Fatalf("sample on expired session must not error: %v", err)
	}
	if status != model.SessionExpired {
		t.Fatalf("want EXPIRED, got %s", status)
	}
}

func TestUpdateLocationHidesForeignSessions(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	res, err := f.orch.CheckIn(ctx, 1, testStore.Code, nil, nil)
	if err != nil {
		t.Fatalf("check-in failed: %v", err)
	}
	if _, err := f.orch.UpdateLocation(ctx, 2, res.SessionID, testStore.Lat, testStore.Lng, 10); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("foreign session: want ErrNotFound, got %v", err)
	}
	if _, err := f.orch.CompleteCheckIn(ctx, 2, res.SessionID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("foreign complete: want ErrNotFound, got %v", err)
	}
}

func TestReturnVisitSettlesOlderGrantOnCheckIn(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	if _, err := f.orch.CheckIn(ctx, 1, testStore.Code, nil, nil); err != nil {
		t.Fatalf("first check-in failed: %v", err)
	}
	f.clock.Advance(26 * time.Hour)

	res, err := f.orch.CheckIn(ctx, 1, testStore.Code, nil, nil)
	if err != nil {
		t.Fatalf("return check-in failed: %v", err)
	}
	if len(res.Settled.Unlocked) != 1 || *res.Settled.Unlocked[0].UnlockTrigger != model.TriggerReturnVisit {
		t.Fatalf("return visit did not settle the older grant: %+v", res.Settled)
	}
	if f.balance.total(1) != testStore.LoopsPerVisit {
		t.Fatalf("balance after return visit: want %d, got %d", testStore.LoopsPerVisit, f.balance.total(1))
	}

	// The fresh grant from this visit is still pending.
	entries, _ := f.orch.ListPendingPoints(ctx, 1)
	if len(entries) != 1 {
		t.Fatalf("want the new grant pending, got %+v", entries)
	}
}

func TestExpireStaleSweepsBothLifecycles(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	if _, err := f.orch.CheckIn(ctx, 1, testStore.Code, nil, nil); err != nil {
		t.Fatalf("check-in failed: %v", err)
	}
	f.clock.Advance(8 * 24 * time.Hour)

	sessions, entries, err := f.orch.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if sessions != 1 || entries != 1 {
		t.Fatalf("sweep counts: want 1/1, got %d/%d", sessions, entries)
	}
}
