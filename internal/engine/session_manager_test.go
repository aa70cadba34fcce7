package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/looplocal/loyalty/internal/model"
	"github.com/looplocal/loyalty/internal/repository"
)

var testStore = &model.Store{
	ID:            1,
	OwnerID:       9,
	Code:          "LL-CAFE-001",
	Name:          "Corner Cafe",
	Lat:           40.4168,
	Lng:           -3.7038,
	GeofenceM:     75,
	LoopsPerVisit: 10,
	IsActive:      true,
}

// offsetLat returns a latitude roughly meters north of the test store.
func offsetLat(meters float64) float64 {
	return testStore.Lat + meters/111320.0
}

func newTestSessionManager(ttl time.Duration) (*SessionManager, *fakeSessionStore, *testClock) {
	clock := newTestClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	sessions := newFakeSessionStore()
	mgr := NewSessionManager(sessions, newFakeStoreDirectory(testStore), ttl, clock.Now)
	return mgr, sessions, clock
}

func TestOpenRejectsSecondActiveSession(t *testing.T) {
	mgr, _, _ := newTestSessionManager(30 * time.Minute)
	ctx := context.Background()

	if _, err := mgr.Open(ctx, 1, testStore.ID); err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if _, err := mgr.Open(ctx, 1, testStore.ID); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("second open: want ErrConflict, got %v", err)
	}
	// A different user at the same store is unaffected.
	if _, err := mgr.Open(ctx, 2, testStore.ID); err != nil {
		t.Fatalf("open for second user failed: %v", err)
	}
}

func TestOpenAfterStaleSessionExpires(t *testing.T) {
	mgr, sessions, clock := newTestSessionManager(30 * time.Minute)
	ctx := context.Background()

	first, err := mgr.Open(ctx, 1, testStore.ID)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	clock.Advance(31 * time.Minute)

	second, err := mgr.Open(ctx, 1, testStore.ID)
	if err != nil {
		t.Fatalf("open after TTL: want success, got %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a new session id")
	}
	got, _ := sessions.Get(ctx, first.ID)
	if got.Status != model.SessionExpired {
		t.Fatalf("stale session: want EXPIRED, got %s", got.Status)
	}
}

func TestAppendSampleValidatesCoordinates(t *testing.T) {
	mgr, _, clock := newTestSessionManager(30 * time.Minute)
	ctx := context.Background()

	s, err := mgr.Open(ctx, 1, testStore.ID)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := mgr.AppendSample(ctx, s.ID, 91, 0, 10, clock.Now()); !errors.Is(err, repository.ErrInvalidArgument) {
		t.Fatalf("lat 91: want ErrInvalidArgument, got %v", err)
	}
	if err := mgr.AppendSample(ctx, s.ID, 0, -181, 10, clock.Now()); !errors.Is(err, repository.ErrInvalidArgument) {
		t.Fatalf("lng -181: want ErrInvalidArgument, got %v", err)
	}
	// Negative accuracy means "no estimate", not an invalid sample.
	if err := mgr.AppendSample(ctx, s.ID, testStore.Lat, testStore.Lng, -5, clock.Now()); err != nil {
		t.Fatalf("negative accuracy should be accepted: %v", err)
	}
}

func TestAppendSampleAfterExpiryTransitionsSession(t *testing.T) {
	mgr, sessions, clock := newTestSessionManager(30 * time.Minute)
	ctx := context.Background()

	s, err := mgr.Open(ctx, 1, testStore.ID)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	clock.Advance(30 * time.Minute)

	err = mgr.AppendSample(ctx, s.ID, testStore.Lat, testStore.Lng, 10, clock.Now())
	if !errors.Is(err, repository.ErrInvalidState) {
		t.Fatalf("append on expired session: want ErrInvalidState, got %v", err)
	}
	got, _ := sessions.Get(ctx, s.ID)
	if got.Status != model.SessionExpired {
		t.Fatalf("session after lazy expiry: want EXPIRED, got %s", got.Status)
	}
	if len(got.Samples) != 0 {
		t.Fatalf("expired session must not accumulate samples, got %d", len(got.Samples))
	}
}

func TestAppendSampleAfterCompleteFails(t *testing.T) {
	mgr, _, clock := newTestSessionManager(30 * time.Minute)
	ctx := context.Background()

	s, err := mgr.Open(ctx, 1, testStore.ID)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := mgr.Complete(ctx, s.ID); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	err = mgr.AppendSample(ctx, s.ID, testStore.Lat, testStore.Lng, 10, clock.Now())
	if !errors.Is(err, repository.ErrInvalidState) {
		t.Fatalf("append on completed session: want ErrInvalidState, got %v", err)
	}
}

func TestCompleteScoresAccumulatedSamples(t *testing.T) {
	mgr, sessions, clock := newTestSessionManager(30 * time.Minute)
	ctx := context.Background()

	s, err := mgr.Open(ctx, 1, testStore.ID)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		clock.Advance(2 * time.Minute)
		if err := mgr.AppendSample(ctx, s.ID, offsetLat(20), testStore.Lng, 10, clock.Now()); err != nil {
			t.Fatalf("sample %d failed: %v", i, err)
		}
	}
	score, err := mgr.Complete(ctx, s.ID)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if score < 0.8 {
		t.Fatalf("three accurate in-fence samples: want score >= 0.8, got %f", score)
	}
	got, _ := sessions.Get(ctx, s.ID)
	if got.Status != model.SessionCompleted {
		t.Fatalf("status after complete: want COMPLETED, got %s", got.Status)
	}
	if got.CIVScore != score {
		t.Fatalf("persisted score %f != returned score %f", got.CIVScore, score)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
}

func TestCompleteWithoutSamplesKeepsNeutralPrior(t *testing.T) {
	mgr, _, _ := newTestSessionManager(30 * time.Minute)
	ctx := context.Background()

	s, err := mgr.Open(ctx, 1, testStore.ID)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	score, err := mgr.Complete(ctx, s.ID)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if score != 0.5 {
		t.Fatalf("no evidence: want neutral 0.5, got %f", score)
	}
}

func TestCompleteExpiredSessionFails(t *testing.T) {
	mgr, sessions, clock := newTestSessionManager(30 * time.Minute)
	ctx := context.Background()

	s, err := mgr.Open(ctx, 1, testStore.ID)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	clock.Advance(time.Hour)

	if _, err := mgr.Complete(ctx, s.ID); !errors.Is(err, repository.ErrInvalidState) {
		t.Fatalf("complete on expired session: want ErrInvalidState, got %v", err)
	}
	got, _ := sessions.Get(ctx, s.ID)
	if got.Status != model.SessionExpired {
		t.Fatalf("want EXPIRED, got %s", got.Status)
	}
}

func TestExpireStaleSweepsOnlyOverdueSessions(t *testing.T) {
	mgr, _, clock := newTestSessionManager(30 * time.Minute)
	ctx := context.Background()

	if _, err := mgr.Open(ctx, 1, testStore.ID); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	clock.Advance(20 * time.Minute)
	fresh, err := mgr.Open(ctx, 2, testStore.ID)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	clock.Advance(15 * time.Minute) // first is 35min old, second 15min

	n, err := mgr.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("sweep count: want 1, got %d", n)
	}
	got, _ := mgr.Get(ctx, fresh.ID)
	if got.Status != model.SessionActive {
		t.Fatalf("fresh session touched by sweep: %s", got.Status)
	}
}
