package engine

// In-memory implementations of the storage interfaces.  They reproduce the
// guarded-transition semantics of the MySQL repositories (conflict on a live
// ACTIVE session, compare-and-set unlock, lazy expiry on list) so lifecycle
// behavior can be exercised against a controlled clock.

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/looplocal/loyalty/internal/model"
	"github.com/looplocal/loyalty/internal/repository"
)

// testClock is a settable time source shared by the components under test.
type testClock struct {
	mu sync.Mutex
	at time.Time
}

func newTestClock(at time.Time) *testClock { return &testClock{at: at} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.at = c.at.Add(d)
	c.mu.Unlock()
}

type fakeSessionStore struct {
	mu       sync.Mutex
	nextID   uint64
	sessions map[uint64]*model.CheckInSession
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{nextID: 1, sessions: make(map[uint64]*model.CheckInSession)}
}

func (f *fakeSessionStore) Create(_ context.Context, s *model.CheckInSession, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ex := range f.sessions {
		if ex.UserID != s.UserID || ex.StoreID != s.StoreID || ex.Status != model.SessionActive {
			continue
		}
		if ex.ExpiredBy(now) {
			ex.Status = model.SessionExpired
			continue
		}
		return repository.ErrConflict
	}
	s.ID = f.nextID
	f.nextID++
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeSessionStore) Get(_ context.Context, id uint64) (*model.CheckInSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	cp.Samples = append([]model.LocationSample(nil), s.Samples...)
	sort.SliceStable(cp.Samples, func(i, j int) bool {
		return cp.Samples[i].CapturedAt.Before(cp.Samples[j].CapturedAt)
	})
	return &cp, nil
}

func (f *fakeSessionStore) AppendSample(_ context.Context, sessionID uint64, sample model.LocationSample, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return repository.ErrNotFound
	}
	if s.Status != model.SessionActive || !now.Before(s.ExpiresAt) {
		return repository.ErrInvalidState
	}
	sample.ID = uint64(len(s.Samples) + 1)
	s.Samples = append(s.Samples, sample)
	return nil
}

func (f *fakeSessionStore) Complete(_ context.Context, sessionID uint64, civScore float64, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return repository.ErrNotFound
	}
	if s.Status != model.SessionActive || !now.Before(s.ExpiresAt) {
		return repository.ErrInvalidState
	}
	s.Status = model.SessionCompleted
	s.CIVScore = civScore
	at := now
	s.CompletedAt = &at
	return nil
}

func (f *fakeSessionStore) Expire(_ context.Context, sessionID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return repository.ErrNotFound
	}
	if s.Status == model.SessionActive {
		s.Status = model.SessionExpired
	}
	return nil
}

func (f *fakeSessionStore) ExpireStale(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.sessions {
		if s.ExpiredBy(now) {
			s.Status = model.SessionExpired
			n++
		}
	}
	return n, nil
}

func (f *fakeSessionStore) LatestVisitAfter(_ context.Context, userID, storeID uint64, after time.Time) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest time.Time
	found := false
	for _, s := range f.sessions {
		if s.UserID == userID && s.StoreID == storeID && s.OpenedAt.After(after) {
			if !found || s.OpenedAt.After(latest) {
				latest = s.OpenedAt
				found = true
			}
		}
	}
	return latest, found, nil
}

type fakePendingStore struct {
	mu       sync.Mutex
	nextID   uint64
	entries  map[uint64]*model.PendingPointsEntry
	triggers []model.SettlementTrigger
}

func newFakePendingStore() *fakePendingStore {
	return &fakePendingStore{nextID: 1, entries: make(map[uint64]*model.PendingPointsEntry)}
}

func (f *fakePendingStore) Create(_ context.Context, e *model.PendingPointsEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = f.nextID
	f.nextID++
	cp := *e
	f.entries[e.ID] = &cp
	return nil
}

func (f *fakePendingStore) Get(_ context.Context, id uint64) (*model.PendingPointsEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakePendingStore) list(userID uint64, storeID *uint64, now time.Time) []model.PendingPointsEntry {
	var out []model.PendingPointsEntry
	for _, e := range f.entries {
		if e.ExpiredBy(now) {
			e.Status = model.PendingStatusExpired
		}
		if e.UserID != userID || e.Status != model.PendingStatusPending {
			continue
		}
		if storeID != nil && e.StoreID != *storeID {
			continue
		}
		out = append(out, *e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (f *fakePendingStore) ListPendingByUser(_ context.Context, userID uint64, now time.Time) ([]model.PendingPointsEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list(userID, nil, now), nil
}

func (f *fakePendingStore) ListPendingByUserStore(_ context.Context, userID, storeID uint64, now time.Time) ([]model.PendingPointsEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list(userID, &storeID, now), nil
}

func (f *fakePendingStore) Unlock(_ context.Context, id uint64, trigger model.SettlementTrigger, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	if e.Status != model.PendingStatusPending || !now.Before(e.ExpiresAt) {
		return 0, repository.ErrInvalidState
	}
	e.Status = model.PendingStatusUnlocked
	e.LoopsUnlocked = e.LoopsPending
	tt := trigger.TriggerType
	e.UnlockTrigger = &tt
	at := now
	e.UnlockedAt = &at
	f.triggers = append(f.triggers, trigger)
	return e.LoopsUnlocked, nil
}

func (f *fakePendingStore) AppendTrigger(_ context.Context, t model.SettlementTrigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, t)
	return nil
}

func (f *fakePendingStore) UpdateCIVBySession(_ context.Context, sessionID uint64, civScore float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.SessionID != nil && *e.SessionID == sessionID && e.Status == model.PendingStatusPending {
			e.CIVScore = civScore
		}
	}
	return nil
}

func (f *fakePendingStore) ExpireStale(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, e := range f.entries {
		if e.ExpiredBy(now) {
			e.Status = model.PendingStatusExpired
			n++
		}
	}
	return n, nil
}

func (f *fakePendingStore) triggerCount(entryID uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.triggers {
		if t.PendingPointsID == entryID {
			n++
		}
	}
	return n
}

type fakeStoreDirectory struct {
	stores map[uint64]*model.Store
}

func newFakeStoreDirectory(stores ...*model.Store) *fakeStoreDirectory {
	d := &fakeStoreDirectory{stores: make(map[uint64]*model.Store)}
	for _, s := range stores {
		d.stores[s.ID] = s
	}
	return d
}

func (d *fakeStoreDirectory) GetByCode(_ context.Context, code string) (*model.Store, error) {
	for _, s := range d.stores {
		if s.Code == code && s.IsActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (d *fakeStoreDirectory) GetByID(_ context.Context, id uint64) (*model.Store, error) {
	s, ok := d.stores[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

type purchase struct {
	userID, storeID uint64
	at              time.Time
}

type fakeTransactionLog struct {
	mu        sync.Mutex
	nextID    uint64
	purchases []purchase
}

func newFakeTransactionLog() *fakeTransactionLog { return &fakeTransactionLog{nextID: 1} }

func (f *fakeTransactionLog) Create(_ context.Context, t *model.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.ID = f.nextID
	f.nextID++
	f.purchases = append(f.purchases, purchase{userID: t.UserID, storeID: t.StoreID, at: t.RecordedAt})
	return nil
}

func (f *fakeTransactionLog) HasPurchaseAfter(_ context.Context, userID, storeID uint64, after time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.purchases {
		if p.userID == userID && p.storeID == storeID && p.at.After(after) {
			return true, nil
		}
	}
	return false, nil
}

type fakeBalance struct {
	mu         sync.Mutex
	credits    map[uint64]int64     // entryID -> loops
	totals     map[uint64]int64     // userID -> loops
	creditedAt map[uint64]time.Time // entryID -> supplied clock instant
}

func newFakeBalance() *fakeBalance {
	return &fakeBalance{
		credits:    make(map[uint64]int64),
		totals:     make(map[uint64]int64),
		creditedAt: make(map[uint64]time.Time),
	}
}

func (f *fakeBalance) Credit(_ context.Context, userID, entryID uint64, loops int64, now time.Time) error {
	if loops <= 0 {
		return repository.ErrInvalidArgument
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.credits[entryID]; dup {
		return nil
	}
	f.credits[entryID] = loops
	f.totals[userID] += loops
	f.creditedAt[entryID] = now
	return nil
}

func (f *fakeBalance) total(userID uint64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totals[userID]
}

func (f *fakeBalance) creditTime(entryID uint64) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.creditedAt[entryID]
	return t, ok
}
