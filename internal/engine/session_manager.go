package engine

import (
	"context"
	"math"
	"time"

	"github.com/looplocal/loyalty/internal/civ"
	"github.com/looplocal/loyalty/internal/model"
	"github.com/looplocal/loyalty/internal/repository"
)

// SessionManager owns the check-in session lifecycle: ACTIVE on open,
// COMPLETED on explicit completion, EXPIRED when the TTL elapses.  Expiry
// is detected lazily on access and always applied before any mutation, so
// an operation on a just-expired session fails with ErrInvalidState rather
// than silently succeeding.
type SessionManager struct {
	store  SessionStore
	stores StoreDirectory
	ttl    time.Duration
	now    Clock
}

// NewSessionManager builds a manager with the given session TTL.  A nil
// clock falls back to wall time in UTC.
func NewSessionManager(store SessionStore, stores StoreDirectory, ttl time.Duration, now Clock) *SessionManager {
	if store == nil || stores == nil {
		panic("nil store passed to NewSessionManager")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if now == nil {
		now = defaultClock
	}
	return &SessionManager{store: store, stores: stores, ttl: ttl, now: now}
}

// Open creates a new ACTIVE session for the user at the store.  Returns
// ErrConflict when a live ACTIVE session already exists for the pair; a
// stale ACTIVE session is expired by the store and does not block.
func (m *SessionManager) Open(ctx context.Context, userID, storeID uint64) (*model.CheckInSession, error) {
	if userID == 0 || storeID == 0 {
		return nil, repository.ErrInvalidArgument
	}
	at := m.now()
	s := &model.CheckInSession{
		UserID:    userID,
		StoreID:   storeID,
		Status:    model.SessionActive,
		CIVScore:  civ.NeutralPrior,
		OpenedAt:  at,
		ExpiresAt: at.Add(m.ttl),
	}
	if err := m.store.Create(ctx, s, at); err != nil {
		return nil, err
	}
	return s, nil
}

// Get loads a session with its samples.
func (m *SessionManager) Get(ctx context.Context, sessionID uint64) (*model.CheckInSession, error) {
	return m.store.Get(ctx, sessionID)
}

// AppendSample validates and appends one location reading to an ACTIVE
// session.  A session found expired is transitioned to EXPIRED first and
// the append fails with ErrInvalidState; nothing is persisted for
// terminal sessions.  Negative accuracy readings are clamped to zero
// (meaning "no estimate") rather than rejected.
func (m *SessionManager) AppendSample(ctx context.Context, sessionID uint64, lat, lng, accuracyM float64, capturedAt time.Time) error {
	if !validCoords(lat, lng) {
		return repository.ErrInvalidArgument
	}
	if accuracyM < 0 || math.IsNaN(accuracyM) {
		accuracyM = 0
	}
	at := m.now()
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Terminal() {
		return repository.ErrInvalidState
	}
	if s.ExpiredBy(at) {
		if err := m.store.Expire(ctx, sessionID); err != nil {
			return err
		}
		return repository.ErrInvalidState
	}
	if capturedAt.IsZero() {
		capturedAt = at
	}
	return m.store.AppendSample(ctx, sessionID, model.LocationSample{
		SessionID:  sessionID,
		Lat:        lat,
		Lng:        lng,
		AccuracyM:  accuracyM,
		CapturedAt: capturedAt,
	}, at)
}

// Complete ends the visit: it scores all accumulated samples against the
// store's registered position, transitions the session to COMPLETED and
// returns the final CIV score.  State and expiry rules match AppendSample.
func (m *SessionManager) Complete(ctx context.Context, sessionID uint64) (float64, error) {
	at := m.now()
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if s.Terminal() {
		return 0, repository.ErrInvalidState
	}
	if s.ExpiredBy(at) {
		if err := m.store.Expire(ctx, sessionID); err != nil {
			return 0, err
		}
		return 0, repository.ErrInvalidState
	}
	st, err := m.stores.GetByID(ctx, s.StoreID)
	if err != nil {
		return 0, err
	}
	score := civ.Score(s.Samples, st.Lat, st.Lng, st.GeofenceM)
	if err := m.store.Complete(ctx, sessionID, score, at); err != nil {
		return 0, err
	}
	return score, nil
}

// ExpireStale sweeps every ACTIVE session past its TTL into EXPIRED and
// returns the number transitioned.  Idempotent and safe to run
// concurrently with request traffic.
func (m *SessionManager) ExpireStale(ctx context.Context) (int64, error) {
	return m.store.ExpireStale(ctx, m.now())
}

func validCoords(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
