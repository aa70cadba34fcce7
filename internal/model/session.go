package model

import "time"

// Session lifecycle states.  A session starts ACTIVE and moves to exactly
// one terminal state: COMPLETED when the client explicitly ends the visit,
// or EXPIRED when the TTL elapses without completion.  Terminal states are
// immutable.
const (
	SessionActive    = "ACTIVE"
	SessionCompleted = "COMPLETED"
	SessionExpired   = "EXPIRED"
)

// CheckInSession represents one time-boxed visit attempt opened when a
// customer scans a store code.  While ACTIVE, location samples accumulate
// on the session; completing the session computes the final confidence
// score over all samples.
//
// Fields:
//  ID          – primary key identifier.
//  UserID      – customer who opened the session.
//  StoreID     – store whose code was scanned.
//  Status      – ACTIVE, COMPLETED or EXPIRED.
//  CIVScore    – final confidence-in-visit score, set on completion.
//  OpenedAt    – when the session was opened.
//  ExpiresAt   – OpenedAt plus the fixed session TTL.
//  CompletedAt – when the client completed the visit (nullable).
//  Samples     – location evidence, ordered by CapturedAt.
type CheckInSession struct {
	ID          uint64           // check_in_sessions.id
	UserID      uint64           // check_in_sessions.user_id
	StoreID     uint64           // check_in_sessions.store_id
	Status      string           // check_in_sessions.status
	CIVScore    float64          // check_in_sessions.civ_score
	OpenedAt    time.Time        // check_in_sessions.opened_at
	ExpiresAt   time.Time        // check_in_sessions.expires_at
	CompletedAt *time.Time       // check_in_sessions.completed_at (nullable)
	Samples     []LocationSample // location_samples rows for this session
}

// Terminal reports whether the session has reached an immutable state.
func (s *CheckInSession) Terminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionExpired
}

// ExpiredBy reports whether an ACTIVE session has outlived its TTL at the
// given instant.  Terminal sessions are never considered newly expired.
func (s *CheckInSession) ExpiredBy(now time.Time) bool {
	return s.Status == SessionActive && !now.Before(s.ExpiresAt)
}

// LocationSample is one geolocation reading reported by the client while a
// session is ACTIVE.  AccuracyM is the device-reported accuracy radius in
// meters; zero or negative values mean the device gave no estimate and the
// sample is treated as low confidence by the scorer.
//
// Fields:
//  ID         – primary key identifier.
//  SessionID  – session the sample belongs to.
//  Lat, Lng   – reported coordinates in degrees.
//  AccuracyM  – reported accuracy radius in meters.
//  CapturedAt – client-reported capture time; samples are re-sorted by this
//               value before scoring, client order is never trusted.
type LocationSample struct {
	ID         uint64    // location_samples.id
	SessionID  uint64    // location_samples.session_id
	Lat        float64   // location_samples.lat
	Lng        float64   // location_samples.lng
	AccuracyM  float64   // location_samples.accuracy_m
	CapturedAt time.Time // location_samples.captured_at
}
