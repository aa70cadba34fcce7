// Package queue defines message payloads exchanged over the message broker.
package queue

// PointsUnlockedEvent is published when a pending Loop grant settles.
// It carries enough information for downstream consumers to log, notify,
// or feed analytics without querying the primary database.
type PointsUnlockedEvent struct {
	EntryID     uint64  `json:"entry_id"`
	UserID      uint64  `json:"user_id"`
	StoreID     uint64  `json:"store_id"`
	SessionID   uint64  `json:"session_id,omitempty"`
	Loops       int64   `json:"loops"`
	TriggerType string  `json:"trigger_type"`
	CIVScore    float64 `json:"civ_score"`
	UnlockedAt  string  `json:"unlocked_at"`
}
