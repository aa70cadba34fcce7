package model

import "time"

// Store is a participating merchant location.  Each store carries the
// registered coordinates and geofence radius used to score location
// evidence, the opaque code printed on its check-in QR, and the number of
// Loops a single visit provisionally earns.
//
// Fields:
//  ID            – primary key identifier.
//  OwnerID       – id of the MERCHANT user the store is registered to.
//  Code          – opaque scan code resolving to this store.
//  Name          – display name.
//  Lat, Lng      – registered coordinates in degrees.
//  GeofenceM     – radius in meters considered "at the store".
//  LoopsPerVisit – provisional Loops granted per check-in.
//  IsActive      – whether the store currently participates.
//  CreatedAt     – timestamp of creation.
type Store struct {
	ID            uint64    // stores.id
	OwnerID       uint64    // stores.owner_id
	Code          string    // stores.code
	Name          string    // stores.name
	Lat           float64   // stores.lat
	Lng           float64   // stores.lng
	GeofenceM     float64   // stores.geofence_m
	LoopsPerVisit int64     // stores.loops_per_visit
	IsActive      bool      // stores.is_active
	CreatedAt     time.Time // stores.created_at
}
