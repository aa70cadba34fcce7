package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/looplocal/loyalty/internal/model"
)

// storeCacheTTL bounds how long a code lookup may be served from Redis.
// Store coordinates and award amounts change rarely; a short TTL keeps the
// scan path fast without a cache invalidation protocol.
const storeCacheTTL = 5 * time.Minute

// StoreRepo resolves scanned codes to store records.  Lookups by code sit
// on the hot check-in path, so results are cached in Redis when a client
// is available; the repository degrades to plain SQL when rdb is nil
// (mirrors the rest of the app, which disables Redis features when the
// connection cannot be established at startup).
type StoreRepo struct {
	db  *sql.DB
	rdb *redis.Client
}

// NewStoreRepo returns a StoreRepo bound to the database and an optional
// Redis client (nil disables caching).
func NewStoreRepo(db *sql.DB, rdb *redis.Client) *StoreRepo { return &StoreRepo{db: db, rdb: rdb} }

const storeColumns = `id, owner_id, code, name, lat, lng, geofence_m, loops_per_visit, is_active, created_at`

// GetByCode resolves a scanned code to its active store.  Inactive or
// unknown codes return ErrNotFound.  Cache entries hold the serialized
// store row keyed by code.
func (r *StoreRepo) GetByCode(ctx context.Context, code string) (*model.Store, error) {
	if code == "" {
		return nil, ErrInvalidArgument
	}
	key := "store:code:" + code
	if r.rdb != nil {
		if raw, err := r.rdb.Get(ctx, key).Bytes(); err == nil {
			var s model.Store
			if err := json.Unmarshal(raw, &s); err == nil {
				return &s, nil
			}
			// Corrupt cache entry; fall through to SQL and overwrite it.
		}
	}

	var s model.Store
	err := r.db.QueryRowContext(ctx,
		`SELECT `+storeColumns+` FROM stores WHERE code = ? AND is_active = 1 LIMIT 1`,
		code).Scan(&s.ID, &s.OwnerID, &s.Code, &s.Name, &s.Lat, &s.Lng, &s.GeofenceM, &s.LoopsPerVisit, &s.IsActive, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if r.rdb != nil {
		if raw, err := json.Marshal(&s); err == nil {
			// Best effort; a cache write failure never fails the lookup.
			_ = r.rdb.Set(ctx, key, raw, storeCacheTTL).Err()
		}
	}
	return &s, nil
}

// GetByID loads one store by primary key.  Returns ErrNotFound when no
// such store exists.
func (r *StoreRepo) GetByID(ctx context.Context, id uint64) (*model.Store, error) {
	var s model.Store
	err := r.db.QueryRowContext(ctx,
		`SELECT `+storeColumns+` FROM stores WHERE id = ? LIMIT 1`,
		id).Scan(&s.ID, &s.OwnerID, &s.Code, &s.Name, &s.Lat, &s.Lng, &s.GeofenceM, &s.LoopsPerVisit, &s.IsActive, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
