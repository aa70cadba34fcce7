package handler

import (
	"net/http" // HTTP status codes
	"time"     // response timestamps

	"github.com/labstack/echo/v4" // Echo web framework

	"github.com/looplocal/loyalty/internal/engine"     // check-in and settlement core
	"github.com/looplocal/loyalty/internal/model"      // ledger entry model
	"github.com/looplocal/loyalty/internal/repository" // store directory and balances
)

// PointsHandler exposes the pending-points ledger, settlement checks,
// purchase recording and the public store lookup.
type PointsHandler struct {
	Orch     *engine.Orchestrator
	Stores   *repository.StoreRepo
	Balances *repository.BalanceRepo
}

// NewPointsHandler constructs a PointsHandler and panics on nil
// dependencies.
func NewPointsHandler(orch *engine.Orchestrator, stores *repository.StoreRepo, balances *repository.BalanceRepo) *PointsHandler {
	if orch == nil || stores == nil || balances == nil {
		panic("nil dependency passed to NewPointsHandler")
	}
	return &PointsHandler{Orch: orch, Stores: stores, Balances: balances}
}

// pendingEntryView is the response shape for one ledger entry.
type pendingEntryView struct {
	ID           uint64  `json:"id"`
	StoreID      uint64  `json:"store_id"`
	SessionID    *uint64 `json:"session_id,omitempty"`
	LoopsPending int64   `json:"loops_pending"`
	CIVScore     float64 `json:"civ_score"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"created_at"`
	ExpiresAt    string  `json:"expires_at"`
}

func entryView(e model.PendingPointsEntry) pendingEntryView {
	return pendingEntryView{
		ID:           e.ID,
		StoreID:      e.StoreID,
		SessionID:    e.SessionID,
		LoopsPending: e.LoopsPending,
		CIVScore:     e.CIVScore,
		Status:       e.Status,
		CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:    e.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// settlementView shapes one settlement result for responses.
func settlementView(res engine.SettlementResult) echo.Map {
	unlocked := make([]echo.Map, 0, len(res.Unlocked))
	for _, e := range res.Unlocked {
		v := echo.Map{
			"id":             e.ID,
			"store_id":       e.StoreID,
			"loops_unlocked": e.LoopsUnlocked,
		}
		if e.UnlockTrigger != nil {
			v["trigger"] = *e.UnlockTrigger
		}
		unlocked = append(unlocked, v)
	}
	return echo.Map{
		"unlocked_entries": unlocked,
		"total_credited":   res.TotalCredited,
	}
}

// ListPending handles GET /v1/points/pending and returns the caller's
// live provisional grants, oldest first.  Lapsed grants are expired as
// part of the same read and never appear.
func (h *PointsHandler) ListPending(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	entries, err := h.Orch.ListPendingPoints(c.Request().Context(), userID)
	if err != nil {
		return coreError(c, err)
	}
	items := make([]pendingEntryView, 0, len(entries))
	for _, e := range entries {
		items = append(items, entryView(e))
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}

// CheckSettlement handles POST /v1/settlement/check.  The body names the
// store to evaluate.  Zero unlocked entries is a normal 200 response, not
// an error, and repeating the call without a new trigger keeps returning
// an empty result.
func (h *PointsHandler) CheckSettlement(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		StoreID uint64 `json:"store_id"`
	}
	if err := c.Bind(&body); err != nil || body.StoreID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "store_id is required"})
	}
	res, err := h.Orch.CheckSettlement(c.Request().Context(), userID, body.StoreID)
	if err != nil {
		return coreError(c, err)
	}
	return c.JSON(http.StatusOK, settlementView(res))
}

// RecordTransaction handles POST /v1/transactions.  A merchant records a
// completed purchase for a customer at their store; the purchase is
// immediately evaluated as a NEW_TRANSACTION settlement trigger and any
// unlocks are reported in the response.  Recording against a store owned
// by a different merchant is a 403.
func (h *PointsHandler) RecordTransaction(c echo.Context) error {
	merchantID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		UserID      uint64 `json:"user_id"`
		StoreID     uint64 `json:"store_id"`
		AmountCents int64  `json:"amount_cents"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.UserID == 0 || body.StoreID == 0 || body.AmountCents <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id, store_id and a positive amount_cents are required"})
	}
	t, res, err := h.Orch.RecordTransaction(c.Request().Context(), merchantID, body.UserID, body.StoreID, body.AmountCents)
	if err != nil {
		return coreError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"transaction_id": t.ID,
		"recorded_at":    t.RecordedAt.Format(time.RFC3339),
		"settled":        settlementView(res),
	})
}

// GetBalance handles GET /v1/points/balance and returns the caller's
// settled Loop balance.
func (h *PointsHandler) GetBalance(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	b, err := h.Balances.Get(c.Request().Context(), userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"user_id": b.UserID,
		"loops":   b.Loops,
	})
}

// GetStore handles GET /v1/stores/:code.  It resolves a scanned code to
// the public store record so a client can preview the award before
// checking in.  No authentication is required.
func (h *PointsHandler) GetStore(c echo.Context) error {
	s, err := h.Stores.GetByCode(c.Request().Context(), c.Param("code"))
	if err != nil {
		return coreError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"id":              s.ID,
		"code":            s.Code,
		"name":            s.Name,
		"lat":             s.Lat,
		"lng":             s.Lng,
		"geofence_m":      s.GeofenceM,
		"loops_per_visit": s.LoopsPerVisit,
	})
}
