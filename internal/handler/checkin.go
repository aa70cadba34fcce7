package handler

import (
	"net/http" // HTTP status codes
	"strconv"  // parsing path parameters
	"time"     // response timestamps

	"github.com/labstack/echo/v4" // Echo web framework

	"github.com/looplocal/loyalty/internal/engine" // check-in and settlement core
	"github.com/looplocal/loyalty/internal/model"  // lifecycle status constants
)

// CheckInHandler exposes the check-in session lifecycle over HTTP.  All
// business rules live in the engine façade; the handler binds requests,
// enforces that callers only touch their own sessions (via the JWT user
// id), and translates the engine's error taxonomy to status codes.
type CheckInHandler struct {
	Orch *engine.Orchestrator
}

// NewCheckInHandler constructs a CheckInHandler and panics on a nil façade.
func NewCheckInHandler(orch *engine.Orchestrator) *CheckInHandler {
	if orch == nil {
		panic("nil orchestrator passed to NewCheckInHandler")
	}
	return &CheckInHandler{Orch: orch}
}

// CheckIn handles POST /v1/checkin.  The body carries the scanned store
// code and an optional initial position.  On success it returns 201 with
// the session id, the provisional grant and the session expiry; any older
// grants settled by the return visit are included.  An existing ACTIVE
// session at the store yields 409.
func (h *CheckInHandler) CheckIn(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		Code string   `json:"code"`
		Lat  *float64 `json:"lat"`
		Lng  *float64 `json:"lng"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.Code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "code is required"})
	}
	res, err := h.Orch.CheckIn(c.Request().Context(), userID, body.Code, body.Lat, body.Lng)
	if err != nil {
		return coreError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"session_id":    res.SessionID,
		"store_id":      res.StoreID,
		"loops_pending": res.LoopsPending,
		"expires_at":    res.ExpiresAt.Format(time.RFC3339),
		"settled":       settlementView(res.Settled),
	})
}

// UpdateLocation handles POST /v1/sessions/:id/location.  The body
// carries one location sample.  On an ACTIVE session the sample is
// recorded and 200 {status: ACTIVE} returned; on a terminal session
// nothing is persisted and the terminal status is reported instead of an
// error, so clients stop streaming.
func (h *CheckInHandler) UpdateLocation(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	sessionID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || sessionID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid session id"})
	}
	var body struct {
		Lat       float64 `json:"lat"`
		Lng       float64 `json:"lng"`
		AccuracyM float64 `json:"accuracy_m"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	status, err := h.Orch.UpdateLocation(c.Request().Context(), userID, sessionID, body.Lat, body.Lng, body.AccuracyM)
	if err != nil {
		return coreError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"recorded": status == model.SessionActive,
	})
}

// CompleteCheckIn handles POST /v1/sessions/:id/complete.  It ends the
// visit and returns the final CIV score.  Completing an expired or
// already-terminal session yields 422.
func (h *CheckInHandler) CompleteCheckIn(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	sessionID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || sessionID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid session id"})
	}
	score, err := h.Orch.CompleteCheckIn(c.Request().Context(), userID, sessionID)
	if err != nil {
		return coreError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"civ_score": score,
	})
}
