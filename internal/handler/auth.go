package handler

import (
	"database/sql" // sentinel errors from the repository layer
	"errors"       // errors.Is comparisons
	"net/http"     // HTTP status codes
	"strings"      // input normalization
	"time"         // response timestamps

	"github.com/labstack/echo/v4" // Echo web framework

	"github.com/looplocal/loyalty/internal/config"     // runtime configuration
	"github.com/looplocal/loyalty/internal/repository" // repository layer
	"github.com/looplocal/loyalty/internal/utils"      // token and password helpers
)

// AuthHandler implements the minimal identity directory the loyalty core
// needs: account registration, credential login, and a whoami endpoint.
// It exists so a bearer credential can be resolved to a user id; account
// management beyond that (password reset, profiles) lives elsewhere.
type AuthHandler struct {
	Users *repository.UserRepo
	Cfg   config.Config
}

// NewAuthHandler constructs an AuthHandler and panics on nil dependencies.
func NewAuthHandler(users *repository.UserRepo, cfg config.Config) *AuthHandler {
	if users == nil {
		panic("nil repository passed to NewAuthHandler")
	}
	return &AuthHandler{Users: users, Cfg: cfg}
}

// Register handles POST /v1/auth/register.  The body must carry an email
// and a password; role defaults to CUSTOMER and may be set to MERCHANT
// for store operators.  Returns 201 with the new user id.
func (h *AuthHandler) Register(c echo.Context) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	body.Email = strings.TrimSpace(body.Email)
	if body.Email == "" || len(body.Password) < 8 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email and password (min 8 chars) are required"})
	}
	role := strings.ToUpper(strings.TrimSpace(body.Role))
	switch role {
	case "":
		role = "CUSTOMER"
	case "CUSTOMER", "MERCHANT":
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "role must be CUSTOMER or MERCHANT"})
	}

	id, err := h.Users.Create(c.Request().Context(), body.Email, body.Password, role, h.Cfg.BcryptCost)
	if err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "email already registered"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to create user"})
	}
	return c.JSON(http.StatusCreated, echo.Map{"id": id, "email": strings.ToLower(body.Email), "role": role})
}

// Login handles POST /v1/auth/login.  On valid credentials it returns a
// signed access token and its expiry.  Invalid email and invalid password
// are deliberately indistinguishable in the response.
func (h *AuthHandler) Login(c echo.Context) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	u, err := h.Users.GetByEmail(c.Request().Context(), body.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	if !u.IsActive || !utils.VerifyPassword(u.PasswordHash, body.Password) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}
	tok, err := utils.NewAccessToken(h.Cfg.JWTSecret, u.ID, u.Role, h.Cfg.AccessTTLMin)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to sign token"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"access_token": tok.Token,
		"expires_at":   tok.Exp.Format(time.RFC3339),
	})
}

// Me handles GET /v1/me and returns the authenticated user's record.
func (h *AuthHandler) Me(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	u, err := h.Users.GetByID(c.Request().Context(), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "user not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"id":    u.ID,
		"email": u.Email,
		"role":  u.Role,
	})
}
