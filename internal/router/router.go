package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"  // import the Echo web framework to handle routing
	"github.com/redis/go-redis/v9" // Redis client backing the rate limiter

	"github.com/looplocal/loyalty/internal/config"     // rate limit configuration
	"github.com/looplocal/loyalty/internal/handler"    // import the handlers that implement business logic
	"github.com/looplocal/loyalty/internal/middleware" // import middleware for JWT authentication and role enforcement
)

// RegisterRoutes registers routes that do not require authentication on the
// provided Echo instance: the health check and the public store lookup.
func RegisterRoutes(e *echo.Echo, p *handler.PointsHandler) {
	// Map the GET request at path "/healthz" to the Health handler.  This
	// endpoint can be used by load balancers or monitoring systems to verify
	// that the service is up and running.
	e.GET("/healthz", handler.Health)
	// Resolve a scanned store code to its public record.  No authentication
	// is required so a client can preview the award before checking in.
	e.GET("/v1/stores/:code", p.GetStore)
}

// RegisterAuth registers all authentication-related routes and applies the
// necessary middleware.  Unauthenticated operations live under /v1/auth,
// while the whoami endpoint lives under the protected /v1 prefix.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwtSecret string) {
	// Create a route group under the /v1/auth prefix for operations that do
	// not require an existing session.
	g := e.Group("/v1/auth")
	// Register a POST endpoint to handle user registration at /v1/auth/register.
	g.POST("/register", a.Register)
	// Register a POST endpoint to handle user login at /v1/auth/login.
	g.POST("/login", a.Login)

	// Create another group for routes that require a valid access token.  All
	// handlers registered on this group will execute the JWTAuth middleware
	// before being invoked.
	auth := e.Group("/v1")
	// Apply the JWTAuth middleware to the protected group using the provided secret.
	auth.Use(middleware.JWTAuth(jwtSecret))
	// Both roles may call any authenticated endpoint at this layer; the
	// merchant-only transaction route adds its own role check below.
	auth.Use(middleware.RequireRole("CUSTOMER", "MERCHANT"))
	// Register a GET endpoint at /v1/me that returns the authenticated user's information.
	auth.GET("/me", a.Me)
}

// RegisterLoyalty registers the check-in lifecycle, pending-points ledger and
// settlement routes.  All of them require a valid access token.  The check-in
// open endpoint additionally runs through the Redis token bucket so a device
// cannot spray sessions; the limiter degrades to a pass-through when Redis is
// unavailable.
func RegisterLoyalty(e *echo.Echo, ch *handler.CheckInHandler, p *handler.PointsHandler, jwtSecret string, rdb *redis.Client) {
	g := e.Group("/v1")
	g.Use(middleware.JWTAuth(jwtSecret))
	g.Use(middleware.RequireRole("CUSTOMER", "MERCHANT"))

	// Rate limit only the session-opening route.  Location samples arrive on
	// a steady cadence during a visit and must not be throttled.
	limited := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb)

	// Check-in session lifecycle.
	g.POST("/checkin", ch.CheckIn, limited)
	g.POST("/sessions/:id/location", ch.UpdateLocation)
	g.POST("/sessions/:id/complete", ch.CompleteCheckIn)

	// Pending-points ledger and settlement.
	g.GET("/points/pending", p.ListPending)
	g.GET("/points/balance", p.GetBalance)
	g.POST("/settlement/check", p.CheckSettlement)

	// Purchase recording is a merchant operation; the extra role middleware
	// rejects customer tokens with 403 before the handler runs.
	g.POST("/transactions", p.RecordTransaction, middleware.RequireRole("MERCHANT"))
}
