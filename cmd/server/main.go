package main // Entry point package

import (
	"context" // Context for the periodic expiry sweep
	"log"     // Logging library
	"time"    // Ticker interval for the expiry sweep

	"github.com/joho/godotenv"    // Loads .env files into the environment
	"github.com/labstack/echo/v4" // Echo web framework

	"github.com/looplocal/loyalty/internal/config"     // Internal config loader
	"github.com/looplocal/loyalty/internal/database"   // MySQL connection pool
	"github.com/looplocal/loyalty/internal/engine"     // Check-in and settlement core
	"github.com/looplocal/loyalty/internal/handler"    // HTTP handlers
	"github.com/looplocal/loyalty/internal/queue"      // Settlement event consumer
	"github.com/looplocal/loyalty/internal/repository" // Data access layer
	"github.com/looplocal/loyalty/internal/router"     // Internal router setup
	queue_publisher "github.com/looplocal/loyalty/internal/service" // Settlement event publisher
)

func main() {
	// Load a local .env file when present so development does not require
	// exporting every variable by hand.  Missing file is not an error.
	if err := godotenv.Load(); err == nil {
		log.Println("loaded configuration from .env")
	}

	cfg := config.Load() // Load environment config

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName) // Open MySQL pool
	if err != nil {
		log.Fatalf("database: %v", err) // Abort startup when the database is unreachable
	}
	defer db.Close()

	rdb := config.NewRedisClient() // May be nil; caching and rate limiting degrade
	if rdb == nil {
		log.Println("redis unavailable, store cache and rate limiting disabled")
	}

	// Repositories over the shared pool.
	users := repository.NewUserRepo(db)
	sessions := repository.NewSessionRepo(db)
	pending := repository.NewPendingPointsRepo(db)
	stores := repository.NewStoreRepo(db, rdb)
	transactions := repository.NewTransactionRepo(db)
	balances := repository.NewBalanceRepo(db)

	// Core engine.  The nil clock selects wall time in UTC everywhere, and
	// the settlement thresholds come straight from configuration.
	sessionMgr := engine.NewSessionManager(sessions, stores, cfg.SessionTTL, nil)
	ledger := engine.NewPendingPointsLedger(pending, cfg.PendingTTL, nil)
	settlement := engine.NewSettlementEngine(ledger, sessions, transactions, balances,
		queue_publisher.PublishPointsUnlocked,
		engine.SettlementSettings{
			CIVThreshold:   cfg.CIVUnlockThreshold,
			ReturnCooldown: cfg.ReturnVisitCooldown,
			GracePeriod:    cfg.SettlementGrace,
		}, nil)
	orch := engine.NewOrchestrator(sessionMgr, ledger, settlement, stores, transactions, nil)

	// Consume unlock events into the settlement log.  Runs its own
	// reconnect loop, so a broker outage only delays the audit trail.
	go func() {
		if err := queue.StartSettlementConsumer(); err != nil {
			log.Printf("settlement consumer stopped: %v", err)
		}
	}()

	// Sweep expired sessions and lapsed grants every minute.  Reads already
	// apply expiry lazily; the sweep keeps rows from lingering when nobody
	// touches them.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			s, p, err := orch.ExpireStale(ctx)
			cancel()
			if err != nil {
				log.Printf("expiry sweep: %v", err)
				continue
			}
			if s > 0 || p > 0 {
				log.Printf("expiry sweep: %d sessions, %d pending grants", s, p)
			}
		}
	}()

	e := echo.New() // Create Echo instance

	authHandler := handler.NewAuthHandler(users, cfg)
	checkinHandler := handler.NewCheckInHandler(orch)
	pointsHandler := handler.NewPointsHandler(orch, stores, balances)

	router.RegisterRoutes(e, pointsHandler)                                 // Health check and public store lookup
	router.RegisterAuth(e, authHandler, cfg.JWTSecret)                      // Register and login
	router.RegisterLoyalty(e, checkinHandler, pointsHandler, cfg.JWTSecret, rdb) // Check-in and settlement routes

	addr := ":" + cfg.Port                                // Address string with port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env) // Print startup info

	if err := e.Start(addr); err != nil { // Start HTTP server
		log.Fatal(err) // Log and exit if server fails
	}
}
