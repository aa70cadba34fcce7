package config // package config loads application configuration from environment variables

import (
	"log"     // log is used to report configuration errors and halt execution
	"os"      // os provides access to environment variables
	"strconv" // strconv converts strings to other types
	"time"    // time expresses the lifecycle TTLs and cooldowns
)

// Config holds all runtime configuration values.  Each field corresponds
// to an environment variable.  Connection and secret values are required
// and enforced by must(); the engine tuning knobs carry defaults because
// they are calibration policy, not deployment identity.
type Config struct {
	Env       string // application environment (e.g. "dev", "prod")
	Port      string // HTTP port to listen on
	DBUser    string // database username
	DBPass    string // database password (optional)
	DBHost    string // database host address
	DBPort    string // database port number
	DBName    string // database name
	JWTSecret string // secret used to sign JWTs

	AccessTTLMin int // access token time-to-live in minutes
	BcryptCost   int // bcrypt cost for password hashing

	SessionTTL          time.Duration // check-in session lifetime from open
	PendingTTL          time.Duration // pending Loop grant lifetime from creation
	CIVUnlockThreshold  float64       // minimum CIV score for MANUAL_CHECK settlement
	ReturnVisitCooldown time.Duration // minimum gap before a return visit settles
	SettlementGrace     time.Duration // unchallenged age before TIME_ELAPSED settles
}

// Load reads configuration values from environment variables and returns a
// Config.  Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message.
func Load() Config {
	return Config{
		Env:       must("APP_ENV"),      // environment (dev/test/prod)
		Port:      must("APP_PORT"),     // port to bind the HTTP server
		DBUser:    must("DB_USER"),      // database user
		DBPass:    os.Getenv("DB_PASS"), // database password (empty allowed)
		DBHost:    must("DB_HOST"),      // database host
		DBPort:    must("DB_PORT"),      // database port
		DBName:    must("DB_NAME"),      // database name
		JWTSecret: must("JWT_SECRET"),   // secret used for signing JWTs

		AccessTTLMin: mustInt("ACCESS_TOKEN_TTL_MIN"), // TTL for access tokens in minutes
		BcryptCost:   mustInt("BCRYPT_COST"),          // bcrypt cost factor

		SessionTTL:          time.Duration(envInt("SESSION_TTL_MIN", 30)) * time.Minute,
		PendingTTL:          time.Duration(envInt("PENDING_TTL_DAYS", 7)) * 24 * time.Hour,
		CIVUnlockThreshold:  envFloat("CIV_UNLOCK_THRESHOLD", 0.6),
		ReturnVisitCooldown: time.Duration(envInt("RETURN_VISIT_COOLDOWN_MIN", 60)) * time.Minute,
		SettlementGrace:     time.Duration(envInt("SETTLEMENT_GRACE_HOURS", 72)) * time.Hour,
	}
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

// mustInt is like must() but converts the retrieved string into an integer.
// If conversion fails, the application logs a fatal error and exits.
func mustInt(key string) int {
	s := must(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid int for %s: %q", key, s)
	}
	return n
}

// envFloat reads an optional float variable, falling back to the default
// when unset or malformed.
func envFloat(k string, d float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return d
}
