package config

import (
	"os"
	"strconv"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the connection daemon.
type Config struct {
	ListenAddr string
	DBPath     string

	// DryRun routes all venue traffic to the in-memory simulator.
	DryRun bool

	// Credential encryption key (32 bytes). Empty disables encryption at rest.
	EncryptionKey string
	JWTSecret     string

	// Strategy preset file (YAML).
	StrategiesPath string

	// Device identity sent with venue logins.
	DeviceID string

	// Session lifecycle.
	SessionTTL   time.Duration
	SessionSweep time.Duration

	// Daemon persistence and restore.
	PersistInterval   time.Duration
	RestoreAttempts   int
	RestoreRetryDelay time.Duration

	// Reconnection policy.
	HealthInterval       time.Duration
	ReconnectMinInterval time.Duration
	ReconnectMaxPerDay   int

	// Venue call pacing (logins and account fetches per minute).
	VenueCallsPerMinute int

	// Execution engine timing.
	SettleDelay     time.Duration
	PnLPollInterval time.Duration

	// Rithmic tick-feed credentials served to clients on request.
	RithmicUser     string
	RithmicPassword string
	RithmicSystem   string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the daemon still starts when .env is missing.
	_ = godotenv.Load()

	deviceID := os.Getenv("DEVICE_ID")
	if deviceID == "" {
		// Stable per-host identity; venues use it to pin sessions.
		if id, err := machineid.ProtectedID("hqx-daemon"); err == nil {
			deviceID = id
		}
	}

	return &Config{
		ListenAddr:           getEnv("LISTEN_ADDR", "127.0.0.1:7642"),
		DBPath:               getEnv("DB_PATH", "./data/connections.db"),
		DryRun:               getEnv("DRY_RUN", "true") == "true",
		EncryptionKey:        os.Getenv("ENCRYPTION_KEY"),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		StrategiesPath:       getEnv("STRATEGIES_PATH", "./strategies.yaml"),
		DeviceID:             deviceID,
		SessionTTL:           getEnvDuration("SESSION_TTL", 30*time.Minute),
		SessionSweep:         getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		PersistInterval:      getEnvDuration("PERSIST_INTERVAL", time.Minute),
		RestoreAttempts:      getEnvInt("RESTORE_ATTEMPTS", 3),
		RestoreRetryDelay:    getEnvDuration("RESTORE_RETRY_DELAY", 5*time.Second),
		HealthInterval:       getEnvDuration("HEALTH_INTERVAL", 30*time.Second),
		ReconnectMinInterval: getEnvDuration("RECONNECT_MIN_INTERVAL", time.Hour),
		ReconnectMaxPerDay:   getEnvInt("RECONNECT_MAX_PER_DAY", 10),
		VenueCallsPerMinute:  getEnvInt("VENUE_CALLS_PER_MINUTE", 30),
		SettleDelay:          getEnvDuration("SETTLE_DELAY", 2*time.Second),
		PnLPollInterval:      getEnvDuration("PNL_POLL_INTERVAL", 2*time.Second),
		RithmicUser:          os.Getenv("RITHMIC_USER"),
		RithmicPassword:      os.Getenv("RITHMIC_PASSWORD"),
		RithmicSystem:        getEnv("RITHMIC_SYSTEM", "Rithmic Test"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
