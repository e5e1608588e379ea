package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config (optional; rate limiting and trigger dedup degrade
	// gracefully without it)
	RedisEnabled  bool
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// APNs credentials. TeamID, KeyID, PrivateKey and BundleID are required;
	// the service cannot deliver anything without them.
	APNsTeamID     string
	APNsKeyID      string
	APNsPrivateKey string
	APNsBundleID   string

	// PrayerAPIBaseURL overrides the prayer schedule source.
	PrayerAPIBaseURL string

	// APIKey protects the trigger endpoints. Empty disables auth (dev only).
	APIKey string

	// Trigger rate limit per device, per window seconds.
	RateLimitPerDevice int
	RateLimitWindowSec int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "postgres",
		DBPassword: "",
		DBName:     "ws_push",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		RateLimitPerDevice: 10,
		RateLimitWindowSec: 60,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if enabled := os.Getenv("REDIS_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_ENABLED: %w", err)
		}
		cfg.RedisEnabled = b
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
		cfg.RedisEnabled = true
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// APNs credentials
	cfg.APNsTeamID = os.Getenv("APNS_TEAM_ID")
	cfg.APNsKeyID = os.Getenv("APNS_KEY_ID")
	cfg.APNsPrivateKey = os.Getenv("APNS_PRIVATE_KEY")
	cfg.APNsBundleID = os.Getenv("APNS_BUNDLE_ID")

	if cfg.APNsTeamID == "" || cfg.APNsKeyID == "" || cfg.APNsPrivateKey == "" || cfg.APNsBundleID == "" {
		return nil, fmt.Errorf("missing APNs credentials: APNS_TEAM_ID, APNS_KEY_ID, APNS_PRIVATE_KEY and APNS_BUNDLE_ID are required")
	}

	if url := os.Getenv("PRAYER_API_BASE_URL"); url != "" {
		cfg.PrayerAPIBaseURL = url
	}

	cfg.APIKey = os.Getenv("API_KEY")

	if limit := os.Getenv("RATE_LIMIT_PER_DEVICE"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_DEVICE: %w", err)
		}
		cfg.RateLimitPerDevice = l
	}

	if window := os.Getenv("RATE_LIMIT_WINDOW_SEC"); window != "" {
		w, err := strconv.Atoi(window)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_WINDOW_SEC: %w", err)
		}
		cfg.RateLimitWindowSec = w
	}

	return cfg, nil
}
