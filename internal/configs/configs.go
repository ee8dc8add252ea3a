/*
Package configs is responsible for loading and parsing the application's configuration settings.

It configures the server by reading operating system environment variables: the running
environment, port, CORS allowed origins, the identity store database, the websocket
connect limiter and the optional S3 avatar storage.
*/
package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvDevelopment is the default environment name.
const EnvDevelopment = "development"

// AppConfig contains all configuration parameters required for the application to run.
// All configuration values are loaded from environment variables.
type AppConfig struct {
	// General Server Settings
	Environment string
	Port        int

	// Security Settings
	AllowedOrigins []string

	// Websocket Settings
	WSConnectRate  float64
	WSConnectBurst int

	// Identity Store Settings
	DatabaseDSN  string
	StoreTimeout time.Duration

	// S3 Storage Settings
	S3BucketName      string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// IsDevelopment reports whether the server runs in the development environment.
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// StorageEnabled reports whether avatar image storage is configured.
func (c *AppConfig) StorageEnabled() bool {
	return c.S3BucketName != ""
}

// LoadConfig reads and parses the application configuration from environment variables.
// It provides default values for each configuration item and performs necessary type conversions and validation.
func LoadConfig() (*AppConfig, error) {
	cfg := &AppConfig{}

	// --- General Server Settings ---
	cfg.Environment = os.Getenv("ENVIRONMENT")
	if cfg.Environment == "" {
		cfg.Environment = EnvDevelopment
	}

	port, err := intEnv("PORT", 8080)
	if err != nil {
		return nil, err
	}
	cfg.Port = port

	if cfg.Port < 1024 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port number %d is outside the recommended range (%d-%d) to avoid privileged ports", cfg.Port, 1024, 65535)
	}

	// --- Security Settings ---
	cfg.AllowedOrigins = []string{}
	if originsStr := os.Getenv("ALLOWED_ORIGINS"); originsStr != "" {
		for _, origin := range strings.Split(originsStr, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
			}
		}
	}

	// --- Websocket Settings ---
	cfg.WSConnectRate = 1.0
	if rateStr := os.Getenv("WS_CONNECT_RATE"); rateStr != "" {
		r, err := strconv.ParseFloat(rateStr, 64)
		if err != nil || r <= 0 {
			return nil, fmt.Errorf("invalid WS_CONNECT_RATE environment variable: %q", rateStr)
		}
		cfg.WSConnectRate = r
	}

	burst, err := intEnv("WS_CONNECT_BURST", 5)
	if err != nil {
		return nil, err
	}
	if burst < 1 {
		return nil, fmt.Errorf("WS_CONNECT_BURST must be at least 1, got %d", burst)
	}
	cfg.WSConnectBurst = burst

	// --- Identity Store Settings ---
	// An empty DATABASE_URL selects the in-memory store, which is only allowed in development.
	cfg.DatabaseDSN = os.Getenv("DATABASE_URL")
	if cfg.DatabaseDSN == "" && !cfg.IsDevelopment() {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required in %s environment", cfg.Environment)
	}

	cfg.StoreTimeout = 5 * time.Second
	if timeoutStr := os.Getenv("STORE_TIMEOUT"); timeoutStr != "" {
		d, err := time.ParseDuration(timeoutStr)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid STORE_TIMEOUT environment variable: %q", timeoutStr)
		}
		cfg.StoreTimeout = d
	}

	// --- S3 Storage Settings ---
	cfg.S3BucketName = os.Getenv("S3_BUCKET_NAME")
	cfg.S3Endpoint = os.Getenv("S3_ENDPOINT")
	cfg.S3AccessKeyID = os.Getenv("S3_ACCESS_KEY_ID")
	cfg.S3SecretAccessKey = os.Getenv("S3_SECRET_ACCESS_KEY")

	set := 0
	for _, v := range []string{cfg.S3BucketName, cfg.S3Endpoint, cfg.S3AccessKeyID, cfg.S3SecretAccessKey} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 4 {
		return nil, fmt.Errorf("S3_BUCKET_NAME, S3_ENDPOINT, S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
	}

	return cfg, nil
}

func intEnv(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s environment variable: %w", name, err)
	}
	return v, nil
}
