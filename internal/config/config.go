// Package config collects the daemon's environment configuration in one
// place. A local .env file is honored when present.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything cmd/api needs to start.
type Config struct {
	Addr            string
	PGDSN           string
	AnalysisBaseURL string
	ProviderBaseURL string
	UpstreamTimeout time.Duration
	RateBurst       int
	RatePerSec      int
}

// Load reads configuration from the environment, loading .env first if one
// exists. Missing values fall back to development defaults.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Addr:            getEnv("TRIPLENS_ADDR", ":8080"),
		PGDSN:           os.Getenv("TRIPLENS_PG_DSN"),
		AnalysisBaseURL: getEnv("TRIPLENS_ANALYSIS_URL", "http://localhost:8090"),
		ProviderBaseURL: getEnv("TRIPLENS_PROVIDER_URL", "http://localhost:8091"),
		UpstreamTimeout: getDuration("TRIPLENS_UPSTREAM_TIMEOUT", 0),
		RateBurst:       getInt("TRIPLENS_RATE_BURST", 20),
		RatePerSec:      getInt("TRIPLENS_RATE_PER_SEC", 10),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
