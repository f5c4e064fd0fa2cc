package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads an optional .env file into the process environment. A missing
// file is not an error — godotenv.Load's own error is swallowed, matching
// the pack's "env vars are the source of truth, .env is a local convenience"
// convention.
func Load() {
	_ = godotenv.Load()
}

// EnvOr returns the environment variable's value, or fallback if unset or
// empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvOrInt is EnvOr for integer-valued settings; a malformed value falls
// back the same as an unset one.
func EnvOrInt(key string, fallback int) int {
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

// EnvOrDuration is EnvOr for a duration expressed as a Go duration string
// (e.g. "15s").
func EnvOrDuration(key string, fallback time.Duration) time.Duration {
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
