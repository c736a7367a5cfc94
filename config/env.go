package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvString reads a string from the environment. The second return
// value reports whether the variable was set and non-empty.
func EnvString(key string) (string, bool) {
	value := os.Getenv(key)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt reads an integer from the environment.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return parsed, true, nil
}

// EnvDuration reads a time.Duration from the environment, accepting
// any value time.ParseDuration understands.
func EnvDuration(key string) (time.Duration, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return parsed, true, nil
}

func envOr(key, fallback string) string {
	if value, ok := EnvString(key); ok {
		return value
	}
	return fallback
}
