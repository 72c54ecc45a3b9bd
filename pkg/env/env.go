package env

import (
	"os"
	"strconv"
	"time"

	"github.com/sentinelfleet/sentinel/pkg/debug"
)

// GetOrDefault returns the environment variable value or the default if not set
func GetOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	debug.Debug("%s not set, using default: %s", key, defaultValue)
	return defaultValue
}

// MustGet returns the environment variable value or panics if not set
func MustGet(key string) string {
	value := os.Getenv(key)
	if value == "" {
		debug.Error("Required environment variable %s not set", key)
		panic("Required environment variable " + key + " not set")
	}
	return value
}

// GetBool returns the environment variable as a boolean.
// Returns false if the variable is not set or is not a truthy value.
func GetBool(key string) bool {
	switch os.Getenv(key) {
	case "true", "1", "yes", "y", "TRUE", "YES", "Y":
		return true
	default:
		return false
	}
}

// GetInt returns the environment variable as an int or the default value
// if it is not set or cannot be parsed.
func GetInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		debug.Warning("%s is not a valid integer (%q), using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return i
}

// GetDuration returns the environment variable parsed as a time.Duration
// (e.g. "30s", "500ms") or the default value.
func GetDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		debug.Warning("%s is not a valid duration (%q), using default: %s", key, value, defaultValue)
		return defaultValue
	}
	return d
}
