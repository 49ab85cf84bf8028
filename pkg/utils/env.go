package utils

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// LoadEnv loads .env and, when env is set, .env.<env> on top of it.
// Values already present in the process environment win.
func LoadEnv(env string) error {
	files := []string{".env"}
	if env != "" {
		files = append([]string{fmt.Sprintf(".env.%s", env)}, files...)
	}

	var loaded int
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("no env file found in %v", files)
	}
	return nil
}

// GetEnv returns the trimmed value of key
func GetEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// GetIntEnv returns 0 when key is unset or not a number
func GetIntEnv(key string) int64 {
	return cast.ToInt64(GetEnv(key))
}

// GetBoolEnv accepts 1/true/yes/on
func GetBoolEnv(key string) bool {
	v := strings.ToLower(GetEnv(key))
	switch v {
	case "yes", "on":
		return true
	}
	return cast.ToBool(v)
}

// GetFloatEnv returns 0 when key is unset or not a number
func GetFloatEnv(key string) float64 {
	return cast.ToFloat64(GetEnv(key))
}

// GetDurationEnv parses values like "30s" or "5m"; bare numbers are seconds.
func GetDurationEnv(key string, defaultValue time.Duration) time.Duration {
	v := GetEnv(key)
	if v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := cast.ToInt64E(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}

// GetListEnv splits a comma separated value, dropping empty items
func GetListEnv(key string) []string {
	v := GetEnv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
