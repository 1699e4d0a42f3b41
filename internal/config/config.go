// Package config loads the relay's environment-variable configuration,
// optionally from a .env file, following the teacher's env-first
// convention (no YAML/TOML).
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds every runtime-tunable knob the relay reads at startup.
type Config struct {
	// Host and Port bind the HTTP/WebSocket listener.
	Host string
	Port int

	// AuthToken, when non-empty, requires X-Auth-Token on every upgrade
	// (§4.8). Empty disables the check.
	AuthToken string

	// DeviceAllowList, when non-empty, restricts admission to device_ids
	// matching at least one glob pattern (§4.8 supplement).
	DeviceAllowList []string

	// TolerantEmptyFrames relaxes the empty-binary-frame policy from a
	// close to a no-op keepalive (§9 Open Question).
	TolerantEmptyFrames bool

	// MaxFrameSize caps one WebSocket message's size in bytes.
	MaxFrameSize int64
}

const (
	defaultHost         = "0.0.0.0"
	defaultPort         = 8080
	defaultMaxFrameSize = 1 << 30
)

// Load reads a .env file if present (ignoring its absence) and then builds
// a Config from the process environment, applying defaults for anything
// unset.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("config: failed to load .env file")
	}

	cfg := Config{
		Host:                envOr("SERVER_HOST", defaultHost),
		Port:                envIntOr("SERVER_PORT", defaultPort),
		AuthToken:           os.Getenv("RELAY_WS_AUTH_TOKEN"),
		DeviceAllowList:     envListOr("RELAY_DEVICE_ALLOWLIST", nil),
		TolerantEmptyFrames: envBoolOr("RELAY_TOLERANT_EMPTY_FRAMES", false),
		MaxFrameSize:        envInt64Or("RELAY_MAX_FRAME_SIZE", defaultMaxFrameSize),
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Bool("auth_enabled", cfg.AuthToken != "").
		Int("allowlist_patterns", len(cfg.DeviceAllowList)).
		Bool("tolerant_empty_frames", cfg.TolerantEmptyFrames).
		Msg("config: loaded")

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("config: invalid integer, using default")
		return fallback
	}
	return n
}

func envInt64Or(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("config: invalid integer, using default")
		return fallback
	}
	return n
}

func envBoolOr(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("config: invalid boolean, using default")
		return fallback
	}
	return b
}

func envListOr(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
