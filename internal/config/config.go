// Package config loads server settings from the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default child environment allow-list. Variables outside this list are not
// inherited by MCP server subprocesses; user and per-server env layers must
// supply anything else.
var defaultEnvAllowlist = []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "USER", "SHELL"}

// Config holds all server settings
type Config struct {
	Addr    string // HTTP listen address
	DataDir string // Directory for the user-config database
	LogDir  string // Directory for log files
	LogJSON bool   // Emit JSON logs

	JWTSecretKey        string // Secret for signing access tokens
	APIKeyEncryptionKey string // Secret mixed into API key hashing
	AdminPassword       string // Bootstrap password for the admin user

	HandshakeTimeout    time.Duration // Deadline for the MCP initialization handshake
	ToolCallTimeout     time.Duration // Default deadline for proxied tool calls
	ShutdownGrace       time.Duration // Grace period before escalating child shutdown
	MonitorInterval     time.Duration // Health sweep schedule for the supervisor
	MaxInflightPerChild int           // 0 means unbounded concurrent calls per child

	EnvAllowlist []string // Ambient variables children may inherit
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:                getEnv("MCPO_ADDR", ":8000"),
		DataDir:             getEnv("MCPO_DATA_DIR", "data"),
		LogDir:              getEnv("MCPO_LOG_DIR", "logs"),
		LogJSON:             getEnvBool("MCPO_LOG_JSON", false),
		JWTSecretKey:        os.Getenv("JWT_SECRET_KEY"),
		APIKeyEncryptionKey: os.Getenv("API_KEY_ENCRYPTION_KEY"),
		AdminPassword:       os.Getenv("MCPO_ADMIN_PASSWORD"),
		HandshakeTimeout:    getEnvDuration("MCPO_HANDSHAKE_TIMEOUT", 30*time.Second),
		ToolCallTimeout:     getEnvDuration("MCPO_TOOL_CALL_TIMEOUT", 120*time.Second),
		ShutdownGrace:       getEnvDuration("MCPO_SHUTDOWN_GRACE", 5*time.Second),
		MonitorInterval:     getEnvDuration("MCPO_MONITOR_INTERVAL", 30*time.Second),
		EnvAllowlist:        getEnvList("MCPO_ENV_ALLOWLIST", defaultEnvAllowlist),
	}

	maxInflight, err := getEnvInt("MCPO_MAX_INFLIGHT_PER_CHILD", 0)
	if err != nil {
		return nil, err
	}
	if maxInflight < 0 {
		return nil, fmt.Errorf("MCPO_MAX_INFLIGHT_PER_CHILD must be >= 0, got %d", maxInflight)
	}
	cfg.MaxInflightPerChild = maxInflight

	return cfg, nil
}

// Validate checks that required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY is required")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive")
	}
	if c.ToolCallTimeout <= 0 {
		return fmt.Errorf("tool call timeout must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	// Accept plain seconds for compatibility with the environment-file format
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return append([]string(nil), fallback...)
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
