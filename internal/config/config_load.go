package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         3978,
			RateLimitRPM: 60,
			MaxBodyBytes: 1 << 20,
		},
		Streaming: StreamingConfig{
			BatchSize:         10,
			RetryAttempts:     5,
			RetryDelayMs:      500,
			MinSendIntervalMs: 500,
		},
		Channels: ChannelsConfig{
			BotFramework: BotFrameworkConfig{Path: "/api/messages"},
			DevTools:     DevToolsConfig{Enabled: true, Path: "/devtools"},
		},
		Database: DatabaseConfig{
			Mode:          "standalone",
			SQLitePath:    "~/.turnkit/turnkit.db",
			PurgeSchedule: "0 3 * * *",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "turnkit",
		},
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Server
	envStr("TURNKIT_HOST", &c.Server.Host)
	envInt("TURNKIT_PORT", &c.Server.Port)
	envInt("TURNKIT_RATE_LIMIT_RPM", &c.Server.RateLimitRPM)

	// Streaming
	envInt("TURNKIT_STREAM_BATCH_SIZE", &c.Streaming.BatchSize)
	envInt("TURNKIT_STREAM_RETRY_ATTEMPTS", &c.Streaming.RetryAttempts)
	envInt("TURNKIT_STREAM_RETRY_DELAY_MS", &c.Streaming.RetryDelayMs)
	envInt("TURNKIT_STREAM_MIN_SEND_INTERVAL_MS", &c.Streaming.MinSendIntervalMs)

	// Channel secrets
	envStr("TURNKIT_BOTFRAMEWORK_APP_ID", &c.Channels.BotFramework.AppID)
	envStr("TURNKIT_BOTFRAMEWORK_APP_PASSWORD", &c.Channels.BotFramework.AppPassword)
	if v := os.Getenv("TURNKIT_BOTFRAMEWORK_SERVICE_URL_HOSTS"); v != "" {
		c.Channels.BotFramework.ServiceURLHosts = strings.Split(v, ",")
	}
	envStr("TURNKIT_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("TURNKIT_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// Auto-enable channels if credentials are provided via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.BotFramework.AppID != "" {
		c.Channels.BotFramework.Enabled = true
	}

	// Database
	envStr("TURNKIT_MODE", &c.Database.Mode)
	envStr("TURNKIT_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("TURNKIT_POSTGRES_DSN", &c.Database.PostgresDSN)
	envInt("TURNKIT_RETENTION_DAYS", &c.Database.RetentionDays)

	// Tailscale
	envStr("TURNKIT_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("TURNKIT_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)

	// Telemetry
	envBool("TURNKIT_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("TURNKIT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TURNKIT_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("TURNKIT_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("TURNKIT_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	// Metrics
	envBool("TURNKIT_METRICS_ENABLED", &c.Metrics.Enabled)

	if v := os.Getenv("TURNKIT_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}
}

// ApplyEnvOverrides re-applies env vars (used after a reload).
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Validate rejects settings the runtime cannot honour.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	switch c.Database.Mode {
	case "", "standalone", "managed", "none":
	default:
		return fmt.Errorf("config: unknown database.mode %q", c.Database.Mode)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("config: unknown telemetry.protocol %q", c.Telemetry.Protocol)
	}
	if c.Database.RetentionDays > 0 && c.Database.PurgeSchedule != "" && !gronx.New().IsValid(c.Database.PurgeSchedule) {
		return fmt.Errorf("config: invalid database.purge_schedule %q", c.Database.PurgeSchedule)
	}
	if c.Streaming.BatchSize < 0 || c.Streaming.RetryAttempts < 0 {
		return fmt.Errorf("config: streaming values must not be negative")
	}
	return nil
}

// Save writes the config to a JSON file. Env-only secrets are never written.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// SQLitePath returns the expanded sqlite path.
func (c *Config) SQLitePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Database.SQLitePath)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
