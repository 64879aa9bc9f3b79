package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/turnkit/internal/streaming"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for a turnkit bot host.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Streaming StreamingConfig `json:"streaming"`
	Channels  ChannelsConfig  `json:"channels"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// ServerConfig configures the shared HTTP listener.
type ServerConfig struct {
	Host           string              `json:"host"`
	Port           int                 `json:"port"`
	RateLimitRPM   int                 `json:"rate_limit_rpm,omitempty"`   // inbound activities per sender per minute (0 = unlimited)
	RateLimitBurst int                 `json:"rate_limit_burst,omitempty"` // default: rate_limit_rpm
	MaxBodyBytes   int64               `json:"max_body_bytes,omitempty"`   // inbound payload cap (default 1 MiB)
	AllowedOrigins FlexibleStringSlice `json:"allowed_origins,omitempty"`  // websocket origins (empty = same host only)
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StreamingConfig tunes every turn's Streamer. Hot-reloadable.
type StreamingConfig struct {
	BatchSize         int `json:"batch_size,omitempty"`
	RetryAttempts     int `json:"retry_attempts,omitempty"`
	RetryDelayMs      int `json:"retry_delay_ms,omitempty"`
	MinSendIntervalMs int `json:"min_send_interval_ms,omitempty"` // 0 disables pacing
}

// ToStreamingConfig converts to the runtime representation.
func (s StreamingConfig) ToStreamingConfig() streaming.Config {
	return streaming.Config{
		BatchSize:       s.BatchSize,
		RetryAttempts:   s.RetryAttempts,
		RetryDelay:      time.Duration(s.RetryDelayMs) * time.Millisecond,
		MinSendInterval: time.Duration(s.MinSendIntervalMs) * time.Millisecond,
	}
}

// DatabaseConfig selects the activity store.
// PostgresDSN is NEVER read from the config file (secret), only from env TURNKIT_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode          string `json:"mode,omitempty"`           // "standalone" (sqlite, default), "managed" (postgres), "none"
	SQLitePath    string `json:"sqlite_path,omitempty"`    // default ~/.turnkit/turnkit.db
	PostgresDSN   string `json:"-"`
	RetentionDays int    `json:"retention_days,omitempty"` // purge activities older than this (0 = keep forever)
	PurgeSchedule string `json:"purge_schedule,omitempty"` // cron expression for the purge (default "0 3 * * *")
}

// Retention returns the history retention window, zero when unlimited.
func (d DatabaseConfig) Retention() time.Duration {
	if d.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(d.RetentionDays) * 24 * time.Hour
}

// IsManagedMode returns true when activities go to Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// HistoryEnabled reports whether any activity store is configured.
func (c *Config) HistoryEnabled() bool {
	return c.Database.Mode != "none"
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"` // default "/metrics"
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env TURNKIT_TSNET_AUTH_KEY only.
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`             // Tailscale machine name; empty disables the listener
	StateDir  string `json:"state_dir,omitempty"`  // default: os.UserConfigDir/tsnet-turnkit
	AuthKey   string `json:"-"`
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit
	EnableTLS bool   `json:"enable_tls,omitempty"` // ListenTLS on :443 instead of plain :80
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server = src.Server
	c.Streaming = src.Streaming
	c.Channels = src.Channels
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Metrics = src.Metrics
	c.Tailscale = src.Tailscale
}

// StreamSettings returns the current streaming settings under the read lock.
func (c *Config) StreamSettings() streaming.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Streaming.ToStreamingConfig()
}
