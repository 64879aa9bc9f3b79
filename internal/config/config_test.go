package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 3978 || cfg.Streaming.BatchSize != 10 {
		t.Fatalf("expected defaults, got %+v / %+v", cfg.Server, cfg.Streaming)
	}
	if !cfg.Channels.DevTools.Enabled {
		t.Fatal("devtools should be enabled by default")
	}
}

func TestLoad_JSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	writeFile(t, path, `{
		// comments and trailing commas are fine
		server: { port: 8080, },
		streaming: { batch_size: 4, min_send_interval_ms: 0 },
		channels: {
			telegram: { enabled: true, allow_from: [12345, "@alice"] },
		},
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("unset fields should keep defaults, got host %q", cfg.Server.Host)
	}
	sc := cfg.StreamSettings()
	if sc.BatchSize != 4 || sc.MinSendInterval != 0 || sc.RetryDelay != 500*time.Millisecond {
		t.Fatalf("unexpected stream settings %+v", sc)
	}
	allow := cfg.Channels.Telegram.AllowFrom
	if len(allow) != 2 || allow[0] != "12345" || allow[1] != "@alice" {
		t.Fatalf("expected mixed allow_from to decode, got %v", allow)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TURNKIT_PORT", "9999")
	t.Setenv("TURNKIT_DISCORD_TOKEN", "discord-secret")
	t.Setenv("TURNKIT_POSTGRES_DSN", "postgres://x")
	t.Setenv("TURNKIT_MODE", "managed")
	t.Setenv("TURNKIT_BOTFRAMEWORK_SERVICE_URL_HOSTS", "smba.trafficmanager.net,*.botframework.com")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9999 {
		t.Fatalf("expected env port, got %d", cfg.Server.Port)
	}
	if !cfg.Channels.Discord.Enabled {
		t.Fatal("discord token in env should enable the channel")
	}
	if !cfg.IsManagedMode() {
		t.Fatal("expected managed mode")
	}
	if hosts := cfg.Channels.BotFramework.ServiceURLHosts; len(hosts) != 2 || hosts[1] != "*.botframework.com" {
		t.Fatalf("unexpected service url hosts %v", hosts)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	writeFile(t, path, `{database: {mode: "cassandra"}}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "database.mode") {
		t.Fatalf("expected database.mode error, got %v", err)
	}
}

func TestLoad_PurgeSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	writeFile(t, path, `{database: {retention_days: 7, purge_schedule: "every day"}}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "purge_schedule") {
		t.Fatalf("expected purge_schedule error, got %v", err)
	}

	writeFile(t, path, `{database: {retention_days: 7, purge_schedule: "*/5 * * * *"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Database.Retention(); got != 7*24*time.Hour {
		t.Fatalf("expected 7 days, got %v", got)
	}
}

func TestSave_OmitsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Channels.BotFramework.AppPassword = "hunter2"
	cfg.Database.PostgresDSN = "postgres://secret"
	path := filepath.Join(t.TempDir(), "out", "config.json")
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "hunter2") || strings.Contains(string(data), "postgres://secret") {
		t.Fatal("secret written to disk")
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Hash() != Default().Hash() {
		t.Fatal("round trip changed non-secret settings")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/x.db"); got != filepath.Join(home, "x.db") {
		t.Fatalf("expected %q, got %q", filepath.Join(home, "x.db"), got)
	}
	if got := ExpandHome("/abs"); got != "/abs" {
		t.Fatalf("expected unchanged, got %q", got)
	}
}

// TestWatch_ReloadsOnChange verifies a write to the file triggers onChange.
func TestWatch_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	writeFile(t, path, `{streaming: {batch_size: 3}}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan *Config, 1)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) {
			select {
			case changed <- c:
			default:
			}
		})
	}()

	// Give the watcher time to register before writing.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case c := <-changed:
			if c.Streaming.BatchSize != 7 {
				t.Fatalf("expected reloaded batch size 7, got %d", c.Streaming.BatchSize)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("watch returned %v", err)
			}
			return
		case <-tick.C:
			writeFile(t, path, `{streaming: {batch_size: 7}}`)
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}
