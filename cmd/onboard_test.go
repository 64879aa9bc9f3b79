package cmd

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/turnkit/internal/config"
)

func TestApplyOnboard(t *testing.T) {
	cfg := config.Default()
	ans := answersFrom(cfg)
	if !contains(ans.Channels, "devtools") || ans.DatabaseMode != "standalone" {
		t.Fatalf("unexpected defaults %+v", ans)
	}

	ans.Port = "8080"
	ans.Channels = []string{"telegram", "botframework"}
	ans.TelegramToken = "123:abc"
	ans.BotFrameworkID = "app-1"
	ans.DatabaseMode = "none"
	ans.Metrics = true
	if err := applyOnboard(cfg, ans); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Channels.DevTools.Enabled || !cfg.Channels.Telegram.Enabled {
		t.Fatalf("answers not applied: %+v", cfg.Server)
	}
	if cfg.Channels.BotFramework.AppID != "app-1" || cfg.HistoryEnabled() || !cfg.Metrics.Enabled {
		t.Fatal("answers not applied")
	}

	path := filepath.Join(t.TempDir(), "config.json")
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Channels.Telegram.Token != "123:abc" || loaded.Server.Port != 8080 {
		t.Fatalf("saved config did not round trip: %+v", loaded.Server)
	}
}

func TestApplyOnboard_Errors(t *testing.T) {
	tests := []struct {
		name string
		ans  onboardAnswers
		want string
	}{
		{"bad port", onboardAnswers{Port: "x", DatabaseMode: "standalone"}, "port"},
		{"missing telegram token", onboardAnswers{Port: "1", Channels: []string{"telegram"}, DatabaseMode: "standalone"}, "telegram"},
		{"missing discord token", onboardAnswers{Port: "1", Channels: []string{"discord"}, DatabaseMode: "standalone"}, "discord"},
		{"bad mode", onboardAnswers{Port: "1", DatabaseMode: "mysql"}, "database.mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := applyOnboard(config.Default(), &tt.ans)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
