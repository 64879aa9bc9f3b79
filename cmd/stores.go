package cmd

import (
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/internal/store/pg"
	"github.com/nextlevelbuilder/turnkit/internal/store/sqlite"
)

// openStores opens the activity store selected by cfg.Database.
// Managed mode without a DSN falls back to sqlite.
func openStores(cfg *config.Config) (*store.Stores, error) {
	if cfg.IsManagedMode() {
		stores, err := pg.NewPGStores(store.StoreConfig{
			Mode:        "managed",
			PostgresDSN: cfg.Database.PostgresDSN,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("activity store opened", "mode", "managed")
		return stores, nil
	}
	if cfg.Database.Mode == "managed" {
		slog.Warn("database.mode is managed but TURNKIT_POSTGRES_DSN is not set, using sqlite")
	}

	path := cfg.SQLitePath()
	stores, err := sqlite.NewStores(store.StoreConfig{Mode: "standalone", SQLitePath: path})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	slog.Info("activity store opened", "mode", "standalone", "path", path)
	return stores, nil
}
