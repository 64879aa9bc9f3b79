package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/internal/channels/botframework"
	"github.com/nextlevelbuilder/turnkit/internal/channels/devtools"
	"github.com/nextlevelbuilder/turnkit/internal/channels/discord"
	"github.com/nextlevelbuilder/turnkit/internal/channels/telegram"
	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/internal/dispatch"
	"github.com/nextlevelbuilder/turnkit/internal/plugins/history"
	"github.com/nextlevelbuilder/turnkit/internal/plugins/metrics"
	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/internal/tracing"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot host (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	d := dispatch.New(demoRouter(), dispatch.WithStreamConfig(cfg.StreamSettings()))
	mux := http.NewServeMux()

	var stores *store.Stores
	if cfg.HistoryEnabled() {
		stores, err = openStores(cfg)
		if err != nil {
			return err
		}
		defer stores.Close()
		d.Use(history.New(stores.Activities,
			history.WithRetention(cfg.Database.Retention(), cfg.Database.PurgeSchedule)))
	}
	if cfg.Metrics.Enabled {
		m := metrics.New()
		d.Use(m)
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, m.Handler())
	}

	mgr, err := buildChannels(cfg, d)
	if err != nil {
		return err
	}
	mgr.Mount(mux)
	mux.HandleFunc("GET /health", healthHandler(mgr))

	if err := d.Init(ctx); err != nil {
		return fmt.Errorf("plugin init: %w", err)
	}

	// Same mux on the tailnet when built with -tags tsnet.
	if tsCleanup := initTailscale(ctx, cfg, mux); tsCleanup != nil {
		defer tsCleanup()
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("turnkit starting",
			"version", Version,
			"protocol", protocol.ProtocolVersion,
			"addr", srv.Addr,
			"channels", mgr.Names(),
			"plugins", len(d.Plugins()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, func(next *config.Config) {
			cfg.ReplaceFrom(next)
			sc := cfg.StreamSettings()
			d.SetStreamConfig(sc)
			slog.Info("streaming settings reloaded", "batch_size", sc.BatchSize, "min_send_interval", sc.MinSendInterval)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := mgr.StartAll(gctx); err != nil {
			slog.Warn("some channels failed to start", "error", err)
		}
		if err := d.Start(gctx); err != nil {
			slog.Warn("plugin start", "error", err)
		}
		<-gctx.Done()

		slog.Info("graceful shutdown initiated")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mgr.StopAll(sctx); err != nil {
			slog.Warn("stopping channels", "error", err)
		}
		if err := srv.Shutdown(sctx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		if err := d.Stop(sctx); err != nil {
			slog.Warn("plugin stop", "error", err)
		}
		return nil
	})
	return g.Wait()
}

// buildChannels registers every enabled channel.
func buildChannels(cfg *config.Config, d *dispatch.Dispatcher) (*channels.Manager, error) {
	mgr := channels.NewManager()
	ch := cfg.Channels

	if ch.BotFramework.Enabled {
		burst := cfg.Server.RateLimitBurst
		if burst <= 0 {
			burst = cfg.Server.RateLimitRPM
		}
		mgr.RegisterChannel(botframework.New(ch.BotFramework, d,
			botframework.WithLimiter(channels.NewKeyedLimiter(cfg.Server.RateLimitRPM, burst)),
			botframework.WithMaxBody(cfg.Server.MaxBodyBytes),
		))
	}
	if ch.DevTools.Enabled {
		mgr.RegisterChannel(devtools.New(ch.DevTools, d, cfg.Server.AllowedOrigins))
	}
	if ch.Telegram.Enabled {
		tg, err := telegram.New(ch.Telegram, d)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		mgr.RegisterChannel(tg)
	}
	if ch.Discord.Enabled {
		dc, err := discord.New(ch.Discord, d)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		mgr.RegisterChannel(dc)
	}
	return mgr, nil
}

func healthHandler(mgr *channels.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"version":  Version,
			"channels": mgr.GetStatus(),
		})
	}
}
