//go:build tsnet

package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/turnkit/internal/config"
)

// initTailscale starts a tsnet node serving mux on the tailnet. It returns
// nil when cfg.Tailscale.Hostname is empty or the node fails to start.
func initTailscale(ctx context.Context, cfg *config.Config, mux http.Handler) func() {
	ts := cfg.Tailscale
	if ts.Hostname == "" {
		return nil
	}
	dir := config.ExpandHome(ts.StateDir)
	if dir == "" {
		if base, err := os.UserConfigDir(); err == nil {
			dir = filepath.Join(base, "tsnet-turnkit")
		}
	}

	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       dir,
		AuthKey:   ts.AuthKey,
		Ephemeral: ts.Ephemeral,
		Logf:      func(string, ...any) {},
	}
	if err := srv.Start(); err != nil {
		slog.Error("tailscale: start failed", "error", err)
		return nil
	}

	var (
		ln  net.Listener
		err error
	)
	if ts.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale: listen failed", "error", err)
		srv.Close()
		return nil
	}

	hs := &http.Server{Handler: mux}
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("tailscale: serve", "error", err)
		}
	}()
	slog.Info("tailscale listener started", "hostname", ts.Hostname, "tls", ts.EnableTLS)

	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		hs.Shutdown(sctx)
		srv.Close()
	}
}
