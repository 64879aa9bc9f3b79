package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
)

// Manager owns the registered channels and their lifecycle.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewManager creates an empty channel manager.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// RegisterChannel adds a channel under its name, replacing any previous one.
func (m *Manager) RegisterChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// UnregisterChannel removes a channel.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}

// Mount registers every HTTP channel's handler on mux.
func (m *Manager) Mount(mux *http.ServeMux) {
	for _, name := range m.Names() {
		ch, _ := m.GetChannel(name)
		if hc, ok := ch.(HTTPChannel); ok {
			mux.Handle(hc.Pattern(), hc)
			slog.Info("channel mounted", "channel", name, "pattern", hc.Pattern())
		}
	}
}

// StartAll starts every channel. A failing channel is logged and skipped so
// the others still come up; the failures are returned joined.
func (m *Manager) StartAll(ctx context.Context) error {
	names := m.Names()
	if len(names) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	var errs []error
	for _, name := range names {
		ch, _ := m.GetChannel(name)
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
			errs = append(errs, fmt.Errorf("start %s: %w", name, err))
		}
	}
	slog.Info("channels started", "count", len(names)-len(errs))
	return errors.Join(errs...)
}

// StopAll stops every running channel.
func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.Names() {
		ch, _ := m.GetChannel(name)
		if !ch.IsRunning() {
			continue
		}
		slog.Info("stopping channel", "channel", name)
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
