// Package history records every activity that crosses the dispatcher into an
// ActivityStore: inbound activities before routing, outbound sends and
// updates as the transport confirms them.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/turnkit/internal/dispatch"
	"github.com/nextlevelbuilder/turnkit/internal/sessions"
	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// Option configures a Plugin.
type Option func(*Plugin)

// WithTyping also records typing indicators. They are skipped by default.
func WithTyping() Option {
	return func(p *Plugin) { p.typing = true }
}

// WithRetention purges records older than maxAge once at start and then on
// every tick of the cron schedule. A zero maxAge disables purging.
func WithRetention(maxAge time.Duration, schedule string) Option {
	return func(p *Plugin) {
		p.maxAge = maxAge
		p.schedule = schedule
	}
}

// Plugin is a dispatch.Plugin backed by a store.ActivityStore.
type Plugin struct {
	store  store.ActivityStore
	typing bool

	maxAge   time.Duration
	schedule string
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a history plugin writing to s.
func New(s store.ActivityStore, opts ...Option) *Plugin {
	p := &Plugin{store: s, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Plugin) Name() string { return "history" }

// OnStart runs the first purge and starts the purge loop.
func (p *Plugin) OnStart(ctx context.Context) error {
	if p.maxAge <= 0 {
		return nil
	}
	if _, err := p.purge(ctx); err != nil {
		return err
	}
	if p.schedule == "" {
		return nil
	}
	if !gronx.New().IsValid(p.schedule) {
		return fmt.Errorf("invalid purge schedule %q", p.schedule)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.purgeLoop(loopCtx, p.done)
	slog.Info("history retention enabled", "max_age", p.maxAge, "schedule", p.schedule)
	return nil
}

// OnStop stops the purge loop and waits for it.
func (p *Plugin) OnStop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Plugin) purgeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next, err := gronx.NextTickAfter(p.schedule, p.now(), false)
		if err != nil {
			slog.Error("history: purge schedule", "schedule", p.schedule, "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := p.purge(ctx); err != nil {
			slog.Warn("history: purge failed", "error", err)
		}
	}
}

func (p *Plugin) purge(ctx context.Context) (int64, error) {
	n, err := p.store.Purge(ctx, p.now().Add(-p.maxAge))
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	if n > 0 {
		slog.Info("history: purged old activities", "count", n, "max_age", p.maxAge)
	}
	return n, nil
}

func (p *Plugin) OnActivity(ctx context.Context, ev dispatch.ActivityEvent) error {
	return p.record(ctx, ev.Activity, store.DirectionInbound, "")
}

// OnActivitySent files replies under the inbound activity's conversation so a
// turn reads back as one thread even when the transport rewrites addressing.
func (p *Plugin) OnActivitySent(ctx context.Context, ev dispatch.SentEvent) error {
	dir := store.DirectionOutbound
	if ev.Update {
		dir = store.DirectionUpdate
	}
	key := ""
	if ev.Inbound != nil {
		key = sessions.KeyFor(ev.Inbound)
	}
	return p.record(ctx, ev.Activity, dir, key)
}

func (p *Plugin) record(ctx context.Context, a *protocol.Activity, dir store.Direction, key string) error {
	if a == nil {
		return nil
	}
	if a.Type == protocol.ActivityTyping && !p.typing {
		return nil
	}
	rec, err := store.NewRecord(a, dir, key)
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}
	if err := p.store.Append(ctx, rec); err != nil {
		return err
	}
	slog.Debug("history: recorded", "conversation", rec.ConversationKey, "direction", dir, "activity", a.ID)
	return nil
}
