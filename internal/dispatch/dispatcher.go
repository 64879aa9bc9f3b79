// Package dispatch drives one turn end to end: plugin lifecycle events around
// a Router run, error isolation, and the single Response returned to the
// transport.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/turnkit/internal/router"
	"github.com/nextlevelbuilder/turnkit/internal/streaming"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

const instrumentationName = "github.com/nextlevelbuilder/turnkit/internal/dispatch"

// ErrPanic wraps a recovered panic from a handler or plugin.
var ErrPanic = errors.New("dispatch: panic")

// DispatchRequest is one inbound turn as decoded by a transport.
type DispatchRequest struct {
	Activity *protocol.Activity
	Token    router.Token
	Services router.Services
	// Sender delivers replies to the activity's conversation. May be nil for
	// transports that cannot reply (handlers then get router.ErrNoSender).
	Sender streaming.Sender
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTracerProvider sets the provider for turn spans. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracer = tp.Tracer(instrumentationName) }
}

// WithStreamConfig sets the Streamer config used for every turn.
func WithStreamConfig(cfg streaming.Config) Option {
	return func(d *Dispatcher) { d.SetStreamConfig(cfg) }
}

// WithLogger sets the base logger handed to handlers.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher owns the plugin list and runs turns through a Router.
type Dispatcher struct {
	router *router.Router
	tracer trace.Tracer
	logger *slog.Logger

	streamCfg atomic.Pointer[streaming.Config]

	mu      sync.RWMutex
	plugins []Plugin
}

// New creates a Dispatcher for r.
func New(r *router.Router, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		router: r,
		tracer: otel.Tracer(instrumentationName),
		logger: slog.Default(),
	}
	d.SetStreamConfig(streaming.DefaultConfig())
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Router returns the router this Dispatcher runs.
func (d *Dispatcher) Router() *router.Router { return d.router }

// SetStreamConfig replaces the Streamer config for turns that start afterwards.
func (d *Dispatcher) SetStreamConfig(cfg streaming.Config) {
	d.streamCfg.Store(&cfg)
}

// StreamConfig returns the config new turns will use.
func (d *Dispatcher) StreamConfig() streaming.Config {
	return *d.streamCfg.Load()
}

// Use registers plugins. Events reach plugins in registration order.
func (d *Dispatcher) Use(plugins ...Plugin) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plugins = append(d.plugins, plugins...)
}

// Plugins returns a snapshot of the registered plugins.
func (d *Dispatcher) Plugins() []Plugin {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Plugin(nil), d.plugins...)
}

// Init fires the init event. Every plugin is called even if an earlier one
// fails; the failures are returned joined.
func (d *Dispatcher) Init(ctx context.Context) error {
	return d.emit(ctx, protocol.EventInit, nil, func(p Plugin) error {
		if h, ok := p.(InitHook); ok {
			return h.OnInit(ctx)
		}
		return nil
	})
}

// Start fires the start event.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.emit(ctx, protocol.EventStart, nil, func(p Plugin) error {
		if h, ok := p.(StartHook); ok {
			return h.OnStart(ctx)
		}
		return nil
	})
}

// Stop fires the stop event.
func (d *Dispatcher) Stop(ctx context.Context) error {
	return d.emit(ctx, protocol.EventStop, nil, func(p Plugin) error {
		if h, ok := p.(StopHook); ok {
			return h.OnStop(ctx)
		}
		return nil
	})
}

// Dispatch processes one inbound activity and always returns a Response.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) *router.Response {
	if req.Activity == nil {
		return &router.Response{Status: http.StatusBadRequest, Body: errorBody("missing activity")}
	}
	start := time.Now()
	act := req.Activity

	ctx, span := d.tracer.Start(ctx, "turn "+string(act.Type), trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.String("activity.type", string(act.Type)),
		attribute.String("activity.id", act.ID),
		attribute.String("activity.channel", act.ChannelID),
		attribute.String("conversation.id", act.Conversation.ID),
	)

	_ = d.emit(ctx, protocol.EventActivity, act, func(p Plugin) error {
		if h, ok := p.(ActivityHook); ok {
			return h.OnActivity(ctx, ActivityEvent{Activity: act, Token: req.Token})
		}
		return nil
	})

	opts := router.TurnOptions{
		Activity: act,
		Token:    req.Token,
		Services: req.Services,
		Stream:   d.StreamConfig(),
		Logger:   d.logger,
		OnStream: func(s *streaming.Streamer) { d.streamOpened(ctx, act, s) },
	}
	if req.Sender != nil {
		opts.Sender = &observedSender{inner: req.Sender, d: d, inbound: act}
	}
	rc := router.NewContext(ctx, opts)

	result, err := d.runRouter(rc)
	if s := rc.OpenStream(); s != nil {
		if _, cerr := s.Close(ctx); cerr != nil {
			slog.Warn("dispatch: closing turn stream", "activity", act.ID, "error", cerr)
			d.fireError(ctx, ErrorEvent{Err: cerr, Event: protocol.EventActivity, Activity: act})
		}
	}

	var resp *router.Response
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("dispatch: handler failed", "activity", act.ID, "type", act.Type, "error", err)
		d.fireError(ctx, ErrorEvent{Err: err, Event: protocol.EventActivity, Activity: act})
		resp = &router.Response{Status: http.StatusInternalServerError, Body: errorBody("internal error")}
	case result.Response == nil:
		resp = &router.Response{Status: http.StatusOK}
	default:
		cp := *result.Response
		resp = &cp
		if resp.Status == 0 {
			resp.Status = http.StatusOK
		}
	}
	resp.Meta.RoutesExecuted = result.RoutesExecuted
	span.SetAttributes(
		attribute.Int("turn.routes_executed", resp.Meta.RoutesExecuted),
		attribute.Int("turn.status", resp.Status),
	)

	elapsed := time.Since(start)
	_ = d.emit(ctx, protocol.EventActivityResponse, act, func(p Plugin) error {
		if h, ok := p.(ActivityResponseHook); ok {
			return h.OnActivityResponse(ctx, ResponseEvent{Activity: act, Response: resp, Duration: elapsed})
		}
		return nil
	})

	slog.Debug("dispatch: turn complete",
		"activity", act.ID, "type", act.Type, "status", resp.Status,
		"routes", resp.Meta.RoutesExecuted, "duration_ms", elapsed.Milliseconds())
	return resp
}

func (d *Dispatcher) runRouter(rc *router.Context) (res router.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch: handler panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return d.router.Dispatch(rc)
}

func (d *Dispatcher) activitySent(ctx context.Context, ev SentEvent) {
	_ = d.emit(ctx, protocol.EventActivitySent, ev.Inbound, func(p Plugin) error {
		if h, ok := p.(ActivitySentHook); ok {
			return h.OnActivitySent(ctx, ev)
		}
		return nil
	})
}

func (d *Dispatcher) streamOpened(ctx context.Context, inbound *protocol.Activity, s *streaming.Streamer) {
	_ = d.emit(ctx, protocol.EventStream, inbound, func(p Plugin) error {
		if h, ok := p.(StreamHook); ok {
			h.OnStream(ctx, inbound, s)
		}
		return nil
	})
}

// emit delivers event to every plugin in order. A failing plugin does not
// stop delivery; each failure is fanned out as an Error event.
func (d *Dispatcher) emit(ctx context.Context, event string, act *protocol.Activity, call func(Plugin) error) error {
	var errs []error
	for _, p := range d.Plugins() {
		if err := safeCall(p, call); err != nil {
			err = fmt.Errorf("plugin %s: %s: %w", p.Name(), event, err)
			slog.Warn("dispatch: plugin failed", "plugin", p.Name(), "event", event, "error", err)
			errs = append(errs, err)
			d.fireError(ctx, ErrorEvent{Err: err, Plugin: p.Name(), Event: event, Activity: act})
		}
	}
	return errors.Join(errs...)
}

// fireError delivers ev to every ErrorHook. Their own failures are logged only.
func (d *Dispatcher) fireError(ctx context.Context, ev ErrorEvent) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(protocol.EventError, trace.WithAttributes(
			attribute.String("error.plugin", ev.Plugin),
			attribute.String("error.event", ev.Event),
			attribute.String("error.message", ev.Err.Error()),
		))
	}
	for _, p := range d.Plugins() {
		h, ok := p.(ErrorHook)
		if !ok {
			continue
		}
		if err := safeCall(p, func(Plugin) error { return h.OnError(ctx, ev) }); err != nil {
			slog.Error("dispatch: error hook failed", "plugin", p.Name(), "error", err)
		}
	}
}

func safeCall(p Plugin, call func(Plugin) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return call(p)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
