package dispatch

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/turnkit/internal/router"
	"github.com/nextlevelbuilder/turnkit/internal/streaming"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// Plugin is anything registered with a Dispatcher. Hooks are optional: a
// plugin implements only the hook interfaces it cares about.
type Plugin interface {
	Name() string
}

// InitHook runs once before the transports start.
type InitHook interface {
	OnInit(ctx context.Context) error
}

// StartHook runs once when the transports are up.
type StartHook interface {
	OnStart(ctx context.Context) error
}

// ActivityHook observes every inbound activity before routing.
type ActivityHook interface {
	OnActivity(ctx context.Context, ev ActivityEvent) error
}

// ActivitySentHook observes every successful outbound send or update.
// It may be called from the turn's stream worker concurrently with other hooks.
type ActivitySentHook interface {
	OnActivitySent(ctx context.Context, ev SentEvent) error
}

// ActivityResponseHook observes the Response of every turn.
type ActivityResponseHook interface {
	OnActivityResponse(ctx context.Context, ev ResponseEvent) error
}

// ErrorHook observes handler and plugin failures. Errors it returns are logged only.
type ErrorHook interface {
	OnError(ctx context.Context, ev ErrorEvent) error
}

// StreamHook is told when a handler opens the turn's Streamer, so it can
// attach chunk/close observers.
type StreamHook interface {
	OnStream(ctx context.Context, inbound *protocol.Activity, s *streaming.Streamer)
}

// StopHook runs once during shutdown, in registration order.
type StopHook interface {
	OnStop(ctx context.Context) error
}

// ActivityEvent is the payload of protocol.EventActivity.
type ActivityEvent struct {
	Activity *protocol.Activity
	Token    router.Token
}

// SentEvent is the payload of protocol.EventActivitySent.
type SentEvent struct {
	Inbound  *protocol.Activity
	Activity *protocol.Activity
	// Update is true when an existing activity was replaced rather than created.
	Update bool
}

// ResponseEvent is the payload of protocol.EventActivityResponse.
type ResponseEvent struct {
	Activity *protocol.Activity
	Response *router.Response
	Duration time.Duration
}

// ErrorEvent is the payload of protocol.EventError.
type ErrorEvent struct {
	Err error
	// Plugin names the failing plugin; empty when a route handler failed.
	Plugin string
	// Event is the lifecycle event during which the failure happened.
	Event    string
	Activity *protocol.Activity
}
