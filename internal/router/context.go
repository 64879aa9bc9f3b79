package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/turnkit/internal/streaming"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

var (
	// ErrNextAlreadyCalled is returned by a second Next call from the same handler.
	ErrNextAlreadyCalled = errors.New("router: next already called")
	// ErrNoChain is returned by Next on a Context that is not running inside a Router.
	ErrNoChain = errors.New("router: context is not part of a route chain")
	// ErrNoSender is returned by the outbound helpers when the transport gave none.
	ErrNoSender = errors.New("router: no sender for this turn")
)

// TurnOptions configures the per-turn Context handed to handlers.
type TurnOptions struct {
	Activity *protocol.Activity
	Token    Token
	Services Services
	Sender   streaming.Sender
	Stream   streaming.Config
	Logger   *slog.Logger
	// OnStream is called once when a handler first opens the turn's Streamer.
	OnStream func(*streaming.Streamer)
}

// turn is the state shared by every Context of one dispatch.
type turn struct {
	sender    streaming.Sender
	streamCfg streaming.Config
	onStream  func(*streaming.Streamer)

	mu     sync.Mutex
	stream *streaming.Streamer
}

// Context is what a handler sees for one turn. It embeds the turn's
// context.Context, so it can be passed to anything that takes one.
type Context struct {
	context.Context

	Activity *protocol.Activity
	Token    Token
	Services Services
	Log      *slog.Logger

	turn   *turn
	cursor *cursor
}

// NewContext builds the root Context for a turn.
func NewContext(ctx context.Context, opts TurnOptions) *Context {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Activity != nil {
		log = log.With("activity_type", opts.Activity.Type, "conversation", opts.Activity.Conversation.ID)
	}
	t := &turn{streamCfg: opts.Stream, onStream: opts.OnStream}
	if opts.Sender != nil {
		t.sender = &addressedSender{inner: opts.Sender, in: opts.Activity}
	}
	return &Context{
		Context:  ctx,
		Activity: opts.Activity,
		Token:    opts.Token,
		Services: opts.Services,
		Log:      log,
		turn:     t,
	}
}

func (c *Context) withCursor(cur *cursor) *Context {
	cp := *c
	cp.cursor = cur
	return &cp
}

// Next runs the remaining matching routes and returns their result.
// It may be called at most once per handler invocation.
func (c *Context) Next() (*Response, error) {
	if c.cursor == nil {
		return nil, ErrNoChain
	}
	return c.cursor.advance(c)
}

// Send delivers a text message to the conversation of the inbound activity.
func (c *Context) Send(text string) (*protocol.Activity, error) {
	return c.SendActivity(protocol.NewMessage(text))
}

// Reply sends text as a reply to the inbound activity.
func (c *Context) Reply(text string) (*protocol.Activity, error) {
	a := protocol.NewMessage(text)
	if c.Activity != nil {
		a.ReplyToID = c.Activity.ID
	}
	return c.SendActivity(a)
}

// SendActivity delivers a. Routing fields left empty are filled from the
// inbound activity.
func (c *Context) SendActivity(a *protocol.Activity) (*protocol.Activity, error) {
	if c.turn.sender == nil {
		return nil, ErrNoSender
	}
	return c.turn.sender.Send(c, a)
}

// Typing sends a typing indicator.
func (c *Context) Typing() error {
	_, err := c.SendActivity(protocol.NewTyping())
	return err
}

// Stream returns the turn's Streamer, creating it on first use. Every
// Context of the same turn shares it. The dispatcher closes it once the
// routes are done if the handler did not.
func (c *Context) Stream() *streaming.Streamer {
	c.turn.mu.Lock()
	s, created := c.turn.stream, false
	if s == nil {
		sender := c.turn.sender
		if sender == nil {
			sender = noSender{}
		}
		s = streaming.New(c.Context, sender, c.turn.streamCfg)
		c.turn.stream, created = s, true
	}
	c.turn.mu.Unlock()

	if created && c.turn.onStream != nil {
		c.turn.onStream(s)
	}
	return s
}

// OpenStream returns the Streamer if Stream was ever called during this turn.
func (c *Context) OpenStream() *streaming.Streamer {
	c.turn.mu.Lock()
	defer c.turn.mu.Unlock()
	return c.turn.stream
}

// addressedSender fills routing fields of outbound activities from the
// inbound one before handing them to the transport.
type addressedSender struct {
	inner streaming.Sender
	in    *protocol.Activity
}

func (s *addressedSender) address(a *protocol.Activity) {
	if s.in == nil || a.Conversation.ID != "" {
		return
	}
	// Only Reply threads to the inbound activity; plain sends stay unthreaded.
	replyTo := a.ReplyToID
	a.ReplyTo(s.in)
	a.ReplyToID = replyTo
}

func (s *addressedSender) Send(ctx context.Context, a *protocol.Activity) (*protocol.Activity, error) {
	s.address(a)
	return s.inner.Send(ctx, a)
}

func (s *addressedSender) Update(ctx context.Context, id string, a *protocol.Activity) error {
	s.address(a)
	return s.inner.Update(ctx, id, a)
}

type noSender struct{}

func (noSender) Send(context.Context, *protocol.Activity) (*protocol.Activity, error) {
	return nil, ErrNoSender
}

func (noSender) Update(context.Context, string, *protocol.Activity) error {
	return ErrNoSender
}
