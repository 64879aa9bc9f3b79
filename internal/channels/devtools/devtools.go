// Package devtools is a local WebSocket transport for trying routes without
// a real channel. Clients send {"op":"activity"} frames; every outbound send,
// update and the final turn response come back as frames on the same socket.
package devtools

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/internal/dispatch"
	"github.com/nextlevelbuilder/turnkit/internal/router"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// ChannelID is stamped on every activity received through devtools.
const ChannelID = "devtools"

const writeTimeout = 10 * time.Second

// Channel serves the devtools socket.
type Channel struct {
	*channels.BaseChannel
	cfg            config.DevToolsConfig
	allowedOrigins []string
	upgrader       websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
}

// New creates the devtools channel. allowedOrigins empty means any origin.
func New(cfg config.DevToolsConfig, d *dispatch.Dispatcher, allowedOrigins []string) *Channel {
	if cfg.Path == "" {
		cfg.Path = "/devtools"
	}
	c := &Channel{
		BaseChannel:    channels.NewBaseChannel(ChannelID, d, channels.Policy{}),
		cfg:            cfg,
		allowedOrigins: allowedOrigins,
		clients:        make(map[string]*client),
	}
	c.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     c.checkOrigin,
	}
	return c
}

func (c *Channel) Pattern() string { return "GET " + c.cfg.Path }

func (c *Channel) Start(context.Context) error {
	c.SetRunning(true)
	slog.Info("devtools socket ready", "path", c.cfg.Path)
	return nil
}

// Stop closes every connected client.
func (c *Channel) Stop(context.Context) error {
	c.SetRunning(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cl := range c.clients {
		cl.close()
		delete(c.clients, id)
	}
	return nil
}

// Clients reports the number of connected sockets.
func (c *Channel) Clients() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// checkOrigin allows non-browser clients (no Origin header) and any origin
// on the allow list. No allow list means allow all.
func (c *Channel) checkOrigin(r *http.Request) bool {
	if len(c.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range c.allowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin, "channel", ChannelID)
	return false
}

func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !c.IsRunning() {
		http.Error(w, "channel not running", http.StatusServiceUnavailable)
		return
	}
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{id: uuid.NewString(), conn: conn}
	c.register(cl)
	defer func() {
		c.unregister(cl)
		cl.close()
	}()

	c.readLoop(r.Context(), cl)
}

func (c *Channel) register(cl *client) {
	c.mu.Lock()
	c.clients[cl.id] = cl
	c.mu.Unlock()
	slog.Info("devtools client connected", "id", cl.id)
}

func (c *Channel) unregister(cl *client) {
	c.mu.Lock()
	delete(c.clients, cl.id)
	c.mu.Unlock()
	slog.Info("devtools client disconnected", "id", cl.id)
}

// readLoop runs one turn per inbound activity frame, in order.
func (c *Channel) readLoop(ctx context.Context, cl *client) {
	for {
		var f protocol.Frame
		if err := cl.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("devtools read failed", "id", cl.id, "error", err)
			}
			return
		}
		if f.Op != protocol.FrameActivity || f.Activity == nil {
			cl.write(protocol.Frame{Op: protocol.FrameError, Error: "expected an activity frame"})
			continue
		}
		c.handle(ctx, cl, f.Activity)
	}
}

func (c *Channel) handle(ctx context.Context, cl *client, a *protocol.Activity) {
	if a.Conversation.ID == "" {
		a.Conversation.ID = cl.id
	}
	if a.From.ID == "" {
		a.From = protocol.Account{ID: "devtools-user", Name: "Developer", Role: "user"}
	}
	if a.Recipient.ID == "" {
		a.Recipient = protocol.Account{ID: "bot", Role: "bot"}
	}

	resp := c.HandleActivity(ctx, channels.Inbound{
		Activity: a,
		SenderID: a.From.ID,
		Sender:   &clientSender{cl: cl},
		Token:    router.StaticToken{App: ChannelID},
		Services: router.ServiceMap{"devtools.client": cl.id},
	})
	if resp == nil {
		cl.write(protocol.Frame{Op: protocol.FrameError, Error: "sender not allowed"})
		return
	}
	cl.write(protocol.Frame{
		Op:     protocol.FrameResponse,
		Status: resp.Status,
		Body:   resp.Body,
		Routes: resp.Meta.RoutesExecuted,
	})
}

// client is one connected socket. gorilla connections allow a single
// concurrent writer, so writes are serialized by writeMu.
type client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (cl *client) write(f protocol.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()
	cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cl.conn.WriteMessage(websocket.TextMessage, data)
}

func (cl *client) close() {
	cl.once.Do(func() {
		cl.writeMu.Lock()
		_ = cl.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		cl.writeMu.Unlock()
		cl.conn.Close()
	})
}

// clientSender delivers outbound activities as frames. Ids are minted here
// since there is no remote service to assign them.
type clientSender struct {
	cl *client
}

func (s *clientSender) Send(_ context.Context, a *protocol.Activity) (*protocol.Activity, error) {
	out := a.Clone()
	out.ID = uuid.NewString()
	out.ChannelID = ChannelID
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	if err := s.cl.write(protocol.Frame{Op: protocol.FrameSend, Activity: out}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *clientSender) Update(_ context.Context, id string, a *protocol.Activity) error {
	out := a.Clone()
	out.ID = id
	out.ChannelID = ChannelID
	return s.cl.write(protocol.Frame{Op: protocol.FrameUpdate, Activity: out})
}
