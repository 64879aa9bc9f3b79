// Package botframework receives activities over an HTTP webhook
// (POST /api/messages) and replies through the conversation's serviceUrl.
//
// The turn Response is written back on the webhook request: Status as the
// HTTP status, Body as JSON, and RoutesExecuted as the X-Routes-Executed header.
package botframework

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/internal/dispatch"
	"github.com/nextlevelbuilder/turnkit/internal/router"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// HeaderRoutesExecuted carries Response.Meta.RoutesExecuted.
const HeaderRoutesExecuted = "X-Routes-Executed"

const defaultMaxBody = 1 << 20

// Channel is the Bot Framework webhook transport.
type Channel struct {
	*channels.BaseChannel
	cfg     config.BotFrameworkConfig
	client  *http.Client
	limiter *channels.KeyedLimiter
	maxBody int64
}

// Option customises a Channel.
type Option func(*Channel)

// WithHTTPClient sets the client used for connector calls.
func WithHTTPClient(c *http.Client) Option {
	return func(ch *Channel) { ch.client = c }
}

// WithLimiter sets the per-sender inbound limiter.
func WithLimiter(l *channels.KeyedLimiter) Option {
	return func(ch *Channel) { ch.limiter = l }
}

// WithMaxBody caps inbound payload size.
func WithMaxBody(n int64) Option {
	return func(ch *Channel) {
		if n > 0 {
			ch.maxBody = n
		}
	}
}

// New creates the webhook channel.
func New(cfg config.BotFrameworkConfig, d *dispatch.Dispatcher, opts ...Option) *Channel {
	if cfg.Path == "" {
		cfg.Path = "/api/messages"
	}
	base := channels.NewBaseChannel("botframework", d, channels.Policy{
		AllowFrom:   cfg.AllowFrom,
		DMPolicy:    channels.DMPolicy(cfg.DMPolicy),
		GroupPolicy: channels.GroupPolicy(cfg.GroupPolicy),
	})
	c := &Channel{
		BaseChannel: base,
		cfg:         cfg,
		client:      &http.Client{Timeout: 30 * time.Second},
		limiter:     channels.NewKeyedLimiter(0, 0),
		maxBody:     defaultMaxBody,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pattern is the mux pattern the manager mounts this channel on.
func (c *Channel) Pattern() string { return "POST " + c.cfg.Path }

func (c *Channel) Start(context.Context) error {
	c.SetRunning(true)
	if len(c.cfg.ServiceURLHosts) == 0 {
		slog.Warn("botframework: replies go to any serviceUrl; set service_url_hosts or keep the webhook reachable only by the connector")
	}
	slog.Info("botframework webhook ready", "path", c.cfg.Path, "app_id", c.cfg.AppID)
	return nil
}

func (c *Channel) Stop(context.Context) error {
	c.SetRunning(false)
	return nil
}

// ServeHTTP handles one inbound activity.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !c.IsRunning() {
		http.Error(w, "channel not running", http.StatusServiceUnavailable)
		return
	}
	if !c.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var a protocol.Activity
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, c.maxBody))
	if err := dec.Decode(&a); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		slog.Debug("botframework: rejected payload", "error", err)
		http.Error(w, "invalid activity: "+err.Error(), status)
		return
	}
	if a.Type == "" {
		http.Error(w, "invalid activity: missing type", http.StatusBadRequest)
		return
	}

	if !c.limiter.Allow(a.From.ID) {
		w.Header().Set("Retry-After", "60")
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	if a.ServiceURL != "" && !c.serviceURLAllowed(a.ServiceURL) {
		slog.Warn("botframework: serviceUrl not allowed", "service_url", a.ServiceURL, "from", a.From.ID)
		http.Error(w, "serviceUrl not allowed", http.StatusForbidden)
		return
	}

	var sender *connectorClient
	if a.ServiceURL != "" && a.Conversation.ID != "" {
		sender = &connectorClient{
			http:           c.client,
			serviceURL:     a.ServiceURL,
			conversationID: a.Conversation.ID,
			token:          c.cfg.AppPassword,
		}
	}
	in := channels.Inbound{
		Activity: &a,
		Token:    router.StaticToken{App: c.cfg.AppID, Value: bearer(r)},
		Services: router.ServiceMap{"http.request": r},
	}
	if sender != nil {
		in.Sender = sender
	}

	resp := c.HandleActivity(r.Context(), in)
	if resp == nil {
		http.Error(w, "sender not allowed", http.StatusForbidden)
		return
	}
	writeResponse(w, resp)
}

func (c *Channel) authorized(r *http.Request) bool {
	if c.cfg.AppPassword == "" {
		return true
	}
	got := bearer(r)
	return subtle.ConstantTimeCompare([]byte(got), []byte(c.cfg.AppPassword)) == 1
}

// serviceURLAllowed checks raw against ServiceURLHosts. The connector
// token is attached to every reply, so it must only go to trusted hosts.
func (c *Channel) serviceURLAllowed(raw string) bool {
	if len(c.cfg.ServiceURLHosts) == 0 {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range c.cfg.ServiceURLHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if suffix, ok := strings.CutPrefix(allowed, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return h[7:]
	}
	return ""
}

func writeResponse(w http.ResponseWriter, resp *router.Response) {
	w.Header().Set(HeaderRoutesExecuted, strconv.Itoa(resp.Meta.RoutesExecuted))
	if resp.Body == nil {
		w.WriteHeader(resp.Status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	if err := json.NewEncoder(w).Encode(resp.Body); err != nil {
		slog.Warn("botframework: write response", "error", err)
	}
}
