// Package channels provides the transport abstraction layer. A channel decodes
// a platform's inbound payloads into activities, hands them to the
// dispatcher, and implements Send/Update against the platform so replies and
// streams reach the right conversation.
//
// Shared pieces live here:
// - BaseChannel (name, running flag, allow list, DM/group policy)
// - KeyedLimiter for inbound flood control
// - Manager for lifecycle and HTTP mounting
package channels

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/turnkit/internal/dispatch"
	"github.com/nextlevelbuilder/turnkit/internal/router"
	"github.com/nextlevelbuilder/turnkit/internal/sessions"
	"github.com/nextlevelbuilder/turnkit/internal/streaming"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// DMPolicy controls how direct messages from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyAllowlist DMPolicy = "allowlist" // Only allow-listed senders
	DMPolicyOpen      DMPolicy = "open"      // Accept all
	DMPolicyDisabled  DMPolicy = "disabled"  // Reject all DMs
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"      // Accept all groups
	GroupPolicyAllowlist GroupPolicy = "allowlist" // Only allow-listed senders
	GroupPolicyDisabled  GroupPolicy = "disabled"  // No group messages
)

// Channel is a transport feeding activities into the dispatcher.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram", "botframework").
	Name() string

	// Start begins receiving. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the channel down and waits for in-flight receive loops.
	Stop(ctx context.Context) error

	IsRunning() bool

	// IsAllowed checks a sender against the channel's allow list.
	IsAllowed(senderID string) bool
}

// HTTPChannel is a channel receiving over HTTP. The manager mounts its
// handler on the shared server.
type HTTPChannel interface {
	Channel
	Pattern() string
	http.Handler
}

// Policy bundles the admission settings of a channel.
type Policy struct {
	AllowFrom   []string
	DMPolicy    DMPolicy
	GroupPolicy GroupPolicy
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed it.
type BaseChannel struct {
	name       string
	dispatcher *dispatch.Dispatcher
	running    atomic.Bool
	policy     Policy
}

// NewBaseChannel creates a BaseChannel dispatching into d.
func NewBaseChannel(name string, d *dispatch.Dispatcher, policy Policy) *BaseChannel {
	return &BaseChannel{name: name, dispatcher: d, policy: policy}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// Dispatcher returns the dispatcher this channel feeds.
func (c *BaseChannel) Dispatcher() *dispatch.Dispatcher { return c.dispatcher }

// HasAllowList returns true if an allow list is configured.
func (c *BaseChannel) HasAllowList() bool { return len(c.policy.AllowFrom) > 0 }

// IsAllowed checks if a sender is permitted by the allow list.
// Supports compound senderID format: "123456|username".
// Empty allow list means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.policy.AllowFrom) == 0 {
		return true
	}

	idPart, userPart := senderID, ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.policy.AllowFrom {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID, allowedUser := trimmed, ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if senderID == allowed || senderID == trimmed ||
			idPart == trimmed || idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}
	return false
}

// CheckPolicy evaluates the DM/group policy for a sender.
func (c *BaseChannel) CheckPolicy(kind sessions.PeerKind, senderID string) bool {
	policy := string(c.policy.DMPolicy)
	if kind == sessions.PeerGroup {
		policy = string(c.policy.GroupPolicy)
	}
	switch policy {
	case "disabled":
		return false
	case "allowlist":
		return c.IsAllowed(senderID)
	default: // "open" or unset
		return true
	}
}

// Inbound is one decoded activity plus what the transport needs to reply.
type Inbound struct {
	Activity *protocol.Activity
	// SenderID is the policy identity, e.g. "123456|username".
	SenderID string
	Sender   streaming.Sender
	Token    router.Token
	Services router.Services
}

// HandleActivity stamps in with channel defaults, applies policy and
// dispatches it. It returns nil when the sender was rejected.
func (c *BaseChannel) HandleActivity(ctx context.Context, in Inbound) *router.Response {
	a := in.Activity
	kind := sessions.PeerDirect
	if a.Conversation.IsGroup {
		kind = sessions.PeerGroup
	}
	senderID := in.SenderID
	if senderID == "" {
		senderID = a.From.ID
	}
	if !c.CheckPolicy(kind, senderID) {
		return nil
	}

	if a.ChannelID == "" {
		a.ChannelID = c.name
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	return c.dispatcher.Dispatch(ctx, dispatch.DispatchRequest{
		Activity: a,
		Token:    in.Token,
		Services: in.Services,
		Sender:   in.Sender,
	})
}

// Truncate shortens a string to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
