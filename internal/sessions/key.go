// Package sessions builds and parses canonical conversation keys.
//
// Conversation keys identify one conversation across transports:
//
//	conv:{channel}:{kind}:{conversationId}
//
// Forum topics and threads append a suffix:
//
//	conv:{channel}:group:{conversationId}:topic:{topicId}
//
// Examples:
//
//	conv:telegram:direct:386246614
//	conv:telegram:group:-100123456:topic:99
//	conv:devtools:direct:5f0c6f0e-3c55-4c8e-a1c7-2a8f4f3c4b10
package sessions

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// ErrInvalidKey is returned by ParseKey for strings not in canonical form.
var ErrInvalidKey = errors.New("sessions: invalid conversation key")

const keyPrefix = "conv"

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}

// Key is a parsed conversation key.
type Key struct {
	Channel        string
	Kind           PeerKind
	ConversationID string
	Topic          string
}

// String renders k in canonical form.
func (k Key) String() string {
	s := fmt.Sprintf("%s:%s:%s:%s", keyPrefix, k.Channel, k.Kind, k.ConversationID)
	if k.Topic != "" {
		s += ":topic:" + k.Topic
	}
	return s
}

// BuildKey builds the canonical key for a channel conversation.
func BuildKey(channel string, kind PeerKind, conversationID string) string {
	return Key{Channel: channel, Kind: kind, ConversationID: conversationID}.String()
}

// BuildTopicKey builds the key for a forum topic inside a group.
func BuildTopicKey(channel, conversationID, topicID string) string {
	return Key{Channel: channel, Kind: PeerGroup, ConversationID: conversationID, Topic: topicID}.String()
}

// KeyFor derives the conversation key of an activity.
func KeyFor(a *protocol.Activity) string {
	return BuildKey(a.ChannelID, PeerKindFromGroup(a.Conversation.IsGroup), a.Conversation.ID)
}

// ParseKey parses a canonical conversation key. Conversation ids may contain
// ':' (e.g. Bot Framework ids), so only a trailing ":topic:{id}" is split off.
func ParseKey(key string) (Key, error) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) < 4 || parts[0] != keyPrefix || parts[1] == "" || parts[3] == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	k := Key{Channel: parts[1], Kind: PeerKind(parts[2]), ConversationID: parts[3]}
	if k.Kind != PeerDirect && k.Kind != PeerGroup {
		return Key{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, parts[2])
	}
	if idx := strings.LastIndex(k.ConversationID, ":topic:"); idx > 0 {
		k.Topic = k.ConversationID[idx+len(":topic:"):]
		k.ConversationID = k.ConversationID[:idx]
	}
	return k, nil
}
