package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// ErrUnknownActivityType is returned when decoding an activity whose type is
// not one of the ActivityType constants.
var ErrUnknownActivityType = errors.New("protocol: unknown activity type")

// ActivityType is the closed set of activity kinds the core understands.
type ActivityType string

const (
	ActivityMessage            ActivityType = "message"
	ActivityTyping             ActivityType = "typing"
	ActivityInvoke             ActivityType = "invoke"
	ActivityEvent              ActivityType = "event"
	ActivityConversationUpdate ActivityType = "conversationUpdate"
	ActivityMessageReaction    ActivityType = "messageReaction"
	ActivityEndOfConversation  ActivityType = "endOfConversation"
)

// ActivityTypes lists every known type, in declaration order.
var ActivityTypes = []ActivityType{
	ActivityMessage,
	ActivityTyping,
	ActivityInvoke,
	ActivityEvent,
	ActivityConversationUpdate,
	ActivityMessageReaction,
	ActivityEndOfConversation,
}

// Valid reports whether t is one of the known activity types.
func (t ActivityType) Valid() bool {
	switch t {
	case ActivityMessage, ActivityTyping, ActivityInvoke, ActivityEvent,
		ActivityConversationUpdate, ActivityMessageReaction, ActivityEndOfConversation:
		return true
	}
	return false
}

// ParseActivityType converts a wire string into an ActivityType.
func ParseActivityType(s string) (ActivityType, error) {
	t := ActivityType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownActivityType, s)
	}
	return t, nil
}

// UnmarshalJSON rejects types outside the closed set.
func (t *ActivityType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseActivityType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Account identifies a user or bot on a channel.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"` // "user" or "bot"
}

// ConversationRef identifies the conversation an activity belongs to.
type ConversationRef struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	IsGroup  bool   `json:"isGroup,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
}

// Attachment is an opaque piece of rich content (card, file, image).
type Attachment struct {
	ContentType string          `json:"contentType"`
	ContentURL  string          `json:"contentUrl,omitempty"`
	Name        string          `json:"name,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// Entity is a typed metadata object attached to an activity.
// Known fields are promoted; everything else stays in Properties.
type Entity struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"-"`
}

// MarshalJSON flattens Properties next to the type field.
func (e Entity) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Properties)+1)
	maps.Copy(out, e.Properties)
	out["type"] = e.Type
	return json.Marshal(out)
}

// UnmarshalJSON splits the type field from the rest of the object.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if t, ok := raw["type"].(string); ok {
		e.Type = t
	}
	delete(raw, "type")
	if len(raw) > 0 {
		e.Properties = raw
	}
	return nil
}

// Activity is one inbound or outbound protocol unit.
type Activity struct {
	Type         ActivityType    `json:"type"`
	ID           string          `json:"id,omitempty"`
	Timestamp    time.Time       `json:"timestamp,omitzero"`
	ChannelID    string          `json:"channelId,omitempty"`
	ServiceURL   string          `json:"serviceUrl,omitempty"`
	From         Account         `json:"from,omitzero"`
	Recipient    Account         `json:"recipient,omitzero"`
	Conversation ConversationRef `json:"conversation,omitzero"`
	ReplyToID    string          `json:"replyToId,omitempty"`
	Text         string          `json:"text,omitempty"`
	Name         string          `json:"name,omitempty"`  // invoke/event name
	Value        json.RawMessage `json:"value,omitempty"` // invoke/event payload
	Attachments  []Attachment    `json:"attachments,omitempty"`
	Entities     []Entity        `json:"entities,omitempty"`
	ChannelData  map[string]any  `json:"channelData,omitempty"`
}

// NewMessage returns a message activity carrying text.
func NewMessage(text string) *Activity {
	return &Activity{Type: ActivityMessage, Text: text}
}

// NewTyping returns a typing activity.
func NewTyping() *Activity {
	return &Activity{Type: ActivityTyping}
}

// Clone returns a deep copy of a, safe to mutate independently.
func (a *Activity) Clone() *Activity {
	if a == nil {
		return nil
	}
	out := *a
	if a.Value != nil {
		out.Value = append(json.RawMessage(nil), a.Value...)
	}
	if a.Attachments != nil {
		out.Attachments = make([]Attachment, len(a.Attachments))
		copy(out.Attachments, a.Attachments)
	}
	if a.Entities != nil {
		out.Entities = make([]Entity, len(a.Entities))
		for i, e := range a.Entities {
			out.Entities[i] = Entity{Type: e.Type, Properties: maps.Clone(e.Properties)}
		}
	}
	out.ChannelData = maps.Clone(a.ChannelData)
	return &out
}

// IsMessage reports whether the activity is a message.
func (a *Activity) IsMessage() bool { return a != nil && a.Type == ActivityMessage }

// IsInvoke reports whether the activity is an invoke with the given name.
// An empty name matches any invoke.
func (a *Activity) IsInvoke(name string) bool {
	return a != nil && a.Type == ActivityInvoke && (name == "" || a.Name == name)
}

// IsEvent reports whether the activity is an event with the given name.
// An empty name matches any event.
func (a *Activity) IsEvent(name string) bool {
	return a != nil && a.Type == ActivityEvent && (name == "" || a.Name == name)
}

// AddEntity appends an entity and returns the activity for chaining.
func (a *Activity) AddEntity(e Entity) *Activity {
	a.Entities = append(a.Entities, e)
	return a
}

// SetChannelData sets one channel-data key, allocating the map if needed.
func (a *Activity) SetChannelData(key string, value any) *Activity {
	if a.ChannelData == nil {
		a.ChannelData = make(map[string]any)
	}
	a.ChannelData[key] = value
	return a
}

// ReplyTo fills routing fields so that a is addressed back to the sender of in.
func (a *Activity) ReplyTo(in *Activity) *Activity {
	if in == nil {
		return a
	}
	a.ChannelID = in.ChannelID
	a.ServiceURL = in.ServiceURL
	a.Conversation = in.Conversation
	a.From = in.Recipient
	a.Recipient = in.From
	if a.Type == ActivityMessage && a.ReplyToID == "" {
		a.ReplyToID = in.ID
	}
	return a
}
