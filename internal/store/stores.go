package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/turnkit/internal/sessions"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// ErrNotFound is returned when a record lookup finds nothing.
var ErrNotFound = errors.New("store: not found")

// StoreConfig selects and configures the storage backend.
type StoreConfig struct {
	Mode        string // "standalone" (sqlite) or "managed" (postgres)
	SQLitePath  string
	PostgresDSN string
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Activities ActivityStore
}

// Close releases every backend.
func (s *Stores) Close() error {
	if s == nil || s.Activities == nil {
		return nil
	}
	return s.Activities.Close()
}

// Direction tells how an activity crossed the transport boundary.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound" // a new outbound activity (Send)
	DirectionUpdate   Direction = "update"   // a replacement of an earlier outbound activity
)

// ActivityRecord is one stored activity.
type ActivityRecord struct {
	ID              uuid.UUID
	ConversationKey string
	Channel         string
	ActivityID      string
	Direction       Direction
	Type            protocol.ActivityType
	FromID          string
	Text            string
	EntityTypes     []string
	Payload         json.RawMessage // the full activity as JSON
	CreatedAt       time.Time
}

// NewRecord snapshots a for storage.
func NewRecord(a *protocol.Activity, dir Direction, conversationKey string) (*ActivityRecord, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	rec := &ActivityRecord{
		ID:              uuid.Must(uuid.NewV7()),
		ConversationKey: conversationKey,
		Channel:         a.ChannelID,
		ActivityID:      a.ID,
		Direction:       dir,
		Type:            a.Type,
		FromID:          a.From.ID,
		Text:            a.Text,
		Payload:         payload,
		CreatedAt:       time.Now().UTC(),
	}
	if rec.ConversationKey == "" {
		rec.ConversationKey = sessions.KeyFor(a)
	}
	for _, e := range a.Entities {
		rec.EntityTypes = append(rec.EntityTypes, e.Type)
	}
	return rec, nil
}

// Activity decodes the stored payload.
func (r *ActivityRecord) Activity() (*protocol.Activity, error) {
	var a protocol.Activity
	if err := json.Unmarshal(r.Payload, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ConversationInfo is lightweight conversation metadata for listing.
type ConversationInfo struct {
	Key           string    `json:"key"`
	ActivityCount int       `json:"activityCount"`
	LastActivity  time.Time `json:"lastActivity"`
}

// ListOpts holds filter and pagination options for List.
type ListOpts struct {
	ConversationKey string
	Direction       Direction // empty = all
	EntityType      string    // only records carrying an entity of this type
	Limit           int
	Offset          int
}

// ActivityStore persists the activities that passed through the dispatcher.
type ActivityStore interface {
	Append(ctx context.Context, rec *ActivityRecord) error
	// List returns records oldest first.
	List(ctx context.Context, opts ListOpts) ([]ActivityRecord, error)
	Conversations(ctx context.Context, limit int) ([]ConversationInfo, error)
	// Purge deletes records older than the cutoff and returns how many went.
	Purge(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// DefaultListLimit applies when ListOpts.Limit is zero.
const DefaultListLimit = 100
