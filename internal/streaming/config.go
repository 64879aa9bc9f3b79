package streaming

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// Sender delivers streamed activities to one conversation.
// Send creates a new activity and returns it with the channel-assigned ID;
// Update replaces the activity previously created under id.
type Sender interface {
	Send(ctx context.Context, activity *protocol.Activity) (*protocol.Activity, error)
	Update(ctx context.Context, id string, activity *protocol.Activity) error
}

// Config tunes flush batching, retries and send pacing.
type Config struct {
	BatchSize       int           // max queued chunks merged per flush (default 10)
	RetryAttempts   int           // total attempts per send (default 5)
	RetryDelay      time.Duration // fixed delay between attempts (default 500ms)
	MinSendInterval time.Duration // minimum spacing between sends; 0 disables pacing
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		BatchSize:       10,
		RetryAttempts:   5,
		RetryDelay:      500 * time.Millisecond,
		MinSendInterval: 500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.MinSendInterval < 0 {
		c.MinSendInterval = 0
	}
	return c
}
