package dispatch

import (
	"context"

	"github.com/nextlevelbuilder/turnkit/internal/streaming"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// observedSender fires ActivitySent after every successful call to the transport.
type observedSender struct {
	inner   streaming.Sender
	d       *Dispatcher
	inbound *protocol.Activity
}

func (s *observedSender) Send(ctx context.Context, a *protocol.Activity) (*protocol.Activity, error) {
	sent, err := s.inner.Send(ctx, a)
	if err != nil {
		return nil, err
	}
	out := a
	if sent != nil {
		out = sent
	}
	s.d.activitySent(ctx, SentEvent{Inbound: s.inbound, Activity: out.Clone()})
	return sent, nil
}

func (s *observedSender) Update(ctx context.Context, id string, a *protocol.Activity) error {
	if err := s.inner.Update(ctx, id, a); err != nil {
		return err
	}
	ev := SentEvent{Inbound: s.inbound, Activity: a.Clone(), Update: true}
	if ev.Activity.ID == "" {
		ev.Activity.ID = id
	}
	s.d.activitySent(ctx, ev)
	return nil
}
