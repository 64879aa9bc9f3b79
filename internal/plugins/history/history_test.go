package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/turnkit/internal/dispatch"
	"github.com/nextlevelbuilder/turnkit/internal/router"
	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/internal/store/sqlite"
	"github.com/nextlevelbuilder/turnkit/internal/streaming"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

type memSender struct {
	mu   sync.Mutex
	next int
}

func (m *memSender) Send(_ context.Context, a *protocol.Activity) (*protocol.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	out := a.Clone()
	out.ID = fmt.Sprintf("out-%d", m.next)
	return out, nil
}

func (m *memSender) Update(context.Context, string, *protocol.Activity) error { return nil }

func newStore(t *testing.T) store.ActivityStore {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func inbound(text string) *protocol.Activity {
	a := protocol.NewMessage(text)
	a.ID = "in-1"
	a.ChannelID = "test"
	a.From = protocol.Account{ID: "user-1"}
	a.Conversation = protocol.ConversationRef{ID: "conv-1"}
	return a
}

func TestPlugin_RecordsTurn(t *testing.T) {
	s := newStore(t)
	r := router.New()
	r.OnMessage(func(c *router.Context) (*router.Response, error) {
		if err := c.Typing(); err != nil {
			return nil, err
		}
		st := c.Stream()
		st.Emit("Hello ")
		st.Emit("there")
		_, err := st.Close(c)
		return nil, err
	})
	d := dispatch.New(r, dispatch.WithStreamConfig(streaming.Config{BatchSize: 10, RetryAttempts: 1}))
	d.Use(New(s))

	d.Dispatch(context.Background(), dispatch.DispatchRequest{Activity: inbound("hi"), Sender: &memSender{}})

	recs, err := s.List(context.Background(), store.ListOpts{ConversationKey: "conv:test:direct:conv-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) < 2 {
		t.Fatalf("expected inbound and reply records, got %d", len(recs))
	}
	if recs[0].Direction != store.DirectionInbound || recs[0].Text != "hi" || recs[0].FromID != "user-1" {
		t.Fatalf("unexpected first record %+v", recs[0])
	}
	for _, rec := range recs {
		if rec.Type == protocol.ActivityTyping {
			t.Fatal("typing indicators should be skipped by default")
		}
	}
	last := recs[len(recs)-1]
	if last.Text != "Hello there" {
		t.Fatalf("expected final text last, got %q", last.Text)
	}
	a, err := last.Activity()
	if err != nil {
		t.Fatal(err)
	}
	if info, ok := a.StreamInfo(); !ok || info.Type != protocol.StreamFinal {
		t.Fatalf("final record lost its stream info: %+v", a.Entities)
	}
}

func TestPlugin_DirectionAndTyping(t *testing.T) {
	s := newStore(t)
	p := New(s, WithTyping())
	ctx := context.Background()
	in := inbound("hi")

	typing := protocol.NewTyping()
	if err := p.OnActivitySent(ctx, dispatch.SentEvent{Inbound: in, Activity: typing}); err != nil {
		t.Fatal(err)
	}
	upd := protocol.NewMessage("edited")
	upd.ID = "out-1"
	if err := p.OnActivitySent(ctx, dispatch.SentEvent{Inbound: in, Activity: upd, Update: true}); err != nil {
		t.Fatal(err)
	}

	recs, err := s.List(ctx, store.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Type != protocol.ActivityTyping || recs[0].Direction != store.DirectionOutbound {
		t.Fatalf("unexpected typing record %+v", recs[0])
	}
	if recs[1].Direction != store.DirectionUpdate || recs[1].ActivityID != "out-1" {
		t.Fatalf("unexpected update record %+v", recs[1])
	}
	if recs[1].ConversationKey != "conv:test:direct:conv-1" {
		t.Fatalf("reply should be filed under the inbound conversation, got %q", recs[1].ConversationKey)
	}
}

func TestPlugin_Retention(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	old, _ := store.NewRecord(protocol.NewMessage("old"), store.DirectionInbound, "k")
	old.CreatedAt = time.Now().Add(-72 * time.Hour)
	s.Append(ctx, old)
	fresh, _ := store.NewRecord(protocol.NewMessage("fresh"), store.DirectionInbound, "k")
	s.Append(ctx, fresh)

	p := New(s, WithRetention(48*time.Hour, "0 3 * * *"))
	if err := p.OnStart(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	recs, _ := s.List(ctx, store.ListOpts{})
	if len(recs) != 1 || recs[0].Text != "fresh" {
		t.Fatalf("expected only the fresh record to survive, got %+v", recs)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.OnStop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.OnStop(stopCtx); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
}

func TestPlugin_RetentionBadSchedule(t *testing.T) {
	p := New(newStore(t), WithRetention(time.Hour, "whenever"))
	if err := p.OnStart(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}
