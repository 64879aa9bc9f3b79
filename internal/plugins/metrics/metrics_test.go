package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nextlevelbuilder/turnkit/internal/dispatch"
	"github.com/nextlevelbuilder/turnkit/internal/router"
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

type failing struct{}

func (failing) Name() string { return "failing" }

func (failing) OnActivity(context.Context, dispatch.ActivityEvent) error {
	return errors.New("nope")
}

func inbound(text string) *protocol.Activity {
	a := protocol.NewMessage(text)
	a.ID = "in-1"
	a.ChannelID = "test"
	a.Conversation = protocol.ConversationRef{ID: "conv-1"}
	return a
}

func TestPlugin_CountsTurn(t *testing.T) {
	r := router.New()
	r.OnMessage(func(c *router.Context) (*router.Response, error) {
		s := c.Stream()
		s.Emit("a")
		s.Emit("b")
		if _, err := s.Close(c); err != nil {
			return nil, err
		}
		return router.OK("done"), nil
	})
	p := New()
	d := dispatch.New(r, dispatch.WithStreamConfig(streaming.Config{BatchSize: 1, RetryAttempts: 1}))
	d.Use(failing{}, p)

	d.Dispatch(context.Background(), dispatch.DispatchRequest{Activity: inbound("hi"), Sender: &memSender{}})

	if got := testutil.ToFloat64(p.inbound.WithLabelValues("test", "message")); got != 1 {
		t.Fatalf("expected 1 inbound, got %v", got)
	}
	if got := testutil.ToFloat64(p.turns.WithLabelValues("test", "200")); got != 1 {
		t.Fatalf("expected 1 turn with status 200, got %v", got)
	}
	if got := testutil.ToFloat64(p.closes.WithLabelValues("test")); got != 1 {
		t.Fatalf("expected 1 stream close, got %v", got)
	}
	if got := testutil.ToFloat64(p.chunks.WithLabelValues("test")); got < 1 {
		t.Fatalf("expected stream chunks to be counted, got %v", got)
	}
	if got := testutil.ToFloat64(p.sent.WithLabelValues("test", "message", "false")); got < 1 {
		t.Fatalf("expected sent activities to be counted, got %v", got)
	}
	if got := testutil.ToFloat64(p.errors.WithLabelValues("failing", protocol.EventActivity)); got != 1 {
		t.Fatalf("expected 1 plugin error, got %v", got)
	}
}

func TestPlugin_Handler(t *testing.T) {
	p := New()
	p.OnActivityResponse(context.Background(), dispatch.ResponseEvent{
		Activity: inbound("hi"),
		Response: &router.Response{Status: 202},
	})

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`turnkit_turns_total{channel="test",status="202"} 1`,
		"turnkit_turn_duration_seconds_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %q in exposition output", want)
		}
	}
}
