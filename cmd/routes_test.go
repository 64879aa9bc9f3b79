package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/internal/dispatch"
	"github.com/nextlevelbuilder/turnkit/internal/streaming"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

type memSender struct {
	mu      sync.Mutex
	sends   []*protocol.Activity
	updates []*protocol.Activity
}

func (m *memSender) Send(_ context.Context, a *protocol.Activity) (*protocol.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := a.Clone()
	out.ID = fmt.Sprintf("m-%d", len(m.sends)+1)
	m.sends = append(m.sends, out)
	return out, nil
}

func (m *memSender) Update(_ context.Context, _ string, a *protocol.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, a.Clone())
	return nil
}

func turn(t *testing.T, a *protocol.Activity) (*memSender, int) {
	t.Helper()
	d := dispatch.New(demoRouter(), dispatch.WithStreamConfig(streaming.Config{BatchSize: 10, RetryAttempts: 1}))
	s := &memSender{}
	a.ChannelID = "test"
	a.Conversation = protocol.ConversationRef{ID: "c1"}
	resp := d.Dispatch(context.Background(), dispatch.DispatchRequest{Activity: a, Sender: s})
	return s, resp.Status
}

func TestDemoRouter_Echo(t *testing.T) {
	s, status := turn(t, protocol.NewMessage("hi there"))
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	last := s.sends[len(s.sends)-1]
	if last.Text != "echo: hi there" {
		t.Fatalf("expected echo, got %q", last.Text)
	}
	if s.sends[0].Type != protocol.ActivityTyping {
		t.Fatalf("expected typing first, got %s", s.sends[0].Type)
	}
}

func TestDemoRouter_Stream(t *testing.T) {
	s, status := turn(t, protocol.NewMessage("/stream one two"))
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var final *protocol.Activity
	for _, a := range append(s.sends, s.updates...) {
		if info, ok := a.StreamInfo(); ok && info.Type == protocol.StreamFinal {
			final = a
		}
	}
	if final == nil {
		t.Fatal("no final stream message")
	}
	if strings.TrimSpace(final.Text) != "one two" {
		t.Fatalf("expected streamed text, got %q", final.Text)
	}
}

func TestDemoRouter_MemberAdded(t *testing.T) {
	a := &protocol.Activity{
		Type:  protocol.ActivityConversationUpdate,
		From:  protocol.Account{ID: "u1", Name: "Ana"},
		Value: []byte(`{"old_status":"left","new_status":"member"}`),
	}
	s, status := turn(t, a)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(s.sends) != 1 || !strings.Contains(s.sends[0].Text, "Ana") {
		t.Fatalf("expected a greeting, got %+v", s.sends)
	}
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(channels.NewManager())(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}
