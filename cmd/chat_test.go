package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/turnkit/internal/channels/devtools"
	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/internal/dispatch"
	"github.com/nextlevelbuilder/turnkit/internal/streaming"
)

func TestChatClient_Turn(t *testing.T) {
	d := dispatch.New(demoRouter(), dispatch.WithStreamConfig(streaming.Config{BatchSize: 10, RetryAttempts: 1}))
	ch := devtools.New(config.DevToolsConfig{Enabled: true}, d, nil)
	ch.Start(context.Background())
	srv := httptest.NewServer(ch)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := dialChat(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.close()

	var out bytes.Buffer
	resp, err := c.turn(ctx, "hello", &out)
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected status 200, got %d", resp.Status)
	}
	if !strings.Contains(out.String(), "Bot: echo: hello") {
		t.Fatalf("unexpected output %q", out.String())
	}

	out.Reset()
	if _, err := c.turn(ctx, "/stream a b", &out); err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	if !strings.Contains(out.String(), "Bot: a b") {
		t.Fatalf("expected final streamed text, got %q", out.String())
	}
	if strings.Count(out.String(), "Bot: ") != 1 {
		t.Fatalf("intermediate chunks should not be printed, got %q", out.String())
	}
}
