package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

func TestDisplayText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "hello", "hello"},
		{"newlines flattened", "a\n\nb\tc", "a b c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := displayText(tt.in); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}

	long := displayText(strings.Repeat("字", 100))
	if w := runewidth.StringWidth(long); w > historyTextWidth {
		t.Fatalf("expected width <= %d, got %d", historyTextWidth, w)
	}
	if !strings.HasSuffix(long, "…") {
		t.Fatalf("expected ellipsis, got %q", long)
	}
}

func TestPrintRecords(t *testing.T) {
	rec, err := store.NewRecord(protocol.NewMessage("hi"), store.DirectionInbound, "conv:test:direct:c1")
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	printRecords(&buf, []store.ActivityRecord{*rec})
	out := buf.String()
	if !strings.Contains(out, "inbound") || !strings.Contains(out, "message") || !strings.Contains(out, "hi") {
		t.Fatalf("unexpected table %q", out)
	}

	buf.Reset()
	printConversations(&buf, []store.ConversationInfo{{Key: "conv:test:direct:c1", ActivityCount: 3, LastActivity: time.Now()}})
	if !strings.Contains(buf.String(), "conv:test:direct:c1") {
		t.Fatalf("unexpected table %q", buf.String())
	}
}
