package discord

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/turnkit/internal/streaming"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

func TestMessageToActivity(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "hi <@bot>",
		Timestamp: ts,
		Author:    &discordgo.User{ID: "u1", Username: "ada", GlobalName: "Ada L"},
		Member:    &discordgo.Member{Nick: "countess"},
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn/x.png", Filename: "x.png", ContentType: "image/png"},
		},
		MessageReference: &discordgo.MessageReference{MessageID: "m0"},
	}

	a := messageToActivity(m)
	if a.ID != "m1" || a.Conversation.ID != "c1" || !a.Conversation.IsGroup || a.Conversation.TenantID != "g1" {
		t.Fatalf("unexpected activity %+v", a)
	}
	if a.From.Name != "countess" {
		t.Fatalf("expected nickname to win, got %q", a.From.Name)
	}
	if a.ReplyToID != "m0" || !a.Timestamp.Equal(ts) {
		t.Fatalf("unexpected reply/timestamp %q %v", a.ReplyToID, a.Timestamp)
	}
	if len(a.Attachments) != 1 || a.Attachments[0].ContentURL != "https://cdn/x.png" {
		t.Fatalf("unexpected attachments %+v", a.Attachments)
	}

	m.GuildID = ""
	m.Member = nil
	if dm := messageToActivity(m); dm.Conversation.IsGroup || dm.From.Name != "Ada L" {
		t.Fatalf("DM conversion wrong: %+v", dm)
	}
}

func TestMentions(t *testing.T) {
	m := &discordgo.Message{Mentions: []*discordgo.User{{ID: "x"}, {ID: "bot"}}}
	if !mentions(m, "bot") {
		t.Fatal("expected mention")
	}
	if mentions(m, "other") {
		t.Fatal("unexpected mention")
	}
}

func TestSplitContent(t *testing.T) {
	if parts := splitContent("short"); len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}

	long := strings.Repeat("a", 1500) + "\n" + strings.Repeat("b", 1000)
	parts := splitContent(long)
	if len(parts) != 2 || !strings.HasSuffix(parts[0], "\n") {
		t.Fatalf("expected newline split, got %d parts", len(parts))
	}
	if strings.Join(parts, "") != long {
		t.Fatal("split lost content")
	}

	runes := strings.Repeat("é", 1500) // 3000 bytes, no newline
	for _, p := range splitContent(runes) {
		if len(p) > maxMessageLen || !strings.HasPrefix(p, "é") {
			t.Fatalf("bad piece of %d bytes", len(p))
		}
	}
}

// fakeAPI records sender calls.
type fakeAPI struct {
	mu     sync.Mutex
	sends  []*discordgo.MessageSend
	edits  []string
	typing int
}

func (f *fakeAPI) ChannelMessageSendComplex(_ string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, data)
	return &discordgo.Message{ID: "d" + string(rune('0'+len(f.sends)))}, nil
}

func (f *fakeAPI) ChannelMessageEdit(_, messageID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, messageID+":"+content)
	return &discordgo.Message{ID: messageID}, nil
}

func (f *fakeAPI) ChannelTyping(string, ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeAPI) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func TestChannelSender(t *testing.T) {
	api := &fakeAPI{}
	s := &channelSender{api: api, channelID: "c1"}
	ctx := context.Background()

	out, err := s.Send(ctx, &protocol.Activity{Type: protocol.ActivityMessage, Text: "hello", ReplyToID: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.ID != "d1" || api.sends[0].Reference == nil || api.sends[0].Reference.MessageID != "m1" {
		t.Fatalf("unexpected send %+v / %+v", out, api.sends[0])
	}

	if _, err := s.Send(ctx, protocol.NewTyping()); err != nil || api.typing != 1 {
		t.Fatalf("typing: %v (%d)", err, api.typing)
	}

	long := strings.Repeat("x", maxMessageLen+5)
	streaming := protocol.NewMessage(long).WithStreamInfo(protocol.StreamInfo{StreamID: "d1", Type: protocol.StreamStreaming, Sequence: 2})
	if err := s.Update(ctx, "d1", streaming); err != nil {
		t.Fatal(err)
	}
	if len(api.sends) != 1 {
		t.Fatal("streaming update must not send follow-ups")
	}

	final := protocol.NewMessage(long).WithStreamInfo(protocol.StreamInfo{StreamID: "d1", Type: protocol.StreamFinal})
	if err := s.Update(ctx, "d1", final); err != nil {
		t.Fatal(err)
	}
	if len(api.sends) != 2 || api.sends[1].Content != "xxxxx" {
		t.Fatalf("expected overflow follow-up, got %d sends", len(api.sends))
	}
	if len(api.edits) != 2 {
		t.Fatalf("expected 2 edits, got %d", len(api.edits))
	}
}

func TestChannelSender_Stream(t *testing.T) {
	cfg := streaming.Config{BatchSize: 10, RetryAttempts: 1, RetryDelay: time.Millisecond}

	t.Run("text", func(t *testing.T) {
		api := &fakeAPI{}
		s := streaming.New(context.Background(), &channelSender{api: api, channelID: "c1"}, cfg)
		s.Emit("Hello ")
		s.Emit("world")
		final, err := s.Close(context.Background())
		if err != nil {
			t.Fatalf("close: %v", err)
		}
		if final.Text != "Hello world" || final.ID != "d1" {
			t.Fatalf("unexpected final %+v", final)
		}
		if len(api.sends) != 1 || api.typing != 0 {
			t.Fatalf("expected one message and no typing, got %d sends, %d typing", len(api.sends), api.typing)
		}
		if last := api.edits[len(api.edits)-1]; last != "d1:Hello world" {
			t.Fatalf("final edit = %q", last)
		}
	})

	t.Run("informative", func(t *testing.T) {
		api := &fakeAPI{}
		s := streaming.New(context.Background(), &channelSender{api: api, channelID: "c1"}, cfg)
		s.Update("searching...")
		deadline := time.Now().Add(2 * time.Second)
		for api.sendCount() == 0 {
			if time.Now().After(deadline) {
				t.Fatal("informative update never sent")
			}
			time.Sleep(time.Millisecond)
		}
		s.Emit("found it")
		if _, err := s.Close(context.Background()); err != nil {
			t.Fatalf("close: %v", err)
		}
		if len(api.sends) != 1 || api.sends[0].Content != "searching..." {
			t.Fatalf("expected the status as the first message, got %d sends", len(api.sends))
		}
		if last := api.edits[len(api.edits)-1]; last != "d1:found it" {
			t.Fatalf("final edit = %q", last)
		}
	})
}
