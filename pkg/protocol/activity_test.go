package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestActivityType_UnmarshalRejectsUnknown(t *testing.T) {
	var a Activity
	err := json.Unmarshal([]byte(`{"type":"handoff","text":"hi"}`), &a)
	if !errors.Is(err, ErrUnknownActivityType) {
		t.Fatalf("expected ErrUnknownActivityType, got %v", err)
	}
}

func TestActivityType_UnmarshalKnown(t *testing.T) {
	for _, typ := range ActivityTypes {
		raw, _ := json.Marshal(map[string]string{"type": string(typ)})
		var a Activity
		if err := json.Unmarshal(raw, &a); err != nil {
			t.Fatalf("%s: unexpected error: %v", typ, err)
		}
		if a.Type != typ {
			t.Fatalf("got %q, want %q", a.Type, typ)
		}
	}
}

func TestEntity_RoundTripKeepsProperties(t *testing.T) {
	in := `{"type":"mention","text":"<at>bot</at>","mentioned":{"id":"b1"}}`
	var e Entity
	if err := json.Unmarshal([]byte(in), &e); err != nil {
		t.Fatal(err)
	}
	if e.Type != "mention" {
		t.Fatalf("type = %q", e.Type)
	}
	if e.Properties["text"] != "<at>bot</at>" {
		t.Fatalf("text property lost: %v", e.Properties)
	}
	out, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	_ = json.Unmarshal(out, &back)
	if back["type"] != "mention" || back["text"] != "<at>bot</at>" {
		t.Fatalf("unexpected marshal output: %s", out)
	}
}

func TestClone_IsIndependent(t *testing.T) {
	a := NewMessage("hello")
	a.SetChannelData("k", "v")
	a.AddEntity(Entity{Type: "x", Properties: map[string]any{"p": 1}})
	a.Attachments = []Attachment{{ContentType: "text/plain"}}

	c := a.Clone()
	c.ChannelData["k"] = "changed"
	c.Entities[0].Properties["p"] = 2
	c.Attachments[0].ContentType = "image/png"

	if a.ChannelData["k"] != "v" {
		t.Fatal("channel data shared with clone")
	}
	if a.Entities[0].Properties["p"] != 1 {
		t.Fatal("entity properties shared with clone")
	}
	if a.Attachments[0].ContentType != "text/plain" {
		t.Fatal("attachments shared with clone")
	}
}

func TestWithStreamInfo_ReplacesExisting(t *testing.T) {
	a := NewTyping()
	a.WithStreamInfo(StreamInfo{Type: StreamStreaming, Sequence: 1})
	a.WithStreamInfo(StreamInfo{StreamID: "s1", Type: StreamStreaming, Sequence: 2})

	count := 0
	for _, e := range a.Entities {
		if e.Type == EntityStreamInfo {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected one streaminfo entity, got %d", count)
	}
	info, ok := a.StreamInfo()
	if !ok {
		t.Fatal("stream info missing")
	}
	if info.StreamID != "s1" || info.Sequence != 2 || info.Type != StreamStreaming {
		t.Fatalf("unexpected info: %+v", info)
	}
	if a.ChannelData[KeyStreamSequence] != 2 {
		t.Fatalf("channel data not mirrored: %v", a.ChannelData)
	}
}

func TestStreamInfo_DecodedFromJSON(t *testing.T) {
	raw := `{"type":"message","entities":[{"type":"streaminfo","streamId":"abc","streamType":"final"}]}`
	var a Activity
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		t.Fatal(err)
	}
	info, ok := a.StreamInfo()
	if !ok || info.StreamID != "abc" || info.Type != StreamFinal || info.Sequence != 0 {
		t.Fatalf("unexpected info: %+v ok=%v", info, ok)
	}
}

func TestReplyTo_SwapsParties(t *testing.T) {
	in := &Activity{
		Type:         ActivityMessage,
		ID:           "in-1",
		ChannelID:    "devtools",
		From:         Account{ID: "u1"},
		Recipient:    Account{ID: "bot"},
		Conversation: ConversationRef{ID: "c1"},
	}
	out := NewMessage("pong").ReplyTo(in)
	if out.From.ID != "bot" || out.Recipient.ID != "u1" {
		t.Fatalf("parties not swapped: %+v", out)
	}
	if out.Conversation.ID != "c1" || out.ReplyToID != "in-1" {
		t.Fatalf("routing not copied: %+v", out)
	}
}

func TestIsTypingIndicator(t *testing.T) {
	chunk := NewTyping()
	chunk.Text = "partial"
	chunk.WithStreamInfo(StreamInfo{Type: StreamStreaming, Sequence: 1})

	status := NewTyping()
	status.WithStreamInfo(StreamInfo{Type: StreamInformative, Sequence: 1})

	tests := []struct {
		name string
		a    *Activity
		want bool
	}{
		{"bare typing", NewTyping(), true},
		{"streamed chunk", chunk, false},
		{"empty informative", status, false},
		{"message", NewMessage("hi"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := tt.a.IsTypingIndicator(); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}
