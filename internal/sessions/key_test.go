package sessions

import (
	"errors"
	"testing"

	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

func TestParseKey_RoundTrip(t *testing.T) {
	tests := []string{
		BuildKey("telegram", PeerDirect, "386246614"),
		BuildKey("botframework", PeerGroup, "19:abc@thread.v2"),
		BuildTopicKey("telegram", "-100123456", "99"),
	}
	for _, key := range tests {
		k, err := ParseKey(key)
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", key, err)
		}
		if got := k.String(); got != key {
			t.Fatalf("expected %q, got %q", key, got)
		}
	}
}

func TestParseKey_Topic(t *testing.T) {
	k, err := ParseKey("conv:telegram:group:-100123456:topic:99")
	if err != nil {
		t.Fatal(err)
	}
	if k.ConversationID != "-100123456" || k.Topic != "99" || k.Kind != PeerGroup {
		t.Fatalf("unexpected key %+v", k)
	}
}

func TestParseKey_Invalid(t *testing.T) {
	for _, key := range []string{"", "agent:x:y:z", "conv:telegram:direct", "conv:telegram:channel:1", "conv::direct:1"} {
		if _, err := ParseKey(key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("ParseKey(%q): expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestKeyFor(t *testing.T) {
	a := protocol.NewMessage("hi")
	a.ChannelID = "discord"
	a.Conversation = protocol.ConversationRef{ID: "123", IsGroup: true}
	if got, want := KeyFor(a), "conv:discord:group:123"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
