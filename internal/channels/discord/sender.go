package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// maxMessageLen is Discord's limit on message content.
const maxMessageLen = 2000

// messageAPI is the subset of *discordgo.Session the sender uses.
type messageAPI interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// channelSender delivers activities to one Discord channel.
type channelSender struct {
	api       messageAPI
	channelID string
}

// Send posts a. Content over the limit is split across messages; the
// returned ID is the first message's, which later updates edit. Only a bare
// typing indicator triggers the typing state instead.
func (s *channelSender) Send(ctx context.Context, a *protocol.Activity) (*protocol.Activity, error) {
	opt := discordgo.WithContext(ctx)
	if a.IsTypingIndicator() {
		if err := s.api.ChannelTyping(s.channelID, opt); err != nil {
			return nil, fmt.Errorf("discord typing: %w", err)
		}
		return a.Clone(), nil
	}

	parts := splitContent(content(a))
	var firstID string
	for i, part := range parts {
		msg := &discordgo.MessageSend{Content: part}
		if i == 0 && a.ReplyToID != "" {
			msg.Reference = &discordgo.MessageReference{MessageID: a.ReplyToID, ChannelID: s.channelID}
		}
		sent, err := s.api.ChannelMessageSendComplex(s.channelID, msg, opt)
		if err != nil {
			return nil, fmt.Errorf("send discord message: %w", err)
		}
		if i == 0 {
			firstID = sent.ID
		}
	}
	out := a.Clone()
	out.ID = firstID
	return out, nil
}

// Update edits the message created under id. Overflow of the final message
// is sent as follow-up messages; streaming updates are truncated instead.
func (s *channelSender) Update(ctx context.Context, id string, a *protocol.Activity) error {
	opt := discordgo.WithContext(ctx)
	parts := splitContent(content(a))

	final := false
	if info, ok := a.StreamInfo(); ok && info.Type == protocol.StreamFinal {
		final = true
	}

	if _, err := s.api.ChannelMessageEdit(s.channelID, id, parts[0], opt); err != nil {
		return fmt.Errorf("edit discord message: %w", err)
	}
	if !final {
		return nil
	}
	for _, part := range parts[1:] {
		if _, err := s.api.ChannelMessageSendComplex(s.channelID, &discordgo.MessageSend{Content: part}, opt); err != nil {
			return fmt.Errorf("send discord follow-up: %w", err)
		}
	}
	return nil
}

// content renders an activity as message text, listing attachment URLs.
func content(a *protocol.Activity) string {
	text := a.Text
	for _, att := range a.Attachments {
		if att.ContentURL == "" {
			continue
		}
		if text != "" {
			text += "\n"
		}
		text += att.ContentURL
	}
	if text == "" {
		return "…"
	}
	return text
}

// splitContent breaks s into pieces of at most maxMessageLen bytes,
// preferring a newline in the second half of each piece.
func splitContent(s string) []string {
	var parts []string
	for len(s) > maxMessageLen {
		cutAt := maxMessageLen
		if idx := strings.LastIndexByte(s[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
			cutAt = idx + 1
		}
		// Never split inside a UTF-8 sequence.
		for cutAt > 0 && cutAt < len(s) && !isRuneStart(s[cutAt]) {
			cutAt--
		}
		parts = append(parts, s[:cutAt])
		s = s[cutAt:]
	}
	return append(parts, s)
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
