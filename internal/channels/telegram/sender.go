package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// maxMessageRunes is Telegram's hard limit on message text.
const maxMessageRunes = 4096

// placeholderText stands in for an empty stream update; Telegram rejects
// messages without text.
const placeholderText = "…"

// botAPI is the subset of *telego.Bot the sender uses.
type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	EditMessageText(ctx context.Context, params *telego.EditMessageTextParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
}

// chatSender delivers activities to one Telegram chat (and forum topic).
type chatSender struct {
	bot         botAPI
	chatID      int64
	threadID    int
	linkPreview bool
}

// Send posts a as a new message and returns it with the Telegram message id.
// Only a bare typing indicator becomes a chat action.
func (s *chatSender) Send(ctx context.Context, a *protocol.Activity) (*protocol.Activity, error) {
	if a.IsTypingIndicator() {
		action := tu.ChatAction(tu.ID(s.chatID), telego.ChatActionTyping)
		if s.threadID > 0 {
			action.MessageThreadID = s.threadID
		}
		if err := s.bot.SendChatAction(ctx, action); err != nil {
			return nil, fmt.Errorf("telegram send chat action: %w", err)
		}
		return a.Clone(), nil
	}

	msg := tu.Message(tu.ID(s.chatID), messageText(a))
	if s.threadID > 0 {
		msg.MessageThreadID = s.threadID
	}
	if a.ReplyToID != "" {
		if id, err := strconv.Atoi(a.ReplyToID); err == nil {
			msg.ReplyParameters = &telego.ReplyParameters{MessageID: id, AllowSendingWithoutReply: true}
		}
	}
	if !s.linkPreview {
		msg.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	}

	sent, err := s.bot.SendMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("telegram send message: %w", err)
	}
	out := a.Clone()
	out.ID = strconv.Itoa(sent.MessageID)
	return out, nil
}

func (s *chatSender) Update(ctx context.Context, id string, a *protocol.Activity) error {
	messageID, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("telegram edit: invalid message id %q: %w", id, err)
	}
	params := &telego.EditMessageTextParams{
		ChatID:    tu.ID(s.chatID),
		MessageID: messageID,
		Text:      messageText(a),
	}
	if !s.linkPreview {
		params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	}
	if _, err := s.bot.EditMessageText(ctx, params); err != nil {
		// The final message often repeats the last streamed text.
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return fmt.Errorf("telegram edit message: %w", err)
	}
	return nil
}

func messageText(a *protocol.Activity) string {
	text := a.Text
	if text == "" {
		return placeholderText
	}
	return channels.Truncate(text, maxMessageRunes-3)
}
