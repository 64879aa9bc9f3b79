package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/internal/router"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// Channel-data keys set on inbound Telegram activities.
const (
	KeyCommand  = "telegram.command"
	KeyThreadID = "telegram.threadId"
	KeyUsername = "telegram.username"
)

// CallbackInvoke is the invoke name for inline keyboard button presses.
const CallbackInvoke = "telegram/callback"

func (c *Channel) handleUpdate(ctx context.Context, update telego.Update) {
	switch {
	case update.Message != nil:
		c.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		c.handleCallbackQuery(ctx, update.CallbackQuery)
	case update.MyChatMember != nil:
		c.dispatch(ctx, memberToActivity(update.MyChatMember), senderIDOf(&update.MyChatMember.From), 0)
	default:
		slog.Debug("telegram update skipped", "update_id", update.UpdateID)
	}
}

// handleMessage converts a Telegram message and dispatches it.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	if isServiceMessage(message) || message.From == nil {
		slog.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return
	}

	a, threadID := messageToActivity(message)
	if a.Conversation.IsGroup && c.requireMention {
		if !detectMention(message, c.bot.Username()) {
			slog.Debug("telegram group message ignored (no mention)",
				"chat_id", message.Chat.ID,
				"text_preview", channels.Truncate(message.Text, 60),
			)
			return
		}
	}

	slog.Debug("telegram message received",
		"chat_id", message.Chat.ID,
		"is_group", a.Conversation.IsGroup,
		"user_id", message.From.ID,
		"preview", channels.Truncate(a.Text, 50),
	)
	c.dispatch(ctx, a, senderIDOf(message.From), threadID)
}

func (c *Channel) handleCallbackQuery(ctx context.Context, q *telego.CallbackQuery) {
	if err := c.bot.AnswerCallbackQuery(ctx, tu.CallbackQuery(q.ID)); err != nil {
		slog.Debug("telegram answerCallbackQuery failed", "error", err)
	}
	a := callbackToActivity(q)
	if a == nil {
		return
	}
	c.dispatch(ctx, a, senderIDOf(&q.From), 0)
}

func (c *Channel) dispatch(ctx context.Context, a *protocol.Activity, senderID string, threadID int) {
	chatID, _, err := splitConversationID(a.Conversation.ID)
	if err != nil {
		slog.Warn("telegram: bad conversation id", "id", a.Conversation.ID, "error", err)
		return
	}
	resp := c.HandleActivity(ctx, channels.Inbound{
		Activity: a,
		SenderID: senderID,
		Sender: &chatSender{
			bot:         c.bot,
			chatID:      chatID,
			threadID:    resolveThreadIDForSend(threadID),
			linkPreview: c.linkPreview,
		},
		Token:    router.StaticToken{App: c.Name()},
		Services: router.ServiceMap{"telegram.bot": c.bot},
	})
	if resp == nil {
		slog.Debug("telegram message rejected by policy", "sender_id", senderID)
		return
	}
	if resp.Status >= 500 {
		slog.Warn("telegram turn failed", "status", resp.Status, "conversation", a.Conversation.ID)
	}
}

// senderIDOf builds the compound "id|username" identity used by allow lists.
func senderIDOf(u *telego.User) string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return fmt.Sprintf("%d|%s", u.ID, u.Username)
	}
	return fmt.Sprintf("%d", u.ID)
}

func accountOf(u *telego.User) protocol.Account {
	if u == nil {
		return protocol.Account{}
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	role := "user"
	if u.IsBot {
		role = "bot"
	}
	return protocol.Account{ID: fmt.Sprintf("%d", u.ID), Name: name, Role: role}
}

func isGroupChat(chat telego.Chat) bool {
	return chat.Type == telego.ChatTypeGroup || chat.Type == telego.ChatTypeSupergroup
}

// conversationOf maps a chat (and forum topic) to a conversation reference.
// Forum topics are separate conversations: "{chatId}:topic:{topicId}".
func conversationOf(chat telego.Chat, threadID int) protocol.ConversationRef {
	id := fmt.Sprintf("%d", chat.ID)
	if threadID > 0 {
		id = fmt.Sprintf("%s:topic:%d", id, threadID)
	}
	name := chat.Title
	if name == "" {
		name = chat.Username
	}
	return protocol.ConversationRef{ID: id, Name: name, IsGroup: isGroupChat(chat)}
}

// messageToActivity converts a Telegram message into a message activity.
// It also returns the forum thread id (0 outside forums).
func messageToActivity(m *telego.Message) (*protocol.Activity, int) {
	threadID := 0
	if isGroupChat(m.Chat) && m.Chat.IsForum {
		threadID = m.MessageThreadID
		if threadID == 0 {
			threadID = telegramGeneralTopicID
		}
	}

	text := m.Text
	if m.Caption != "" {
		if text != "" {
			text += "\n"
		}
		text += m.Caption
	}

	a := &protocol.Activity{
		Type:         protocol.ActivityMessage,
		ID:           fmt.Sprintf("%d", m.MessageID),
		Timestamp:    time.Unix(m.Date, 0).UTC(),
		From:         accountOf(m.From),
		Conversation: conversationOf(m.Chat, threadID),
		Text:         text,
	}
	if m.ReplyToMessage != nil {
		a.ReplyToID = fmt.Sprintf("%d", m.ReplyToMessage.MessageID)
	}
	if m.From != nil && m.From.Username != "" {
		a.SetChannelData(KeyUsername, m.From.Username)
	}
	if threadID > 0 {
		a.SetChannelData(KeyThreadID, threadID)
	}
	if cmd := commandOf(text); cmd != "" {
		a.SetChannelData(KeyCommand, cmd)
	}
	return a, threadID
}

// commandOf returns the bot command of text without slash or @botname suffix.
func commandOf(text string) string {
	if len(text) < 2 || text[0] != '/' {
		return ""
	}
	cmd := strings.SplitN(text[1:], " ", 2)[0]
	cmd = strings.SplitN(cmd, "@", 2)[0]
	return strings.ToLower(cmd)
}

// callbackToActivity converts an inline button press to an invoke activity
// whose value is the button's callback data.
func callbackToActivity(q *telego.CallbackQuery) *protocol.Activity {
	if q.Message == nil {
		return nil
	}
	value, _ := json.Marshal(map[string]string{"data": q.Data})
	chat := q.Message.GetChat()
	return &protocol.Activity{
		Type:         protocol.ActivityInvoke,
		Name:         CallbackInvoke,
		ID:           q.ID,
		From:         accountOf(&q.From),
		Conversation: conversationOf(chat, 0),
		ReplyToID:    fmt.Sprintf("%d", q.Message.GetMessageID()),
		Value:        value,
	}
}

// memberToActivity reports the bot being added to or removed from a chat.
func memberToActivity(u *telego.ChatMemberUpdated) *protocol.Activity {
	value, _ := json.Marshal(map[string]string{
		"old_status": u.OldChatMember.MemberStatus(),
		"new_status": u.NewChatMember.MemberStatus(),
	})
	return &protocol.Activity{
		Type:         protocol.ActivityConversationUpdate,
		Timestamp:    time.Unix(u.Date, 0).UTC(),
		From:         accountOf(&u.From),
		Conversation: conversationOf(u.Chat, 0),
		Value:        value,
	}
}

// detectMention checks if a Telegram message mentions the bot, in text or
// caption entities, by substring, or by replying to the bot.
func detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	lowerBot := strings.ToLower(botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			if entity.Offset < 0 || entity.Offset+entity.Length > len(pair.text) {
				continue
			}
			span := pair.text[entity.Offset : entity.Offset+entity.Length]
			if entity.Type == "mention" && strings.EqualFold(span, "@"+botUsername) {
				return true
			}
			if entity.Type == "bot_command" && strings.Contains(strings.ToLower(span), "@"+lowerBot) {
				return true
			}
		}
	}

	if msg.Text != "" && strings.Contains(strings.ToLower(msg.Text), "@"+lowerBot) {
		return true
	}
	if msg.Caption != "" && strings.Contains(strings.ToLower(msg.Caption), "@"+lowerBot) {
		return true
	}

	// Reply to bot's message = implicit mention
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		if strings.EqualFold(msg.ReplyToMessage.From.Username, botUsername) {
			return true
		}
	}
	return false
}

// isServiceMessage reports member joins, title changes, pins and the like:
// messages with no text, caption or media.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}

