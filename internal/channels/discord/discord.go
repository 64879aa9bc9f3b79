package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/internal/dispatch"
	"github.com/nextlevelbuilder/turnkit/internal/router"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	config         config.DiscordConfig
	botUserID      string // populated on start
	requireMention bool   // require @bot mention in guild channels (default true)
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig, d *dispatch.Dispatcher) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	base := channels.NewBaseChannel("discord", d, channels.Policy{
		AllowFrom:   cfg.AllowFrom,
		DMPolicy:    channels.DMPolicy(cfg.DMPolicy),
		GroupPolicy: channels.GroupPolicy(cfg.GroupPolicy),
	})

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		BaseChannel:    base,
		session:        session,
		config:         cfg,
		requireMention: requireMention,
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(ctx, m)
	})

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// handleMessage processes incoming Discord messages.
func (c *Channel) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	a := messageToActivity(m.Message)
	if a.Conversation.IsGroup && c.requireMention && !mentions(m.Message, c.botUserID) {
		slog.Debug("discord guild message ignored (no mention)",
			"channel_id", m.ChannelID,
			"user_id", m.Author.ID,
		)
		return
	}

	slog.Debug("discord message received",
		"sender_id", m.Author.ID,
		"channel_id", m.ChannelID,
		"is_dm", !a.Conversation.IsGroup,
		"preview", channels.Truncate(a.Text, 50),
	)

	resp := c.HandleActivity(ctx, channels.Inbound{
		Activity: a,
		SenderID: m.Author.ID,
		Sender:   &channelSender{api: c.session, channelID: m.ChannelID},
		Token:    router.StaticToken{App: c.Name()},
		Services: router.ServiceMap{"discord.session": c.session},
	})
	if resp == nil {
		slog.Debug("discord message rejected by policy", "user_id", m.Author.ID)
		return
	}
	if resp.Status >= 500 {
		slog.Warn("discord turn failed", "status", resp.Status, "channel_id", m.ChannelID)
	}
}

// messageToActivity converts a Discord message. Guild channels are group
// conversations; attachments keep their URL and content type.
func messageToActivity(m *discordgo.Message) *protocol.Activity {
	a := &protocol.Activity{
		Type:      protocol.ActivityMessage,
		ID:        m.ID,
		Timestamp: m.Timestamp.UTC(),
		From: protocol.Account{
			ID:   m.Author.ID,
			Name: resolveDisplayName(m),
			Role: "user",
		},
		Conversation: protocol.ConversationRef{
			ID:       m.ChannelID,
			IsGroup:  m.GuildID != "",
			TenantID: m.GuildID,
		},
		Text: m.Content,
	}
	for _, att := range m.Attachments {
		a.Attachments = append(a.Attachments, protocol.Attachment{
			ContentType: att.ContentType,
			ContentURL:  att.URL,
			Name:        att.Filename,
		})
	}
	if m.MessageReference != nil {
		a.ReplyToID = m.MessageReference.MessageID
	}
	if m.Author.Username != "" {
		a.SetChannelData("discord.username", m.Author.Username)
	}
	return a
}

func mentions(m *discordgo.Message, userID string) bool {
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

// resolveDisplayName returns the best available display name for a message author.
// Priority: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
