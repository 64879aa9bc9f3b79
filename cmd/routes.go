package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/turnkit/internal/channels/telegram"
	"github.com/nextlevelbuilder/turnkit/internal/router"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

var streamCommand = regexp.MustCompile(`^/stream\b\s*(.*)$`)

// demoRouter is the built-in handler chain `turnkit serve` runs: a logging
// middleware, a streamed echo for "/stream ...", a plain echo for other
// messages and a greeting when the bot is added to a chat.
func demoRouter() *router.Router {
	r := router.New()

	r.Use(func(c *router.Context) (*router.Response, error) {
		start := time.Now()
		resp, err := c.Next()
		c.Log.Debug("turn handled", "from", c.Activity.From.ID, "duration", time.Since(start))
		return resp, err
	})

	r.OnText(streamCommand, func(c *router.Context) (*router.Response, error) {
		text := strings.TrimSpace(streamCommand.FindStringSubmatch(c.Activity.Text)[1])
		if text == "" {
			text = "nothing to stream"
		}
		s := c.Stream()
		s.Update("typing...")
		for _, word := range strings.Fields(text) {
			s.Emit(word + " ")
			time.Sleep(150 * time.Millisecond)
		}
		if _, err := s.Close(c); err != nil {
			return nil, err
		}
		return router.OK(map[string]int{"words": len(strings.Fields(text))}), nil
	})

	r.OnInvoke(telegram.CallbackInvoke, func(c *router.Context) (*router.Response, error) {
		if _, err := c.Reply(fmt.Sprintf("button: %s", c.Activity.Value)); err != nil {
			return nil, err
		}
		return router.OK(nil), nil
	})

	r.OnMessage(func(c *router.Context) (*router.Response, error) {
		if err := c.Typing(); err != nil {
			c.Log.Debug("typing indicator failed", "error", err)
		}
		if _, err := c.Reply("echo: " + c.Activity.Text); err != nil {
			return nil, err
		}
		return nil, nil
	})

	r.OnConversationUpdate(func(c *router.Context) (*router.Response, error) {
		var change struct {
			Old string `json:"old_status"`
			New string `json:"new_status"`
		}
		if len(c.Activity.Value) > 0 {
			if err := json.Unmarshal(c.Activity.Value, &change); err != nil {
				return router.WithStatus(http.StatusBadRequest, nil), nil
			}
		}
		c.Log.Info("membership changed", "old", change.Old, "new", change.New)
		if change.New == "member" || change.New == "administrator" {
			if _, err := c.Send("hello, " + displayName(c.Activity.From) + " added me here"); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	r.OnActivity(protocol.ActivityEndOfConversation, func(c *router.Context) (*router.Response, error) {
		c.Log.Info("conversation ended", "conversation", c.Activity.Conversation.ID)
		return nil, nil
	})

	return r
}

func displayName(a protocol.Account) string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}
