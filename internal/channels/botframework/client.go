package botframework

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// resourceResponse is the connector's reply to a create/update call.
type resourceResponse struct {
	ID string `json:"id"`
}

// connectorClient talks to the Bot Connector REST API of one conversation.
type connectorClient struct {
	http           *http.Client
	serviceURL     string
	conversationID string
	token          string
}

func (c *connectorClient) activitiesURL(parts ...string) string {
	u := strings.TrimRight(c.serviceURL, "/") + "/v3/conversations/" + url.PathEscape(c.conversationID) + "/activities"
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// Send creates an activity. Replies are posted under the activity they answer.
func (c *connectorClient) Send(ctx context.Context, a *protocol.Activity) (*protocol.Activity, error) {
	target := c.activitiesURL()
	if a.ReplyToID != "" {
		target = c.activitiesURL(a.ReplyToID)
	}
	var res resourceResponse
	if err := c.do(ctx, http.MethodPost, target, a, &res); err != nil {
		return nil, err
	}
	out := a.Clone()
	out.ID = res.ID
	return out, nil
}

// Update replaces the activity created under id.
func (c *connectorClient) Update(ctx context.Context, id string, a *protocol.Activity) error {
	body := a.Clone()
	body.ID = id
	return c.do(ctx, http.MethodPut, c.activitiesURL(id), body, nil)
}

func (c *connectorClient) do(ctx context.Context, method, target string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("botframework: encode activity: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("botframework: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("botframework: %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("botframework: %s %s: status %d: %s", method, target, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("botframework: decode response: %w", err)
	}
	return nil
}
