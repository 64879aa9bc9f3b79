package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		addr    string
		message string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to a running bot through the devtools socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr == "" {
				addr = fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
			}
			path := cfg.Channels.DevTools.Path
			if path == "" {
				path = "/devtools"
			}
			return runChat(cmd.Context(), "ws://"+addr+path, message)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "host:port of the bot (default: 127.0.0.1:<server.port>)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	return cmd
}

func runChat(ctx context.Context, wsURL, message string) error {
	c, err := dialChat(ctx, wsURL)
	if err != nil {
		return err
	}
	defer c.close()

	if message != "" {
		_, err := c.turn(ctx, message, os.Stdout)
		return err
	}

	fmt.Fprintf(os.Stderr, "\nturnkit chat (%s)\n", wsURL)
	fmt.Fprintf(os.Stderr, "Conversation: %s\n", c.conversation)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/new\" for a new conversation\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return nil
		case "/new":
			c.conversation = uuid.NewString()[:8]
			fmt.Fprintf(os.Stderr, "New conversation: %s\n\n", c.conversation)
			continue
		}
		resp, err := c.turn(ctx, input, os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		fmt.Fprintf(os.Stderr, "[status %d, routes %d]\n\n", resp.Status, resp.Routes)
	}
}

// chatClient speaks the devtools frame protocol over one socket.
type chatClient struct {
	conn         *websocket.Conn
	conversation string
}

func dialChat(ctx context.Context, wsURL string) (*chatClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("devtools dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(1 << 20)
	return &chatClient{conn: conn, conversation: uuid.NewString()[:8]}, nil
}

func (c *chatClient) close() {
	c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// turn sends text as one message and renders outbound frames to out until
// the turn's response frame arrives. Streamed updates are printed once, when
// the final message lands.
func (c *chatClient) turn(ctx context.Context, text string, out io.Writer) (protocol.Frame, error) {
	a := protocol.NewMessage(text)
	a.Conversation.ID = c.conversation
	if err := wsjson.Write(ctx, c.conn, protocol.Frame{Op: protocol.FrameActivity, Activity: a}); err != nil {
		return protocol.Frame{}, fmt.Errorf("send: %w", err)
	}

	for {
		var f protocol.Frame
		if err := wsjson.Read(ctx, c.conn, &f); err != nil {
			return protocol.Frame{}, fmt.Errorf("read: %w", err)
		}
		switch f.Op {
		case protocol.FrameResponse:
			return f, nil
		case protocol.FrameError:
			return f, fmt.Errorf("server: %s", f.Error)
		case protocol.FrameSend, protocol.FrameUpdate:
			renderActivity(out, f.Activity)
		}
	}
}

func renderActivity(out io.Writer, a *protocol.Activity) {
	if a == nil {
		return
	}
	if a.Type == protocol.ActivityTyping {
		return
	}
	if info, ok := a.StreamInfo(); ok {
		switch info.Type {
		case protocol.StreamInformative:
			fmt.Fprintf(out, "Bot (%s)\n", a.Text)
			return
		case protocol.StreamStreaming:
			return
		}
	}
	fmt.Fprintf(out, "Bot: %s\n", a.Text)
}
