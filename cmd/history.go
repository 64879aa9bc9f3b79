package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/internal/store"
)

const historyTextWidth = 60

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded activities",
	}
	cmd.AddCommand(historyConversationsCmd())
	cmd.AddCommand(historyShowCmd())
	cmd.AddCommand(historyPurgeCmd())
	return cmd
}

func withStore(fn func(context.Context, store.ActivityStore) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.HistoryEnabled() {
		return fmt.Errorf("history is disabled (database.mode = none)")
	}
	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()
	return fn(context.Background(), stores.Activities)
}

func historyConversationsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, s store.ActivityStore) error {
				convs, err := s.Conversations(ctx, limit)
				if err != nil {
					return err
				}
				printConversations(os.Stdout, convs)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max conversations")
	return cmd
}

func historyShowCmd() *cobra.Command {
	var (
		opts   store.ListOpts
		dir    string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "show <conversation-key>",
		Short: "Print a conversation's activities, oldest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.ConversationKey = args[0]
			}
			opts.Direction = store.Direction(dir)
			return withStore(func(ctx context.Context, s store.ActivityStore) error {
				recs, err := s.List(ctx, opts)
				if err != nil {
					return err
				}
				if asJSON {
					return printRecordsJSON(os.Stdout, recs)
				}
				printRecords(os.Stdout, recs)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", store.DefaultListLimit, "max records")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "records to skip")
	cmd.Flags().StringVar(&dir, "direction", "", "inbound, outbound or update")
	cmd.Flags().StringVar(&opts.EntityType, "entity", "", "only records carrying this entity type")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print full activities as JSON lines")
	return cmd
}

func historyPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete records older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withStore(func(ctx context.Context, s store.ActivityStore) error {
				n, err := s.Purge(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Printf("purged %d record(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age cutoff, e.g. 720h")
	return cmd
}

func printConversations(w io.Writer, convs []store.ConversationInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONVERSATION\tACTIVITIES\tLAST ACTIVITY")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", c.Key, c.ActivityCount, c.LastActivity.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func printRecords(w io.Writer, recs []store.ActivityRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tDIR\tTYPE\tFROM\tTEXT")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.Local().Format(time.TimeOnly), r.Direction, r.Type, r.FromID, displayText(r.Text))
	}
	tw.Flush()
}

func printRecordsJSON(w io.Writer, recs []store.ActivityRecord) error {
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(map[string]any{
			"direction": r.Direction,
			"createdAt": r.CreatedAt,
			"activity":  r.Payload,
		}); err != nil {
			return err
		}
	}
	return nil
}

// displayText flattens text to one line and cuts it to a fixed terminal
// width, counting wide runes as two cells.
func displayText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, historyTextWidth, "…")
}
