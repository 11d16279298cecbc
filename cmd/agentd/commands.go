package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"Agent-Sandbox/internal/conversation"
	"Agent-Sandbox/internal/terminal"
)

var chatCmd = &cobra.Command{
	Use:   "chat [id|new]",
	Short: "Open the interactive terminal, optionally jumping straight into a conversation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			busCtx, cancel := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = a.bus.Run(busCtx)
			}()
			defer func() {
				cancel()
				<-done
			}()

			term := terminal.New(cmd.InOrStdin(), cmd.OutOrStdout(), a.store, a.engine,
				terminal.WithEvents(a.bus.Fanout()),
			)
			if len(args) == 0 {
				return term.Run(ctx)
			}
			id, err := chatTarget(ctx, a.store, args[0])
			if err != nil {
				return err
			}
			if err := term.Chat(ctx, id); err != nil {
				if errors.Is(err, terminal.ErrExit) {
					return nil
				}
				return err
			}
			return term.Run(ctx)
		})
	},
}

func chatTarget(ctx context.Context, store conversation.Store, arg string) (int64, error) {
	if arg == "new" {
		conv, err := conversation.Create(ctx, store, "")
		if err != nil {
			return 0, err
		}
		return conv.ID, nil
	}
	return parseID(arg)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage stored conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			summaries, err := a.store.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tUPDATED")
			for _, s := range summaries {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", s.ID, s.Title, s.MessageCount, s.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		})
	},
}

var conversationsNewCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Create a conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			conv, err := conversation.Create(ctx, a.store, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created conversation %d (%s)\n", conv.ID, conv.Title)
			return nil
		})
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.store.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation %d\n", id)
			return nil
		})
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Print the tool catalogue shown to the model",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(_ context.Context, a *app) error {
			catalogue, err := a.registry.DescribeTools()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), catalogue)
			return nil
		})
	},
}

func init() {
	conversationsCmd.AddCommand(conversationsListCmd, conversationsNewCmd, conversationsDeleteCmd)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("无效的会话 ID: %q", s)
	}
	return id, nil
}
