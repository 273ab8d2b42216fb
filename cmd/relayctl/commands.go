package main

import (
	"context"
	"strings"

	"github.com/matheus3301/msgrelay/internal/api"
	"github.com/spf13/cobra"
)

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *api.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return render(g, cmd.OutOrStdout(), st, printStatus)
			})
		},
	}
}

func statsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show delivery or sync statistics",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "delivery",
		Short: "Show outbound delivery counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *api.Client) error {
				stats, err := c.DeliveryStats(ctx)
				if err != nil {
					return err
				}
				return render(g, cmd.OutOrStdout(), stats, printDeliveryStats)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "sync [type]",
		Short: "Show sync counts, optionally for one entity type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityType := ""
			if len(args) == 1 {
				entityType = args[0]
			}
			return g.run(func(ctx context.Context, c *api.Client) error {
				stats, err := c.SyncStats(ctx, entityType)
				if err != nil {
					return err
				}
				return render(g, cmd.OutOrStdout(), stats, printSyncStats)
			})
		},
	})
	return cmd
}

func syncCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run synchronization now",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "Run a batch sync pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *api.Client) error {
				report, err := c.SyncAll(ctx)
				if err != nil {
					return err
				}
				return render(g, cmd.OutOrStdout(), report, printPassReport)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "entity <type> <id>",
		Short: "Synchronize a single entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *api.Client) error {
				res, err := c.SyncEntity(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return render(g, cmd.OutOrStdout(), res, printEntityResult)
			})
		},
	})
	return cmd
}

func resolveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <type> <id>",
		Short: "Resolve a conflict with last-write-wins",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *api.Client) error {
				res, err := c.ResolveConflict(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return render(g, cmd.OutOrStdout(), res, printEntityResult)
			})
		},
	}
}

func requeueCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <type> <id>",
		Short: "Release an errored entity back into batch sync",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *api.Client) error {
				if err := c.Requeue(ctx, args[0], args[1]); err != nil {
					return err
				}
				ref := api.EntityRef{Type: args[0], ID: args[1]}
				return render(g, cmd.OutOrStdout(), ref, printRequeued)
			})
		},
	}
}

func sendCmd(g *globals) *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "send <address> <text>...",
		Short: "Enqueue an outbound text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := strings.Join(args[1:], " ")
			return g.run(func(ctx context.Context, c *api.Client) error {
				sent, err := c.SendText(ctx, args[0], body, threadID)
				if err != nil {
					return err
				}
				return render(g, cmd.OutOrStdout(), sent, printSent)
			})
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "thread id to attach the message to")
	return cmd
}

func conflictsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List entities awaiting conflict resolution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *api.Client) error {
				list, err := c.Conflicts(ctx)
				if err != nil {
					return err
				}
				return render(g, cmd.OutOrStdout(), api.ConflictList{Conflicts: list}, printConflicts)
			})
		},
	}
}
