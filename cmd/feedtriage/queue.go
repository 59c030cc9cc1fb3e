package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/pders01/feedtriage/internal/app"
	"github.com/pders01/feedtriage/internal/storage"
	"github.com/pders01/feedtriage/internal/triage"
)

var (
	actorID       string
	nextPartition string
	listPartition string
	skipPartition string
	listLimit     int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Triage queued items",
}

var queueNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show the oldest pending item in a partition",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			item, err := a.Triage.Next(ctx, storage.Partition(nextPartition), actorID)
			if err != nil {
				return err
			}
			return emit(item, func() {
				if item == nil {
					fmt.Println(mutedStyle.Render("Queue is empty."))
					return
				}
				printItem(item)
			})
		})
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending items",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			items, err := a.Store.ListItems(ctx, storage.ItemFilter{
				Partition: storage.Partition(listPartition),
				Status:    storage.StatusPending,
				Limit:     listLimit,
			})
			if err != nil {
				return err
			}
			return emit(items, func() {
				for _, it := range items {
					fmt.Printf("%6d  %s  %s\n", it.ID, partitionLabel(it.Partition), it.Title)
				}
			})
		})
	},
}

var queueResolveCmd = &cobra.Command{
	Use:   "resolve <item-id> <alert|digest|skip>",
	Short: "Resolve an item exactly once",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid item id %q", args[0])
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Triage.Resolve(ctx, id, actorID, storage.Action(args[1]))
			if err != nil {
				return err
			}
			if res.Delivery != nil {
				// Deliver before the process exits; failures are recorded on
				// the delivery record and retried by serve.
				a.Dispatcher.Wait()
			}
			return emit(res, func() {
				fmt.Printf("item %d: %s\n", res.ItemID, outcomeLabel(string(res.Outcome)))
				if res.Delivery != nil {
					if rec, err := a.Store.GetDelivery(ctx, res.ItemID); err == nil {
						fmt.Println(mutedStyle.Render(fmt.Sprintf("alert %s after %d attempt(s)", rec.Status, rec.AttemptCount)))
					}
				}
			})
		})
	},
}

var queueUndoCmd = &cobra.Command{
	Use:   "undo [item-id]",
	Short: "Undo your most recent resolution, or the one on a given item",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			var (
				res *triage.UndoResult
				err error
			)
			if len(args) == 1 {
				id, perr := strconv.ParseInt(args[0], 10, 64)
				if perr != nil {
					return fmt.Errorf("invalid item id %q", args[0])
				}
				res, err = a.Triage.Undo(ctx, id, actorID)
			} else {
				res, err = a.Triage.UndoLast(ctx, actorID)
			}
			if err != nil {
				return err
			}
			return emit(res, func() {
				if res.ItemID == 0 {
					fmt.Println(outcomeLabel(string(res.Outcome)))
					return
				}
				fmt.Printf("item %d: %s\n", res.ItemID, outcomeLabel(string(res.Outcome)))
			})
		})
	},
}

var queueSkipAllCmd = &cobra.Command{
	Use:   "skip-all",
	Short: "Skip every pending item in a partition, or in all partitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Triage.SkipAll(ctx, storage.Partition(skipPartition), actorID)
			if err != nil {
				return err
			}
			return emit(res, func() {
				fmt.Printf("Skipped %d items\n", res.Skipped)
			})
		})
	},
}

func printItem(it *storage.Item) {
	rows := [][2]string{
		{"ID", strconv.FormatInt(it.ID, 10)},
		{"Partition", partitionLabel(it.Partition)},
		{"Feed", it.FeedID},
		{"Published", it.PublishedAt.Local().Format(time.DateTime)},
	}
	if it.URL != "" {
		rows = append(rows, [2]string{"Link", it.URL})
	}
	body := headerStyle.Render(it.Title) + "\n\n" + kv(rows...)
	if it.Summary != "" {
		body += "\n\n" + valueStyle.Width(min(terminalWidth(80)-6, 100)).Render(it.Summary)
	}
	fmt.Println(panelStyle.Render(body))
}

func defaultActor() string {
	if a := os.Getenv("FEEDTRIAGE_ACTOR"); a != "" {
		return a
	}
	return os.Getenv("USER")
}

func init() {
	queueCmd.PersistentFlags().StringVar(&actorID, "actor", defaultActor(), "Actor id recorded on resolutions")
	queueNextCmd.Flags().StringVarP(&nextPartition, "partition", "p", string(storage.PartitionHigh), "Partition: high or standard")
	queueListCmd.Flags().StringVarP(&listPartition, "partition", "p", "", "Partition filter")
	queueListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum items to list")
	queueSkipAllCmd.Flags().StringVarP(&skipPartition, "partition", "p", "", "Partition; empty skips all")

	queueCmd.AddCommand(queueNextCmd, queueListCmd, queueResolveCmd, queueUndoCmd, queueSkipAllCmd)
}
