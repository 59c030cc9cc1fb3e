package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pders01/feedtriage/internal/app"
	"github.com/pders01/feedtriage/internal/feed"
	"github.com/pders01/feedtriage/internal/storage"
	"github.com/pders01/feedtriage/internal/triage"
)

var (
	feedName     string
	feedPriority int
	feedCategory string
	feedActive   bool
)

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "Manage feed sources",
}

var feedsAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Add a feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			spec := feed.FeedSpec{URL: args[0], Name: feedName, Category: feedCategory}
			if cmd.Flags().Changed("priority") {
				spec.Priority = feed.Priority(feedPriority)
			}
			f, err := a.Triage.AddFeed(ctx, spec)
			if err != nil {
				return err
			}
			return emit(f, func() {
				fmt.Printf("%s %s (%s, priority %d)\n", successStyle.Render("Added"), f.Name(), f.ID, f.Priority)
			})
		})
	},
}

var feedsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List feeds with their last fetch status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			feeds, err := a.Triage.ListFeeds(ctx)
			if err != nil {
				return err
			}
			statuses, err := a.Store.FetchStatuses(ctx)
			if err != nil {
				return err
			}
			byFeed := make(map[string]*storage.FetchStatus, len(statuses))
			for _, st := range statuses {
				byFeed[st.FeedID] = st
			}
			return emit(feeds, func() {
				if len(feeds) == 0 {
					fmt.Println(mutedStyle.Render("No feeds. Add one with: feedtriage feeds add <url>"))
					return
				}
				for _, f := range feeds {
					state := successStyle.Render("active")
					if !f.Active {
						state = mutedStyle.Render("paused")
					}
					fmt.Printf("%s  %2d  %-8s %s\n", f.ID, f.Priority, state, headerStyle.Render(f.Name()))
					if st, ok := byFeed[f.ID]; ok {
						line := fmt.Sprintf("    last fetched %s, %d new", st.LastFetched.Local().Format(time.DateTime), st.ItemsAdded)
						if st.LastError != "" {
							line += ", " + errorStyle.Render(fmt.Sprintf("error (%dx): %s", st.ConsecutiveFailures, st.LastError))
						}
						fmt.Println(mutedStyle.Render(line))
					}
				}
			})
		})
	},
}

var feedsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change a feed's name, priority, category or active flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var upd triage.FeedUpdate
		flags := cmd.Flags()
		if flags.Changed("name") {
			upd.Name = &feedName
		}
		if flags.Changed("priority") {
			upd.Priority = &feedPriority
		}
		if flags.Changed("category") {
			upd.Category = &feedCategory
		}
		if flags.Changed("active") {
			upd.Active = &feedActive
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			f, err := a.Triage.UpdateFeed(ctx, args[0], upd)
			if err != nil {
				return err
			}
			return emit(f, func() {
				fmt.Printf("%s %s (priority %d, active %t)\n", successStyle.Render("Updated"), f.Name(), f.Priority, f.Active)
			})
		})
	},
}

var feedsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a feed and its items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Triage.RemoveFeed(ctx, args[0])
			if err != nil {
				return err
			}
			return emit(map[string]any{"feed_id": args[0], "items_removed": n}, func() {
				fmt.Printf("%s %s and %d items\n", successStyle.Render("Removed"), args[0], n)
			})
		})
	},
}

var feedsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import feeds from a TOML file or a url|name|priority|category list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, err := feed.ImportFile(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			report, err := a.Triage.ImportFeeds(ctx, specs)
			if err != nil {
				return err
			}
			errs := make([]string, 0, len(report.Errors))
			for _, e := range report.Errors {
				errs = append(errs, e.Error())
			}
			out := map[string]any{"added": len(report.Added), "skipped": report.Skipped, "errors": errs}
			return emit(out, func() {
				fmt.Printf("Imported %d feeds, %d already present\n", len(report.Added), report.Skipped)
				for _, e := range errs {
					fmt.Println(errorStyle.Render("  " + e))
				}
			})
		})
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run one fetch cycle over all active feeds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			report, err := a.Pool.RunCycle(ctx)
			if err != nil {
				return err
			}
			return emit(report, func() {
				for _, r := range report.Feeds {
					if r.Err != nil {
						fmt.Printf("%s %s: %v\n", errorStyle.Render("✗"), r.FeedID, r.Err)
						continue
					}
					fmt.Printf("%s %s: %d entries, %d new\n", successStyle.Render("✓"), r.FeedID, r.Entries, r.Added)
				}
				fmt.Println(mutedStyle.Render(fmt.Sprintf("%d new items, %d failed feeds in %s",
					report.ItemsAdded, report.Failures, report.Finished.Sub(report.Started).Round(time.Millisecond))))
			})
		})
	},
}

func init() {
	feedsAddCmd.Flags().StringVar(&feedName, "name", "", "Display name")
	feedsAddCmd.Flags().IntVar(&feedPriority, "priority", feed.DefaultPriority, "Priority 0..10")
	feedsAddCmd.Flags().StringVar(&feedCategory, "category", "", "Category label")

	feedsUpdateCmd.Flags().StringVar(&feedName, "name", "", "Display name")
	feedsUpdateCmd.Flags().IntVar(&feedPriority, "priority", feed.DefaultPriority, "Priority 0..10")
	feedsUpdateCmd.Flags().StringVar(&feedCategory, "category", "", "Category label")
	feedsUpdateCmd.Flags().BoolVar(&feedActive, "active", true, "Whether the feed is fetched")

	feedsCmd.AddCommand(feedsAddCmd, feedsListCmd, feedsUpdateCmd, feedsRemoveCmd, feedsImportCmd)
}
