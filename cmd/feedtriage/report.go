package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/pders01/feedtriage/internal/app"
	"github.com/pders01/feedtriage/internal/search"
	"github.com/pders01/feedtriage/internal/storage"
)

var (
	rawMarkdown bool
	searchLimit int
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Generate or show markdown digests",
}

var digestGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Build a digest of items resolved as digest since the last run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			report, err := a.Digest.Generate(ctx)
			if err != nil {
				return err
			}
			return emit(report, func() {
				fmt.Printf("%s digest %s with %d items\n", successStyle.Render("Generated"), report.ID, report.ItemCount)
				if report.Path != "" {
					fmt.Println(mutedStyle.Render("written to " + report.Path))
				}
			})
		})
	},
}

var digestShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the most recent digest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			report, err := a.Digest.Latest(ctx)
			if err != nil {
				return fmt.Errorf("no digest yet: %w", err)
			}
			if jsonOutput || rawMarkdown {
				return emit(report, func() { fmt.Print(report.Markdown) })
			}
			out, err := renderMarkdown(report.Markdown)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		})
	},
}

func renderMarkdown(md string) (string, error) {
	wrap := terminalWidth(100) * 9 / 10
	if wrap > 120 {
		wrap = 120
	}
	if wrap < 40 {
		wrap = 40
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrap),
	)
	if err != nil {
		return "", err
	}
	return r.Render(md)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth, resolution counts and feed health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			stats, err := a.Triage.Stats(ctx)
			if err != nil {
				return err
			}
			return emit(stats, func() { fmt.Println(renderStats(stats)) })
		})
	},
}

func renderStats(s *storage.Stats) string {
	queue := kv(
		[2]string{"Pending high", strconv.Itoa(s.PendingByPartition[storage.PartitionHigh])},
		[2]string{"Pending standard", strconv.Itoa(s.PendingByPartition[storage.PartitionStandard])},
	)
	resolved := kv(
		[2]string{"Alerted", strconv.Itoa(s.ResolvedByAction[storage.ActionAlert])},
		[2]string{"Digested", strconv.Itoa(s.ResolvedByAction[storage.ActionDigest])},
		[2]string{"Skipped", strconv.Itoa(s.ResolvedByAction[storage.ActionSkip])},
	)

	failing := 0
	var lastFetch time.Time
	for _, st := range s.FetchStatuses {
		if st.LastError != "" {
			failing++
		}
		if st.LastFetched.After(lastFetch) {
			lastFetch = st.LastFetched
		}
	}
	last := "never"
	if !lastFetch.IsZero() {
		last = lastFetch.Local().Format(time.DateTime)
	}
	failures := strconv.Itoa(failing)
	if failing > 0 {
		failures = errorStyle.Render(failures)
	}
	feeds := kv(
		[2]string{"Active feeds", fmt.Sprintf("%d of %d", s.ActiveFeeds, s.TotalFeeds)},
		[2]string{"Failing feeds", failures},
		[2]string{"Last fetch", last},
	)

	deliveryFailures := strconv.Itoa(s.DeliveryFailures)
	if s.DeliveryFailures > 0 {
		deliveryFailures = errorStyle.Render(deliveryFailures)
	}
	deliveries := kv(
		[2]string{"Pending alerts", strconv.Itoa(s.DeliveriesPending)},
		[2]string{"Failed alerts", deliveryFailures},
	)

	section := func(title, body string) string {
		return panelStyle.Render(headerStyle.Render(title) + "\n" + body)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.JoinHorizontal(lipgloss.Top, section("Queue", queue), section("Resolved", resolved)),
		lipgloss.JoinHorizontal(lipgloss.Top, section("Feeds", feeds), section("Delivery", deliveries)),
	)
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over ingested items",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if a.Search == nil {
				return fmt.Errorf("search is disabled; set search.enabled = true")
			}
			results, err := a.Search.Search(ctx, strings.Join(args, " "), searchLimit)
			if err != nil {
				return err
			}
			return emit(results, func() {
				if ds, ok := a.Search.(search.DebugStatser); ok {
					if n, err := ds.DocCount(); err == nil {
						fmt.Println(mutedStyle.Render(fmt.Sprintf("%d of %d indexed items match", len(results), n)))
					}
				}
				if len(results) == 0 {
					fmt.Println(mutedStyle.Render("No matches."))
					return
				}
				for _, r := range results {
					fmt.Printf("%6d  %s  %s  %s\n", r.Item.ID, partitionLabel(r.Item.Partition),
						headerStyle.Render(r.Item.Title), mutedStyle.Render(string(r.Item.Status)))
					for _, m := range r.Matches {
						if m.Field == "summary" {
							fmt.Println(mutedStyle.Render("        " + m.Text))
						}
					}
				}
			})
		})
	},
}

func init() {
	digestShowCmd.Flags().BoolVar(&rawMarkdown, "raw", false, "Print markdown without terminal rendering")
	digestCmd.AddCommand(digestGenerateCmd, digestShowCmd)
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "Maximum results")
}
