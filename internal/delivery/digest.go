package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pders01/feedtriage/internal/config"
	"github.com/pders01/feedtriage/internal/debuglog"
	"github.com/pders01/feedtriage/internal/storage"
	"github.com/pders01/feedtriage/internal/validation"
)

type renderFunc func(entries []*storage.DigestEntry, since, until time.Time, loc *time.Location) (string, error)

// DigestGenerator renders the digest-resolved items since the last run.
type DigestGenerator struct {
	store     storage.Store
	paths     *validation.FilePathValidator
	outputDir string
	loc       *time.Location
	now       func() time.Time
	render    renderFunc
}

func NewDigestGenerator(store storage.Store, cfg *config.Config, paths *validation.FilePathValidator) *DigestGenerator {
	loc, err := cfg.Digest.Location()
	if err != nil {
		loc = time.UTC
	}
	return &DigestGenerator{
		store:     store,
		paths:     paths,
		outputDir: cfg.Digest.OutputDir,
		loc:       loc,
		now:       time.Now,
		render:    RenderMarkdown,
	}
}

// Generate builds a report of every unconsumed digest resolution up to now
// and moves the watermark from its last value to now. The watermark only
// moves once the report is rendered and written, so a failed run leaves the
// items for the next one.
func (g *DigestGenerator) Generate(ctx context.Context) (*storage.DigestReport, error) {
	since, err := g.store.DigestWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading digest watermark: %w", err)
	}
	until := g.now().UTC()
	if !until.After(since) {
		until = since.Add(time.Nanosecond)
	}

	entries, err := g.store.DigestCandidates(ctx, until)
	if err != nil {
		return nil, fmt.Errorf("collecting digest items: %w", err)
	}

	md, err := g.render(entries, since, until, g.loc)
	if err != nil {
		return nil, fmt.Errorf("rendering digest: %w", err)
	}

	report := &storage.DigestReport{
		ID:        uuid.NewString(),
		Since:     since,
		Until:     until,
		ItemCount: len(entries),
		Markdown:  md,
		CreatedAt: until,
	}
	rendered := make([]*storage.Resolution, 0, len(entries))
	for _, e := range entries {
		report.ItemIDs = append(report.ItemIDs, e.Item.ID)
		rendered = append(rendered, e.Resolution)
	}

	if g.outputDir != "" {
		path, err := g.write(report)
		if err != nil {
			return nil, fmt.Errorf("writing digest: %w", err)
		}
		report.Path = path
	}

	if err := g.store.CommitDigest(ctx, report, rendered); err != nil {
		if report.Path != "" {
			_ = os.Remove(report.Path)
		}
		return nil, fmt.Errorf("committing digest: %w", err)
	}

	debuglog.WithFields(debuglog.Fields{"report": report.ID, "items": report.ItemCount}).
		Infof("digest generated")
	return report, nil
}

// Latest returns the most recently committed report.
func (g *DigestGenerator) Latest(ctx context.Context) (*storage.DigestReport, error) {
	return g.store.LatestDigest(ctx)
}

func (g *DigestGenerator) write(report *storage.DigestReport) (string, error) {
	name := fmt.Sprintf("%s-digest-%s.md", report.Until.In(g.loc).Format("2006-01-02"), report.ID[:8])
	path, err := g.paths.FileIn(g.outputDir, name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(report.Markdown), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// RenderMarkdown formats digest entries, high priority first.
func RenderMarkdown(entries []*storage.DigestEntry, since, until time.Time, loc *time.Location) (string, error) {
	if loc == nil {
		return "", errors.New("no time zone")
	}
	var b strings.Builder

	fmt.Fprintf(&b, "# Daily Security Digest - %s\n\n", until.In(loc).Format("2006-01-02"))

	counts := map[storage.Partition]int{}
	for _, e := range entries {
		counts[e.Item.Partition]++
	}
	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- Items: %d (high: %d, standard: %d)\n",
		len(entries), counts[storage.PartitionHigh], counts[storage.PartitionStandard])
	if since.IsZero() {
		fmt.Fprintf(&b, "- Window: up to %s\n", until.In(loc).Format(time.RFC1123))
	} else {
		fmt.Fprintf(&b, "- Window: %s to %s\n", since.In(loc).Format(time.RFC1123), until.In(loc).Format(time.RFC1123))
	}

	if len(entries) == 0 {
		b.WriteString("\nNo items were marked for the digest in this period.\n")
		return b.String(), nil
	}

	var current storage.Partition
	for _, e := range entries {
		if e.Item.Partition != current {
			current = e.Item.Partition
			fmt.Fprintf(&b, "\n## %s priority\n", partitionHeading(current))
		}
		b.WriteString("\n")
		if e.Item.URL != "" {
			fmt.Fprintf(&b, "### [%s](%s)\n\n", escapeBrackets(e.Item.Title), e.Item.URL)
		} else {
			fmt.Fprintf(&b, "### %s\n\n", e.Item.Title)
		}
		fmt.Fprintf(&b, "**Source:** %s | **Published:** %s | **Triaged by:** %s\n",
			orDash(e.FeedName), e.Item.PublishedAt.In(loc).Format("2006-01-02 15:04"), orDash(e.Resolution.ActorID))
		if e.Item.Summary != "" {
			fmt.Fprintf(&b, "\n%s\n", e.Item.Summary)
		}
	}
	return b.String(), nil
}

func partitionHeading(p storage.Partition) string {
	if p == storage.PartitionHigh {
		return "High"
	}
	return "Standard"
}

var bracketEscaper = strings.NewReplacer("[", `\[`, "]", `\]`)

func escapeBrackets(s string) string {
	return bracketEscaper.Replace(s)
}
