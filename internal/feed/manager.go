package feed

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pders01/feedtriage/internal/config"
	"github.com/pders01/feedtriage/internal/debuglog"
	"github.com/pders01/feedtriage/internal/storage"
)

// ItemListener is told about items as they enter the queue.
type ItemListener interface {
	OnItemsIngested(items []*storage.Item)
}

// FeedResult is the outcome of fetching one feed in a cycle.
type FeedResult struct {
	FeedID  string
	Entries int
	Added   int
	Err     error
}

type CycleReport struct {
	Started    time.Time
	Finished   time.Time
	Feeds      []FeedResult
	ItemsAdded int
	Failures   int
}

// Pool fetches every active feed with bounded concurrency.
type Pool struct {
	store      storage.Store
	fetcher    *Fetcher
	parser     *Parser
	normalizer *Normalizer
	workers    int
	maxItems   int
	listeners  []ItemListener
	now        func() time.Time
}

func NewPool(store storage.Store, cfg *config.Config, fetcher *Fetcher, normalizer *Normalizer) *Pool {
	workers := cfg.Feed.Workers
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		store:      store,
		fetcher:    fetcher,
		parser:     NewParser(),
		normalizer: normalizer,
		workers:    workers,
		maxItems:   cfg.Feed.MaxItemsPerFeed,
		now:        time.Now,
	}
}

func (p *Pool) AddListener(l ItemListener) {
	p.listeners = append(p.listeners, l)
}

// RunCycle fetches all active feeds once. A failing feed is recorded and
// logged but never stops the others; only a failure to list feeds is
// returned as an error.
func (p *Pool) RunCycle(ctx context.Context) (*CycleReport, error) {
	feeds, err := p.store.ListFeeds(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}

	report := &CycleReport{Started: p.now(), Feeds: make([]FeedResult, len(feeds))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, feed := range feeds {
		g.Go(func() error {
			report.Feeds[i] = p.FetchFeed(gctx, feed)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range report.Feeds {
		report.ItemsAdded += res.Added
		if res.Err != nil {
			report.Failures++
		}
	}
	report.Finished = p.now()
	debuglog.WithFields(debuglog.Fields{
		"feeds":    len(feeds),
		"added":    report.ItemsAdded,
		"failures": report.Failures,
	}).Infof("fetch cycle finished in %s", report.Finished.Sub(report.Started).Round(time.Millisecond))
	return report, nil
}

// FetchFeed fetches, parses and ingests a single feed and records the
// outcome in the store.
func (p *Pool) FetchFeed(ctx context.Context, feed *storage.Feed) FeedResult {
	fetchedAt := p.now()
	res := FeedResult{FeedID: feed.ID}
	var added []*storage.Item

	res.Err = func() error {
		body, err := p.fetcher.Fetch(ctx, feed)
		if err != nil {
			return err
		}
		entries, err := p.parser.Parse(feed.ID, body)
		if err != nil {
			return err
		}
		entries = Newest(entries, p.maxItems)
		res.Entries = len(entries)

		for _, entry := range entries {
			item, err := p.normalizer.Accept(ctx, feed, entry, fetchedAt)
			if err != nil {
				return fmt.Errorf("storing item: %w", err)
			}
			if item != nil {
				added = append(added, item)
			}
		}
		return nil
	}()
	res.Added = len(added)

	log := debuglog.WithFields(debuglog.Fields{"feed": feed.ID, "url": feed.URL})
	var errText string
	if res.Err != nil {
		errText = res.Err.Error()
		log.Warnf("fetch failed: %v", res.Err)
	} else {
		log.Debugf("fetched %d entries, %d new", res.Entries, res.Added)
	}
	if err := p.store.RecordFetch(ctx, feed.ID, fetchedAt, res.Added, errText); err != nil {
		log.Errorf("recording fetch status: %v", err)
	}

	if len(added) > 0 {
		for _, l := range p.listeners {
			l.OnItemsIngested(added)
		}
	}
	return res
}
