package triage

import (
	"context"
	"errors"
	"fmt"

	"github.com/pders01/feedtriage/internal/debuglog"
	"github.com/pders01/feedtriage/internal/feed"
	"github.com/pders01/feedtriage/internal/storage"
)

// FeedUpdate holds the fields to change; nil fields are left alone.
type FeedUpdate struct {
	Name     *string
	Priority *int
	Category *string
	Active   *bool
}

type ImportReport struct {
	Added   []*storage.Feed
	Skipped int
	Errors  []error
}

// AddFeed registers a feed after checking its URL is safe to fetch.
func (s *Service) AddFeed(ctx context.Context, spec feed.FeedSpec) (*storage.Feed, error) {
	priority := spec.EffectivePriority()
	if !feed.ValidPriority(priority) {
		return nil, ErrInvalidPriority
	}
	url, err := s.validator.NormalizeFeedURL(spec.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed URL: %w", err)
	}
	if err := s.validator.Validate(ctx, url); err != nil {
		return nil, err
	}

	id := feed.GenerateFeedID(url)
	if _, err := s.store.GetFeed(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrFeedExists, url)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	f := &storage.Feed{
		ID:          id,
		URL:         url,
		DisplayName: spec.Name,
		Priority:    priority,
		Category:    spec.Category,
		Active:      true,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.SaveFeed(ctx, f); err != nil {
		return nil, fmt.Errorf("saving feed: %w", err)
	}
	debuglog.WithFields(debuglog.Fields{"feed": id, "priority": f.Priority}).Infof("added feed %s", url)
	return f, nil
}

// UpdateFeed changes feed settings. A new priority applies to items
// ingested afterwards; queued items keep their partition.
func (s *Service) UpdateFeed(ctx context.Context, id string, upd FeedUpdate) (*storage.Feed, error) {
	f, err := s.store.GetFeed(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Priority != nil {
		if !feed.ValidPriority(*upd.Priority) {
			return nil, ErrInvalidPriority
		}
		f.Priority = *upd.Priority
	}
	if upd.Name != nil {
		f.DisplayName = *upd.Name
	}
	if upd.Category != nil {
		f.Category = *upd.Category
	}
	if upd.Active != nil {
		f.Active = *upd.Active
	}
	if err := s.store.SaveFeed(ctx, f); err != nil {
		return nil, fmt.Errorf("saving feed: %w", err)
	}
	return f, nil
}

// RemoveFeed deletes a feed together with its items and their resolutions
// and deliveries. It returns the number of items removed.
func (s *Service) RemoveFeed(ctx context.Context, id string) (int, error) {
	removed, err := s.store.DeleteFeed(ctx, id)
	if err != nil {
		return 0, err
	}
	for _, r := range s.removers {
		r.OnItemsRemoved(removed)
	}
	debuglog.WithFields(debuglog.Fields{"feed": id}).Infof("removed feed and %d items", len(removed))
	return len(removed), nil
}

func (s *Service) ListFeeds(ctx context.Context) ([]*storage.Feed, error) {
	return s.store.ListFeeds(ctx, false)
}

// ImportFeeds adds every spec, skipping feeds that already exist. Invalid
// entries are collected in the report rather than aborting the import.
func (s *Service) ImportFeeds(ctx context.Context, specs []feed.FeedSpec) (*ImportReport, error) {
	report := &ImportReport{}
	for _, spec := range specs {
		f, err := s.AddFeed(ctx, spec)
		switch {
		case errors.Is(err, ErrFeedExists):
			report.Skipped++
		case err != nil:
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Errors = append(report.Errors, fmt.Errorf("%s: %w", spec.URL, err))
		default:
			report.Added = append(report.Added, f)
		}
	}
	return report, nil
}
