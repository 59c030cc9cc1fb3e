package feed

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/mmcdole/gofeed"
)

// RawEntry is one parsed feed entry before normalization. GUID is the
// entry's own identifier (RSS guid, Atom id) and may be empty.
type RawEntry struct {
	FeedID    string
	GUID      string
	Title     string
	Link      string
	Summary   string
	Published *time.Time
}

type Parser struct {
	parser *gofeed.Parser
}

func NewParser() *Parser {
	return &Parser{parser: gofeed.NewParser()}
}

// Parse reads an RSS, Atom or JSON feed document published by feedID.
func (p *Parser) Parse(feedID string, body []byte) ([]RawEntry, error) {
	parsed, err := p.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing feed: %v", ErrTransientFetch, err)
	}

	entries := make([]RawEntry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		entry := RawEntry{
			FeedID:  feedID,
			GUID:    item.GUID,
			Title:   item.Title,
			Link:    item.Link,
			Summary: summaryOf(item),
		}
		switch {
		case item.PublishedParsed != nil:
			entry.Published = item.PublishedParsed
		case item.UpdatedParsed != nil:
			entry.Published = item.UpdatedParsed
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func summaryOf(item *gofeed.Item) string {
	if item.Description != "" {
		return item.Description
	}
	return item.Content
}

// Newest keeps at most n entries, preferring the most recently published.
// Undated entries sort last; document order breaks ties.
func Newest(entries []RawEntry, n int) []RawEntry {
	if n <= 0 || len(entries) <= n {
		return entries
	}
	sorted := make([]RawEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := sorted[i].Published, sorted[j].Published
		switch {
		case pi == nil:
			return false
		case pj == nil:
			return true
		default:
			return pi.After(*pj)
		}
	})
	return sorted[:n]
}
