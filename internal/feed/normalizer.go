package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/pders01/feedtriage/internal/storage"
)

const maxSummaryRunes = 2000

// Normalizer turns parsed entries into queue items and inserts them unless
// their fingerprint is already known.
type Normalizer struct {
	store     storage.Store
	threshold int
	policy    *bluemonday.Policy
}

func NewNormalizer(store storage.Store, highPriorityThreshold int) *Normalizer {
	return &Normalizer{
		store:     store,
		threshold: highPriorityThreshold,
		policy:    bluemonday.StrictPolicy(),
	}
}

// PartitionFor maps a feed priority onto a queue partition.
func (n *Normalizer) PartitionFor(priority int) storage.Partition {
	if priority >= n.threshold {
		return storage.PartitionHigh
	}
	return storage.PartitionStandard
}

// Accept normalizes entry and stores it. It returns nil for a duplicate.
func (n *Normalizer) Accept(ctx context.Context, feed *storage.Feed, entry RawEntry, fetchedAt time.Time) (*storage.Item, error) {
	item := n.Normalize(feed, entry, fetchedAt)
	inserted, err := n.store.InsertItem(ctx, item)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, nil
	}
	return item, nil
}

// Normalize builds the item for entry without storing it.
func (n *Normalizer) Normalize(feed *storage.Feed, entry RawEntry, fetchedAt time.Time) *storage.Item {
	title := collapseWhitespace(html.UnescapeString(n.policy.Sanitize(entry.Title)))
	if title == "" {
		title = "Untitled"
	}
	published := fetchedAt.UTC()
	if entry.Published != nil && !entry.Published.IsZero() {
		published = entry.Published.UTC()
	}

	return &storage.Item{
		FeedID:      feed.ID,
		Fingerprint: Fingerprint(feed.ID, entry),
		Title:       title,
		Summary:     n.CleanSummary(entry.Summary),
		URL:         strings.TrimSpace(entry.Link),
		PublishedAt: published,
		Status:      storage.StatusPending,
		Partition:   n.PartitionFor(feed.Priority),
		CreatedAt:   fetchedAt.UTC(),
	}
}

// CleanSummary strips markup, collapses whitespace and truncates.
func (n *Normalizer) CleanSummary(raw string) string {
	text := collapseWhitespace(html.UnescapeString(n.policy.Sanitize(raw)))
	if r := []rune(text); len(r) > maxSummaryRunes {
		text = string(r[:maxSummaryRunes])
	}
	return text
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Fingerprint identifies an entry within a feed. Entries with a link are
// keyed by the normalized link; others by title and published date. An
// undated entry contributes an empty date so refetches stay stable.
func Fingerprint(feedID string, entry RawEntry) string {
	var key string
	if link := strings.TrimSpace(entry.Link); link != "" {
		key = feedID + "\x00" + NormalizeLink(link)
	} else {
		var published string
		if entry.Published != nil && !entry.Published.IsZero() {
			published = entry.Published.UTC().Format(time.RFC3339)
		}
		key = feedID + "\x00" + strings.TrimSpace(entry.Title) + "\x00" + published
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NormalizeLink canonicalizes a link for deduplication: lowercase scheme
// and host, no fragment, no utm_* tracking parameters, sorted query and no
// trailing slash.
func NormalizeLink(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if strings.HasPrefix(strings.ToLower(key), "utm_") {
				q.Del(key)
			}
		}
		u.RawQuery = q.Encode()
	}
	if u.Path != "/" {
		u.Path = strings.TrimRight(u.Path, "/")
	} else {
		u.Path = ""
	}
	u.RawPath = ""
	return strings.TrimRight(u.String(), "/")
}
