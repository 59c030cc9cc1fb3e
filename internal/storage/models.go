package storage

import (
	"fmt"
	"time"
)

// Partition is the priority tier an item is queued in. It is derived once from
// the owning feed's priority at ingestion time and never changes afterwards.
type Partition string

const (
	PartitionHigh     Partition = "high"
	PartitionStandard Partition = "standard"
)

// Partitions lists every partition in report order.
var Partitions = []Partition{PartitionHigh, PartitionStandard}

func ParsePartition(s string) (Partition, error) {
	switch Partition(s) {
	case PartitionHigh, PartitionStandard:
		return Partition(s), nil
	}
	return "", fmt.Errorf("unknown partition %q", s)
}

// Rank orders partitions for reports, high first.
func (p Partition) Rank() int {
	if p == PartitionHigh {
		return 0
	}
	return 1
}

type ItemStatus string

const (
	StatusPending  ItemStatus = "pending"
	StatusResolved ItemStatus = "resolved"
)

type Action string

const (
	ActionAlert  Action = "alert"
	ActionDigest Action = "digest"
	ActionSkip   Action = "skip"
)

func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionAlert, ActionDigest, ActionSkip:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryCancelled DeliveryStatus = "cancelled"
)

type Feed struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	DisplayName string    `json:"display_name"`
	Priority    int       `json:"priority"`
	Category    string    `json:"category"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Name returns the display name, falling back to the URL.
func (f *Feed) Name() string {
	if f.DisplayName != "" {
		return f.DisplayName
	}
	return f.URL
}

// FetchStatus is the outcome of the most recent fetch of one feed.
type FetchStatus struct {
	FeedID              string    `json:"feed_id"`
	LastFetched         time.Time `json:"last_fetched"`
	LastError           string    `json:"last_error,omitempty"`
	ItemsAdded          int       `json:"items_added"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

type Item struct {
	ID          int64      `json:"id"`
	FeedID      string     `json:"feed_id"`
	Fingerprint string     `json:"fingerprint"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary"`
	URL         string     `json:"url"`
	PublishedAt time.Time  `json:"published_at"`
	Status      ItemStatus `json:"status"`
	Partition   Partition  `json:"partition"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ItemFilter narrows ListItems. Zero fields match everything.
type ItemFilter struct {
	Partition Partition
	Status    ItemStatus
	FeedID    string
	Limit     int
}

func (f ItemFilter) match(item *Item) bool {
	return (f.Partition == "" || item.Partition == f.Partition) &&
		(f.Status == "" || item.Status == f.Status) &&
		(f.FeedID == "" || item.FeedID == f.FeedID)
}

type Resolution struct {
	ItemID     int64     `json:"item_id"`
	ActorID    string    `json:"actor_id"`
	Action     Action    `json:"action"`
	ResolvedAt time.Time `json:"resolved_at"`
	// ConsumedAt is set once a digest report has included the item.
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

type DeliveryRecord struct {
	ItemID       int64          `json:"item_id"`
	Generation   int            `json:"generation"`
	Status       DeliveryStatus `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	LastError    string         `json:"last_error,omitempty"`
	Delivered    bool           `json:"delivered"`
	ActorID      string         `json:"actor_id"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Terminal reports whether the retry loop is done with the record.
func (d *DeliveryRecord) Terminal() bool {
	return d.Status != DeliveryPending
}

// DigestEntry is an item joined with its digest resolution.
type DigestEntry struct {
	Item       *Item
	Resolution *Resolution
	FeedName   string
}

type DigestReport struct {
	ID        string    `json:"id"`
	Since     time.Time `json:"since"`
	Until     time.Time `json:"until"`
	ItemIDs   []int64   `json:"item_ids"`
	ItemCount int       `json:"item_count"`
	Markdown  string    `json:"markdown"`
	Path      string    `json:"path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats is the operator metrics view.
type Stats struct {
	PendingByPartition map[Partition]int
	ResolvedByAction   map[Action]int
	ActiveFeeds        int
	TotalFeeds         int
	FetchStatuses      []*FetchStatus
	DeliveryFailures   int
	DeliveriesPending  int
}
