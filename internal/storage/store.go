package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyResolved  = errors.New("item already resolved")
	ErrNothingToUndo    = errors.New("nothing to undo")
	ErrUndoConflict     = errors.New("item resolved by another actor")
	ErrDeliveryInactive = errors.New("delivery no longer active")
	ErrWatermarkMoved   = errors.New("digest watermark moved")
)

// AttemptOutcome is the result of one webhook attempt.
type AttemptOutcome struct {
	Delivered bool
	Err       string
	Exhausted bool
	At        time.Time
}

// Store is the durable store behind the triage core. Every operation that
// arbitrates between concurrent actors (InsertItem, Resolve, Revert, SkipAll,
// BeginAttempt, FinishAttempt, CommitDigest) is a single atomic conditional
// write; callers never hold locks of their own.
type Store interface {
	SaveFeed(ctx context.Context, feed *Feed) error
	GetFeed(ctx context.Context, id string) (*Feed, error)
	ListFeeds(ctx context.Context, activeOnly bool) ([]*Feed, error)
	// DeleteFeed removes the feed and cascades to its items, returning their IDs.
	DeleteFeed(ctx context.Context, id string) ([]int64, error)
	RecordFetch(ctx context.Context, feedID string, at time.Time, itemsAdded int, fetchErr string) error
	FetchStatuses(ctx context.Context) ([]*FetchStatus, error)

	// InsertItem stores item unless its fingerprint is already known. It
	// reports whether the item was inserted and assigns item.ID when it was.
	InsertItem(ctx context.Context, item *Item) (bool, error)
	GetItem(ctx context.Context, id int64) (*Item, error)
	// NextPending returns the oldest pending item in the partition or ErrNotFound.
	NextPending(ctx context.Context, p Partition) (*Item, error)
	// ListItems returns items oldest first, narrowed by the filter.
	ListItems(ctx context.Context, filter ItemFilter) ([]*Item, error)

	// Resolve moves a pending item to resolved. For alerts it opens a fresh
	// delivery generation in the same transaction and returns the record.
	Resolve(ctx context.Context, res *Resolution) (*DeliveryRecord, error)
	GetResolution(ctx context.Context, itemID int64) (*Resolution, error)
	// Revert deletes the actor's active resolution and reopens the item,
	// cancelling a delivery that has not finished.
	Revert(ctx context.Context, itemID int64, actorID string) (*Resolution, error)
	LastResolvedBy(ctx context.Context, actorID string) (int64, error)
	// SkipAll resolves every pending item in p (all partitions when p is
	// empty) as skip and returns how many it resolved.
	SkipAll(ctx context.Context, p Partition, actorID string, at time.Time) (int, error)

	GetDelivery(ctx context.Context, itemID int64) (*DeliveryRecord, error)
	// BeginAttempt claims the next attempt of a pending delivery generation.
	BeginAttempt(ctx context.Context, itemID int64, generation int, at time.Time) (*DeliveryRecord, error)
	FinishAttempt(ctx context.Context, itemID int64, generation int, out AttemptOutcome) error
	PendingDeliveries(ctx context.Context) ([]*DeliveryRecord, error)

	DigestWatermark(ctx context.Context) (time.Time, error)
	// DigestCandidates returns every unconsumed digest resolution made at or
	// before until. There is no lower bound: a resolve stamped before the
	// previous run's cut-off but committed after its scan is still picked up.
	DigestCandidates(ctx context.Context, until time.Time) ([]*DigestEntry, error)
	// CommitDigest advances the watermark from report.Since to report.Until
	// and marks the rendered resolutions consumed. A resolution replaced since
	// rendering (undone and resolved again) is left for the next report. It
	// fails with ErrWatermarkMoved when the watermark is no longer
	// report.Since.
	CommitDigest(ctx context.Context, report *DigestReport, rendered []*Resolution) error
	LatestDigest(ctx context.Context) (*DigestReport, error)

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// Open opens the store for the configured driver.
func Open(driver, path string, timeout time.Duration) (Store, error) {
	switch driver {
	case "", DriverBolt:
		return NewBoltStore(path, timeout)
	case DriverSQLite:
		return NewSQLStore(path, timeout)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

func newDeliveryGeneration(prev *DeliveryRecord, itemID int64, actorID string, at time.Time) *DeliveryRecord {
	rec := &DeliveryRecord{
		ItemID:     itemID,
		Generation: 1,
		Status:     DeliveryPending,
		ActorID:    actorID,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	if prev != nil {
		rec.Generation = prev.Generation + 1
		rec.CreatedAt = prev.CreatedAt
	}
	return rec
}

func applyOutcome(rec *DeliveryRecord, out AttemptOutcome) {
	rec.UpdatedAt = out.At
	switch {
	case out.Delivered:
		rec.Status = DeliveryDelivered
		rec.Delivered = true
		rec.LastError = ""
	case out.Exhausted:
		rec.Status = DeliveryFailed
		rec.LastError = out.Err
	default:
		rec.LastError = out.Err
	}
}
