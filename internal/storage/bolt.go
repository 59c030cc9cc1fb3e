package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	feedsBucket        = []byte("feeds")
	fetchBucket        = []byte("fetch_status")
	itemsBucket        = []byte("items")
	fingerprintsBucket = []byte("fingerprints")
	pendingBucket      = []byte("pending")
	resolutionsBucket  = []byte("resolutions")
	actorLastBucket    = []byte("actor_last")
	actorItemsBucket   = []byte("actor_items")
	deliveriesBucket   = []byte("deliveries")
	digestsBucket      = []byte("digests")
	metaBucket         = []byte("metadata")

	watermarkKey = []byte("digest_watermark")
)

// BoltStore keeps everything in a single bbolt file. bbolt serializes write
// transactions, so every conditional update below is atomic.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

func NewBoltStore(dbPath string, timeout time.Duration) (*BoltStore, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			feedsBucket, fetchBucket, itemsBucket, fingerprintsBucket, pendingBucket,
			resolutionsBucket, actorLastBucket, actorItemsBucket, deliveriesBucket,
			digestsBucket, metaBucket,
		} {
			if _, createErr := tx.CreateBucketIfNotExists(bucket); createErr != nil {
				return createErr
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *BoltStore) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// pendingKey sorts by partition, then creation time, then id.
func pendingKey(item *Item) []byte {
	key := make([]byte, 0, len(item.Partition)+17)
	key = append(key, item.Partition...)
	key = append(key, '/')
	key = append(key, itob(item.CreatedAt.UnixNano())...)
	key = append(key, itob(item.ID)...)
	return key
}

func pendingPrefix(p Partition) []byte {
	return []byte(string(p) + "/")
}

func actorItemKey(actorID string, itemID int64) []byte {
	return append([]byte(actorID+"\x00"), itob(itemID)...)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v any) error {
	data := b.Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// --- Feeds -----------------------------------------------------------------

func (s *BoltStore) SaveFeed(ctx context.Context, feed *Feed) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(feedsBucket), []byte(feed.ID), feed)
	})
}

func (s *BoltStore) GetFeed(ctx context.Context, id string) (*Feed, error) {
	var feed Feed
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(feedsBucket), []byte(id), &feed)
	})
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", id, err)
	}
	return &feed, nil
}

func (s *BoltStore) ListFeeds(ctx context.Context, activeOnly bool) ([]*Feed, error) {
	var feeds []*Feed
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(feedsBucket).ForEach(func(_ []byte, v []byte) error {
			var feed Feed
			if err := json.Unmarshal(v, &feed); err != nil {
				return err
			}
			if activeOnly && !feed.Active {
				return nil
			}
			feeds = append(feeds, &feed)
			return nil
		})
	})
	sortFeeds(feeds)
	return feeds, err
}

func sortFeeds(feeds []*Feed) {
	sort.Slice(feeds, func(i, j int) bool {
		if feeds[i].Priority != feeds[j].Priority {
			return feeds[i].Priority > feeds[j].Priority
		}
		return strings.ToLower(feeds[i].Name()) < strings.ToLower(feeds[j].Name())
	})
}

func (s *BoltStore) DeleteFeed(ctx context.Context, id string) ([]int64, error) {
	var removed []int64
	err := s.update(ctx, func(tx *bolt.Tx) error {
		feeds := tx.Bucket(feedsBucket)
		if feeds.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		if err := feeds.Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(fetchBucket).Delete([]byte(id)); err != nil {
			return err
		}

		items := tx.Bucket(itemsBucket)
		var doomed []*Item
		if err := items.ForEach(func(_ []byte, v []byte) error {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.FeedID == id {
				doomed = append(doomed, &item)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, item := range doomed {
			key := itob(item.ID)
			for _, del := range []struct {
				bucket []byte
				key    []byte
			}{
				{itemsBucket, key},
				{fingerprintsBucket, []byte(item.Fingerprint)},
				{pendingBucket, pendingKey(item)},
				{resolutionsBucket, key},
				{deliveriesBucket, key},
			} {
				if err := tx.Bucket(del.bucket).Delete(del.key); err != nil {
					return err
				}
			}
			removed = append(removed, item.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deleting feed %s: %w", id, err)
	}
	return removed, nil
}

func (s *BoltStore) RecordFetch(ctx context.Context, feedID string, at time.Time, itemsAdded int, fetchErr string) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(fetchBucket)
		var status FetchStatus
		if err := getJSON(b, []byte(feedID), &status); err != nil && err != ErrNotFound {
			return err
		}
		status.FeedID = feedID
		status.LastFetched = at
		status.LastError = fetchErr
		status.ItemsAdded = itemsAdded
		if fetchErr != "" {
			status.ConsecutiveFailures++
		} else {
			status.ConsecutiveFailures = 0
		}
		return putJSON(b, []byte(feedID), &status)
	})
}

func (s *BoltStore) FetchStatuses(ctx context.Context) ([]*FetchStatus, error) {
	var statuses []*FetchStatus
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(fetchBucket).ForEach(func(_ []byte, v []byte) error {
			var status FetchStatus
			if err := json.Unmarshal(v, &status); err != nil {
				return err
			}
			statuses = append(statuses, &status)
			return nil
		})
	})
	return statuses, err
}

// --- Items -----------------------------------------------------------------

func (s *BoltStore) InsertItem(ctx context.Context, item *Item) (bool, error) {
	inserted := false
	err := s.update(ctx, func(tx *bolt.Tx) error {
		fps := tx.Bucket(fingerprintsBucket)
		if fps.Get([]byte(item.Fingerprint)) != nil {
			return nil
		}
		items := tx.Bucket(itemsBucket)
		seq, err := items.NextSequence()
		if err != nil {
			return err
		}
		stored := *item
		stored.ID = int64(seq)
		stored.Status = StatusPending
		if err := putJSON(items, itob(stored.ID), &stored); err != nil {
			return err
		}
		if err := fps.Put([]byte(stored.Fingerprint), itob(stored.ID)); err != nil {
			return err
		}
		if err := tx.Bucket(pendingBucket).Put(pendingKey(&stored), nil); err != nil {
			return err
		}
		*item = stored
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("inserting item: %w", err)
	}
	return inserted, nil
}

func (s *BoltStore) GetItem(ctx context.Context, id int64) (*Item, error) {
	var item Item
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(itemsBucket), itob(id), &item)
	})
	if err != nil {
		return nil, fmt.Errorf("item %d: %w", id, err)
	}
	return &item, nil
}

func (s *BoltStore) NextPending(ctx context.Context, p Partition) (*Item, error) {
	var item Item
	err := s.view(ctx, func(tx *bolt.Tx) error {
		prefix := pendingPrefix(p)
		k, _ := tx.Bucket(pendingBucket).Cursor().Seek(prefix)
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return ErrNotFound
		}
		id := btoi(k[len(k)-8:])
		return getJSON(tx.Bucket(itemsBucket), itob(id), &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *BoltStore) ListItems(ctx context.Context, filter ItemFilter) ([]*Item, error) {
	var items []*Item
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).ForEach(func(_ []byte, v []byte) error {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if filter.match(&item) {
				items = append(items, &item)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

// --- Resolutions -----------------------------------------------------------

// resolveTx applies the pending -> resolved transition inside tx.
func resolveTx(tx *bolt.Tx, item *Item, res *Resolution) error {
	item.Status = StatusResolved
	if err := putJSON(tx.Bucket(itemsBucket), itob(item.ID), item); err != nil {
		return err
	}
	if err := tx.Bucket(pendingBucket).Delete(pendingKey(item)); err != nil {
		return err
	}
	if err := putJSON(tx.Bucket(resolutionsBucket), itob(item.ID), res); err != nil {
		return err
	}
	return tx.Bucket(actorItemsBucket).Put(actorItemKey(res.ActorID, item.ID), nil)
}

func (s *BoltStore) Resolve(ctx context.Context, res *Resolution) (*DeliveryRecord, error) {
	var rec *DeliveryRecord
	err := s.update(ctx, func(tx *bolt.Tx) error {
		var item Item
		if err := getJSON(tx.Bucket(itemsBucket), itob(res.ItemID), &item); err != nil {
			return err
		}
		if item.Status != StatusPending {
			return ErrAlreadyResolved
		}
		if err := resolveTx(tx, &item, res); err != nil {
			return err
		}
		if err := tx.Bucket(actorLastBucket).Put([]byte(res.ActorID), itob(item.ID)); err != nil {
			return err
		}
		if res.Action != ActionAlert {
			return nil
		}

		deliveries := tx.Bucket(deliveriesBucket)
		var prev *DeliveryRecord
		var existing DeliveryRecord
		if err := getJSON(deliveries, itob(item.ID), &existing); err == nil {
			prev = &existing
		} else if err != ErrNotFound {
			return err
		}
		rec = newDeliveryGeneration(prev, item.ID, res.ActorID, res.ResolvedAt)
		return putJSON(deliveries, itob(item.ID), rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BoltStore) GetResolution(ctx context.Context, itemID int64) (*Resolution, error) {
	var res Resolution
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(resolutionsBucket), itob(itemID), &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *BoltStore) Revert(ctx context.Context, itemID int64, actorID string) (*Resolution, error) {
	var res Resolution
	err := s.update(ctx, func(tx *bolt.Tx) error {
		var item Item
		if err := getJSON(tx.Bucket(itemsBucket), itob(itemID), &item); err != nil {
			return err
		}
		resolutions := tx.Bucket(resolutionsBucket)
		if err := getJSON(resolutions, itob(itemID), &res); err != nil {
			if err == ErrNotFound {
				return ErrNothingToUndo
			}
			return err
		}
		if res.ActorID != actorID {
			if tx.Bucket(actorItemsBucket).Get(actorItemKey(actorID, itemID)) != nil {
				return ErrUndoConflict
			}
			return ErrNothingToUndo
		}

		if err := resolutions.Delete(itob(itemID)); err != nil {
			return err
		}
		item.Status = StatusPending
		if err := putJSON(tx.Bucket(itemsBucket), itob(itemID), &item); err != nil {
			return err
		}
		if err := tx.Bucket(pendingBucket).Put(pendingKey(&item), nil); err != nil {
			return err
		}

		last := tx.Bucket(actorLastBucket)
		if v := last.Get([]byte(actorID)); v != nil && btoi(v) == itemID {
			if err := last.Delete([]byte(actorID)); err != nil {
				return err
			}
		}

		if res.Action != ActionAlert {
			return nil
		}
		deliveries := tx.Bucket(deliveriesBucket)
		var rec DeliveryRecord
		if err := getJSON(deliveries, itob(itemID), &rec); err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		if rec.Terminal() {
			return nil
		}
		rec.Status = DeliveryCancelled
		rec.UpdatedAt = time.Now().UTC()
		return putJSON(deliveries, itob(itemID), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *BoltStore) LastResolvedBy(ctx context.Context, actorID string) (int64, error) {
	var id int64
	err := s.view(ctx, func(tx *bolt.Tx) error {
		v := tx.Bucket(actorLastBucket).Get([]byte(actorID))
		if v == nil {
			return ErrNothingToUndo
		}
		id = btoi(v)
		return nil
	})
	return id, err
}

func (s *BoltStore) SkipAll(ctx context.Context, p Partition, actorID string, at time.Time) (int, error) {
	count := 0
	err := s.update(ctx, func(tx *bolt.Tx) error {
		var ids []int64
		c := tx.Bucket(pendingBucket).Cursor()
		var prefix []byte
		if p != "" {
			prefix = pendingPrefix(p)
		}
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, btoi(k[len(k)-8:]))
		}

		items := tx.Bucket(itemsBucket)
		for _, id := range ids {
			var item Item
			if err := getJSON(items, itob(id), &item); err != nil {
				return err
			}
			if item.Status != StatusPending {
				continue
			}
			res := &Resolution{ItemID: id, ActorID: actorID, Action: ActionSkip, ResolvedAt: at}
			if err := resolveTx(tx, &item, res); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("skipping pending items: %w", err)
	}
	return count, nil
}

// --- Deliveries ------------------------------------------------------------

func (s *BoltStore) GetDelivery(ctx context.Context, itemID int64) (*DeliveryRecord, error) {
	var rec DeliveryRecord
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(deliveriesBucket), itob(itemID), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) BeginAttempt(ctx context.Context, itemID int64, generation int, at time.Time) (*DeliveryRecord, error) {
	var rec DeliveryRecord
	err := s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(deliveriesBucket)
		if err := getJSON(b, itob(itemID), &rec); err != nil {
			if err == ErrNotFound {
				return ErrDeliveryInactive
			}
			return err
		}
		if rec.Generation != generation || rec.Status != DeliveryPending {
			return ErrDeliveryInactive
		}
		rec.AttemptCount++
		rec.UpdatedAt = at
		return putJSON(b, itob(itemID), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) FinishAttempt(ctx context.Context, itemID int64, generation int, out AttemptOutcome) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(deliveriesBucket)
		var rec DeliveryRecord
		if err := getJSON(b, itob(itemID), &rec); err != nil {
			if err == ErrNotFound {
				return ErrDeliveryInactive
			}
			return err
		}
		if rec.Generation != generation || rec.Status != DeliveryPending {
			return ErrDeliveryInactive
		}
		applyOutcome(&rec, out)
		return putJSON(b, itob(itemID), &rec)
	})
}

func (s *BoltStore) PendingDeliveries(ctx context.Context) ([]*DeliveryRecord, error) {
	var recs []*DeliveryRecord
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(deliveriesBucket).ForEach(func(_ []byte, v []byte) error {
			var rec DeliveryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Status == DeliveryPending {
				recs = append(recs, &rec)
			}
			return nil
		})
	})
	sort.Slice(recs, func(i, j int) bool { return recs[i].UpdatedAt.Before(recs[j].UpdatedAt) })
	return recs, err
}

// --- Digest ----------------------------------------------------------------

func getWatermark(tx *bolt.Tx) (time.Time, error) {
	v := tx.Bucket(metaBucket).Get(watermarkKey)
	if v == nil {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, string(v))
}

func (s *BoltStore) DigestWatermark(ctx context.Context) (time.Time, error) {
	var wm time.Time
	err := s.view(ctx, func(tx *bolt.Tx) error {
		var err error
		wm, err = getWatermark(tx)
		return err
	})
	return wm, err
}

func (s *BoltStore) DigestCandidates(ctx context.Context, until time.Time) ([]*DigestEntry, error) {
	var entries []*DigestEntry
	err := s.view(ctx, func(tx *bolt.Tx) error {
		items := tx.Bucket(itemsBucket)
		feeds := tx.Bucket(feedsBucket)
		return tx.Bucket(resolutionsBucket).ForEach(func(k []byte, v []byte) error {
			var res Resolution
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			if res.Action != ActionDigest || res.ConsumedAt != nil {
				return nil
			}
			if res.ResolvedAt.After(until) {
				return nil
			}
			var item Item
			if err := getJSON(items, k, &item); err != nil {
				return err
			}
			entry := &DigestEntry{Item: &item, Resolution: &res}
			var feed Feed
			if err := getJSON(feeds, []byte(item.FeedID), &feed); err == nil {
				entry.FeedName = feed.Name()
			}
			entries = append(entries, entry)
			return nil
		})
	})
	SortDigestEntries(entries)
	return entries, err
}

// SortDigestEntries orders entries by partition, then resolution time.
func SortDigestEntries(entries []*DigestEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		pi, pj := entries[i].Item.Partition.Rank(), entries[j].Item.Partition.Rank()
		if pi != pj {
			return pi < pj
		}
		ri, rj := entries[i].Resolution.ResolvedAt, entries[j].Resolution.ResolvedAt
		if !ri.Equal(rj) {
			return ri.Before(rj)
		}
		return entries[i].Item.ID < entries[j].Item.ID
	})
}

func (s *BoltStore) CommitDigest(ctx context.Context, report *DigestReport, rendered []*Resolution) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		wm, err := getWatermark(tx)
		if err != nil {
			return err
		}
		if !wm.Equal(report.Since) {
			return ErrWatermarkMoved
		}

		resolutions := tx.Bucket(resolutionsBucket)
		consumed := report.Until
		for _, want := range rendered {
			var res Resolution
			if err := getJSON(resolutions, itob(want.ItemID), &res); err != nil {
				if err == ErrNotFound {
					continue
				}
				return err
			}
			if res.Action != ActionDigest || res.ConsumedAt != nil || !res.ResolvedAt.Equal(want.ResolvedAt) {
				continue
			}
			res.ConsumedAt = &consumed
			if err := putJSON(resolutions, itob(want.ItemID), &res); err != nil {
				return err
			}
		}

		key := append(itob(report.CreatedAt.UnixNano()), []byte(report.ID)...)
		if err := putJSON(tx.Bucket(digestsBucket), key, report); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(watermarkKey, []byte(report.Until.UTC().Format(time.RFC3339Nano)))
	})
}

func (s *BoltStore) LatestDigest(ctx context.Context) (*DigestReport, error) {
	var report DigestReport
	err := s.view(ctx, func(tx *bolt.Tx) error {
		_, v := tx.Bucket(digestsBucket).Cursor().Last()
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &report)
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// --- Stats -----------------------------------------------------------------

func (s *BoltStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		PendingByPartition: map[Partition]int{},
		ResolvedByAction:   map[Action]int{},
	}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		for _, p := range Partitions {
			prefix := pendingPrefix(p)
			c := tx.Bucket(pendingBucket).Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				stats.PendingByPartition[p]++
			}
		}
		if err := tx.Bucket(resolutionsBucket).ForEach(func(_ []byte, v []byte) error {
			var res Resolution
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			stats.ResolvedByAction[res.Action]++
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(feedsBucket).ForEach(func(_ []byte, v []byte) error {
			var feed Feed
			if err := json.Unmarshal(v, &feed); err != nil {
				return err
			}
			stats.TotalFeeds++
			if feed.Active {
				stats.ActiveFeeds++
			}
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(deliveriesBucket).ForEach(func(_ []byte, v []byte) error {
			var rec DeliveryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			switch rec.Status {
			case DeliveryFailed:
				stats.DeliveryFailures++
			case DeliveryPending:
				stats.DeliveriesPending++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	stats.FetchStatuses, err = s.FetchStatuses(ctx)
	return stats, err
}
