package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func eachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for _, driver := range []string{DriverBolt, DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			s, err := Open(driver, filepath.Join(t.TempDir(), "test.db"), time.Second)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func seedFeed(t *testing.T, s Store, id string, priority int) *Feed {
	t.Helper()
	feed := &Feed{
		ID:          id,
		URL:         "https://example.com/" + id + ".xml",
		DisplayName: "Feed " + id,
		Priority:    priority,
		Active:      true,
		CreatedAt:   base,
	}
	require.NoError(t, s.SaveFeed(context.Background(), feed))
	return feed
}

func seedItem(t *testing.T, s Store, feedID string, n int, p Partition) *Item {
	t.Helper()
	item := &Item{
		FeedID:      feedID,
		Fingerprint: fmt.Sprintf("%s-%d", feedID, n),
		Title:       fmt.Sprintf("Item %d", n),
		URL:         fmt.Sprintf("https://example.com/%s/%d", feedID, n),
		PublishedAt: base.Add(time.Duration(n) * time.Minute),
		Partition:   p,
		CreatedAt:   base.Add(time.Duration(n) * time.Second),
	}
	inserted, err := s.InsertItem(context.Background(), item)
	require.NoError(t, err)
	require.True(t, inserted)
	return item
}

func TestStore_Feeds(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedFeed(t, s, "low", 2)
		seedFeed(t, s, "high", 9)
		inactive := seedFeed(t, s, "off", 5)
		inactive.Active = false
		require.NoError(t, s.SaveFeed(ctx, inactive))

		got, err := s.GetFeed(ctx, "high")
		require.NoError(t, err)
		assert.Equal(t, 9, got.Priority)
		assert.Equal(t, "Feed high", got.Name())

		all, err := s.ListFeeds(ctx, false)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "high", all[0].ID)

		active, err := s.ListFeeds(ctx, true)
		require.NoError(t, err)
		assert.Len(t, active, 2)

		_, err = s.GetFeed(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_DeleteFeedCascades(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedFeed(t, s, "a", 5)
		seedFeed(t, s, "b", 5)
		a1 := seedItem(t, s, "a", 1, PartitionStandard)
		a2 := seedItem(t, s, "a", 2, PartitionStandard)
		b1 := seedItem(t, s, "b", 3, PartitionStandard)
		_, err := s.Resolve(ctx, &Resolution{ItemID: a2.ID, ActorID: "ana", Action: ActionAlert, ResolvedAt: base})
		require.NoError(t, err)

		removed, err := s.DeleteFeed(ctx, "a")
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{a1.ID, a2.ID}, removed)

		_, err = s.GetItem(ctx, a1.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetDelivery(ctx, a2.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		next, err := s.NextPending(ctx, PartitionStandard)
		require.NoError(t, err)
		assert.Equal(t, b1.ID, next.ID)

		_, err = s.DeleteFeed(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_RecordFetch(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedFeed(t, s, "a", 5)

		require.NoError(t, s.RecordFetch(ctx, "a", base, 0, "timeout"))
		require.NoError(t, s.RecordFetch(ctx, "a", base.Add(time.Minute), 0, "timeout"))
		statuses, err := s.FetchStatuses(ctx)
		require.NoError(t, err)
		require.Len(t, statuses, 1)
		assert.Equal(t, 2, statuses[0].ConsecutiveFailures)
		assert.Equal(t, "timeout", statuses[0].LastError)

		require.NoError(t, s.RecordFetch(ctx, "a", base.Add(2*time.Minute), 4, ""))
		statuses, err = s.FetchStatuses(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, statuses[0].ConsecutiveFailures)
		assert.Equal(t, 4, statuses[0].ItemsAdded)
		assert.Empty(t, statuses[0].LastError)
		assert.True(t, statuses[0].LastFetched.Equal(base.Add(2*time.Minute)))
	})
}

func TestStore_InsertItemDeduplicates(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedFeed(t, s, "a", 5)

		const workers = 16
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			inserted int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.InsertItem(ctx, &Item{
					FeedID:      "a",
					Fingerprint: "same",
					Title:       "Duplicate",
					Partition:   PartitionStandard,
					PublishedAt: base,
					CreatedAt:   base,
				})
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					inserted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, inserted)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.PendingByPartition[PartitionStandard])
	})
}

func TestStore_NextPendingOrderAndPartition(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedFeed(t, s, "a", 5)
		second := seedItem(t, s, "a", 2, PartitionStandard)
		first := seedItem(t, s, "a", 1, PartitionStandard)
		high := seedItem(t, s, "a", 3, PartitionHigh)

		next, err := s.NextPending(ctx, PartitionStandard)
		require.NoError(t, err)
		assert.Equal(t, first.ID, next.ID)

		next, err = s.NextPending(ctx, PartitionHigh)
		require.NoError(t, err)
		assert.Equal(t, high.ID, next.ID)

		_, err = s.Resolve(ctx, &Resolution{ItemID: first.ID, ActorID: "ana", Action: ActionSkip, ResolvedAt: base})
		require.NoError(t, err)
		next, err = s.NextPending(ctx, PartitionStandard)
		require.NoError(t, err)
		assert.Equal(t, second.ID, next.ID)

		_, err = s.Resolve(ctx, &Resolution{ItemID: high.ID, ActorID: "ana", Action: ActionSkip, ResolvedAt: base})
		require.NoError(t, err)
		_, err = s.NextPending(ctx, PartitionHigh)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ResolveIsExclusive(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedFeed(t, s, "a", 5)
		item := seedItem(t, s, "a", 1, PartitionStandard)

		const actors = 10
		results := make([]error, actors)
		var wg sync.WaitGroup
		for i := 0; i < actors; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, results[i] = s.Resolve(ctx, &Resolution{
					ItemID:     item.ID,
					ActorID:    fmt.Sprintf("actor-%d", i),
					Action:     ActionAlert,
					ResolvedAt: base,
				})
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range results {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, ErrAlreadyResolved)
		}
		assert.Equal(t, 1, wins)

		rec, err := s.GetDelivery(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Generation)
		assert.Equal(t, DeliveryPending, rec.Status)
	})
}

func TestStore_ResolveMissingItem(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		_, err := s.Resolve(context.Background(), &Resolution{ItemID: 999, ActorID: "ana", Action: ActionSkip, ResolvedAt: base})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_Revert(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedFeed(t, s, "a", 5)
		item := seedItem(t, s, "a", 1, PartitionStandard)

		_, err := s.Revert(ctx, item.ID, "ana")
		assert.ErrorIs(t, err, ErrNothingToUndo)

		_, err = s.Resolve(ctx, &Resolution{ItemID: item.ID, ActorID: "ana", Action: ActionAlert, ResolvedAt: base})
		require.NoError(t, err)

		last, err := s.LastResolvedBy(ctx, "ana")
		require.NoError(t, err)
		assert.Equal(t, item.ID, last)

		_, err = s.Revert(ctx, item.ID, "bob")
		assert.ErrorIs(t, err, ErrNothingToUndo, "bob never touched the item")

		res, err := s.Revert(ctx, item.ID, "ana")
		require.NoError(t, err)
		assert.Equal(t, ActionAlert, res.Action)

		got, err := s.GetItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)

		rec, err := s.GetDelivery(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, DeliveryCancelled, rec.Status)

		_, err = s.LastResolvedBy(ctx, "ana")
		assert.ErrorIs(t, err, ErrNothingToUndo)
	})
}

func TestStore_RevertConflict(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedFeed(t, s, "a", 5)
		item := seedItem(t, s, "a", 1, PartitionStandard)

		_, err := s.Resolve(ctx, &Resolution{ItemID: item.ID, ActorID: "ana", Action: ActionDigest, ResolvedAt: base})
		require.NoError(t, err)
		_, err = s.Revert(ctx, item.ID, "ana")
		require.NoError(t, err)
		_, err = s.Resolve(ctx, &Resolution{ItemID: item.ID, ActorID: "bob", Action: ActionSkip, ResolvedAt: base})
		require.NoError(t, err)

		_, err = s.Revert(ctx, item.ID, "ana")
		assert.ErrorIs(t, err, ErrUndoConflict)

		res, err := s.GetResolution(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, "bob", res.ActorID)
	})
}

func TestStore_RealertOpensNewGeneration(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedFeed(t, s, "a", 5)
		item := seedItem(t, s, "a", 1, PartitionStandard)

		rec, err := s.Resolve(ctx, &Resolution{ItemID: item.ID, ActorID: "ana", Action: ActionAlert, ResolvedAt: base})
		require.NoError(t, err)
		_, err = s.BeginAttempt(ctx, item.ID, rec.Generation, base)
		require.NoError(t, err)
		_, err = s.Revert(ctx, item.ID, "ana")
		require.NoError(t, err)

		rec2, err := s.Resolve(ctx, &Resolution{ItemID: item.ID, ActorID: "ana", Action: ActionAlert, ResolvedAt: base.Add(time.Minute)})
		require.NoError(t, err)
		assert.Equal(t, rec.Generation+1, rec2.Generation)
		assert.Equal(t, 0, rec2.AttemptCount)

		_, err = s.BeginAttempt(ctx, item.ID, rec.Generation, base)
		assert.ErrorIs(t, err, ErrDeliveryInactive, "stale generation")
	})
}

func TestStore_Attempts(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedFeed(t, s, "a", 5)
		item := seedItem(t, s, "a", 1, PartitionStandard)
		rec, err := s.Resolve(ctx, &Resolution{ItemID: item.ID, ActorID: "ana", Action: ActionAlert, ResolvedAt: base})
		require.NoError(t, err)

		claimed, err := s.BeginAttempt(ctx, item.ID, rec.Generation, base)
		require.NoError(t, err)
		assert.Equal(t, 1, claimed.AttemptCount)
		require.NoError(t, s.FinishAttempt(ctx, item.ID, rec.Generation, AttemptOutcome{Err: "HTTP 500", At: base}))

		pending, err := s.PendingDeliveries(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "HTTP 500", pending[0].LastError)

		claimed, err = s.BeginAttempt(ctx, item.ID, rec.Generation, base)
		require.NoError(t, err)
		assert.Equal(t, 2, claimed.AttemptCount)
		require.NoError(t, s.FinishAttempt(ctx, item.ID, rec.Generation, AttemptOutcome{Delivered: true, At: base}))

		got, err := s.GetDelivery(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, DeliveryDelivered, got.Status)
		assert.True(t, got.Delivered)
		assert.True(t, got.Terminal())

		_, err = s.BeginAttempt(ctx, item.ID, rec.Generation, base)
		assert.ErrorIs(t, err, ErrDeliveryInactive)
		assert.ErrorIs(t, s.FinishAttempt(ctx, item.ID, rec.Generation, AttemptOutcome{At: base}), ErrDeliveryInactive)
	})
}

func TestStore_SkipAll(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedFeed(t, s, "a", 5)
		seedItem(t, s, "a", 1, PartitionStandard)
		seedItem(t, s, "a", 2, PartitionStandard)
		high := seedItem(t, s, "a", 3, PartitionHigh)

		n, err := s.SkipAll(ctx, PartitionStandard, "ana", base)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.SkipAll(ctx, PartitionStandard, "ana", base)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		next, err := s.NextPending(ctx, PartitionHigh)
		require.NoError(t, err)
		assert.Equal(t, high.ID, next.ID)

		n, err = s.SkipAll(ctx, "", "ana", base)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.ResolvedByAction[ActionSkip])
		assert.Zero(t, stats.PendingByPartition[PartitionHigh])
	})
}

func TestStore_DigestCommit(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedFeed(t, s, "a", 5)
		std := seedItem(t, s, "a", 1, PartitionStandard)
		high := seedItem(t, s, "a", 2, PartitionHigh)
		skipped := seedItem(t, s, "a", 3, PartitionStandard)

		for _, res := range []*Resolution{
			{ItemID: std.ID, ActorID: "ana", Action: ActionDigest, ResolvedAt: base.Add(time.Minute)},
			{ItemID: high.ID, ActorID: "ana", Action: ActionDigest, ResolvedAt: base.Add(2 * time.Minute)},
			{ItemID: skipped.ID, ActorID: "ana", Action: ActionSkip, ResolvedAt: base.Add(time.Minute)},
		} {
			_, err := s.Resolve(ctx, res)
			require.NoError(t, err)
		}

		wm, err := s.DigestWatermark(ctx)
		require.NoError(t, err)
		assert.True(t, wm.IsZero())

		until := base.Add(time.Hour)
		entries, err := s.DigestCandidates(ctx, until)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, high.ID, entries[0].Item.ID, "high partition first")
		assert.Equal(t, "Feed a", entries[0].FeedName)

		report := &DigestReport{
			ID:        "r1",
			Since:     wm,
			Until:     until,
			ItemIDs:   []int64{high.ID, std.ID},
			ItemCount: 2,
			Markdown:  "# digest",
			CreatedAt: until,
		}
		require.NoError(t, s.CommitDigest(ctx, report, []*Resolution{entries[0].Resolution, entries[1].Resolution}))

		wm, err = s.DigestWatermark(ctx)
		require.NoError(t, err)
		assert.True(t, wm.Equal(until))

		entries, err = s.DigestCandidates(ctx, until.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, entries, "consumed items are not repeated")

		res, err := s.GetResolution(ctx, std.ID)
		require.NoError(t, err)
		require.NotNil(t, res.ConsumedAt)

		stale := *report
		stale.ID = "r2"
		assert.ErrorIs(t, s.CommitDigest(ctx, &stale, nil), ErrWatermarkMoved)

		latest, err := s.LatestDigest(ctx)
		require.NoError(t, err)
		assert.Equal(t, "r1", latest.ID)
		assert.Equal(t, []int64{high.ID, std.ID}, latest.ItemIDs)
	})
}

func TestStore_DigestLateResolve(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedFeed(t, s, "a", 5)
		early := seedItem(t, s, "a", 1, PartitionStandard)
		late := seedItem(t, s, "a", 2, PartitionStandard)

		_, err := s.Resolve(ctx, &Resolution{ItemID: early.ID, ActorID: "ana", Action: ActionDigest, ResolvedAt: base})
		require.NoError(t, err)

		cut := base.Add(time.Minute)
		entries, err := s.DigestCandidates(ctx, cut)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		// Stamped before the cut-off but stored after the scan.
		_, err = s.Resolve(ctx, &Resolution{ItemID: late.ID, ActorID: "bob", Action: ActionDigest, ResolvedAt: cut.Add(-time.Second)})
		require.NoError(t, err)

		report := &DigestReport{ID: "r1", Until: cut, ItemIDs: []int64{early.ID}, ItemCount: 1, CreatedAt: cut}
		require.NoError(t, s.CommitDigest(ctx, report, []*Resolution{entries[0].Resolution}))

		entries, err = s.DigestCandidates(ctx, cut.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, entries, 1, "late resolve goes into the next digest")
		assert.Equal(t, late.ID, entries[0].Item.ID)

		res, err := s.GetResolution(ctx, late.ID)
		require.NoError(t, err)
		assert.Nil(t, res.ConsumedAt)
	})
}

func TestStore_DigestRedigestedDuringRun(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedFeed(t, s, "a", 5)
		item := seedItem(t, s, "a", 1, PartitionStandard)

		_, err := s.Resolve(ctx, &Resolution{ItemID: item.ID, ActorID: "ana", Action: ActionDigest, ResolvedAt: base})
		require.NoError(t, err)
		cut := base.Add(time.Minute)
		entries, err := s.DigestCandidates(ctx, cut)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		_, err = s.Revert(ctx, item.ID, "ana")
		require.NoError(t, err)
		_, err = s.Resolve(ctx, &Resolution{ItemID: item.ID, ActorID: "ana", Action: ActionDigest, ResolvedAt: base.Add(30 * time.Second)})
		require.NoError(t, err)

		report := &DigestReport{ID: "r1", Until: cut, ItemIDs: []int64{item.ID}, ItemCount: 1, CreatedAt: cut}
		require.NoError(t, s.CommitDigest(ctx, report, []*Resolution{entries[0].Resolution}))

		res, err := s.GetResolution(ctx, item.ID)
		require.NoError(t, err)
		assert.Nil(t, res.ConsumedAt, "the newer resolution was never rendered")

		entries, err = s.DigestCandidates(ctx, cut.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.True(t, entries[0].Resolution.ResolvedAt.Equal(base.Add(30*time.Second)))
	})
}

func TestStore_SkipAllConcurrentWithResolve(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedFeed(t, s, "a", 5)
		const n = 20
		items := make([]*Item, n)
		for i := range n {
			items[i] = seedItem(t, s, "a", i+1, PartitionStandard)
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			resolved int
			skipped  int
			errs     []error
		)
		for _, item := range items {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				_, err := s.Resolve(ctx, &Resolution{ItemID: id, ActorID: "ana", Action: ActionDigest, ResolvedAt: base})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					resolved++
				case errors.Is(err, ErrAlreadyResolved):
				default:
					errs = append(errs, err)
				}
			}(item.ID)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			count, err := s.SkipAll(ctx, PartitionStandard, "bob", base)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			skipped = count
		}()
		wg.Wait()

		assert.Empty(t, errs)
		assert.Equal(t, n, resolved+skipped, "every item resolved exactly once")

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.PendingByPartition[PartitionStandard])
		assert.Equal(t, resolved, stats.ResolvedByAction[ActionDigest])
		assert.Equal(t, skipped, stats.ResolvedByAction[ActionSkip])
	})
}

func TestStore_LatestDigestEmpty(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		_, err := s.LatestDigest(context.Background())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "x.db"), time.Second)
	assert.Error(t, err)
}

func TestParsePartitionAndAction(t *testing.T) {
	p, err := ParsePartition("high")
	require.NoError(t, err)
	assert.Equal(t, PartitionHigh, p)
	_, err = ParsePartition("urgent")
	assert.Error(t, err)

	a, err := ParseAction("digest")
	require.NoError(t, err)
	assert.Equal(t, ActionDigest, a)
	_, err = ParseAction("archive")
	assert.Error(t, err)
}

func TestStore_ListItems(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedFeed(t, s, "a", 9)
		seedFeed(t, s, "b", 3)
		third := seedItem(t, s, "a", 3, PartitionHigh)
		first := seedItem(t, s, "a", 1, PartitionHigh)
		second := seedItem(t, s, "b", 2, PartitionStandard)

		_, err := s.Resolve(ctx, &Resolution{ItemID: first.ID, ActorID: "ana", Action: ActionSkip, ResolvedAt: base})
		require.NoError(t, err)

		all, err := s.ListItems(ctx, ItemFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []int64{first.ID, second.ID, third.ID}, []int64{all[0].ID, all[1].ID, all[2].ID})

		pending, err := s.ListItems(ctx, ItemFilter{Partition: PartitionHigh, Status: StatusPending})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, third.ID, pending[0].ID)

		byFeed, err := s.ListItems(ctx, ItemFilter{FeedID: "b"})
		require.NoError(t, err)
		require.Len(t, byFeed, 1)
		assert.Equal(t, second.ID, byFeed[0].ID)

		limited, err := s.ListItems(ctx, ItemFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestStore_Stats(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedFeed(t, s, "a", 9)
		paused := seedFeed(t, s, "b", 3)
		paused.Active = false
		require.NoError(t, s.SaveFeed(ctx, paused))

		require.NoError(t, s.RecordFetch(ctx, "a", base, 3, ""))
		require.NoError(t, s.RecordFetch(ctx, "b", base, 0, "HTTP 502"))

		failed := seedItem(t, s, "a", 1, PartitionHigh)
		waiting := seedItem(t, s, "a", 2, PartitionHigh)
		seedItem(t, s, "a", 3, PartitionHigh)
		seedItem(t, s, "b", 4, PartitionStandard)

		rec, err := s.Resolve(ctx, &Resolution{ItemID: failed.ID, ActorID: "ana", Action: ActionAlert, ResolvedAt: base})
		require.NoError(t, err)
		_, err = s.BeginAttempt(ctx, failed.ID, rec.Generation, base)
		require.NoError(t, err)
		require.NoError(t, s.FinishAttempt(ctx, failed.ID, rec.Generation, AttemptOutcome{Err: "HTTP 500", Exhausted: true, At: base}))

		_, err = s.Resolve(ctx, &Resolution{ItemID: waiting.ID, ActorID: "ana", Action: ActionAlert, ResolvedAt: base})
		require.NoError(t, err)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.PendingByPartition[PartitionHigh])
		assert.Equal(t, 1, stats.PendingByPartition[PartitionStandard])
		assert.Equal(t, 2, stats.ResolvedByAction[ActionAlert])
		assert.Equal(t, 1, stats.ActiveFeeds)
		assert.Equal(t, 2, stats.TotalFeeds)
		assert.Equal(t, 1, stats.DeliveryFailures)
		assert.Equal(t, 1, stats.DeliveriesPending)
		require.Len(t, stats.FetchStatuses, 2)
		byFeed := map[string]*FetchStatus{}
		for _, st := range stats.FetchStatuses {
			byFeed[st.FeedID] = st
		}
		assert.Equal(t, 3, byFeed["a"].ItemsAdded)
		assert.Equal(t, "HTTP 502", byFeed["b"].LastError)
		assert.Equal(t, 1, byFeed["b"].ConsecutiveFailures)
	})
}
