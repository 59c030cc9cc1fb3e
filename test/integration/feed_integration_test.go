package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/feedtriage/internal/app"
	"github.com/pders01/feedtriage/internal/config"
	"github.com/pders01/feedtriage/internal/feed"
	"github.com/pders01/feedtriage/internal/search"
	"github.com/pders01/feedtriage/internal/storage"
	"github.com/pders01/feedtriage/internal/triage"
)

var feedServer *httptest.Server

func TestMain(m *testing.M) {
	feedServer = httptest.NewServer(http.FileServer(http.Dir(filepath.Join("..", "fixtures"))))
	code := m.Run()
	feedServer.Close()
	os.Exit(code)
}

// webhookSink counts alert posts and keeps the idempotency keys and the
// last payload it saw.
type webhookSink struct {
	mu    sync.Mutex
	posts atomic.Int32
	keys  []string
	body  map[string]any
}

func (s *webhookSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.posts.Add(1)
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.keys = append(s.keys, r.Header.Get("Idempotency-Key"))
	s.body = body
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func setupTestEnvironment(t *testing.T, driver string) (*app.App, *webhookSink) {
	t.Helper()
	sink := &webhookSink{}
	hook := httptest.NewServer(sink)
	t.Cleanup(hook.Close)

	dir := t.TempDir()
	cfg := config.TestConfig()
	cfg.Database.Driver = driver
	cfg.Database.Path = filepath.Join(dir, "feedtriage.db")
	cfg.Search.Enabled = true
	cfg.Search.IndexPath = filepath.Join(dir, "index.bleve")
	cfg.Digest.OutputDir = filepath.Join(dir, "digests")
	cfg.Webhook.URL = hook.URL

	a, err := app.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, sink
}

func TestFeedTriageEndToEnd(t *testing.T) {
	for _, driver := range []string{storage.DriverBolt, storage.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			a, sink := setupTestEnvironment(t, driver)

			_, err := a.Triage.AddFeed(ctx, feed.FeedSpec{URL: feedServer.URL + "/advisories.rss", Name: "Vendor PSIRT", Priority: feed.Priority(9)})
			require.NoError(t, err)
			_, err = a.Triage.AddFeed(ctx, feed.FeedSpec{URL: feedServer.URL + "/research.atom", Name: "Research Blog", Priority: feed.Priority(3)})
			require.NoError(t, err)

			// Ingest twice; the second cycle finds only duplicates.
			report, err := a.Pool.RunCycle(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, report.Failures)
			assert.Equal(t, 5, report.ItemsAdded)

			report, err = a.Pool.RunCycle(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, report.ItemsAdded)

			high, err := a.Store.ListItems(ctx, storage.ItemFilter{Partition: storage.PartitionHigh, Status: storage.StatusPending})
			require.NoError(t, err)
			require.Len(t, high, 3)
			for _, it := range high {
				assert.NotContains(t, it.Summary, "<", "summary should be sanitized")
			}

			first, err := a.Triage.Next(ctx, storage.PartitionHigh, "alice")
			require.NoError(t, err)
			require.NotNil(t, first)
			assert.Equal(t, storage.PartitionHigh, first.Partition)

			// Concurrent alert resolutions: exactly one wins.
			var (
				wg       sync.WaitGroup
				resolved atomic.Int32
				lost     atomic.Int32
			)
			for i := range 8 {
				wg.Add(1)
				go func(actor string) {
					defer wg.Done()
					res, err := a.Triage.Resolve(ctx, first.ID, actor, storage.ActionAlert)
					if !assert.NoError(t, err) {
						return
					}
					switch res.Outcome {
					case triage.OutcomeResolved:
						resolved.Add(1)
					case triage.OutcomeAlreadyResolved:
						lost.Add(1)
					}
				}(fmt.Sprintf("analyst-%d", i))
			}
			wg.Wait()
			assert.Equal(t, int32(1), resolved.Load())
			assert.Equal(t, int32(7), lost.Load())

			a.Dispatcher.Wait()
			assert.Equal(t, int32(1), sink.posts.Load())
			sink.mu.Lock()
			assert.Equal(t, []string{fmt.Sprintf("item-%d-1", first.ID)}, sink.keys)
			embeds, _ := sink.body["embeds"].([]any)
			require.Len(t, embeds, 1)
			assert.Equal(t, first.Title, embeds[0].(map[string]any)["title"])
			sink.mu.Unlock()

			rec, err := a.Store.GetDelivery(ctx, first.ID)
			require.NoError(t, err)
			assert.Equal(t, storage.DeliveryDelivered, rec.Status)
			assert.Equal(t, 1, rec.AttemptCount)

			// Digest one, skip the other, then undo the skip and digest it.
			second, err := a.Triage.Next(ctx, storage.PartitionHigh, "alice")
			require.NoError(t, err)
			require.NotNil(t, second)
			res, err := a.Triage.Resolve(ctx, second.ID, "alice", storage.ActionDigest)
			require.NoError(t, err)
			assert.Equal(t, triage.OutcomeResolved, res.Outcome)

			third, err := a.Triage.Next(ctx, storage.PartitionHigh, "alice")
			require.NoError(t, err)
			require.NotNil(t, third)
			res, err = a.Triage.Resolve(ctx, third.ID, "alice", storage.ActionSkip)
			require.NoError(t, err)
			assert.Equal(t, triage.OutcomeResolved, res.Outcome)

			undo, err := a.Triage.UndoLast(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, triage.OutcomeUndone, undo.Outcome)
			assert.Equal(t, third.ID, undo.ItemID)

			undo, err = a.Triage.UndoLast(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, triage.OutcomeNothingToUndo, undo.Outcome)

			res, err = a.Triage.Resolve(ctx, third.ID, "alice", storage.ActionDigest)
			require.NoError(t, err)
			assert.Equal(t, triage.OutcomeResolved, res.Outcome)

			next, err := a.Triage.Next(ctx, storage.PartitionHigh, "alice")
			require.NoError(t, err)
			assert.Nil(t, next, "high partition should be drained")

			skipped, err := a.Triage.SkipAll(ctx, storage.PartitionStandard, "bob")
			require.NoError(t, err)
			assert.Equal(t, 2, skipped.Skipped)

			digest, err := a.Digest.Generate(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, digest.ItemCount)
			assert.ElementsMatch(t, []int64{second.ID, third.ID}, digest.ItemIDs)
			assert.Contains(t, digest.Markdown, "## High priority")
			assert.Contains(t, digest.Markdown, "Vendor PSIRT")
			require.NotEmpty(t, digest.Path)
			written, err := os.ReadFile(digest.Path)
			require.NoError(t, err)
			assert.Equal(t, digest.Markdown, string(written))

			again, err := a.Digest.Generate(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, again.ItemCount)

			results, err := a.Search.Search(ctx, "hypervisor", 10)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.True(t, strings.Contains(results[0].Item.Title, "Hypervisor"))
			assert.Equal(t, "Research Blog", results[0].FeedName)
			assert.Equal(t, storage.StatusResolved, results[0].Item.Status)

			ds, ok := a.Search.(search.DebugStatser)
			require.True(t, ok)
			indexed, err := ds.DocCount()
			require.NoError(t, err)
			assert.Equal(t, 5, indexed)

			stats, err := a.Triage.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, stats.PendingByPartition[storage.PartitionHigh])
			assert.Equal(t, 0, stats.PendingByPartition[storage.PartitionStandard])
			assert.Equal(t, 1, stats.ResolvedByAction[storage.ActionAlert])
			assert.Equal(t, 2, stats.ResolvedByAction[storage.ActionDigest])
			assert.Equal(t, 2, stats.ResolvedByAction[storage.ActionSkip])
			assert.Equal(t, 2, stats.ActiveFeeds)
			assert.Equal(t, 0, stats.DeliveryFailures)
		})
	}
}

func TestFeedFailureDoesNotStopCycle(t *testing.T) {
	ctx := context.Background()
	a, _ := setupTestEnvironment(t, storage.DriverBolt)

	_, err := a.Triage.AddFeed(ctx, feed.FeedSpec{URL: feedServer.URL + "/advisories.rss", Priority: feed.Priority(9)})
	require.NoError(t, err)
	_, err = a.Triage.AddFeed(ctx, feed.FeedSpec{URL: feedServer.URL + "/missing.rss", Priority: feed.Priority(5)})
	require.NoError(t, err)

	report, err := a.Pool.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, 3, report.ItemsAdded)

	statuses, err := a.Store.FetchStatuses(ctx)
	require.NoError(t, err)
	var failing int
	for _, st := range statuses {
		if st.LastError != "" {
			failing++
			assert.Contains(t, st.LastError, "404")
		}
	}
	assert.Equal(t, 1, failing)
}
