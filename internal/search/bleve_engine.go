// Package search keeps a bleve full-text index of queued items.
package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/pders01/feedtriage/internal/debuglog"
	"github.com/pders01/feedtriage/internal/storage"
)

// BleveEngine indexes items as they are ingested and drops them when their
// feed is removed. Hits are re-read from the store so status is current.
type BleveEngine struct {
	store storage.Store
	idx   bleve.Index
}

var fieldBoosts = []struct {
	field  string
	match  float64
	prefix float64
}{
	{"title", 4.0, 3.5},
	{"summary", 2.0, 1.8},
	{"feed_name", 1.0, 0.8},
	{"url", 0.5, 0.3},
}

// NewBleveEngine opens the index at indexPath, creating it when missing, and
// indexes every stored item. An empty path keeps the index in memory.
func NewBleveEngine(ctx context.Context, store storage.Store, indexPath string) (*BleveEngine, error) {
	var (
		idx bleve.Index
		err error
	)
	if indexPath == "" {
		idx, err = bleve.NewMemOnly(buildIndexMapping())
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(indexPath), 0o755); mkErr != nil {
			return nil, fmt.Errorf("creating index directory: %w", mkErr)
		}
		idx, err = bleve.Open(indexPath)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(indexPath, buildIndexMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("opening search index: %w", err)
	}

	be := &BleveEngine{store: store, idx: idx}
	if err := be.Reindex(ctx); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return be, nil
}

func buildIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = standard.Name

	dm := bleve.NewDocumentMapping()

	title := bleve.NewTextFieldMapping()
	title.Analyzer = standard.Name
	title.Store = true
	title.IncludeTermVectors = true

	summary := bleve.NewTextFieldMapping()
	summary.Analyzer = standard.Name
	summary.Store = false

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	text.Store = true

	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name
	exact.Store = true

	dm.AddFieldMappingsAt("title", title)
	dm.AddFieldMappingsAt("summary", summary)
	dm.AddFieldMappingsAt("url", text)
	dm.AddFieldMappingsAt("feed_name", text)
	dm.AddFieldMappingsAt("feed_id", exact)
	dm.AddFieldMappingsAt("partition", exact)

	im.DefaultMapping = dm
	return im
}

// Reindex adds every stored item to the index.
func (b *BleveEngine) Reindex(ctx context.Context) error {
	items, err := b.store.ListItems(ctx, storage.ItemFilter{})
	if err != nil {
		return fmt.Errorf("listing items for index: %w", err)
	}
	return b.index(ctx, items)
}

func (b *BleveEngine) index(ctx context.Context, items []*storage.Item) error {
	if len(items) == 0 {
		return nil
	}
	names := map[string]string{}
	batch := b.idx.NewBatch()
	for _, it := range items {
		name, ok := names[it.FeedID]
		if !ok {
			if f, err := b.store.GetFeed(ctx, it.FeedID); err == nil {
				name = f.Name()
			}
			names[it.FeedID] = name
		}
		if err := batch.Index(docID(it.ID), map[string]any{
			"title":     it.Title,
			"summary":   it.Summary,
			"url":       it.URL,
			"feed_id":   it.FeedID,
			"feed_name": name,
			"partition": string(it.Partition),
		}); err != nil {
			return err
		}
	}
	return b.idx.Batch(batch)
}

// OnItemsIngested indexes newly queued items.
func (b *BleveEngine) OnItemsIngested(items []*storage.Item) {
	if err := b.index(context.Background(), items); err != nil {
		debuglog.Warnf("indexing %d items: %v", len(items), err)
	}
}

// OnItemsRemoved drops items from the index.
func (b *BleveEngine) OnItemsRemoved(ids []int64) {
	if len(ids) == 0 {
		return
	}
	batch := b.idx.NewBatch()
	for _, id := range ids {
		batch.Delete(docID(id))
	}
	if err := b.idx.Batch(batch); err != nil {
		debuglog.Warnf("removing %d items from index: %v", len(ids), err)
	}
}

func (b *BleveEngine) Search(ctx context.Context, query string, limit int) ([]*Result, error) {
	if len(strings.TrimSpace(query)) < 2 {
		return []*Result{}, nil
	}
	tokens := tokenize(query)
	var qs []bleveQuery.Query
	for _, tok := range tokens {
		for _, fb := range fieldBoosts {
			m := bleve.NewMatchQuery(tok)
			m.SetField(fb.field)
			m.SetBoost(fb.match)
			p := bleve.NewPrefixQuery(tok)
			p.SetField(fb.field)
			p.SetBoost(fb.prefix)
			qs = append(qs, m, p)
		}
	}
	if len(qs) == 0 {
		return []*Result{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(qs...), limit, 0, false)
	req.Fields = []string{"feed_name"}
	res, err := b.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make([]*Result, 0, len(res.Hits))
	var stale []int64
	for _, h := range res.Hits {
		id, err := strconv.ParseInt(strings.TrimPrefix(h.ID, "item:"), 10, 64)
		if err != nil {
			continue
		}
		item, err := b.store.GetItem(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		r := &Result{Item: item, Score: h.Score}
		if name, ok := h.Fields["feed_name"].(string); ok {
			r.FeedName = name
		}
		annotate(r, tokens)
		out = append(out, r)
	}
	b.OnItemsRemoved(stale)
	return out, nil
}

// DocCount reports total documents in the index.
func (b *BleveEngine) DocCount() (int, error) {
	n, err := b.idx.DocCount()
	return int(n), err
}

func (b *BleveEngine) Close() error {
	return b.idx.Close()
}

func docID(itemID int64) string { return "item:" + strconv.FormatInt(itemID, 10) }
