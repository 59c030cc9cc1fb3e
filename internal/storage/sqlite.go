package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS feeds (
	id           TEXT PRIMARY KEY,
	url          TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	priority     INTEGER NOT NULL DEFAULT 5,
	category     TEXT NOT NULL DEFAULT '',
	active       INTEGER NOT NULL DEFAULT 1,
	created_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS fetch_status (
	feed_id              TEXT PRIMARY KEY REFERENCES feeds(id) ON DELETE CASCADE,
	last_fetched         INTEGER NOT NULL,
	last_error           TEXT NOT NULL DEFAULT '',
	items_added          INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS items (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	feed_id         TEXT NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
	fingerprint     TEXT NOT NULL UNIQUE,
	title           TEXT NOT NULL DEFAULT '',
	summary         TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL DEFAULT '',
	published_at    INTEGER NOT NULL,
	status          TEXT NOT NULL,
	queue_partition TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_queue ON items(queue_partition, status, created_at, id);
CREATE INDEX IF NOT EXISTS idx_items_feed ON items(feed_id);
CREATE TABLE IF NOT EXISTS resolutions (
	item_id     INTEGER PRIMARY KEY REFERENCES items(id) ON DELETE CASCADE,
	actor_id    TEXT NOT NULL,
	action_kind TEXT NOT NULL,
	resolved_at INTEGER NOT NULL,
	consumed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_resolutions_digest ON resolutions(action_kind, consumed_at, resolved_at);
CREATE TABLE IF NOT EXISTS actor_last (
	actor_id TEXT PRIMARY KEY,
	item_id  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS actor_items (
	actor_id TEXT NOT NULL,
	item_id  INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	PRIMARY KEY (actor_id, item_id)
);
CREATE TABLE IF NOT EXISTS deliveries (
	item_id       INTEGER PRIMARY KEY REFERENCES items(id) ON DELETE CASCADE,
	generation    INTEGER NOT NULL,
	status        TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	delivered     INTEGER NOT NULL DEFAULT 0,
	actor_id      TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status);
CREATE TABLE IF NOT EXISTS digests (
	id         TEXT PRIMARY KEY,
	since      INTEGER NOT NULL,
	until      INTEGER NOT NULL,
	item_ids   TEXT NOT NULL,
	item_count INTEGER NOT NULL,
	markdown   TEXT NOT NULL,
	path       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	name TEXT PRIMARY KEY,
	val  TEXT NOT NULL
);
`

var (
	itemColumns     = []string{"id", "feed_id", "fingerprint", "title", "summary", "url", "published_at", "status", "queue_partition", "created_at"}
	deliveryColumns = []string{"item_id", "generation", "status", "attempt_count", "last_error", "delivered", "actor_id", "created_at", "updated_at"}
	feedColumns     = []string{"id", "url", "display_name", "priority", "category", "active", "created_at"}
)

// SQLStore implements Store on SQLite. Write transactions begin IMMEDIATE so
// the conditional updates are serialized across connections and processes
// sharing the same database file.
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(dbPath string, timeout time.Duration) (*SQLStore, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL&_txlock=immediate",
		dbPath, timeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func exec(ctx context.Context, r runner, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return r.ExecContext(ctx, query, args...)
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

func queryRow(ctx context.Context, r runner, b sq.Sqlizer) scanner {
	query, args, err := b.ToSql()
	if err != nil {
		return errRow{err}
	}
	return r.QueryRowContext(ctx, query, args...)
}

func query(ctx context.Context, r runner, b sq.Sqlizer) (*sql.Rows, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return r.QueryContext(ctx, q, args...)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*Item, error) {
	var (
		item               Item
		published, created int64
		status, partition  string
	)
	if err := row.Scan(&item.ID, &item.FeedID, &item.Fingerprint, &item.Title, &item.Summary, &item.URL,
		&published, &status, &partition, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	item.PublishedAt = fromNanos(published)
	item.CreatedAt = fromNanos(created)
	item.Status = ItemStatus(status)
	item.Partition = Partition(partition)
	return &item, nil
}

func scanDelivery(row scanner) (*DeliveryRecord, error) {
	var (
		rec              DeliveryRecord
		status           string
		delivered        bool
		created, updated int64
	)
	if err := row.Scan(&rec.ItemID, &rec.Generation, &status, &rec.AttemptCount, &rec.LastError,
		&delivered, &rec.ActorID, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Status = DeliveryStatus(status)
	rec.Delivered = delivered
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	return &rec, nil
}

func scanFeed(row scanner) (*Feed, error) {
	var (
		feed    Feed
		created int64
	)
	if err := row.Scan(&feed.ID, &feed.URL, &feed.DisplayName, &feed.Priority, &feed.Category,
		&feed.Active, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	feed.CreatedAt = fromNanos(created)
	return &feed, nil
}

// --- Feeds -----------------------------------------------------------------

func (s *SQLStore) SaveFeed(ctx context.Context, feed *Feed) error {
	_, err := exec(ctx, s.db, sq.Insert("feeds").
		Columns(feedColumns...).
		Values(feed.ID, feed.URL, feed.DisplayName, feed.Priority, feed.Category, feed.Active, toNanos(feed.CreatedAt)).
		Suffix(`ON CONFLICT(id) DO UPDATE SET url = excluded.url, display_name = excluded.display_name,
			priority = excluded.priority, category = excluded.category, active = excluded.active`))
	if err != nil {
		return fmt.Errorf("saving feed %s: %w", feed.ID, err)
	}
	return nil
}

func (s *SQLStore) GetFeed(ctx context.Context, id string) (*Feed, error) {
	feed, err := scanFeed(queryRow(ctx, s.db, sq.Select(feedColumns...).From("feeds").Where(sq.Eq{"id": id})))
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", id, err)
	}
	return feed, nil
}

func (s *SQLStore) ListFeeds(ctx context.Context, activeOnly bool) ([]*Feed, error) {
	b := sq.Select(feedColumns...).From("feeds")
	if activeOnly {
		b = b.Where(sq.Eq{"active": true})
	}
	rows, err := query(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	defer rows.Close()

	var feeds []*Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, feed)
	}
	sortFeeds(feeds)
	return feeds, rows.Err()
}

func (s *SQLStore) DeleteFeed(ctx context.Context, id string) ([]int64, error) {
	var removed []int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := query(ctx, tx, sq.Select("id").From("items").Where(sq.Eq{"feed_id": id}))
		if err != nil {
			return err
		}
		for rows.Next() {
			var itemID int64
			if err := rows.Scan(&itemID); err != nil {
				rows.Close()
				return err
			}
			removed = append(removed, itemID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		res, err := exec(ctx, tx, sq.Delete("feeds").Where(sq.Eq{"id": id}))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deleting feed %s: %w", id, err)
	}
	return removed, nil
}

func (s *SQLStore) RecordFetch(ctx context.Context, feedID string, at time.Time, itemsAdded int, fetchErr string) error {
	failures, initial := "0", 0
	if fetchErr != "" {
		failures, initial = "fetch_status.consecutive_failures + 1", 1
	}
	upsert := sq.Insert("fetch_status").
		Columns("feed_id", "last_fetched", "last_error", "items_added", "consecutive_failures").
		Values(feedID, toNanos(at), fetchErr, itemsAdded, initial).
		Suffix("ON CONFLICT(feed_id) DO UPDATE SET last_fetched = excluded.last_fetched, " +
			"last_error = excluded.last_error, items_added = excluded.items_added, " +
			"consecutive_failures = " + failures)
	if _, err := exec(ctx, s.db, upsert); err != nil {
		return fmt.Errorf("recording fetch for %s: %w", feedID, err)
	}
	return nil
}

func (s *SQLStore) FetchStatuses(ctx context.Context) ([]*FetchStatus, error) {
	rows, err := query(ctx, s.db, sq.Select("feed_id", "last_fetched", "last_error", "items_added", "consecutive_failures").
		From("fetch_status").OrderBy("feed_id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []*FetchStatus
	for rows.Next() {
		var (
			status  FetchStatus
			fetched int64
		)
		if err := rows.Scan(&status.FeedID, &fetched, &status.LastError, &status.ItemsAdded, &status.ConsecutiveFailures); err != nil {
			return nil, err
		}
		status.LastFetched = fromNanos(fetched)
		statuses = append(statuses, &status)
	}
	return statuses, rows.Err()
}

// --- Items -----------------------------------------------------------------

func (s *SQLStore) InsertItem(ctx context.Context, item *Item) (bool, error) {
	res, err := exec(ctx, s.db, sq.Insert("items").
		Columns(itemColumns[1:]...).
		Values(item.FeedID, item.Fingerprint, item.Title, item.Summary, item.URL,
			toNanos(item.PublishedAt), string(StatusPending), string(item.Partition), toNanos(item.CreatedAt)).
		Suffix("ON CONFLICT(fingerprint) DO NOTHING"))
	if err != nil {
		return false, fmt.Errorf("inserting item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, err
	}
	item.ID = id
	item.Status = StatusPending
	return true, nil
}

func (s *SQLStore) GetItem(ctx context.Context, id int64) (*Item, error) {
	item, err := scanItem(queryRow(ctx, s.db, sq.Select(itemColumns...).From("items").Where(sq.Eq{"id": id})))
	if err != nil {
		return nil, fmt.Errorf("item %d: %w", id, err)
	}
	return item, nil
}

func (s *SQLStore) NextPending(ctx context.Context, p Partition) (*Item, error) {
	return scanItem(queryRow(ctx, s.db, sq.Select(itemColumns...).From("items").
		Where(sq.Eq{"queue_partition": string(p), "status": string(StatusPending)}).
		OrderBy("created_at", "id").
		Limit(1)))
}

func (s *SQLStore) ListItems(ctx context.Context, filter ItemFilter) ([]*Item, error) {
	where := sq.Eq{}
	if filter.Partition != "" {
		where["queue_partition"] = string(filter.Partition)
	}
	if filter.Status != "" {
		where["status"] = string(filter.Status)
	}
	if filter.FeedID != "" {
		where["feed_id"] = filter.FeedID
	}
	b := sq.Select(itemColumns...).From("items").Where(where).OrderBy("created_at", "id")
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	rows, err := query(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// --- Resolutions -----------------------------------------------------------

func resolveRow(ctx context.Context, tx *sql.Tx, res *Resolution) (bool, error) {
	out, err := exec(ctx, tx, sq.Update("items").
		Set("status", string(StatusResolved)).
		Where(sq.Eq{"id": res.ItemID, "status": string(StatusPending)}))
	if err != nil {
		return false, err
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := exec(ctx, tx, sq.Insert("resolutions").
		Columns("item_id", "actor_id", "action_kind", "resolved_at").
		Values(res.ItemID, res.ActorID, string(res.Action), toNanos(res.ResolvedAt))); err != nil {
		return false, err
	}
	if _, err := exec(ctx, tx, sq.Insert("actor_items").
		Options("OR IGNORE").
		Columns("actor_id", "item_id").
		Values(res.ActorID, res.ItemID)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) Resolve(ctx context.Context, res *Resolution) (*DeliveryRecord, error) {
	var rec *DeliveryRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := resolveRow(ctx, tx, res)
		if err != nil {
			return err
		}
		if !ok {
			var exists int
			if err := queryRow(ctx, tx, sq.Select("COUNT(*)").From("items").Where(sq.Eq{"id": res.ItemID})).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return ErrNotFound
			}
			return ErrAlreadyResolved
		}

		if _, err := exec(ctx, tx, sq.Insert("actor_last").
			Columns("actor_id", "item_id").
			Values(res.ActorID, res.ItemID).
			Suffix("ON CONFLICT(actor_id) DO UPDATE SET item_id = excluded.item_id")); err != nil {
			return err
		}
		if res.Action != ActionAlert {
			return nil
		}

		prev, err := scanDelivery(queryRow(ctx, tx, sq.Select(deliveryColumns...).From("deliveries").Where(sq.Eq{"item_id": res.ItemID})))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		rec = newDeliveryGeneration(prev, res.ItemID, res.ActorID, res.ResolvedAt)
		_, err = exec(ctx, tx, sq.Insert("deliveries").
			Options("OR REPLACE").
			Columns(deliveryColumns...).
			Values(rec.ItemID, rec.Generation, string(rec.Status), rec.AttemptCount, rec.LastError,
				rec.Delivered, rec.ActorID, toNanos(rec.CreatedAt), toNanos(rec.UpdatedAt)))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func scanResolution(row scanner) (*Resolution, error) {
	var (
		res      Resolution
		action   string
		resolved int64
		consumed sql.NullInt64
	)
	if err := row.Scan(&res.ItemID, &res.ActorID, &action, &resolved, &consumed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	res.Action = Action(action)
	res.ResolvedAt = fromNanos(resolved)
	if consumed.Valid {
		t := fromNanos(consumed.Int64)
		res.ConsumedAt = &t
	}
	return &res, nil
}

var resolutionColumns = []string{"item_id", "actor_id", "action_kind", "resolved_at", "consumed_at"}

func (s *SQLStore) GetResolution(ctx context.Context, itemID int64) (*Resolution, error) {
	return scanResolution(queryRow(ctx, s.db, sq.Select(resolutionColumns...).From("resolutions").Where(sq.Eq{"item_id": itemID})))
}

func (s *SQLStore) Revert(ctx context.Context, itemID int64, actorID string) (*Resolution, error) {
	var res *Resolution
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := queryRow(ctx, tx, sq.Select("COUNT(*)").From("items").Where(sq.Eq{"id": itemID})).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}

		var err error
		res, err = scanResolution(queryRow(ctx, tx, sq.Select(resolutionColumns...).From("resolutions").Where(sq.Eq{"item_id": itemID})))
		if errors.Is(err, ErrNotFound) {
			return ErrNothingToUndo
		}
		if err != nil {
			return err
		}
		if res.ActorID != actorID {
			var touched int
			if err := queryRow(ctx, tx, sq.Select("COUNT(*)").From("actor_items").
				Where(sq.Eq{"actor_id": actorID, "item_id": itemID})).Scan(&touched); err != nil {
				return err
			}
			if touched > 0 {
				return ErrUndoConflict
			}
			return ErrNothingToUndo
		}

		if _, err := exec(ctx, tx, sq.Delete("resolutions").Where(sq.Eq{"item_id": itemID, "actor_id": actorID})); err != nil {
			return err
		}
		if _, err := exec(ctx, tx, sq.Update("items").Set("status", string(StatusPending)).Where(sq.Eq{"id": itemID})); err != nil {
			return err
		}
		if _, err := exec(ctx, tx, sq.Delete("actor_last").Where(sq.Eq{"actor_id": actorID, "item_id": itemID})); err != nil {
			return err
		}
		if res.Action != ActionAlert {
			return nil
		}
		_, err = exec(ctx, tx, sq.Update("deliveries").
			Set("status", string(DeliveryCancelled)).
			Set("updated_at", toNanos(time.Now())).
			Where(sq.Eq{"item_id": itemID, "status": string(DeliveryPending)}))
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *SQLStore) LastResolvedBy(ctx context.Context, actorID string) (int64, error) {
	var id int64
	err := queryRow(ctx, s.db, sq.Select("item_id").From("actor_last").Where(sq.Eq{"actor_id": actorID})).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNothingToUndo
	}
	return id, err
}

func (s *SQLStore) SkipAll(ctx context.Context, p Partition, actorID string, at time.Time) (int, error) {
	count := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		where := sq.Eq{"status": string(StatusPending)}
		if p != "" {
			where["queue_partition"] = string(p)
		}
		rows, err := query(ctx, tx, sq.Select("id").From("items").Where(where).OrderBy("created_at", "id"))
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			ok, err := resolveRow(ctx, tx, &Resolution{ItemID: id, ActorID: actorID, Action: ActionSkip, ResolvedAt: at})
			if err != nil {
				return err
			}
			if ok {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("skipping pending items: %w", err)
	}
	return count, nil
}

// --- Deliveries ------------------------------------------------------------

func (s *SQLStore) GetDelivery(ctx context.Context, itemID int64) (*DeliveryRecord, error) {
	return scanDelivery(queryRow(ctx, s.db, sq.Select(deliveryColumns...).From("deliveries").Where(sq.Eq{"item_id": itemID})))
}

func (s *SQLStore) BeginAttempt(ctx context.Context, itemID int64, generation int, at time.Time) (*DeliveryRecord, error) {
	var rec *DeliveryRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := exec(ctx, tx, sq.Update("deliveries").
			Set("attempt_count", sq.Expr("attempt_count + 1")).
			Set("updated_at", toNanos(at)).
			Where(sq.Eq{"item_id": itemID, "generation": generation, "status": string(DeliveryPending)}))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrDeliveryInactive
		}
		rec, err = scanDelivery(queryRow(ctx, tx, sq.Select(deliveryColumns...).From("deliveries").Where(sq.Eq{"item_id": itemID})))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLStore) FinishAttempt(ctx context.Context, itemID int64, generation int, out AttemptOutcome) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := scanDelivery(queryRow(ctx, tx, sq.Select(deliveryColumns...).From("deliveries").Where(sq.Eq{"item_id": itemID})))
		if errors.Is(err, ErrNotFound) {
			return ErrDeliveryInactive
		}
		if err != nil {
			return err
		}
		if rec.Generation != generation || rec.Status != DeliveryPending {
			return ErrDeliveryInactive
		}
		applyOutcome(rec, out)
		_, err = exec(ctx, tx, sq.Update("deliveries").
			Set("status", string(rec.Status)).
			Set("delivered", rec.Delivered).
			Set("last_error", rec.LastError).
			Set("updated_at", toNanos(rec.UpdatedAt)).
			Where(sq.Eq{"item_id": itemID, "generation": generation, "status": string(DeliveryPending)}))
		return err
	})
}

func (s *SQLStore) PendingDeliveries(ctx context.Context) ([]*DeliveryRecord, error) {
	rows, err := query(ctx, s.db, sq.Select(deliveryColumns...).From("deliveries").
		Where(sq.Eq{"status": string(DeliveryPending)}).OrderBy("updated_at"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Digest ----------------------------------------------------------------

func watermarkTx(ctx context.Context, r runner) (time.Time, error) {
	var raw string
	err := queryRow(ctx, r, sq.Select("val").From("meta").Where(sq.Eq{"name": string(watermarkKey)})).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func (s *SQLStore) DigestWatermark(ctx context.Context) (time.Time, error) {
	return watermarkTx(ctx, s.db)
}

func (s *SQLStore) DigestCandidates(ctx context.Context, until time.Time) ([]*DigestEntry, error) {
	cols := make([]string, 0, len(itemColumns)+5)
	for _, c := range itemColumns {
		cols = append(cols, "i."+c)
	}
	cols = append(cols, "r.actor_id", "r.resolved_at", "f.display_name", "f.url")

	rows, err := query(ctx, s.db, sq.Select(cols...).
		From("resolutions r").
		Join("items i ON i.id = r.item_id").
		LeftJoin("feeds f ON f.id = i.feed_id").
		Where(sq.Eq{"r.action_kind": string(ActionDigest), "r.consumed_at": nil}).
		Where(sq.LtOrEq{"r.resolved_at": toNanos(until)}))
	if err != nil {
		return nil, fmt.Errorf("selecting digest items: %w", err)
	}
	defer rows.Close()

	var entries []*DigestEntry
	for rows.Next() {
		var (
			item               Item
			published, created int64
			status, partition  string
			actor              string
			resolved           int64
			feedName, feedURL  sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.FeedID, &item.Fingerprint, &item.Title, &item.Summary, &item.URL,
			&published, &status, &partition, &created, &actor, &resolved, &feedName, &feedURL); err != nil {
			return nil, err
		}
		item.PublishedAt = fromNanos(published)
		item.CreatedAt = fromNanos(created)
		item.Status = ItemStatus(status)
		item.Partition = Partition(partition)
		feed := Feed{DisplayName: feedName.String, URL: feedURL.String}
		entries = append(entries, &DigestEntry{
			Item:       &item,
			Resolution: &Resolution{ItemID: item.ID, ActorID: actor, Action: ActionDigest, ResolvedAt: fromNanos(resolved)},
			FeedName:   feed.Name(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortDigestEntries(entries)
	return entries, nil
}

func (s *SQLStore) CommitDigest(ctx context.Context, report *DigestReport, rendered []*Resolution) error {
	ids, err := json.Marshal(report.ItemIDs)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		wm, err := watermarkTx(ctx, tx)
		if err != nil {
			return err
		}
		if !wm.Equal(report.Since) {
			return ErrWatermarkMoved
		}
		for _, want := range rendered {
			if _, err := exec(ctx, tx, sq.Update("resolutions").
				Set("consumed_at", toNanos(report.Until)).
				Where(sq.Eq{
					"item_id":     want.ItemID,
					"action_kind": string(ActionDigest),
					"resolved_at": toNanos(want.ResolvedAt),
					"consumed_at": nil,
				})); err != nil {
				return err
			}
		}
		if _, err := exec(ctx, tx, sq.Insert("digests").
			Columns("id", "since", "until", "item_ids", "item_count", "markdown", "path", "created_at").
			Values(report.ID, toNanos(report.Since), toNanos(report.Until), string(ids), report.ItemCount,
				report.Markdown, report.Path, toNanos(report.CreatedAt))); err != nil {
			return err
		}
		_, err = exec(ctx, tx, sq.Insert("meta").
			Columns("name", "val").
			Values(string(watermarkKey), report.Until.UTC().Format(time.RFC3339Nano)).
			Suffix("ON CONFLICT(name) DO UPDATE SET val = excluded.val"))
		return err
	})
}

func (s *SQLStore) LatestDigest(ctx context.Context) (*DigestReport, error) {
	var (
		report                DigestReport
		since, until, created int64
		ids                   string
	)
	err := queryRow(ctx, s.db, sq.Select("id", "since", "until", "item_ids", "item_count", "markdown", "path", "created_at").
		From("digests").OrderBy("created_at DESC").Limit(1)).
		Scan(&report.ID, &since, &until, &ids, &report.ItemCount, &report.Markdown, &report.Path, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ids), &report.ItemIDs); err != nil {
		return nil, err
	}
	report.Since = fromNanos(since)
	report.Until = fromNanos(until)
	report.CreatedAt = fromNanos(created)
	return &report, nil
}

// --- Stats -----------------------------------------------------------------

func (s *SQLStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		PendingByPartition: map[Partition]int{},
		ResolvedByAction:   map[Action]int{},
	}

	counts := func(b sq.SelectBuilder, fn func(key string, n int)) error {
		rows, err := query(ctx, s.db, b)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				key string
				n   int
			)
			if err := rows.Scan(&key, &n); err != nil {
				return err
			}
			fn(key, n)
		}
		return rows.Err()
	}

	if err := counts(sq.Select("queue_partition", "COUNT(*)").From("items").
		Where(sq.Eq{"status": string(StatusPending)}).GroupBy("queue_partition"),
		func(k string, n int) { stats.PendingByPartition[Partition(k)] = n }); err != nil {
		return nil, err
	}
	if err := counts(sq.Select("action_kind", "COUNT(*)").From("resolutions").GroupBy("action_kind"),
		func(k string, n int) { stats.ResolvedByAction[Action(k)] = n }); err != nil {
		return nil, err
	}
	if err := counts(sq.Select("status", "COUNT(*)").From("deliveries").GroupBy("status"),
		func(k string, n int) {
			switch DeliveryStatus(k) {
			case DeliveryFailed:
				stats.DeliveryFailures = n
			case DeliveryPending:
				stats.DeliveriesPending = n
			}
		}); err != nil {
		return nil, err
	}
	if err := queryRow(ctx, s.db, sq.Select("COUNT(*)", "COALESCE(SUM(active), 0)").From("feeds")).
		Scan(&stats.TotalFeeds, &stats.ActiveFeeds); err != nil {
		return nil, err
	}

	var err error
	stats.FetchStatuses, err = s.FetchStatuses(ctx)
	return stats, err
}
