package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tunjid/heron-sub003/internal/cursor"
	"github.com/tunjid/heron-sub003/internal/models"
)

// Item repository errors.
var (
	ErrItemNotFound      = errors.New("item not found")
	ErrFeedFilterMissing = errors.New("query has no feed filter")
)

// FilterFeed and FilterKind are the query filters understood by Read.
const (
	FilterFeed = "feed"
	FilterKind = "kind"
)

// ItemRepository is the local item cache. It is the local store contract the
// tiling engine reads pages from and writes confirmed remote pages to.
type ItemRepository struct {
	db     *DB
	policy RetryPolicy
	now    func() time.Time
}

// NewItemRepository creates a new ItemRepository.
func NewItemRepository(db *DB) *ItemRepository {
	return &ItemRepository{db: db, policy: DefaultRetryPolicy, now: time.Now}
}

const itemColumns = `feed, uri, kind, author, subject, client_ref, body, sort_at, indexed_at, data_json`

// Read returns the page q describes: items of the query's feed sorted newest
// first, at or before the anchor, offset by PageIndex*Limit.
func (r *ItemRepository) Read(ctx context.Context, q cursor.Query) ([]models.Item, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	feed := q.Filter(FilterFeed)
	if feed == "" {
		return nil, ErrFeedFilterMissing
	}

	query := `SELECT ` + itemColumns + ` FROM items WHERE feed = ? AND sort_at <= ?`
	args := []any{feed, q.Anchor.UnixNano()}
	if kind := q.Filter(FilterKind); kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY sort_at DESC, uri DESC LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.PageIndex*q.Limit)

	return r.list(ctx, query, args...)
}

// Upsert inserts or replaces confirmed items in one transaction.
func (r *ItemRepository) Upsert(ctx context.Context, items []models.Item) error {
	if len(items) == 0 {
		return nil
	}
	for i := range items {
		if err := items[i].Validate(); err != nil {
			return fmt.Errorf("invalid item %q: %w", items[i].URI, err)
		}
	}

	updatedAt := formatTime(r.now())
	return r.db.TransactionWithRetry(ctx, r.policy, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO items (`+itemColumns+`, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(feed, uri) DO UPDATE SET
				kind = excluded.kind,
				author = excluded.author,
				subject = excluded.subject,
				client_ref = excluded.client_ref,
				body = excluded.body,
				sort_at = excluded.sort_at,
				indexed_at = excluded.indexed_at,
				data_json = excluded.data_json,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return models.LocalStore("prepare item upsert", err)
		}
		defer stmt.Close()

		for _, item := range items {
			var dataJSON *string
			if len(item.Data) > 0 {
				s := string(item.Data)
				dataJSON = &s
			}
			var indexedAt *int64
			if !item.IndexedAt.IsZero() {
				n := item.IndexedAt.UnixNano()
				indexedAt = &n
			}
			if _, err := stmt.ExecContext(ctx,
				item.Feed,
				item.URI,
				string(item.Kind),
				nullString(item.Author),
				nullString(item.Subject),
				nullString(item.ClientRef),
				nullString(item.Body),
				item.SortAt.UnixNano(),
				indexedAt,
				dataJSON,
				updatedAt,
			); err != nil {
				return models.LocalStore("upsert item", err)
			}
		}
		return nil
	})
}

// Get retrieves a single item.
func (r *ItemRepository) Get(ctx context.Context, feed, uri string) (*models.Item, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE feed = ? AND uri = ?`, feed, uri)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// FindByClientRef returns the confirmed item that echoes a mutation key.
func (r *ItemRepository) FindByClientRef(ctx context.Context, feed, ref string) (*models.Item, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE feed = ? AND client_ref = ? ORDER BY sort_at DESC LIMIT 1`,
		feed, ref)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Delete removes items of a feed by URI and returns how many were removed.
// Deleting an absent item is not an error.
func (r *ItemRepository) Delete(ctx context.Context, feed string, uris ...string) (int64, error) {
	if len(uris) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(uris))
	args := make([]any, 0, len(uris)+1)
	args = append(args, feed)
	for i, uri := range uris {
		placeholders[i] = "?"
		args = append(args, uri)
	}

	result, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM items WHERE feed = ? AND uri IN (%s)`, strings.Join(placeholders, ",")),
		args...)
	if err != nil {
		return 0, models.LocalStore("delete items", err)
	}
	return result.RowsAffected()
}

// Clear removes every cached item of a feed.
func (r *ItemRepository) Clear(ctx context.Context, feed string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM items WHERE feed = ?`, feed)
	if err != nil {
		return 0, models.LocalStore("clear feed", err)
	}
	return result.RowsAffected()
}

// List returns up to limit items of a feed, newest first.
func (r *ItemRepository) List(ctx context.Context, feed string, limit int) ([]models.Item, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx,
		`SELECT `+itemColumns+` FROM items WHERE feed = ? ORDER BY sort_at DESC, uri DESC LIMIT ?`,
		feed, limit)
}

// FeedCount is the number of cached items of one feed.
type FeedCount struct {
	Feed  string
	Items int64
}

// Feeds lists cached feeds with their item counts.
func (r *ItemRepository) Feeds(ctx context.Context) ([]FeedCount, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT feed, COUNT(*) FROM items GROUP BY feed ORDER BY feed`)
	if err != nil {
		return nil, models.LocalStore("list feeds", err)
	}
	defer rows.Close()

	var feeds []FeedCount
	for rows.Next() {
		var fc FeedCount
		if err := rows.Scan(&fc.Feed, &fc.Items); err != nil {
			return nil, fmt.Errorf("failed to scan feed: %w", err)
		}
		feeds = append(feeds, fc)
	}
	if err := rows.Err(); err != nil {
		return nil, models.LocalStore("iterate feeds", err)
	}
	return feeds, nil
}

func (r *ItemRepository) list(ctx context.Context, query string, args ...any) ([]models.Item, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.LocalStore("query items", err)
	}
	defer rows.Close()

	items := []models.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, models.LocalStore("iterate items", err)
	}
	return items, nil
}

func scanItem(row rowScanner) (models.Item, error) {
	var item models.Item
	var kind string
	var author, subject, clientRef, body, dataJSON sql.NullString
	var sortAt int64
	var indexedAt sql.NullInt64

	if err := row.Scan(
		&item.Feed,
		&item.URI,
		&kind,
		&author,
		&subject,
		&clientRef,
		&body,
		&sortAt,
		&indexedAt,
		&dataJSON,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return item, err
		}
		return item, fmt.Errorf("failed to scan item: %w", err)
	}

	item.Kind = models.ItemKind(kind)
	item.Author = author.String
	item.Subject = subject.String
	item.ClientRef = clientRef.String
	item.Body = body.String
	item.SortAt = fromUnixNanos(sortAt)
	if indexedAt.Valid {
		item.IndexedAt = fromUnixNanos(indexedAt.Int64)
	}
	if dataJSON.Valid {
		item.Data = json.RawMessage(dataJSON.String)
	}
	return item, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
