package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tunjid/heron-sub003/internal/models"
)

// Event repository errors.
var (
	ErrEventNotFound = errors.New("event not found")
	ErrInvalidEvent  = errors.New("invalid event")
)

// DefaultPruneBatch bounds DeleteOlderThan when no limit is given.
const DefaultPruneBatch = 1000

type execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// EventRepository is the durable sync log: queue transitions and feed
// activity, read back in append order.
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// EventQuery selects a window of the log. Nil filters match everything.
type EventQuery struct {
	Type       *models.EventType
	EntityType *models.EntityType
	EntityID   *string

	// Since is inclusive, Until exclusive.
	Since *time.Time
	Until *time.Time

	// Cursor is the ID of the last event of the previous page.
	Cursor string
	Limit  int
}

// EventPage is one page of query results. NextCursor is empty on the last
// page.
type EventPage struct {
	Events     []*models.Event
	NextCursor string
}

func (q EventQuery) where() (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}

	if q.Type != nil {
		add("type = ?", string(*q.Type))
	}
	if q.EntityType != nil {
		add("entity_type = ?", string(*q.EntityType))
	}
	if q.EntityID != nil {
		add("entity_id = ?", *q.EntityID)
	}
	if q.Since != nil {
		add("timestamp >= ?", formatTime(*q.Since))
	}
	if q.Until != nil {
		add("timestamp < ?", formatTime(*q.Until))
	}
	if q.Cursor != "" {
		add("seq > (SELECT seq FROM events WHERE id = ?)", q.Cursor)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

const selectEvents = `SELECT id, timestamp, type, entity_type, entity_id, payload_json, metadata_json FROM events`

// Append records event, assigning an ID and timestamp when they are unset.
func (r *EventRepository) Append(ctx context.Context, event *models.Event) error {
	return r.insert(ctx, r.db, event)
}

// Create is Append under the name events.Store expects.
func (r *EventRepository) Create(ctx context.Context, event *models.Event) error {
	return r.insert(ctx, r.db, event)
}

func (r *EventRepository) insert(ctx context.Context, exec execer, event *models.Event) error {
	switch {
	case event == nil:
		return ErrInvalidEvent
	case event.Type == "":
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	case event.EntityType == "":
		return fmt.Errorf("%w: entity type is required", ErrInvalidEvent)
	case event.EntityID == "":
		return fmt.Errorf("%w: entity id is required", ErrInvalidEvent)
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Timestamp = event.Timestamp.UTC()

	var metadata sql.NullString
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}
	payload := sql.NullString{String: string(event.Payload), Valid: len(event.Payload) > 0}

	if _, err := exec.ExecContext(ctx, `
		INSERT INTO events (id, timestamp, type, entity_type, entity_id, payload_json, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID, formatTime(event.Timestamp), string(event.Type), string(event.EntityType), event.EntityID, payload, metadata); err != nil {
		return models.LocalStore("append event", err)
	}
	return nil
}

// Get returns the event with id.
func (r *EventRepository) Get(ctx context.Context, id string) (*models.Event, error) {
	event, err := scanEvent(r.db.QueryRowContext(ctx, selectEvents+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return event, err
}

// Query returns the events matching q in append order.
func (r *EventRepository) Query(ctx context.Context, q EventQuery) (*EventPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	where, args := q.where()
	// One extra row tells whether another page exists.
	events, err := r.list(ctx, selectEvents+where+` ORDER BY seq LIMIT ?`, append(args, limit+1)...)
	if err != nil {
		return nil, err
	}

	page := &EventPage{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.NextCursor = page.Events[limit-1].ID
	}
	return page, nil
}

// ListByEntity returns the latest limit events of one entity, oldest first.
func (r *EventRepository) ListByEntity(ctx context.Context, entityType models.EntityType, entityID string, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `
		SELECT id, timestamp, type, entity_type, entity_id, payload_json, metadata_json FROM (
			SELECT * FROM events WHERE entity_type = ? AND entity_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq
	`, string(entityType), entityID, limit)
}

func (r *EventRepository) list(ctx context.Context, query string, args ...any) ([]*models.Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.LocalStore("query events", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, models.LocalStore("iterate events", err)
	}
	return events, nil
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		event                      models.Event
		timestamp, typ, entityType string
		payload, metadata          sql.NullString
	)
	if err := row.Scan(&event.ID, &timestamp, &typ, &entityType, &event.EntityID, &payload, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, models.LocalStore("scan event", err)
	}

	event.Timestamp = parseTime(timestamp)
	event.Type = models.EventType(typ)
	event.EntityType = models.EntityType(entityType)
	if payload.Valid {
		event.Payload = json.RawMessage(payload.String)
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
			return nil, models.LocalStore("decode event metadata", err)
		}
	}
	return &event, nil
}

// Count returns the number of logged events.
func (r *EventRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, models.LocalStore("count events", err)
	}
	return n, nil
}

// DeleteOlderThan removes at most limit events logged before before, oldest
// first. A limit of zero means DefaultPruneBatch.
func (r *EventRepository) DeleteOlderThan(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = DefaultPruneBatch
	}
	return r.deleteSeqs(ctx, `SELECT seq FROM events WHERE timestamp < ? ORDER BY seq LIMIT ?`, formatTime(before), limit)
}

// DeleteExcess keeps the newest maxCount events and removes the rest.
func (r *EventRepository) DeleteExcess(ctx context.Context, maxCount int) (int64, error) {
	if maxCount <= 0 {
		return 0, nil
	}
	return r.deleteSeqs(ctx, `SELECT seq FROM events ORDER BY seq DESC LIMIT -1 OFFSET ?`, maxCount)
}

func (r *EventRepository) deleteSeqs(ctx context.Context, selectSeqs string, args ...any) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE seq IN (`+selectSeqs+`)`, args...)
	if err != nil {
		return 0, models.LocalStore("prune events", err)
	}
	return result.RowsAffected()
}
