package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tunjid/heron-sub003/internal/models"
)

// ErrEntryNotFound is returned when no queue entry matches.
var ErrEntryNotFound = errors.New("queue entry not found")

// MutationRepository persists write queue entries. The mutations table is
// owned by the write queue: nothing else writes to it.
type MutationRepository struct {
	db     *DB
	policy RetryPolicy
	now    func() time.Time
}

// NewMutationRepository creates a new MutationRepository.
func NewMutationRepository(db *DB) *MutationRepository {
	return &MutationRepository{db: db, policy: DefaultRetryPolicy, now: time.Now}
}

const mutationColumns = `id, dedup_key, kind, payload_json, successor_json, status, attempts,
	enqueued_at, next_attempt_at, last_error, error_kind, acked_at, updated_at`

// Save durably stores entry, replacing any row with the same dedup key.
// It returns only after the row is committed.
func (r *MutationRepository) Save(ctx context.Context, entry *models.QueueEntry) error {
	if entry == nil {
		return models.ErrInvalidQueueEntry
	}
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("%w: %w", models.ErrInvalidQueueEntry, err)
	}

	kind, payload, err := models.EncodeMutation(entry.Mutation)
	if err != nil {
		return err
	}
	var successorJSON *string
	if entry.Successor != nil {
		_, data, err := models.EncodeMutation(entry.Successor)
		if err != nil {
			return err
		}
		s := string(data)
		successorJSON = &s
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Status == "" {
		entry.Status = models.QueueEntryStatusPending
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = r.now().UTC()
	}
	entry.Kind = kind
	entry.UpdatedAt = r.now().UTC()

	var ackedAt *string
	if entry.AckedAt != nil {
		s := formatTime(*entry.AckedAt)
		ackedAt = &s
	}

	return r.db.TransactionWithRetry(ctx, r.policy, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO mutations (`+mutationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(dedup_key) DO UPDATE SET
				id = excluded.id,
				kind = excluded.kind,
				payload_json = excluded.payload_json,
				successor_json = excluded.successor_json,
				status = excluded.status,
				attempts = excluded.attempts,
				enqueued_at = excluded.enqueued_at,
				next_attempt_at = excluded.next_attempt_at,
				last_error = excluded.last_error,
				error_kind = excluded.error_kind,
				acked_at = excluded.acked_at,
				updated_at = excluded.updated_at
		`,
			entry.ID,
			string(entry.Key),
			string(kind),
			string(payload),
			successorJSON,
			string(entry.Status),
			entry.Attempts,
			unixNanos(entry.EnqueuedAt),
			unixNanos(entry.NextAttemptAt),
			nullString(entry.LastError),
			nullString(string(entry.ErrorKind)),
			ackedAt,
			formatTime(entry.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return models.LocalStore("save mutation", fmt.Errorf("entry id %s already used by another key: %w", entry.ID, err))
			}
			return models.LocalStore("save mutation", err)
		}
		return nil
	})
}

// Get retrieves the entry for a dedup key.
func (r *MutationRepository) Get(ctx context.Context, key models.DedupKey) (*models.QueueEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM mutations WHERE dedup_key = ?`, string(key))
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return entry, err
}

// List returns entries in enqueue order, optionally filtered by status.
func (r *MutationRepository) List(ctx context.Context, statuses ...models.QueueEntryStatus) ([]*models.QueueEntry, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutations`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += fmt.Sprintf(` WHERE status IN (%s)`, strings.Join(placeholders, ","))
	}
	query += ` ORDER BY enqueued_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.LocalStore("query mutations", err)
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, models.LocalStore("iterate mutations", err)
	}
	return entries, nil
}

// MarkAcked records a remote acknowledgement for the entry with id.
func (r *MutationRepository) MarkAcked(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE mutations SET status = ?, acked_at = ?, updated_at = ? WHERE id = ?
	`, string(models.QueueEntryStatusAcked), formatTime(at), formatTime(r.now()), id)
	if err != nil {
		return models.LocalStore("mark acked", err)
	}
	return requireAffected(result)
}

// Delete removes the entry with id. Deleting an absent entry is not an error.
func (r *MutationRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
		return models.LocalStore("delete mutation", err)
	}
	return nil
}

// Recover prepares the table after a restart: acknowledged rows are removed
// and rows that were in flight when the process stopped become pending again.
func (r *MutationRepository) Recover(ctx context.Context) (purged, reset int64, err error) {
	err = r.db.TransactionWithRetry(ctx, r.policy, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE status = ?`, string(models.QueueEntryStatusAcked))
		if err != nil {
			return models.LocalStore("purge acked", err)
		}
		if purged, err = result.RowsAffected(); err != nil {
			return err
		}

		result, err = tx.ExecContext(ctx, `
			UPDATE mutations SET status = ?, updated_at = ? WHERE status = ?
		`, string(models.QueueEntryStatusPending), formatTime(r.now()), string(models.QueueEntryStatusInFlight))
		if err != nil {
			return models.LocalStore("reset in-flight", err)
		}
		reset, err = result.RowsAffected()
		return err
	})
	return purged, reset, err
}

// CountByStatus returns the number of entries per status.
func (r *MutationRepository) CountByStatus(ctx context.Context) (map[models.QueueEntryStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM mutations GROUP BY status`)
	if err != nil {
		return nil, models.LocalStore("count mutations", err)
	}
	defer rows.Close()

	counts := make(map[models.QueueEntryStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[models.QueueEntryStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanEntry(row rowScanner) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	var key, kind, payload, status, updatedAt string
	var successor, lastError, errorKind, ackedAt sql.NullString
	var enqueuedAt, nextAttemptAt int64

	if err := row.Scan(
		&entry.ID,
		&key,
		&kind,
		&payload,
		&successor,
		&status,
		&entry.Attempts,
		&enqueuedAt,
		&nextAttemptAt,
		&lastError,
		&errorKind,
		&ackedAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan mutation: %w", err)
	}

	entry.Key = models.DedupKey(key)
	entry.Kind = models.MutationKind(kind)
	entry.Status = models.QueueEntryStatus(status)
	entry.EnqueuedAt = fromUnixNanos(enqueuedAt)
	entry.NextAttemptAt = fromUnixNanos(nextAttemptAt)
	entry.LastError = lastError.String
	entry.ErrorKind = models.ErrorKind(errorKind.String)
	entry.UpdatedAt = parseTime(updatedAt)
	if ackedAt.Valid {
		at := parseTime(ackedAt.String)
		entry.AckedAt = &at
	}

	m, err := models.DecodeMutation(entry.Kind, []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", entry.ID, err)
	}
	entry.Mutation = m

	if successor.Valid {
		next, err := models.DecodeMutation(entry.Kind, []byte(successor.String))
		if err != nil {
			return nil, fmt.Errorf("entry %s successor: %w", entry.ID, err)
		}
		entry.Successor = next
	}

	return &entry, nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}
