package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tunjid/heron-sub003/internal/db"
	"github.com/tunjid/heron-sub003/internal/events"
	"github.com/tunjid/heron-sub003/internal/logging"
	"github.com/tunjid/heron-sub003/internal/models"
)

const (
	defaultTailEvery = 500 * time.Millisecond
	defaultTailBatch = 100
)

// LogTail follows the persisted sync log and writes matching events to an
// io.Writer as JSON lines.
type LogTail struct {
	repo   *db.EventRepository
	out    io.Writer
	filter events.Filter

	// Every is the poll interval, Batch the page size per query.
	Every time.Duration
	Batch int

	// From selects the starting point: nil starts at the current time and
	// a zero time replays the whole log.
	From *time.Time

	now func() time.Time
}

// NewLogTail creates a tail of repo that writes events matching filter.
func NewLogTail(repo *db.EventRepository, out io.Writer, filter events.Filter) *LogTail {
	return &LogTail{
		repo:   repo,
		out:    out,
		filter: filter,
		Every:  defaultTailEvery,
		Batch:  defaultTailBatch,
		now:    time.Now,
	}
}

// Follow writes events until ctx is done. Cancellation is not an error.
func (t *LogTail) Follow(ctx context.Context) error {
	every := t.Every
	if every <= 0 {
		every = defaultTailEvery
	}

	pos := tailPosition{}
	switch {
	case t.From == nil:
		start := t.now().UTC()
		pos.since = &start
	case !t.From.IsZero():
		start := t.From.UTC()
		pos.since = &start
	}
	logger := logging.Component("tail")
	logger.Debug().Dur("every", every).Msg("following sync log")

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := t.catchUp(ctx, &pos); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// tailPosition is where the next query starts: after cursor once any event
// has been read, at since before that.
type tailPosition struct {
	cursor string
	since  *time.Time
}

func (t *LogTail) catchUp(ctx context.Context, pos *tailPosition) error {
	for {
		page, err := t.next(ctx, pos)
		if err != nil {
			return fmt.Errorf("failed to read sync log: %w", err)
		}
		for _, event := range page.Events {
			if !t.filter.Matches(event) {
				continue
			}
			if err := writeEventLine(t.out, event); err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}
		}
		if page.NextCursor == "" {
			return nil
		}
	}
}

// next reads one page and advances pos past it. Single-valued filters are
// pushed into the query. The rest is applied by the caller.
func (t *LogTail) next(ctx context.Context, pos *tailPosition) (*db.EventPage, error) {
	q := db.EventQuery{Cursor: pos.cursor, Since: pos.since, Limit: t.Batch}
	if q.Limit <= 0 {
		q.Limit = defaultTailBatch
	}
	if f := t.filter; len(f.EventTypes) == 1 {
		q.Type = &f.EventTypes[0]
	}
	if f := t.filter; len(f.EntityTypes) == 1 {
		q.EntityType = &f.EntityTypes[0]
	}
	if id := t.filter.EntityID; id != "" {
		q.EntityID = &id
	}

	page, err := t.repo.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if n := len(page.Events); n > 0 {
		pos.cursor = page.Events[n-1].ID
		pos.since = nil
	}
	return page, nil
}

func writeEventLine(w io.Writer, event *models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
