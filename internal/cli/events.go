package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunjid/heron-sub003/internal/db"
	"github.com/tunjid/heron-sub003/internal/events"
	"github.com/tunjid/heron-sub003/internal/models"
)

var (
	eventsType       []string
	eventsEntityType string
	eventsEntity     string
	eventsSince      time.Duration
	eventsLimit      int
	eventsCursor     string
	eventsAll        bool
	eventsOlderThan  time.Duration
	eventsKeep       int
	eventsPoll       time.Duration
)

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsWatchCmd)
	eventsCmd.AddCommand(eventsPruneCmd)

	for _, cmd := range []*cobra.Command{eventsListCmd, eventsWatchCmd} {
		cmd.Flags().StringSliceVar(&eventsType, "type", nil, "event types (e.g. mutation.failed)")
		cmd.Flags().StringVar(&eventsEntityType, "entity-type", "", "entity type (mutation, feed)")
		cmd.Flags().StringVar(&eventsEntity, "entity", "", "entity id (a dedup key or feed name)")
		cmd.Flags().DurationVar(&eventsSince, "since", 0, "only events newer than this (e.g. 1h)")
	}
	eventsListCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "events per page")
	eventsListCmd.Flags().StringVar(&eventsCursor, "cursor", "", "continue after this event id")
	eventsListCmd.Flags().BoolVar(&eventsAll, "all", false, "follow cursors through every page")
	eventsWatchCmd.Flags().DurationVar(&eventsPoll, "poll", defaultTailEvery, "poll interval")
	eventsWatchCmd.Flags().BoolVar(&eventsAll, "all", false, "start with the existing log")
	eventsPruneCmd.Flags().DurationVar(&eventsOlderThan, "older-than", 0, "delete events older than this (e.g. 168h)")
	eventsPruneCmd.Flags().IntVar(&eventsKeep, "keep", 0, "keep only the newest N events")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read the sync event log",
}

func eventQuery() db.EventQuery {
	q := db.EventQuery{Cursor: eventsCursor, Limit: eventsLimit}
	if len(eventsType) == 1 {
		t := models.EventType(eventsType[0])
		q.Type = &t
	}
	if eventsEntityType != "" {
		t := models.EntityType(eventsEntityType)
		q.EntityType = &t
	}
	if eventsEntity != "" {
		q.EntityID = &eventsEntity
	}
	if eventsSince > 0 {
		since := time.Now().UTC().Add(-eventsSince)
		q.Since = &since
	}
	return q
}

func eventTypes() []models.EventType {
	types := make([]models.EventType, 0, len(eventsType))
	for _, t := range eventsType {
		types = append(types, models.EventType(t))
	}
	return types
}

// EventListOutput is one page of `feedsync events ls`.
type EventListOutput struct {
	Events     []*models.Event `json:"events"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

var eventsListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List logged events, oldest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		repo := db.NewEventRepository(database)
		query := eventQuery()
		types := eventTypes()

		out := EventListOutput{}
		for {
			page, err := repo.Query(ctx, query)
			if err != nil {
				return err
			}
			for _, event := range page.Events {
				if len(types) > 1 && !slices.Contains(types, event.Type) {
					continue
				}
				out.Events = append(out.Events, event)
			}
			out.NextCursor = page.NextCursor
			if !eventsAll || page.NextCursor == "" {
				break
			}
			query.Cursor = page.NextCursor
		}

		if IsJSONLOutput() {
			return WriteOutput(stdout(), out.Events)
		}
		if IsJSONOutput() {
			return WriteOutput(stdout(), out)
		}

		rows := make([][]string, 0, len(out.Events))
		for _, event := range out.Events {
			rows = append(rows, []string{
				formatTime(event.Timestamp),
				string(event.Type),
				event.EntityID,
				string(event.Payload),
			})
		}
		if err := writeTable(stdout(), []string{"TIME", "TYPE", "ENTITY", "PAYLOAD"}, rows); err != nil {
			return err
		}
		if out.NextCursor != "" && !IsQuiet() {
			fmt.Fprintf(stdout(), "More events: --cursor %s\n", out.NextCursor)
		}
		return nil
	},
}

var eventsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream new events as JSON lines until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		filter := events.Filter{EventTypes: eventTypes(), EntityID: eventsEntity}
		if eventsEntityType != "" {
			filter.EntityTypes = []models.EntityType{models.EntityType(eventsEntityType)}
		}
		tail := NewLogTail(db.NewEventRepository(database), stdout(), filter)
		tail.Every = eventsPoll
		switch {
		case eventsSince > 0:
			from := time.Now().UTC().Add(-eventsSince)
			tail.From = &from
		case eventsAll:
			tail.From = &time.Time{}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return tail.Follow(ctx)
	},
}

var eventsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old events from the log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if eventsOlderThan <= 0 && eventsKeep <= 0 {
			return fmt.Errorf("pass --older-than, --keep or both")
		}

		ctx := context.Background()
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		repo := db.NewEventRepository(database)
		var removed int64
		if eventsOlderThan > 0 {
			before := time.Now().UTC().Add(-eventsOlderThan)
			for {
				n, err := repo.DeleteOlderThan(ctx, before, db.DefaultPruneBatch)
				if err != nil {
					return err
				}
				removed += n
				if n < db.DefaultPruneBatch {
					break
				}
			}
		}
		if eventsKeep > 0 {
			n, err := repo.DeleteExcess(ctx, eventsKeep)
			if err != nil {
				return err
			}
			removed += n
		}
		remaining, err := repo.Count(ctx)
		if err != nil {
			return err
		}

		if structuredOutput() {
			return WriteOutput(stdout(), map[string]any{"removed": removed, "remaining": remaining})
		}
		if !IsQuiet() {
			fmt.Fprintf(stdout(), "Removed %s, %d remaining.\n", plural(int(removed), "event"), remaining)
		}
		return nil
	},
}
