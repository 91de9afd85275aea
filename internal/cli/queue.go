package cli

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunjid/heron-sub003/internal/models"
	"github.com/tunjid/heron-sub003/internal/writequeue"
)

var (
	queueStatus string
	queueDrain  bool
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueDismissCmd)
	queueCmd.AddCommand(queueDrainCmd)

	queueListCmd.Flags().StringVar(&queueStatus, "status", "", "only entries with this status (pending, in_flight, failed)")
	queueRetryCmd.Flags().BoolVar(&queueDrain, "drain", false, "deliver retried entries immediately")
}

var queueCmd = &cobra.Command{
	Use:     "queue",
	Aliases: []string{"q"},
	Short:   "Inspect and manage the write queue",
}

// QueueEntryView is the output form of a queue entry.
type QueueEntryView struct {
	Key           models.DedupKey         `json:"key"`
	Kind          models.MutationKind     `json:"kind"`
	Status        models.QueueEntryStatus `json:"status"`
	Attempts      int                     `json:"attempts"`
	EnqueuedAt    time.Time               `json:"enqueued_at"`
	NextAttemptAt *time.Time              `json:"next_attempt_at,omitempty"`
	LastError     string                  `json:"last_error,omitempty"`
	ErrorKind     models.ErrorKind        `json:"error_kind,omitempty"`
	Superseded    bool                    `json:"superseded,omitempty"`
	Mutation      models.Mutation         `json:"mutation"`
}

func viewEntry(entry *models.QueueEntry) QueueEntryView {
	view := QueueEntryView{
		Key:        entry.Key,
		Kind:       entry.Kind,
		Status:     entry.Status,
		Attempts:   entry.Attempts,
		EnqueuedAt: entry.EnqueuedAt,
		LastError:  entry.LastError,
		ErrorKind:  entry.ErrorKind,
		Superseded: entry.Successor != nil,
		Mutation:   entry.Current(),
	}
	if view.Kind == "" && view.Mutation != nil {
		view.Kind = view.Mutation.Kind()
	}
	if !entry.NextAttemptAt.IsZero() {
		next := entry.NextAttemptAt
		view.NextAttemptAt = &next
	}
	return view
}

var queueListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List queued mutations, oldest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		rt, err := openRuntime(ctx, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		entries := rt.queue.Entries()
		if queueStatus != "" {
			status := models.QueueEntryStatus(queueStatus)
			entries = slices.DeleteFunc(entries, func(e *models.QueueEntry) bool {
				return e.Status != status
			})
		}

		views := make([]QueueEntryView, 0, len(entries))
		for _, entry := range entries {
			views = append(views, viewEntry(entry))
		}
		if structuredOutput() {
			return WriteOutput(stdout(), views)
		}
		if len(views) == 0 {
			if !IsQuiet() {
				fmt.Fprintln(stdout(), "Write queue is empty.")
			}
			return nil
		}

		now := time.Now()
		rows := make([][]string, 0, len(views))
		for _, v := range views {
			next := "-"
			if v.NextAttemptAt != nil {
				next = formatAge(*v.NextAttemptAt, now)
			}
			status := string(v.Status)
			if v.Superseded {
				status += "+"
			}
			rows = append(rows, []string{
				string(v.Key),
				status,
				strconv.Itoa(v.Attempts),
				formatAge(v.EnqueuedAt, now),
				next,
				v.LastError,
			})
		}
		return writeTable(stdout(), []string{"KEY", "STATUS", "ATTEMPTS", "ENQUEUED", "NEXT", "ERROR"}, rows)
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <key>...",
	Short: "Move failed mutations back to pending",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		rt, err := openRuntime(ctx, queueDrain)
		if err != nil {
			return err
		}
		defer rt.Close()

		for _, key := range args {
			if err := rt.queue.Retry(ctx, models.DedupKey(key)); err != nil {
				return fmt.Errorf("retry %s: %w", key, err)
			}
		}

		result := map[string]any{"retried": len(args)}
		if queueDrain {
			summary, err := drainQueue(ctx, rt.queue)
			if err != nil {
				return err
			}
			result["delivery"] = summary
		}
		if structuredOutput() {
			return WriteOutput(stdout(), result)
		}
		if !IsQuiet() {
			fmt.Fprintf(stdout(), "Retrying %s.\n", plural(len(args), "mutation"))
		}
		return nil
	},
}

var queueDismissCmd = &cobra.Command{
	Use:   "dismiss <key>...",
	Short: "Discard failed mutations",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		rt, err := openRuntime(ctx, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		for _, key := range args {
			if err := rt.queue.Dismiss(ctx, models.DedupKey(key)); err != nil {
				return fmt.Errorf("dismiss %s: %w", key, err)
			}
		}
		if structuredOutput() {
			return WriteOutput(stdout(), map[string]any{"dismissed": len(args)})
		}
		if !IsQuiet() {
			fmt.Fprintf(stdout(), "Dismissed %s.\n", plural(len(args), "mutation"))
		}
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Deliver every ready mutation once against the remote",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		rt, err := openRuntime(ctx, true)
		if err != nil {
			return err
		}
		defer rt.Close()

		summary, err := drainQueue(ctx, rt.queue)
		if err != nil {
			return err
		}
		if structuredOutput() {
			return WriteOutput(stdout(), summary)
		}
		if !IsQuiet() {
			fmt.Fprintln(stdout(), summary.String())
		}
		return nil
	},
}

// DrainSummary reports one drain pass.
type DrainSummary struct {
	Attempted int `json:"attempted"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
}

func (s DrainSummary) String() string {
	return fmt.Sprintf("Made %s: %d pending, %d failed.", plural(s.Attempted, "delivery attempt"), s.Pending, s.Failed)
}

func drainQueue(ctx context.Context, queue *writequeue.Queue) (DrainSummary, error) {
	attempted, err := queue.Drain(ctx)
	if err != nil {
		return DrainSummary{}, err
	}
	return DrainSummary{
		Attempted: attempted,
		Pending:   len(queue.Pending()),
		Failed:    len(queue.Failed()),
	}, nil
}
