package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tunjid/heron-sub003/internal/cursor"
	"github.com/tunjid/heron-sub003/internal/feed"
	"github.com/tunjid/heron-sub003/internal/logging"
	"github.com/tunjid/heron-sub003/internal/metrics"
	"github.com/tunjid/heron-sub003/internal/models"
	"github.com/tunjid/heron-sub003/internal/tiling"
)

var (
	syncFeed        string
	syncPages       int
	syncWait        time.Duration
	syncWatch       bool
	syncMetricsAddr string
)

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().StringVar(&syncFeed, "feed", "", "feed to sync (defaults to the selected feed)")
	syncCmd.Flags().IntVar(&syncPages, "pages", 1, "pages to fetch")
	syncCmd.Flags().DurationVar(&syncWait, "wait", 5*time.Second, "how long to wait for each further page")
	syncCmd.Flags().BoolVar(&syncWatch, "watch", false, "keep running: deliver mutations as they are queued and print list changes")
	syncCmd.Flags().StringVar(&syncMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while watching")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver queued mutations and refresh a feed from the remote",
	Long: `sync delivers every ready mutation, refreshes the feed and stores the
fetched pages locally. With --watch it keeps the write queue running and
prints the reconciled list whenever it changes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSync(ctx)
	},
}

// SyncSummary reports the state of a feed after a sync.
type SyncSummary struct {
	Feed     string        `json:"feed"`
	Status   string        `json:"status"`
	Items    int           `json:"items"`
	Tiles    int           `json:"tiles"`
	Pending  int           `json:"pending"`
	Failed   int           `json:"failed"`
	Delivery *DrainSummary `json:"delivery,omitempty"`
}

func (s SyncSummary) String() string {
	return fmt.Sprintf("%s: %s in %s, %d pending, %d failed (%s)",
		s.Feed, plural(s.Items, "item"), plural(s.Tiles, "page"), s.Pending, s.Failed, s.Status)
}

func runSync(ctx context.Context) error {
	logger := logging.Component("sync")
	rt, err := openRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := GetConfig()
	feedName := resolveFeed(syncFeed)
	viewer, err := resolveViewer()
	if err != nil {
		logger.Debug().Err(err).Msg("syncing without a viewer")
	}

	session, err := feed.NewSession(rt.items, rt.remote, rt.queue, feed.Config{
		Feed:              feedName,
		Viewer:            viewer,
		PageSize:          cfg.Tiling.PageSize,
		RefreshOnDelivery: syncWatch,
		Engine:            cfg.EngineConfig(feedName),
	},
		feed.WithPublisher(rt.publisher),
		feed.WithMetrics(metrics.NewTiling(rt.registry, feedName)),
	)
	if err != nil {
		return err
	}
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.Close()

	var delivery *DrainSummary
	if !syncWatch {
		summary, err := drainQueue(ctx, rt.queue)
		if err != nil {
			return err
		}
		delivery = &summary
	}

	if err := session.Dispatch(ctx, tiling.RefreshAction{}); err != nil {
		return err
	}
	loadPages(ctx, session, syncPages, syncWait)

	if !syncWatch {
		summary := summarize(feedName, session, rt.queue.Pending(), rt.queue.Failed())
		summary.Delivery = delivery
		return printSummary(summary)
	}

	if syncMetricsAddr != "" {
		shutdown, err := serveMetrics(rt, syncMetricsAddr)
		if err != nil {
			return err
		}
		defer shutdown()
	}
	if err := rt.queue.Start(ctx); err != nil {
		return err
	}
	logger.Info().Str("feed", feedName).Msg("watching; press Ctrl+C to stop")

	if err := printSummary(summarize(feedName, session, rt.queue.Pending(), rt.queue.Failed())); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Updates():
			if err := printSummary(summarize(feedName, session, rt.queue.Pending(), rt.queue.Failed())); err != nil {
				return err
			}
		case ferr, ok := <-session.Errors():
			if !ok {
				return nil
			}
			logger.Warn().Err(ferr.Err).Str("kind", string(ferr.Kind)).Msg("fetch failed")
		}
	}
}

// loadPages moves the viewport to the end of the list until it holds pages
// tiles, the feed ends or no page arrives within wait.
func loadPages(ctx context.Context, session *feed.Session, pages int, wait time.Duration) {
	for session.CurrentList().TileCount() < pages {
		list := session.CurrentList()
		before := list.TileCount()
		last := max(list.Len()-1, 0)
		if err := session.Dispatch(ctx, tiling.ViewportAction{Visible: cursor.Range{Start: last, End: last + 1}}); err != nil {
			return
		}

		deadline := time.NewTimer(wait)
		grew := false
		for !grew {
			select {
			case <-ctx.Done():
				deadline.Stop()
				return
			case <-deadline.C:
				return
			case <-session.Updates():
				grew = session.CurrentList().TileCount() > before
			}
		}
		deadline.Stop()
	}
}

func summarize(name string, session *feed.Session, pending, failed []*models.QueueEntry) SyncSummary {
	list := session.CurrentList()
	return SyncSummary{
		Feed:    name,
		Status:  session.Status().String(),
		Items:   list.Len(),
		Tiles:   list.TileCount(),
		Pending: len(pending),
		Failed:  len(failed),
	}
}

func printSummary(summary SyncSummary) error {
	if structuredOutput() {
		return WriteOutput(stdout(), summary)
	}
	if !IsQuiet() {
		fmt.Fprintln(stdout(), summary.String())
	}
	return nil
}

// serveMetrics exposes the runtime's collectors over HTTP.
func serveMetrics(rt *runtime, addr string) (shutdown func(), err error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger := logging.Component("metrics")
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", listener.Addr().String()).Msg("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}
