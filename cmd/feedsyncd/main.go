// Package main is the entry point for the feedsyncd development remote.
// feedsyncd serves an in-memory social backend over gRPC so that feedsync
// can be exercised end to end, optionally with injected latency and
// failures.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tunjid/heron-sub003/internal/config"
	"github.com/tunjid/heron-sub003/internal/logging"
	"github.com/tunjid/heron-sub003/internal/models"
	"github.com/tunjid/heron-sub003/internal/remote"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configFile := flag.String("config", "", "config file (default is $HOME/.config/feedsync/config.yaml)")
	addr := flag.String("addr", "", "address to listen on (default is remote.addr from config)")
	logLevel := flag.String("log-level", "", "override logging level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "override logging format (json, console)")
	viewer := flag.String("viewer", "", "account that authors submitted posts and messages")
	seed := flag.Int("seed", 0, "number of posts to seed")
	seedFeed := flag.String("seed-feed", models.FeedHome, "feed to seed posts into")
	failFetchEvery := flag.Int("fail-fetch-every", 0, "fail every Nth page fetch")
	failSubmitEvery := flag.Int("fail-submit-every", 0, "fail every Nth submit")
	rejectKinds := flag.String("reject-kinds", "", "comma separated mutation kinds to reject (e.g. like,send)")
	latency := flag.Duration("latency", 0, "latency added to every call")
	flag.Parse()

	cfg, loader, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *addr == "" {
		*addr = cfg.Remote.Addr
	}
	if *viewer == "" {
		*viewer = cfg.Global.Viewer
	}

	closer := logging.Init(cfg.LoggingConfig())
	defer closer.Close()
	logger := logging.Component("feedsyncd")

	if cfgUsed := loader.ConfigFileUsed(); cfgUsed != "" {
		logger.Debug().Str("config_file", cfgUsed).Msg("loaded config file")
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Msg("feedsyncd starting")

	var opts []remote.MemoryOption
	if *viewer != "" {
		opts = append(opts, remote.WithViewer(*viewer))
	}
	backend := remote.NewMemoryBackend(opts...)
	backend.SetFaults(remote.Faults{
		FetchLatency:    *latency,
		SubmitLatency:   *latency,
		FailFetchEvery:  *failFetchEvery,
		FailSubmitEvery: *failSubmitEvery,
		RejectKinds:     parseKinds(*rejectKinds),
	})
	if *seed > 0 {
		backend.Seed(seedItems(*seedFeed, *seed, time.Now().UTC())...)
		logger.Info().Int("items", *seed).Str("feed", *seedFeed).Msg("seeded feed")
	}

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Error().Err(err).Str("addr", *addr).Msg("failed to listen")
		os.Exit(1)
	}

	server := remote.NewServer(backend, logging.Component("remote")).NewGRPCServer()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		server.GracefulStop()
	}()

	logger.Info().Str("addr", listener.Addr().String()).Msg("serving")
	if err := server.Serve(listener); err != nil {
		logger.Error().Err(err).Msg("feedsyncd exited with error")
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, *config.Loader, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.SetConfigFile(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

func parseKinds(s string) []models.MutationKind {
	var kinds []models.MutationKind
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			kinds = append(kinds, models.MutationKind(part))
		}
	}
	return kinds
}

// seedItems returns n posts one minute apart, newest first.
func seedItems(feed string, n int, now time.Time) []models.Item {
	items := make([]models.Item, 0, n)
	for i := range n {
		author := fmt.Sprintf("did:example:author%d", i%5)
		at := now.Add(-time.Duration(i+1) * time.Minute)
		items = append(items, models.Item{
			URI:       fmt.Sprintf("at://%s/post/seed-%d", author, i),
			Feed:      feed,
			Kind:      models.ItemKindPost,
			Author:    author,
			Body:      fmt.Sprintf("seeded post %d", i),
			SortAt:    at,
			IndexedAt: at,
		})
	}
	return items
}
