package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tunjid/heron-sub003/internal/db"
	"github.com/tunjid/heron-sub003/internal/events"
	"github.com/tunjid/heron-sub003/internal/logging"
	"github.com/tunjid/heron-sub003/internal/metrics"
	"github.com/tunjid/heron-sub003/internal/models"
	"github.com/tunjid/heron-sub003/internal/remote"
	"github.com/tunjid/heron-sub003/internal/writequeue"
)

// errOffline is returned by the submitter of commands that never deliver.
var errOffline = errors.New("no remote connected")

type offlineSubmitter struct{}

func (offlineSubmitter) Submit(context.Context, models.Mutation) (remote.Receipt, error) {
	return remote.Receipt{}, models.Transient("submit", errOffline)
}

// dialRemote is swapped in tests to point commands at an in-process remote.
var dialRemote = func(ctx context.Context) (remoteConn, error) {
	client, err := remote.Dial(ctx, GetConfig().ClientConfig())
	if err != nil {
		return nil, err
	}
	return client, nil
}

// remoteConn is a remote the CLI can sync with.
type remoteConn interface {
	remote.Fetcher
	remote.Submitter
	Close() error
}

// runtime bundles the stores and services commands share.
type runtime struct {
	db        *db.DB
	items     *db.ItemRepository
	mutations *db.MutationRepository
	events    *db.EventRepository
	publisher *events.InMemoryPublisher
	queue     *writequeue.Queue
	remote    remoteConn
	registry  *prometheus.Registry
}

// openRuntime opens the database and loads the write queue. With online
// set it also dials the remote, and the queue delivers through it.
func openRuntime(ctx context.Context, online bool) (*runtime, error) {
	database, err := openDatabase()
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		db:        database,
		items:     db.NewItemRepository(database),
		mutations: db.NewMutationRepository(database),
		events:    db.NewEventRepository(database),
		registry:  prometheus.NewRegistry(),
	}
	rt.publisher = events.NewInMemoryPublisher(
		events.WithStore(rt.events),
		events.WithLogger(logging.Component("events")),
	)

	var submitter remote.Submitter = offlineSubmitter{}
	if online {
		conn, err := dialRemote(ctx)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to connect to remote: %w", err)
		}
		rt.remote = conn
		submitter = conn
	}

	rt.queue = writequeue.New(rt.mutations, submitter, GetConfig().QueueConfig(),
		writequeue.WithPublisher(rt.publisher),
		writequeue.WithMetrics(metrics.NewQueue(rt.registry)),
	)
	if err := rt.queue.Load(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close releases everything the runtime opened.
func (rt *runtime) Close() {
	if rt.queue != nil {
		_ = rt.queue.Close()
	}
	if rt.publisher != nil {
		rt.publisher.Close()
	}
	if rt.remote != nil {
		_ = rt.remote.Close()
	}
	_ = rt.db.Close()
}
