package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tunjid/heron-sub003/internal/cursor"
	"github.com/tunjid/heron-sub003/internal/logging"
	"github.com/tunjid/heron-sub003/internal/models"
)

// ClientConfig configures the gRPC client.
type ClientConfig struct {
	Addr string

	// DialTimeout bounds how long Dial waits for the connection to become
	// ready. Zero returns immediately and connects lazily.
	DialTimeout time.Duration

	// RequestTimeout applies to calls whose context has no deadline.
	RequestTimeout time.Duration
}

// DefaultClientConfig returns the default client settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:           "127.0.0.1:7070",
		DialTimeout:    5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Client talks to a remote Server. It implements Fetcher and Submitter.
type Client struct {
	conn   *grpc.ClientConn
	cfg    ClientConfig
	logger zerolog.Logger
}

// Dial connects to cfg.Addr.
func Dial(ctx context.Context, cfg ClientConfig, opts ...grpc.DialOption) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("remote address is required")
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", cfg.Addr, err)
	}

	client := &Client{conn: conn, cfg: cfg, logger: logging.Component("remote-client")}
	if cfg.DialTimeout > 0 {
		if err := client.waitReady(ctx, cfg.DialTimeout); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return client, nil
}

func (c *Client) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.conn.Connect()
	for {
		state := c.conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return models.Transient("dial", ErrUnavailable)
		}
		if !c.conn.WaitForStateChange(ctx, state) {
			return models.NewSyncError(models.ErrorKindTimeout, "dial",
				fmt.Errorf("%w: %s not ready after %s", ErrUnavailable, c.cfg.Addr, timeout))
		}
	}
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// FetchPage loads one page from the remote.
func (c *Client) FetchPage(ctx context.Context, query cursor.Query, token string) ([]models.Item, string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp := new(FetchPageResponse)
	if err := c.conn.Invoke(ctx, fetchPageMethod, newFetchPageRequest(query, token), resp); err != nil {
		return nil, "", fromStatus(ctx, "fetch page", err)
	}
	return resp.Items, resp.NextToken, nil
}

// Submit delivers a mutation. A mutation the remote already applied is
// acknowledged with a duplicate receipt.
func (c *Client) Submit(ctx context.Context, m models.Mutation) (Receipt, error) {
	req, err := newSubmitRequest(m)
	if err != nil {
		return Receipt{}, models.Rejected("submit", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp := new(SubmitResponse)
	if err := c.conn.Invoke(ctx, submitMethod, req, resp); err != nil {
		mapped := fromStatus(ctx, "submit", err)
		if errors.Is(mapped, ErrAlreadyApplied) {
			c.logger.Debug().Str("key", string(req.Key)).Msg("remote already applied mutation")
			return Receipt{AckedAt: time.Now().UTC(), Duplicate: true}, nil
		}
		return Receipt{}, mapped
	}
	return resp.Receipt, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.RequestTimeout)
}
