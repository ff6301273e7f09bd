// Package index delivers bulk operations to the index engine.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lying200/db-bench-order/internal/clock"
	"github.com/lying200/db-bench-order/internal/retry"
	"github.com/lying200/db-bench-order/internal/telemetry"
	"github.com/lying200/db-bench-order/pkg/types"
)

// Transport is a single connection to the index engine. Implementations make
// exactly one call per method invocation; retries belong to Client.
type Transport interface {
	// Ping is the liveness probe.
	Ping(ctx context.Context) error
	// Bulk submits ops as one bulk call. A returned error means the call itself
	// failed; rejected items are reported in the result.
	Bulk(ctx context.Context, ops []types.IndexOperation) (*types.BulkResult, error)
	Close() error
}

// Dialer creates a Transport. It should not block on the network.
type Dialer func(ctx context.Context) (Transport, error)

var ErrClientClosed = errors.New("index client closed")

// ConnectionError is returned when the engine never answered the health check.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to index engine (attempts=%d): %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// BulkTransportError is returned when every bulk attempt failed at call level.
// The batch is abandoned.
type BulkTransportError struct {
	Attempts int
	Err      error
}

func (e *BulkTransportError) Error() string {
	return fmt.Sprintf("bulk request abandoned after %d attempts: %v", e.Attempts, e.Err)
}

func (e *BulkTransportError) Unwrap() error { return e.Err }

type Options struct {
	ConnectRetry retry.Policy
	BulkRetry    retry.Policy
	Clock        clock.Clock
}

func DefaultOptions() Options {
	return Options{
		ConnectRetry: retry.Policy{MaxAttempts: 5, BaseDelay: 5 * time.Second},
		BulkRetry:    retry.Policy{MaxAttempts: 3, BaseDelay: time.Second},
		Clock:        clock.Real(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ConnectRetry.MaxAttempts <= 0 {
		o.ConnectRetry = def.ConnectRetry
	}
	if o.BulkRetry.MaxAttempts <= 0 {
		o.BulkRetry = def.BulkRetry
	}
	if o.Clock == nil {
		o.Clock = def.Clock
	}
	return o
}

type Client struct {
	transport Transport
	opts      Options

	closeOnce sync.Once
	closeErr  error
	mu        sync.RWMutex
	closed    bool
}

// Connect dials the engine and waits for a successful health check, retrying
// with the connect policy. On failure the transport is released.
func Connect(ctx context.Context, dial Dialer, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	t, err := dial(ctx)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}

	attempts, err := retry.Do(ctx, opts.Clock, "index health check", opts.ConnectRetry,
		func(ctx context.Context, attempt int) error {
			return t.Ping(ctx)
		})
	if err != nil {
		if closeErr := t.Close(); closeErr != nil {
			slog.Warn("Failed to release index transport", "error", closeErr)
		}
		slog.Error("Failed to connect to index engine", "attempts", attempts, "error", err)
		return nil, &ConnectionError{Attempts: attempts, Err: err}
	}

	slog.Info("Connected to index engine", "attempts", attempts)
	return &Client{transport: t, opts: opts}, nil
}

// ExecuteBulk submits ops as one batch. Call-level failures are retried with
// the bulk policy; rejected items are logged and never retried.
func (c *Client) ExecuteBulk(ctx context.Context, ops []types.IndexOperation) (*types.BulkResult, error) {
	if len(ops) == 0 {
		return &types.BulkResult{}, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	start := time.Now()
	var res *types.BulkResult
	attempts, err := retry.Do(ctx, c.opts.Clock, "bulk request", c.opts.BulkRetry,
		func(ctx context.Context, attempt int) error {
			if attempt > 1 {
				telemetry.BulkRetries.Inc()
			}
			r, err := c.transport.Bulk(ctx, ops)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
	telemetry.BulkLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		slog.Error("Bulk request failed, dropping batch",
			"operations", len(ops),
			"attempts", attempts,
			"error", err)
		return nil, &BulkTransportError{Attempts: attempts, Err: err}
	}

	res.Attempts = attempts
	failed := res.Failed()
	for _, item := range failed {
		telemetry.ItemFailures.WithLabelValues(item.Index).Inc()
		slog.Error("Bulk item failed",
			"action", item.Action,
			"index", item.Index,
			"id", item.DocumentID,
			"status", item.Status,
			"reason", item.Error)
	}
	if len(failed) > 0 {
		slog.Warn("Bulk operations rejected", "failed", len(failed), "total", len(ops))
	}

	slog.Info("Bulk request completed",
		"operations", len(ops),
		"took", res.Took,
		"attempts", attempts)
	return res, nil
}

// Close releases the transport. It is idempotent and safe on a nil client.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.closeErr = c.transport.Close()
	})
	return c.closeErr
}
