// Package shutdown implements ShutdownCoordinator (§4.12, §5): stop
// intake first, give in-flight work a bounded grace period to finish
// via the worker pool's drain, then close broker/store handles in
// order. Messages still in flight past the grace period are nacked
// with requeue so another process can pick them up (handled by the
// pool's own ctx-cancellation semantics, see workerpool.Pool.Stop).
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Pool is the narrow worker-pool contract the coordinator drains.
type Pool interface {
	Stop(ctx context.Context, drain bool) error
}

// Closer is anything holding a handle that must be released on
// shutdown (broker channel/connection, raw store client, DB pool).
type Closer interface {
	Close() error
}

const DefaultGracePeriod = 30 * time.Second

type Logger func(msg string, fields map[string]any)

// Coordinator sequences a graceful shutdown.
type Coordinator struct {
	pool         Pool
	cancelIntake context.CancelFunc
	grace        time.Duration
	closers      []Closer
	log          Logger
}

type Options struct {
	GracePeriod time.Duration
	Logger      Logger
}

// New builds a Coordinator. cancelIntake is called first, before any
// drain wait, to stop accepting new deliveries (e.g. canceling the
// context a broker consumer loop watches). closers are closed, in the
// given order, after the pool has drained or the grace period expired.
func New(pool Pool, cancelIntake context.CancelFunc, closers []Closer, opts Options) *Coordinator {
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	logger := opts.Logger
	if logger == nil {
		logger = func(string, map[string]any) {}
	}
	return &Coordinator{pool: pool, cancelIntake: cancelIntake, grace: grace, closers: closers, log: logger}
}

// Shutdown runs the three-step sequence: (1) cancel intake, (2) wait up
// to the grace period for in-flight workers to drain, (3) close every
// registered handle, collecting (not short-circuiting on) close errors.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.log("shutdown_begin", map[string]any{"grace_ms": c.grace.Milliseconds()})

	if c.cancelIntake != nil {
		c.cancelIntake()
	}

	drainCtx, cancel := context.WithTimeout(ctx, c.grace)
	defer cancel()

	var errs []error
	if c.pool != nil {
		if err := c.pool.Stop(drainCtx, true); err != nil {
			errs = append(errs, fmt.Errorf("shutdown: pool drain: %w", err))
		}
	}

	for i, cl := range c.closers {
		if cl == nil {
			continue
		}
		if err := cl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown: close handle %d: %w", i, err))
		}
	}

	c.log("shutdown_complete", map[string]any{"errors": len(errs)})
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
