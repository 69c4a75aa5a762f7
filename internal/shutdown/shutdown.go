// Package shutdown stops process components in priority order.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Priorities order shutdown steps. Lower values run first.
const (
	PriorityPipelines = 10 // stop pipelines so no new frames are read
	PriorityMQTT      = 20 // disconnect sources and sinks
	PriorityAPI       = 30 // stop serving the status API
	PriorityMetrics   = 80 // final stats report
)

// Closer is a component stopped with Close.
type Closer interface {
	Close() error
}

// Func is a shutdown step that honors the deadline in ctx.
type Func func(ctx context.Context) error

type step struct {
	name     string
	priority int
	run      Func
}

// Coordinator runs registered shutdown steps once, in priority order, within a
// timeout.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	once      sync.Once
	trigger   sync.Once
	triggered chan struct{}
	err       error
}

// New creates a coordinator whose Shutdown gives up after timeout.
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout:   timeout,
		logger:    logger.With().Str("component", "shutdown").Logger(),
		triggered: make(chan struct{}),
	}
}

// Register adds a component closed at the given priority.
func (c *Coordinator) Register(name string, component Closer, priority int) {
	c.RegisterFunc(name, func(context.Context) error { return component.Close() }, priority)
}

// RegisterFunc adds a shutdown step. Steps with equal priority run in
// registration order.
func (c *Coordinator) RegisterFunc(name string, fn Func, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step{name: name, priority: priority, run: fn})
	c.logger.Debug().Str("step", name).Int("priority", priority).Msg("Registered shutdown step")
}

// Trigger requests shutdown. It is safe to call concurrently and more than once.
func (c *Coordinator) Trigger() {
	c.trigger.Do(func() {
		c.logger.Info().Msg("Programmatic shutdown triggered")
		close(c.triggered)
	})
}

// Triggered is closed once shutdown has been requested.
func (c *Coordinator) Triggered() <-chan struct{} { return c.triggered }

// Wait blocks until a termination signal arrives, Trigger is called, or ctx is
// cancelled.
func (c *Coordinator) Wait(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(quit)
	select {
	case sig := <-quit:
		c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-c.triggered:
	case <-ctx.Done():
	}
}

// Shutdown runs every step once. A failing step does not prevent later steps;
// steps not started before the timeout are skipped. Later calls return the
// result of the first.
func (c *Coordinator) Shutdown() error {
	c.once.Do(func() {
		c.trigger.Do(func() { close(c.triggered) })

		c.mu.Lock()
		steps := slices.Clone(c.steps)
		c.mu.Unlock()
		slices.SortStableFunc(steps, func(a, b step) int { return a.priority - b.priority })

		c.logger.Info().Dur("timeout", c.timeout).Int("steps", len(steps)).Msg("Starting graceful shutdown")
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		start := time.Now()

		var errs []error
		for i, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().Int("skipped", len(steps)-i).Msg("Shutdown timeout reached, skipping remaining steps")
				errs = append(errs, ctx.Err())
				break
			}
			if err := s.run(ctx); err != nil {
				c.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
				errs = append(errs, err)
				continue
			}
			c.logger.Debug().Str("step", s.name).Msg("Shutdown step complete")
		}
		c.err = errors.Join(errs...)
		c.logger.Info().Dur("duration", time.Since(start)).Msg("Graceful shutdown complete")
	})
	return c.err
}
