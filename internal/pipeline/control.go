package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/basekick-labs/arcstream/internal/breaker"
	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/internal/framer"
	"github.com/basekick-labs/arcstream/internal/metrics"
)

// Control reads frames from a cluster streamer and writes them to a Sink.
type Control struct {
	*pipeline
	factory StreamerFactory
	cfg     framer.StreamerConfig
	sink    Sink

	// mu guards streamer, which Stop half-closes to unblock the worker.
	mu       sync.Mutex
	streamer Streamer
}

// NewControl creates a stopped control pipeline.
func NewControl(
	factory StreamerFactory,
	cfg framer.StreamerConfig,
	sink Sink,
	breakerCfg breaker.Config,
	opts ...Option,
) *Control {
	o := newOptions(opts)
	c := &Control{
		pipeline: newPipeline("control", breakerCfg, o.logger),
		factory:  factory,
		cfg:      cfg,
		sink:     sink,
	}
	c.pipeline.run = c.run
	c.pipeline.interrupt = c.closeSend
	return c
}

func (c *Control) run(ctx context.Context) {
	defer c.closeStreamer()
	if err := c.loop(ctx); err != nil && !errors.Is(err, errStopped) {
		c.abort(err, c.sink.StoppedWithErr)
	}
}

func (c *Control) loop(ctx context.Context) error {
	for {
		s, err := retry(ctx, c.pipeline, func(ctx context.Context) (Streamer, error) {
			return c.factory.OpenStreamer(ctx, c.cfg)
		})
		if err != nil {
			return err
		}
		if !c.setStreamer(s) {
			return errStopped
		}
		c.logger.Info().Int("channels", len(c.cfg.Keys)).Msg("Streamer opened")

		err = c.forward(s)
		if !c.breaker.Running() {
			return errStopped
		}
		var se sinkError
		if errors.As(err, &se) {
			return se.err
		}
		if !errs.IsRetryable(err) && !errors.Is(err, errs.ErrEOF) {
			return err
		}
		c.logger.Warn().Err(err).Msg("Streamer failed, reopening")
		c.closeStreamer()
		metrics.Get().IncPipelineRetries()
		if !c.breaker.Wait(err) {
			if !c.breaker.Running() {
				return errStopped
			}
			return err
		}
	}
}

// forward copies frames from s to the sink until either fails.
func (c *Control) forward(s Streamer) error {
	for {
		fr, err := s.Read()
		if err != nil {
			return err
		}
		c.breaker.Reset()
		metrics.Get().IncPipelineFramesRead()
		if err := c.sink.Write(fr); err != nil {
			return sinkError{err}
		}
		metrics.Get().IncPipelineFramesWritten()
	}
}

// setStreamer publishes s for Stop. It closes s and returns false if the
// pipeline was stopped while s was being opened.
func (c *Control) setStreamer(s Streamer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.breaker.Running() {
		_ = s.Close()
		return false
	}
	c.streamer = s
	return true
}

func (c *Control) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamer != nil {
		_ = c.streamer.CloseSend()
	}
}

func (c *Control) closeStreamer() {
	c.mu.Lock()
	s := c.streamer
	c.streamer = nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Error closing streamer")
	}
}

// sinkError marks errors returned by the sink so they are never retried.
type sinkError struct{ err error }

func (e sinkError) Error() string { return e.err.Error() }
func (e sinkError) Unwrap() error { return e.err }
