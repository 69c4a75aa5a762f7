// Package pipeline moves frames between local sources and sinks and the cluster.
//
// An Acquisition reads frames from a Source and writes them to a cluster
// writer. A Control reads frames from a cluster streamer and writes them to a
// Sink. Each runs a single worker goroutine that retries transient transport
// failures with a breaker and aborts on anything else, reporting the error to
// the Source or Sink exactly once.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/basekick-labs/arcstream/internal/breaker"
	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/internal/framer"
	"github.com/basekick-labs/arcstream/internal/metrics"
	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/basekick-labs/arcstream/pkg/telem"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// errStopped is returned internally when an operation was interrupted by Stop.
var errStopped = errors.New("pipeline stopped")

// Source produces frames for an Acquisition.
type Source interface {
	// Read fills fr and auths with the next batch. Either may be left empty.
	// Read should return promptly once b is no longer running. Any error aborts
	// the pipeline.
	Read(b *breaker.Breaker, fr *models.Frame, auths *models.Authorities) error
	// StoppedWithErr is called once when the pipeline aborts.
	StoppedWithErr(err error)
}

// Sink consumes frames from a Control.
type Sink interface {
	// Write handles one frame. Any error aborts the pipeline.
	Write(fr models.Frame) error
	// StoppedWithErr is called once when the pipeline aborts.
	StoppedWithErr(err error)
}

// Writer is the part of a writer session an Acquisition uses.
type Writer interface {
	Write(fr models.Frame) error
	SetAuthorities(auths models.Authorities, ack bool) error
	Commit() (telem.TimeStamp, error)
	Close() error
}

// Streamer is the part of a streamer session a Control uses.
type Streamer interface {
	Read() (models.Frame, error)
	CloseSend() error
	Close() error
}

// WriterFactory opens writer sessions.
type WriterFactory interface {
	OpenWriter(ctx context.Context, cfg framer.WriterConfig) (Writer, error)
}

// StreamerFactory opens streamer sessions.
type StreamerFactory interface {
	OpenStreamer(ctx context.Context, cfg framer.StreamerConfig) (Streamer, error)
}

type options struct {
	logger zerolog.Logger
	now    func() telem.TimeStamp
	commit cron.Schedule
}

func newOptions(opts []Option) options {
	o := options{logger: zerolog.Nop(), now: telem.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures an Acquisition or Control.
type Option func(*options)

// WithLogger sets the pipeline logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides the wall clock used when the first frame carries no
// timestamps and when evaluating the commit schedule.
func WithClock(now func() telem.TimeStamp) Option {
	return func(o *options) { o.now = now }
}

// WithCommitSchedule makes an Acquisition commit its writer whenever schedule
// elapses, and once more when it stops. Use it when the writer does not auto
// commit. Control ignores it.
func WithCommitSchedule(schedule cron.Schedule) Option {
	return func(o *options) { o.commit = schedule }
}

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCommitSchedule parses a five-field cron expression or a descriptor such
// as "@every 10s".
func ParseCommitSchedule(spec string) (cron.Schedule, error) {
	s, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, errs.Validationf("invalid commit schedule %q: %v", spec, err)
	}
	return s, nil
}

// pipeline owns the worker goroutine and the Start/Stop state machine shared by
// Acquisition and Control.
type pipeline struct {
	kind    string
	breaker *breaker.Breaker
	logger  zerolog.Logger
	run     func(ctx context.Context)
	// interrupt unblocks the worker after the breaker is stopped.
	interrupt func()

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newPipeline(kind string, cfg breaker.Config, logger zerolog.Logger) *pipeline {
	logger = logger.With().
		Str("component", "pipeline").
		Str("pipeline", kind).
		Str("name", cfg.Name).
		Logger()
	return &pipeline{
		kind:    kind,
		breaker: breaker.New(cfg, logger),
		logger:  logger,
	}
}

// Start launches the worker. It returns false if the pipeline is already
// running.
func (p *pipeline) Start() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return false
	}
	p.running = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.breaker.Reset()
	p.breaker.Start()
	metrics.Get().IncPipelinesRunning()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
	p.logger.Info().Msg("Pipeline started")
	return true
}

// Stop signals the worker to exit and waits for it. It returns false if the
// pipeline is not running. Stop must not be called from Source or Sink methods.
func (p *pipeline) Stop() bool {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return false
	}
	p.running = false
	p.breaker.Stop()
	p.cancel()
	p.mu.Unlock()

	if p.interrupt != nil {
		p.interrupt()
	}
	p.wg.Wait()
	metrics.Get().DecPipelinesRunning()
	p.logger.Info().Msg("Pipeline stopped")
	return true
}

// Running reports whether the pipeline was started and not yet stopped. A
// pipeline that aborted on an error stays running until Stop is called.
func (p *pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stats returns the breaker state of the pipeline.
func (p *pipeline) Stats() map[string]interface{} {
	stats := p.breaker.Stats()
	stats["pipeline"] = p.kind
	return stats
}

// retry calls open until it succeeds, fails with a non-retryable error, or the
// breaker gives up. A successful open does not reset the breaker; callers reset
// it once the session moves data.
func retry[T any](ctx context.Context, p *pipeline, open func(context.Context) (T, error)) (T, error) {
	for {
		v, err := open(ctx)
		if err == nil {
			return v, nil
		}
		if !p.breaker.Running() {
			return v, errStopped
		}
		if !errs.IsRetryable(err) {
			return v, err
		}
		metrics.Get().IncPipelineRetries()
		if !p.breaker.Wait(err) {
			if !p.breaker.Running() {
				return v, errStopped
			}
			return v, err
		}
	}
}

func (p *pipeline) abort(err error, report func(error)) {
	metrics.Get().IncPipelineAborts()
	p.logger.Error().Err(err).Msg("Pipeline aborted")
	report(err)
}
