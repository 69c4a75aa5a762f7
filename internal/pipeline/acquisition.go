package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/basekick-labs/arcstream/internal/breaker"
	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/internal/framer"
	"github.com/basekick-labs/arcstream/internal/metrics"
	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/basekick-labs/arcstream/pkg/telem"
	"github.com/robfig/cron/v3"
)

// Acquisition reads frames from a Source and writes them to the cluster.
//
// The writer is opened lazily when the first non-empty frame arrives, with a
// start timestamp taken from that frame. Authority changes read before the
// writer opens are buffered and applied in a single call once it does.
type Acquisition struct {
	*pipeline
	factory WriterFactory
	cfg     framer.WriterConfig
	source  Source
	now     func() telem.TimeStamp
	commit  cron.Schedule
}

// NewAcquisition creates a stopped acquisition pipeline.
func NewAcquisition(
	factory WriterFactory,
	cfg framer.WriterConfig,
	source Source,
	breakerCfg breaker.Config,
	opts ...Option,
) *Acquisition {
	o := newOptions(opts)
	a := &Acquisition{
		pipeline: newPipeline("acquisition", breakerCfg, o.logger),
		factory:  factory,
		cfg:      cfg,
		source:   source,
		now:      o.now,
		commit:   o.commit,
	}
	a.pipeline.run = a.run
	return a
}

// acquisitionRun is the state of one worker run.
type acquisitionRun struct {
	*Acquisition
	ctx    context.Context
	writer Writer
	// pending holds authority changes not yet sent to the current writer.
	pending models.AuthorityBuffer
	// applied holds every authority change of the run, replayed on reopen.
	applied models.AuthorityBuffer
	// nextCommit is when the commit schedule next elapses.
	nextCommit time.Time
}

func (a *Acquisition) run(ctx context.Context) {
	r := &acquisitionRun{Acquisition: a, ctx: ctx}
	defer r.closeWriter()
	err := r.loop()
	if err != nil && !errors.Is(err, errStopped) {
		a.abort(err, a.source.StoppedWithErr)
		return
	}
	r.finalCommit()
}

func (r *acquisitionRun) loop() error {
	for r.breaker.Running() {
		var (
			fr    models.Frame
			auths models.Authorities
		)
		if err := r.source.Read(r.breaker, &fr, &auths); err != nil {
			return err
		}
		if !auths.Empty() {
			if err := r.setAuthorities(auths); err != nil {
				return err
			}
		}
		if !fr.Empty() {
			metrics.Get().IncPipelineFramesRead()
			if err := r.write(fr); err != nil {
				return err
			}
		}
		if err := r.maybeCommit(); err != nil {
			return err
		}
	}
	return nil
}

// maybeCommit commits the writer once the commit schedule has elapsed. A
// failed commit reopens the writer like a failed write.
func (r *acquisitionRun) maybeCommit() error {
	if r.commit == nil || r.writer == nil {
		return nil
	}
	now := r.now().Time()
	if now.Before(r.nextCommit) {
		return nil
	}
	r.nextCommit = r.commit.Next(now)
	end, err := r.writer.Commit()
	if err == nil {
		r.logger.Debug().Stringer("end", end).Msg("Committed")
		return nil
	}
	if !errs.IsRetryable(err) {
		return err
	}
	return r.reopen(err, r.now())
}

func (r *acquisitionRun) finalCommit() {
	if r.commit == nil || r.writer == nil {
		return
	}
	if _, err := r.writer.Commit(); err != nil {
		r.logger.Warn().Err(err).Msg("Final commit failed")
	}
}

func (r *acquisitionRun) setAuthorities(auths models.Authorities) error {
	r.applied.Add(auths)
	if r.writer == nil {
		r.pending.Add(auths)
		return nil
	}
	err := r.writer.SetAuthorities(auths, true)
	if err == nil {
		return nil
	}
	if !errs.IsRetryable(err) {
		return err
	}
	// The reopened writer receives the full authority state.
	return r.reopen(err, r.now())
}

func (r *acquisitionRun) write(fr models.Frame) error {
	if r.writer == nil {
		if err := r.open(resolveStart(fr, r.now)); err != nil {
			return err
		}
	}
	for {
		err := r.writer.Write(fr)
		if err == nil {
			r.breaker.Reset()
			metrics.Get().IncPipelineFramesWritten()
			return nil
		}
		if !errs.IsRetryable(err) {
			return err
		}
		if err := r.reopen(err, resolveStart(fr, r.now)); err != nil {
			return err
		}
	}
}

// reopen closes the failed writer, waits one breaker interval, and opens a new
// writer that replays every authority change seen so far.
func (r *acquisitionRun) reopen(cause error, start telem.TimeStamp) error {
	r.logger.Warn().Err(cause).Msg("Writer failed, reopening")
	r.closeWriter()
	metrics.Get().IncPipelineRetries()
	if !r.breaker.Wait(cause) {
		if !r.breaker.Running() {
			return errStopped
		}
		return cause
	}
	r.pending = models.AuthorityBuffer{}
	if auths, ok := r.applied.Merged(r.cfg.Keys); ok {
		r.pending.Add(auths)
	}
	return r.open(start)
}

func (r *acquisitionRun) open(start telem.TimeStamp) error {
	cfg := r.cfg
	cfg.Start = start
	w, err := retry(r.ctx, r.pipeline, func(ctx context.Context) (Writer, error) {
		return r.factory.OpenWriter(ctx, cfg)
	})
	if err != nil {
		return err
	}
	r.writer = w
	r.logger.Info().Stringer("start", start).Msg("Writer opened")
	if r.commit != nil {
		r.nextCommit = r.commit.Next(r.now().Time())
	}

	auths, ok := r.pending.Flush(r.cfg.Keys)
	if !ok {
		return nil
	}
	if err := w.SetAuthorities(auths, true); err != nil {
		if errs.IsRetryable(err) {
			return r.reopen(err, start)
		}
		return err
	}
	return nil
}

func (r *acquisitionRun) closeWriter() {
	if r.writer == nil {
		return
	}
	if err := r.writer.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("Error closing writer")
	}
	r.writer = nil
}

// resolveStart returns the smallest first timestamp among the timestamp series
// of fr, or now() if fr has none.
func resolveStart(fr models.Frame, now func() telem.TimeStamp) telem.TimeStamp {
	var (
		start telem.TimeStamp
		found bool
	)
	for _, s := range fr.Series {
		if s.DataType != telem.TimeStampT || s.Len() == 0 {
			continue
		}
		if ts := s.TimeStampAt(0); !found || ts < start {
			start, found = ts, true
		}
	}
	if !found {
		return now()
	}
	return start
}
