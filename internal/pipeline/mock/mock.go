// Package mock provides scripted sources, sinks, and sessions for pipeline
// tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/basekick-labs/arcstream/internal/breaker"
	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/internal/framer"
	"github.com/basekick-labs/arcstream/internal/pipeline"
	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/basekick-labs/arcstream/pkg/telem"
)

// pollInterval is how often an exhausted Source or Streamer checks for stop.
const pollInterval = time.Millisecond

// Step is one scripted Source.Read result.
type Step struct {
	Frame       models.Frame
	Authorities models.Authorities
	Err         error
}

// Source replays Steps, then returns empty reads until the pipeline stops.
type Source struct {
	mu      sync.Mutex
	steps   []Step
	reads   int
	stopped []error
}

var _ pipeline.Source = (*Source)(nil)

// NewSource returns a Source that replays steps in order.
func NewSource(steps ...Step) *Source { return &Source{steps: steps} }

// Read implements pipeline.Source.
func (s *Source) Read(b *breaker.Breaker, fr *models.Frame, auths *models.Authorities) error {
	s.mu.Lock()
	if s.reads >= len(s.steps) {
		s.mu.Unlock()
		b.WaitFor(pollInterval)
		return nil
	}
	step := s.steps[s.reads]
	s.reads++
	s.mu.Unlock()
	if step.Err != nil {
		return step.Err
	}
	*fr = step.Frame.DeepCopy()
	*auths = step.Authorities
	return nil
}

// StoppedWithErr implements pipeline.Source.
func (s *Source) StoppedWithErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, err)
}

// Errors returns every error passed to StoppedWithErr.
func (s *Source) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.stopped...)
}

// Reads returns the number of scripted steps consumed.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Sink records written frames.
type Sink struct {
	// WriteErrs are returned, in order, by the next calls to Write.
	WriteErrs []error

	mu      sync.Mutex
	frames  []models.Frame
	stopped []error
}

var _ pipeline.Sink = (*Sink)(nil)

// Write implements pipeline.Sink.
func (s *Sink) Write(fr models.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := pop(&s.WriteErrs); err != nil {
		return err
	}
	s.frames = append(s.frames, fr.DeepCopy())
	return nil
}

// StoppedWithErr implements pipeline.Sink.
func (s *Sink) StoppedWithErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, err)
}

// Frames returns the frames written so far.
func (s *Sink) Frames() []models.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Frame(nil), s.frames...)
}

// Errors returns every error passed to StoppedWithErr.
func (s *Sink) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.stopped...)
}

// Writer records frames and authority changes.
type Writer struct {
	Config framer.WriterConfig

	factory     *WriterFactory
	mu          sync.Mutex
	frames      []models.Frame
	authorities []models.Authorities
	commits     int
	closes      int
}

var _ pipeline.Writer = (*Writer)(nil)

// Write implements pipeline.Writer.
func (w *Writer) Write(fr models.Frame) error {
	if err := w.factory.nextErr(&w.factory.WriteErrs); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, fr.DeepCopy())
	return nil
}

// SetAuthorities implements pipeline.Writer.
func (w *Writer) SetAuthorities(auths models.Authorities, _ bool) error {
	if err := w.factory.nextErr(&w.factory.AuthorityErrs); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.authorities = append(w.authorities, auths)
	return nil
}

// Commit implements pipeline.Writer.
func (w *Writer) Commit() (telem.TimeStamp, error) {
	if err := w.factory.nextErr(&w.factory.CommitErrs); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.commits++
	return 0, nil
}

// Commits returns the number of successful Commit calls.
func (w *Writer) Commits() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.commits
}

// Close implements pipeline.Writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closes++
	return nil
}

// Frames returns the frames written to w.
func (w *Writer) Frames() []models.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]models.Frame(nil), w.frames...)
}

// Authorities returns the authority changes applied to w.
func (w *Writer) Authorities() []models.Authorities {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]models.Authorities(nil), w.authorities...)
}

// Closes returns the number of Close calls.
func (w *Writer) Closes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closes
}

// WriterFactory opens Writers, failing with scripted errors first.
type WriterFactory struct {
	// OpenErrs are returned, in order, by the next calls to OpenWriter.
	OpenErrs []error
	// WriteErrs are returned, in order, by the next Write calls on any writer.
	// A nil entry lets the write succeed.
	WriteErrs []error
	// AuthorityErrs are returned, in order, by the next SetAuthorities calls.
	AuthorityErrs []error
	// CommitErrs are returned, in order, by the next Commit calls.
	CommitErrs []error

	mu      sync.Mutex
	opens   int
	writers []*Writer
}

var _ pipeline.WriterFactory = (*WriterFactory)(nil)

// OpenWriter implements pipeline.WriterFactory.
func (f *WriterFactory) OpenWriter(_ context.Context, cfg framer.WriterConfig) (pipeline.Writer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if err := pop(&f.OpenErrs); err != nil {
		return nil, err
	}
	w := &Writer{Config: cfg, factory: f}
	f.writers = append(f.writers, w)
	return w, nil
}

func (f *WriterFactory) nextErr(q *[]error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pop(q)
}

// WriterOpens returns the number of OpenWriter calls, including failed ones.
func (f *WriterFactory) WriterOpens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Writers returns every successfully opened writer.
func (f *WriterFactory) Writers() []*Writer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Writer(nil), f.writers...)
}

// Frames returns the frames written across every writer, in order.
func (f *WriterFactory) Frames() []models.Frame {
	var out []models.Frame
	for _, w := range f.Writers() {
		out = append(out, w.Frames()...)
	}
	return out
}

// Result is one scripted Streamer.Read result.
type Result struct {
	Frame models.Frame
	Err   error
}

// Streamer replays Results, then blocks until CloseSend.
type Streamer struct {
	Config framer.StreamerConfig

	mu        sync.Mutex
	results   []Result
	done      chan struct{}
	closeOnce sync.Once
	closes    int
}

var _ pipeline.Streamer = (*Streamer)(nil)

// Read implements pipeline.Streamer.
func (s *Streamer) Read() (models.Frame, error) {
	s.mu.Lock()
	if len(s.results) > 0 {
		r := s.results[0]
		s.results = s.results[1:]
		s.mu.Unlock()
		return r.Frame, r.Err
	}
	s.mu.Unlock()
	<-s.done
	return models.Frame{}, errs.ErrEOF
}

// CloseSend implements pipeline.Streamer.
func (s *Streamer) CloseSend() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Close implements pipeline.Streamer.
func (s *Streamer) Close() error {
	_ = s.CloseSend()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// Closes returns the number of Close calls.
func (s *Streamer) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// StreamerFactory opens Streamers, failing with scripted errors first.
type StreamerFactory struct {
	// OpenErrs are returned, in order, by the next calls to OpenStreamer.
	OpenErrs []error
	// Scripts holds the Results of each successfully opened streamer, in order.
	Scripts [][]Result

	mu        sync.Mutex
	opens     int
	streamers []*Streamer
}

var _ pipeline.StreamerFactory = (*StreamerFactory)(nil)

// OpenStreamer implements pipeline.StreamerFactory.
func (f *StreamerFactory) OpenStreamer(_ context.Context, cfg framer.StreamerConfig) (pipeline.Streamer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if err := pop(&f.OpenErrs); err != nil {
		return nil, err
	}
	s := &Streamer{Config: cfg, done: make(chan struct{})}
	if len(f.Scripts) > 0 {
		s.results = f.Scripts[0]
		f.Scripts = f.Scripts[1:]
	}
	f.streamers = append(f.streamers, s)
	return s, nil
}

// StreamerOpens returns the number of OpenStreamer calls, including failed ones.
func (f *StreamerFactory) StreamerOpens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Streamers returns every successfully opened streamer.
func (f *StreamerFactory) Streamers() []*Streamer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Streamer(nil), f.streamers...)
}

func pop(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}
