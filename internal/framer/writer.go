package framer

import (
	"context"
	"errors"
	"fmt"

	"github.com/basekick-labs/arcstream/internal/codec"
	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/internal/metrics"
	"github.com/basekick-labs/arcstream/internal/transport"
	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/basekick-labs/arcstream/pkg/telem"
	"github.com/rs/zerolog"
)

// ErrWriterClosed is the benign terminal error of a writer that was closed
// normally. Close filters it out.
var ErrWriterClosed = fmt.Errorf("%w: writer closed", errs.ErrClosed)

// Writer is a write session against the cluster. A Writer is not safe for
// concurrent use.
//
// Writes are not acknowledged. Errors the server reports for a write surface on
// a later call to Commit, SetAuthorities with ack, or Close.
type Writer struct {
	stream transport.WriterStream
	cfg    WriterConfig
	codec  *codec.Codec
	logger zerolog.Logger

	// err is the terminal error. A non-nil err means the session is closed.
	err      error
	released bool
}

func openWriter(
	ctx context.Context,
	client transport.WriterClient,
	newCodec func() *codec.Codec,
	cfg WriterConfig,
	logger zerolog.Logger,
) (*Writer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	stream, err := client.Stream(ctx, transport.TargetWriter)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		stream: stream,
		cfg:    cfg,
		logger: logger.With().Str("component", "framer.writer").Logger(),
	}
	if err := w.open(ctx, newCodec); err != nil {
		_ = stream.CloseSend()
		return nil, err
	}
	metrics.Get().IncWriterOpens()
	w.logger.Debug().
		Int("channels", len(cfg.Keys)).
		Stringer("start", cfg.Start).
		Bool("codec", cfg.EnableExperimentalCodec).
		Msg("Writer opened")
	return w, nil
}

func (w *Writer) open(ctx context.Context, newCodec func() *codec.Codec) error {
	if err := w.stream.Send(transport.WriterRequest{
		Command: transport.WriterOpen,
		Config:  w.cfg.payload(),
	}); err != nil {
		return err
	}
	res, err := w.stream.Receive()
	if err != nil {
		return err
	}
	if err := errs.Decode(res.Err); err != nil {
		return err
	}
	if w.cfg.EnableExperimentalCodec {
		w.codec = newCodec()
		if err := w.codec.Update(ctx, w.cfg.Keys); err != nil {
			return err
		}
	}
	return nil
}

// Write sends a frame to the cluster without waiting for acknowledgement. The
// frame may hold at most one series per channel and only channels the writer
// was opened with.
func (w *Writer) Write(fr models.Frame) error {
	if w.err != nil {
		return w.err
	}
	if err := fr.Validate(); err != nil {
		return err
	}
	for _, k := range fr.Keys {
		if !w.cfg.Keys.Contains(k) {
			return errs.Validationf("channel %d is not in the writer's channel set", k)
		}
	}
	req := transport.WriterRequest{Command: transport.WriterWrite}
	if w.codec != nil {
		buf, err := w.codec.Encode(fr)
		if err != nil {
			return err
		}
		req.Buffer = buf
	} else {
		req.Frame = transport.FrameToWire(fr)
	}
	if err := w.stream.Send(req); err != nil {
		return w.fail(err)
	}
	metrics.Get().IncWriterFrames()
	return nil
}

// SetAuthority sets the writer's authority over every channel and waits for
// acknowledgement.
func (w *Writer) SetAuthority(a models.Authority) error {
	return w.SetAuthorities(models.GlobalAuthority(a), true)
}

// SetChannelAuthority sets the writer's authority over a single channel and
// waits for acknowledgement.
func (w *Writer) SetChannelAuthority(key models.ChannelKey, a models.Authority) error {
	return w.SetAuthorities(models.ChannelAuthority(key, a), true)
}

// SetAuthorities changes the writer's authorities. An empty key list applies the
// single authority to every channel. When ack is true, SetAuthorities blocks
// until the server acknowledges the change.
func (w *Writer) SetAuthorities(auths models.Authorities, ack bool) error {
	if w.err != nil {
		return w.err
	}
	if auths.Empty() {
		return nil
	}
	if !auths.IsGlobal() && len(auths.Keys) != len(auths.Authorities) {
		return errs.Validationf("%d keys and %d authorities", len(auths.Keys), len(auths.Authorities))
	}
	if err := w.stream.Send(transport.WriterRequest{
		Command: transport.WriterSetAuthority,
		Config: transport.WriterConfigPayload{
			Keys:        auths.Keys,
			Authorities: auths.Authorities,
		},
	}); err != nil {
		return w.fail(err)
	}
	if !ack {
		return nil
	}
	_, err := w.await(transport.WriterSetAuthority)
	return err
}

// Commit persists everything written so far and returns the end timestamp of
// the committed data.
func (w *Writer) Commit() (telem.TimeStamp, error) {
	if w.err != nil {
		return 0, w.err
	}
	if err := w.stream.Send(transport.WriterRequest{Command: transport.WriterCommit}); err != nil {
		return 0, w.fail(err)
	}
	res, err := w.await(transport.WriterCommit)
	if err != nil {
		return 0, err
	}
	metrics.Get().IncWriterCommits()
	return res.End, nil
}

// await receives responses until one acknowledges cmd. An error reported in any
// response closes the session.
func (w *Writer) await(cmd transport.WriterCommand) (transport.WriterResponse, error) {
	for {
		res, err := w.stream.Receive()
		if err != nil {
			if errors.Is(err, errs.ErrEOF) {
				err = fmt.Errorf("%w: stream ended awaiting %s acknowledgement", errs.ErrStreamClosed, cmd)
			}
			return res, w.fail(err)
		}
		if err := errs.Decode(res.Err); err != nil {
			return res, w.fail(err)
		}
		if res.Command == cmd {
			return res, nil
		}
	}
}

// Error returns the error that closed the session, if any.
func (w *Writer) Error() error { return filterClosed(w.err) }

// Close half-closes the stream and drains acknowledgements until the server ends
// the stream. It returns the first error reported by the server, or nil for a
// clean close. Close is idempotent.
func (w *Writer) Close() error {
	if w.err == nil {
		w.err = w.drain()
		if !errors.Is(w.err, errs.ErrClosed) {
			metrics.Get().IncWriterErrors()
			w.logger.Warn().Err(w.err).Msg("Writer closed with error")
		}
	}
	w.release()
	return filterClosed(w.err)
}

func (w *Writer) drain() error {
	if err := w.stream.CloseSend(); err != nil {
		return err
	}
	var reported error
	for {
		res, err := w.stream.Receive()
		if err != nil {
			if reported != nil {
				return reported
			}
			if errors.Is(err, errs.ErrEOF) {
				return ErrWriterClosed
			}
			return err
		}
		if err := errs.Decode(res.Err); err != nil && reported == nil {
			reported = err
		}
	}
}

func (w *Writer) fail(err error) error {
	w.err = err
	metrics.Get().IncWriterErrors()
	w.logger.Warn().Err(err).Msg("Writer session failed")
	_ = w.stream.CloseSend()
	w.release()
	return err
}

func (w *Writer) release() {
	if !w.released {
		w.released = true
		metrics.Get().DecWritersActive()
	}
}

func filterClosed(err error) error {
	if errors.Is(err, errs.ErrClosed) || errors.Is(err, errs.ErrEOF) {
		return nil
	}
	return err
}
