package framer

import (
	"context"
	"errors"
	"sync"

	"github.com/basekick-labs/arcstream/internal/codec"
	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/internal/metrics"
	"github.com/basekick-labs/arcstream/internal/transport"
	"github.com/basekick-labs/arcstream/pkg/models"
	"github.com/rs/zerolog"
)

// Streamer receives live frames for a set of channels. Read and SetChannels may
// be called from different goroutines. CloseSend may be called concurrently
// with Read to unblock it.
type Streamer struct {
	stream transport.StreamerStream
	codec  *codec.Codec
	logger zerolog.Logger

	mu       sync.Mutex
	cfg      StreamerConfig
	err      error
	released bool
}

func openStreamer(
	ctx context.Context,
	client transport.StreamerClient,
	newCodec func() *codec.Codec,
	cfg StreamerConfig,
	logger zerolog.Logger,
) (*Streamer, error) {
	if len(cfg.Keys) == 0 {
		return nil, errs.Validationf("streamer config must contain at least one channel")
	}
	stream, err := client.Stream(ctx, transport.TargetStreamer)
	if err != nil {
		return nil, err
	}
	s := &Streamer{
		stream: stream,
		cfg:    cfg,
		logger: logger.With().Str("component", "framer.streamer").Logger(),
	}
	if err := s.open(ctx, newCodec); err != nil {
		_ = stream.CloseSend()
		return nil, err
	}
	metrics.Get().IncStreamerOpens()
	s.logger.Debug().Int("channels", len(cfg.Keys)).Msg("Streamer opened")
	return s, nil
}

func (s *Streamer) open(ctx context.Context, newCodec func() *codec.Codec) error {
	if s.cfg.EnableExperimentalCodec {
		s.codec = newCodec()
		if err := s.codec.Update(ctx, s.cfg.Keys); err != nil {
			return err
		}
	}
	if err := s.stream.Send(s.cfg.request()); err != nil {
		return err
	}
	res, err := s.stream.Receive()
	if err != nil {
		return err
	}
	return errs.Decode(res.Err)
}

// Read blocks until the next frame arrives. After CloseSend, Read returns
// errs.ErrEOF once the server has flushed its remaining frames.
func (s *Streamer) Read() (models.Frame, error) {
	if err := s.Error(); err != nil {
		return models.Frame{}, err
	}
	res, err := s.stream.Receive()
	if err != nil {
		return models.Frame{}, s.fail(err)
	}
	if err := errs.Decode(res.Err); err != nil {
		return models.Frame{}, s.fail(err)
	}
	var fr models.Frame
	if len(res.Buffer) > 0 {
		if s.codec == nil {
			return models.Frame{}, errs.Unexpectedf("received codec buffer on a streamer without codec")
		}
		fr, err = s.codec.Decode(res.Buffer)
	} else {
		fr, err = transport.FrameFromWire(res.Frame)
	}
	if err != nil {
		metrics.Get().IncStreamerErrors()
		return models.Frame{}, err
	}
	metrics.Get().IncStreamerFrames()
	return fr, nil
}

// SetChannels replaces the set of streamed channels. Frames for the new set may
// arrive before the server acknowledges the change.
func (s *Streamer) SetChannels(ctx context.Context, keys models.ChannelKeys) error {
	if len(keys) == 0 {
		return errs.Validationf("streamer must stream at least one channel")
	}
	if err := s.Error(); err != nil {
		return err
	}
	if s.codec != nil {
		if err := s.codec.Update(ctx, keys); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.cfg.Keys = keys
	req := s.cfg.request()
	s.mu.Unlock()
	if err := s.stream.Send(req); err != nil {
		return s.fail(err)
	}
	return nil
}

// CloseSend tells the server no more requests will be sent. The server flushes
// pending frames and ends the stream.
func (s *Streamer) CloseSend() error { return s.stream.CloseSend() }

// Close half-closes the stream and waits for the server to end it. Close returns
// nil for a clean end of stream and is idempotent.
func (s *Streamer) Close() error {
	s.mu.Lock()
	done := s.err != nil
	s.mu.Unlock()
	if !done {
		err := s.stream.CloseSend()
		for err == nil {
			_, err = s.stream.Receive()
		}
		s.fail(err)
	}
	s.release()
	return filterClosed(s.Error())
}

// Error returns the error that ended the stream, if any. A clean end of stream
// is reported as errs.ErrEOF.
func (s *Streamer) Error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Streamer) fail(err error) error {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
		if !errors.Is(err, errs.ErrEOF) {
			metrics.Get().IncStreamerErrors()
			s.logger.Warn().Err(err).Msg("Streamer session failed")
		}
	}
	err = s.err
	s.mu.Unlock()
	return err
}

func (s *Streamer) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.released {
		s.released = true
		metrics.Get().DecStreamersActive()
	}
}
