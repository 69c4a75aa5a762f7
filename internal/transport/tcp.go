package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/internal/metrics"
	"github.com/rs/zerolog"
)

// TCPConfig holds configuration for TCP streams.
type TCPConfig struct {
	// Address is the host:port of the cluster node.
	Address string
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// Compression is "zstd" or empty for none.
	Compression string
	// CompressionThreshold is the payload size above which messages are compressed.
	CompressionThreshold int
	// MaxMessageSize bounds the size of a single message in either direction.
	MaxMessageSize int
	Logger         zerolog.Logger
}

// handshake is the first message on every stream and names its target.
type handshake struct {
	Target string `msgpack:"target"`
}

// TCPClient opens streams over TCP, one connection per stream.
type TCPClient[RQ, RS any] struct {
	cfg    TCPConfig
	logger zerolog.Logger
}

// NewTCPClient creates a new TCP stream client.
func NewTCPClient[RQ, RS any](cfg TCPConfig) *TCPClient[RQ, RS] {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &TCPClient[RQ, RS]{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "transport-tcp").Str("address", cfg.Address).Logger(),
	}
}

// Stream implements StreamClient. Dial failures match errs.ErrUnreachable. The
// connection is closed when ctx is cancelled.
func (c *TCPClient[RQ, RS]) Stream(ctx context.Context, target string) (Stream[RQ, RS], error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		metrics.Get().IncTransportDialErrors()
		return nil, fmt.Errorf("%w: dial %s: %w", errs.ErrUnreachable, c.cfg.Address, err)
	}
	s := newTCPStream[RQ, RS](conn, c.cfg)
	if err := s.enc.Encode(handshake{Target: target}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake with %s: %w", errs.ErrUnreachable, c.cfg.Address, err)
	}
	s.stop = context.AfterFunc(ctx, func() { conn.Close() })
	c.logger.Debug().Str("target", target).Msg("Opened stream")
	return s, nil
}

// Accept reads the handshake from a server-side connection and returns the
// requested target along with a stream that sends RS and receives RQ.
func Accept[RQ, RS any](conn net.Conn, cfg TCPConfig) (string, Stream[RS, RQ], error) {
	s := newTCPStream[RS, RQ](conn, cfg)
	var hs handshake
	if err := s.dec.Decode(&hs); err != nil {
		return "", nil, fmt.Errorf("failed to read handshake: %w", err)
	}
	return hs.Target, s, nil
}

// tcpStream sends S and receives R over a single connection.
type tcpStream[S, R any] struct {
	conn net.Conn
	enc  *Encoder
	dec  *Decoder
	stop func() bool

	sendMu     sync.Mutex
	sendClosed atomic.Bool
	closeOnce  sync.Once
}

func newTCPStream[S, R any](conn net.Conn, cfg TCPConfig) *tcpStream[S, R] {
	return &tcpStream[S, R]{
		conn: conn,
		enc:  NewEncoder(conn, cfg.Compression == "zstd", cfg.CompressionThreshold, cfg.MaxMessageSize),
		dec:  NewDecoder(conn, cfg.MaxMessageSize),
	}
}

func (s *tcpStream[S, R]) Send(v S) error {
	if s.sendClosed.Load() {
		return fmt.Errorf("%w: send after CloseSend", errs.ErrClosed)
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.enc.Encode(v); err != nil {
		var fe *FrameError
		if errors.As(err, &fe) {
			return fmt.Errorf("%w: %w", errs.ErrValidation, err)
		}
		s.close()
		return fmt.Errorf("%w: %w", errs.ErrStreamClosed, err)
	}
	return nil
}

func (s *tcpStream[S, R]) Receive() (R, error) {
	var v R
	err := s.dec.Decode(&v)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, io.EOF) {
		if s.sendClosed.Load() {
			s.close()
		}
		return v, errs.ErrEOF
	}
	s.close()
	var fe *FrameError
	if errors.As(err, &fe) {
		return v, fmt.Errorf("%w: %w", errs.ErrUnexpected, err)
	}
	return v, fmt.Errorf("%w: %w", errs.ErrStreamClosed, err)
}

func (s *tcpStream[S, R]) CloseSend() error {
	if !s.sendClosed.CompareAndSwap(false, true) {
		return nil
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if hc, ok := s.conn.(interface{ CloseWrite() error }); ok {
		if err := hc.CloseWrite(); err != nil {
			return fmt.Errorf("%w: %w", errs.ErrStreamClosed, err)
		}
		return nil
	}
	s.close()
	return nil
}

func (s *tcpStream[S, R]) close() {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.conn.Close()
	})
}
