// Package transport defines the bidirectional message streams that writer and
// streamer sessions run over, the messages they exchange, and a TCP
// implementation.
package transport

import "context"

// Well-known stream targets.
const (
	TargetWriter   = "/frame/write"
	TargetStreamer = "/frame/stream"
)

// Stream is a bidirectional stream of requests RQ and responses RS.
//
// Receive returns an error matching errs.ErrEOF once the remote side has finished
// sending. Transport failures match errs.ErrUnreachable.
type Stream[RQ, RS any] interface {
	Send(RQ) error
	Receive() (RS, error)
	// CloseSend half-closes the stream. The remote side observes end of stream
	// while this side may keep receiving.
	CloseSend() error
}

// StreamClient opens streams to a target.
type StreamClient[RQ, RS any] interface {
	Stream(ctx context.Context, target string) (Stream[RQ, RS], error)
}

// WriterStream and StreamerStream are the client-side streams used by sessions.
type (
	WriterStream   = Stream[WriterRequest, WriterResponse]
	StreamerStream = Stream[StreamerRequest, StreamerResponse]
)

// WriterClient and StreamerClient open WriterStream and StreamerStream.
type (
	WriterClient   = StreamClient[WriterRequest, WriterResponse]
	StreamerClient = StreamClient[StreamerRequest, StreamerResponse]
)
