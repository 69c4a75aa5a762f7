// Package mock provides in-memory transport streams for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/basekick-labs/arcstream/internal/errs"
	"github.com/basekick-labs/arcstream/internal/transport"
)

// half is one direction of a pipe.
type half[T any] struct {
	ch        chan T
	closeOnce sync.Once
	done      chan struct{}
}

func newHalf[T any](buffer int) *half[T] {
	return &half[T]{ch: make(chan T, buffer), done: make(chan struct{})}
}

func (h *half[T]) close() { h.closeOnce.Do(func() { close(h.ch) }) }

// Stream is one end of an in-memory pipe. It sends S and receives R.
type Stream[S, R any] struct {
	out *half[S]
	in  *half[R]

	mu         sync.Mutex
	sendClosed bool
	failure    error
	calls      Calls
	// Sent records every message sent from this end.
	Sent []S
}

// Calls counts the operations invoked on one end of a stream.
type Calls struct {
	Sends      int
	Receives   int
	CloseSends int
}

// Pipe returns the client and server ends of an in-memory stream. CloseSend on
// one end makes Receive on the other return errs.ErrEOF once buffered messages
// are drained.
func Pipe[RQ, RS any](buffer int) (*Stream[RQ, RS], *Stream[RS, RQ]) {
	reqs := newHalf[RQ](buffer)
	resps := newHalf[RS](buffer)
	return &Stream[RQ, RS]{out: reqs, in: resps}, &Stream[RS, RQ]{out: resps, in: reqs}
}

// Send implements transport.Stream.
func (s *Stream[S, R]) Send(v S) error {
	s.mu.Lock()
	s.calls.Sends++
	if s.failure != nil {
		err := s.failure
		s.mu.Unlock()
		return err
	}
	if s.sendClosed {
		s.mu.Unlock()
		return fmt.Errorf("%w: send after CloseSend", errs.ErrClosed)
	}
	s.Sent = append(s.Sent, v)
	s.mu.Unlock()
	select {
	case s.out.ch <- v:
		return nil
	case <-s.in.done:
		return errs.ErrStreamClosed
	case <-s.out.done:
		return s.err()
	}
}

// Receive implements transport.Stream.
func (s *Stream[S, R]) Receive() (R, error) {
	var zero R
	s.mu.Lock()
	s.calls.Receives++
	s.mu.Unlock()
	select {
	case v, ok := <-s.in.ch:
		if !ok {
			return zero, errs.ErrEOF
		}
		return v, nil
	case <-s.out.done:
		return zero, s.err()
	case <-s.in.done:
		return zero, errs.ErrStreamClosed
	}
}

func (s *Stream[S, R]) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	return errs.ErrStreamClosed
}

// CloseSend implements transport.Stream.
func (s *Stream[S, R]) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.CloseSends++
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	s.out.close()
	return nil
}

// Fail breaks the stream. Pending and future calls on this end return err.
func (s *Stream[S, R]) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return
	}
	s.failure = err
	close(s.out.done)
}

// Calls returns the operations invoked on this end so far.
func (s *Stream[S, R]) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// SentMessages returns a copy of the messages sent from this end.
func (s *Stream[S, R]) SentMessages() []S {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]S(nil), s.Sent...)
}

// Handler serves the server end of a stream opened through Client.
type Handler[RQ, RS any] func(target string, server *Stream[RS, RQ])

// Client is a transport.StreamClient that runs Handler on a goroutine for each
// opened stream.
type Client[RQ, RS any] struct {
	Handler Handler[RQ, RS]
	// DialErrors are returned, in order, by the next calls to Stream.
	DialErrors []error
	Buffer     int

	mu      sync.Mutex
	opened  int
	streams []*Stream[RQ, RS]
	wg      sync.WaitGroup
}

var _ transport.StreamClient[int, int] = (*Client[int, int])(nil)

// Stream implements transport.StreamClient.
func (c *Client[RQ, RS]) Stream(ctx context.Context, target string) (transport.Stream[RQ, RS], error) {
	c.mu.Lock()
	c.opened++
	if len(c.DialErrors) > 0 {
		err := c.DialErrors[0]
		c.DialErrors = c.DialErrors[1:]
		c.mu.Unlock()
		return nil, err
	}
	buffer := c.Buffer
	if buffer <= 0 {
		buffer = 16
	}
	client, server := Pipe[RQ, RS](buffer)
	c.streams = append(c.streams, client)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Handler(target, server)
	}()
	return client, nil
}

// Opened returns the number of Stream calls, including failed ones.
func (c *Client[RQ, RS]) Opened() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// Streams returns the client ends of every opened stream.
func (c *Client[RQ, RS]) Streams() []*Stream[RQ, RS] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Stream[RQ, RS](nil), c.streams...)
}

// Wait blocks until every handler has returned.
func (c *Client[RQ, RS]) Wait() { c.wg.Wait() }
