package otelapis

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
)

// Stream is a lazy, finite sequence of messages from a single producer.
// It is consumed once by one goroutine; Cancel may be called from any
// goroutine. After Cancel no further messages are returned, including ones
// that were already buffered.
type Stream[T any] struct {
	next   func() (T, error)
	cancel func()

	mu        sync.Mutex
	err       error
	cancelled atomic.Bool
}

// NewStream builds a Stream from a next function that returns io.EOF at the
// end of the sequence. cancel, if not nil, must unblock a pending next.
func NewStream[T any](next func() (T, error), cancel func()) *Stream[T] {
	return &Stream[T]{next: next, cancel: cancel}
}

// Recv returns the next message, io.EOF once the sequence is exhausted, or
// ErrStreamCancelled after Cancel. Terminal results are sticky.
func (s *Stream[T]) Recv() (T, error) {
	var zero T
	if s.cancelled.Load() {
		return zero, ErrStreamCancelled
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return zero, s.err
	}

	v, err := s.next()
	if s.cancelled.Load() {
		s.err = ErrStreamCancelled
		return zero, s.err
	}
	if err != nil {
		s.err = err
		return zero, err
	}
	return v, nil
}

// All ranges over the remaining messages. A terminal error other than
// io.EOF or cancellation is yielded once as the final pair.
func (s *Stream[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			v, err := s.Recv()
			switch {
			case err == nil:
				if !yield(v, nil) {
					return
				}
			case errors.Is(err, io.EOF), errors.Is(err, ErrStreamCancelled):
				return
			default:
				yield(v, err)
				return
			}
		}
	}
}

// Cancel stops the stream and releases the underlying call.
func (s *Stream[T]) Cancel() {
	if s.cancelled.CompareAndSwap(false, true) && s.cancel != nil {
		s.cancel()
	}
}

// Err returns the error that ended the stream. It is nil while the stream
// is open and after a clean io.EOF.
func (s *Stream[T]) Err() error {
	if s.cancelled.Load() {
		return ErrStreamCancelled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(s.err, io.EOF) {
		return nil
	}
	return s.err
}

// channelStream reads ch until it is closed. Cancel unblocks a pending
// Recv; values left in ch stay there for other readers.
func channelStream[T any](ch <-chan T) *Stream[T] {
	done := make(chan struct{})
	next := func() (T, error) {
		var zero T
		select {
		case v, ok := <-ch:
			if !ok {
				return zero, io.EOF
			}
			return v, nil
		case <-done:
			return zero, ErrStreamCancelled
		}
	}
	return NewStream(next, func() { close(done) })
}

// OpenServerStream starts a server-streaming call and adapts it to a
// Stream. Errors are reported as [*RPCError].
func OpenServerStream[T any](
	ctx context.Context,
	method string,
	open func(context.Context) (grpc.ServerStreamingClient[T], error),
) (*Stream[*T], error) {
	ctx, cancel := context.WithCancel(ctx)
	cs, err := open(ctx)
	if err != nil {
		cancel()
		return nil, newRPCError(method, err)
	}

	next := func() (*T, error) {
		m, err := cs.Recv()
		if err == nil {
			return m, nil
		}
		cancel()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, newRPCError(method, err)
	}
	return NewStream(next, cancel), nil
}
