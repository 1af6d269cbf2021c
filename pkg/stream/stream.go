package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coldbell/dex/drift-sdk/pkg/metrics"
	"github.com/coldbell/dex/drift-sdk/pkg/retry"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

type State int32

const (
	Connecting State = iota
	Streaming
	Disconnected
	Terminated
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Disconnected:
		return "disconnected"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var errSessionEnded = errors.New("session ended by remote")

// A session that delivered nothing only counts as healthy, and so resets the
// attempt counter, if it stayed up at least this long.
const stableSession = 30 * time.Second

// Item is a stream element: a value or an inline error such as a frame that
// failed to decode. Inline errors do not end the stream.
type Item[T any] struct {
	Value T
	Err   error
}

// Session runs one connection until it fails or ctx is cancelled. It calls
// Ready once the connection is established and delivers through the sink.
type Session[T any] func(ctx context.Context, sink *Sink[T]) error

type Sink[T any] struct {
	ctx       context.Context
	out       chan<- Item[T]
	ready     func()
	messages  metrics.Counter
	streamed  bool
	delivered bool
}

// Ready marks the session as streaming.
func (s *Sink[T]) Ready() {
	if !s.streamed {
		s.streamed = true
		s.ready()
	}
}

// Send delivers a value. It returns false once the stream is closing.
func (s *Sink[T]) Send(value T) bool {
	return s.deliver(Item[T]{Value: value})
}

// SendErr delivers an inline error. It returns false once the stream is closing.
func (s *Sink[T]) SendErr(err error) bool {
	return s.deliver(Item[T]{Err: err})
}

func (s *Sink[T]) deliver(item Item[T]) bool {
	select {
	case <-s.ctx.Done():
		return false
	case s.out <- item:
		s.messages.Inc()
		s.delivered = true
		return true
	}
}

// Stream is a single-pass sequence fed by a reconnecting session. Items
// published while disconnected are not replayed, so gaps across reconnects
// are possible.
type Stream[T any] struct {
	name   string
	items  chan Item[T]
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32

	errMu    sync.Mutex
	terminal error
}

// Start launches the worker. The stream runs until ctx is cancelled, Close is
// called, or policy declines another attempt.
func Start[T any](
	ctx context.Context,
	name string,
	policy retry.Policy,
	session Session[T],
	logger *slog.Logger,
	m *metrics.Metrics,
) *Stream[T] {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if policy == nil {
		policy = retry.Never()
	}
	m = metrics.OrNoop(m)
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream[T]{
		name:   name,
		items:  make(chan Item[T]),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, policy, session, logger.With("stream", name), m)
	return s
}

func (s *Stream[T]) run(ctx context.Context, policy retry.Policy, session Session[T], logger *slog.Logger, m *metrics.Metrics) {
	defer close(s.done)
	defer close(s.items)

	attempt := 0
	for {
		s.state.Store(int32(Connecting))
		sink := &Sink[T]{
			ctx:      ctx,
			out:      s.items,
			messages: m.StreamMessages.With(s.name),
			ready: func() {
				s.state.Store(int32(Streaming))
				logger.Info("stream connected")
			},
		}
		started := time.Now()
		err := session(ctx, sink)
		if ctx.Err() != nil {
			s.state.Store(int32(Terminated))
			return
		}
		if sink.delivered || time.Since(started) >= stableSession {
			attempt = 0
		}
		attempt++
		if err == nil {
			err = errSessionEnded
		}
		s.state.Store(int32(Disconnected))

		decision := policy.Decide(attempt, err)
		if !decision.Retry {
			logger.Warn("stream terminated", "attempt", attempt, "err", err)
			m.StreamTerminations.With(s.name).Inc()
			s.errMu.Lock()
			s.terminal = err
			s.errMu.Unlock()
			select {
			case s.items <- Item[T]{Err: err}:
			case <-ctx.Done():
			}
			s.state.Store(int32(Terminated))
			return
		}

		logger.Warn("stream disconnected, reconnecting", "attempt", attempt, "backoff", decision.Backoff, "err", err)
		m.StreamReconnects.With(s.name).Inc()
		if !retry.Sleep(ctx.Done(), decision.Backoff) {
			s.state.Store(int32(Terminated))
			return
		}
	}
}

// Next blocks for the next item. Inline errors are returned as they arrive;
// after the stream ends every call returns an error wrapping ErrStreamClosed.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case item, ok := <-s.items:
		if !ok {
			return zero, s.closedErr()
		}
		return item.Value, item.Err
	}
}

// C exposes the item channel for range loops. It closes when the stream ends.
func (s *Stream[T]) C() <-chan Item[T] {
	return s.items
}

func (s *Stream[T]) State() State {
	return State(s.state.Load())
}

func (s *Stream[T]) Name() string {
	return s.name
}

// Err reports why the stream terminated, or nil if it is running or was closed.
func (s *Stream[T]) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.terminal
}

// Close stops network activity and waits for the worker to exit. It is
// idempotent and safe to call while items are being delivered.
func (s *Stream[T]) Close() {
	s.cancel()
	<-s.done
}

// Done closes once the worker has exited.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Stream[T]) closedErr() error {
	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrStreamClosed, err)
	}
	return types.ErrStreamClosed
}
