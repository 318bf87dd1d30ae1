// ABOUTME: Push-to-pull handoff queue feeding user input into a running agent turn
// ABOUTME: FIFO queue plus a single waiting-consumer slot; direct handoff never reorders items

package stream

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
)

// ErrClosed is returned by Push once the channel has been closed.
var ErrClosed = errors.New("stream: channel closed")

// ErrConcurrentRead is returned by Next when another consumer is already waiting.
var ErrConcurrentRead = errors.New("stream: concurrent read")

// State describes where the channel is in its lifecycle.
type State int

const (
	StateOpenIdle    State = iota // no waiting consumer, items may be queued
	StateOpenWaiting              // a consumer is blocked, queue is empty
	StateClosed                   // no further pushes; queued items still drain
)

func (s State) String() string {
	switch s {
	case StateOpenIdle:
		return "open-idle"
	case StateOpenWaiting:
		return "open-waiting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is a single-consumer queue that lets a producer push items at
// arbitrary times while one consumer pulls them lazily in push order.
//
// The zero value is not usable; create channels with New.
type Channel[T any] struct {
	mu      sync.Mutex
	queue   []T
	waiter  chan T // set only while a consumer is blocked on an empty queue
	closed  bool
	session string
}

// New creates an open, empty channel.
func New[T any]() *Channel[T] {
	return &Channel[T]{}
}

// Push appends an item. If a consumer is waiting, the item is handed to it
// directly. Returns ErrClosed after Close.
func (c *Channel[T]) Push(item T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	// A waiter only exists while the queue is empty, so handing off here
	// preserves push order.
	if c.waiter != nil {
		w := c.waiter
		c.waiter = nil
		w <- item
		return nil
	}

	c.queue = append(c.queue, item)
	return nil
}

// Close marks the channel closed and wakes a waiting consumer with
// end-of-stream. Safe to call multiple times.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	if c.waiter != nil {
		close(c.waiter)
		c.waiter = nil
	}
}

// Next blocks until the next item is available and returns it. It returns
// io.EOF once the channel is closed and every queued item has been consumed,
// and ctx.Err() if ctx is cancelled first.
func (c *Channel[T]) Next(ctx context.Context) (T, error) {
	var zero T

	c.mu.Lock()
	if len(c.queue) > 0 {
		item := c.queue[0]
		c.queue[0] = zero
		c.queue = c.queue[1:]
		c.mu.Unlock()
		return item, nil
	}
	if c.closed {
		c.mu.Unlock()
		return zero, io.EOF
	}
	if c.waiter != nil {
		c.mu.Unlock()
		return zero, ErrConcurrentRead
	}

	w := make(chan T, 1)
	c.waiter = w
	c.mu.Unlock()

	select {
	case item, ok := <-w:
		if !ok {
			return zero, io.EOF
		}
		return item, nil

	case <-ctx.Done():
		c.mu.Lock()
		if c.waiter == w {
			c.waiter = nil
			c.mu.Unlock()
			return zero, ctx.Err()
		}
		c.mu.Unlock()

		// Push or Close already claimed the slot; w is buffered so this
		// never blocks, and the handed-off item must not be lost.
		item, ok := <-w
		if !ok {
			return zero, io.EOF
		}
		return item, nil
	}
}

// All returns a lazy sequence over the remaining items. The sequence ends
// when the channel is closed and drained or ctx is cancelled. It is not
// restartable: items yielded once are gone.
func (c *Channel[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			item, err := c.Next(ctx)
			if err != nil {
				return
			}
			if !yield(item) {
				return
			}
		}
	}
}

// Drain removes and returns every queued item without blocking.
func (c *Channel[T]) Drain() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := c.queue
	c.queue = nil
	return items
}

// Len reports the number of queued, unconsumed items.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Closed reports whether Close has been called.
func (c *Channel[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// State reports the current lifecycle state.
func (c *Channel[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return StateClosed
	case c.waiter != nil:
		return StateOpenWaiting
	default:
		return StateOpenIdle
	}
}

// Stamp records the engine session token so that items consumed after this
// point are correlated with the resumed conversation.
func (c *Channel[T]) Stamp(session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
}

// Session returns the most recently stamped session token.
func (c *Channel[T]) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}
