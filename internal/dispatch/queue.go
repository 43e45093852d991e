package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Dequeue once the queue shuts down.
var ErrQueueClosed = errors.New("command queue closed")

// Queue transports commands from the lifecycle machine to dispatcher
// workers. Dequeue blocks until a command is available, the context is
// cancelled, or the queue closes.
type Queue interface {
	Enqueue(ctx context.Context, cmd Command) error
	Dequeue(ctx context.Context) (Command, error)
	Close() error
}

// MemoryQueue is a channel-backed queue for single-node deployments and
// tests. The command channel is never closed; shutdown is signalled through
// done so a blocked Enqueue cannot race Close into a send on a closed
// channel.
type MemoryQueue struct {
	ch   chan Command
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue creates a buffered in-process queue.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{
		ch:   make(chan Command, size),
		done: make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, cmd Command) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.ch <- cmd:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Command, error) {
	select {
	case cmd := <-q.ch:
		return cmd, nil
	case <-q.done:
		// Hand out commands buffered before the close.
		select {
		case cmd := <-q.ch:
			return cmd, nil
		default:
			return Command{}, ErrQueueClosed
		}
	case <-ctx.Done():
		return Command{}, ctx.Err()
	}
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
