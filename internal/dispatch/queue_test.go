package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/truongvando/ezstream-sub006/pkg/models"
)

func sampleCommand(streamID string) Command {
	return NewCommand(CommandStart, models.StreamRecord{
		ID: streamID,
		Config: models.StreamConfig{
			Title:         "test",
			SourceFiles:   []string{"a.mp4"},
			StreamKey:     "key",
			PlaybackOrder: models.PlaybackSequential,
		},
	})
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(4)
	defer q.Close()

	want := sampleCommand("s1")
	if err := q.Enqueue(ctx, want); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.StreamID != "s1" || got.Type != CommandStart || got.Attempt != 1 {
		t.Fatalf("unexpected command: %+v", got)
	}
}

func TestMemoryQueueDequeueHonorsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Enqueue(context.Background(), sampleCommand("s1")); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestMemoryQueueEnqueueDuringClose(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	// Saturate the buffer so concurrent enqueuers block in the send, then
	// close underneath them. They must all come back with ErrQueueClosed
	// rather than panicking.
	if err := q.Enqueue(ctx, sampleCommand("s0")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := q.Enqueue(ctx, sampleCommand("s1")); err != nil {
					if !errors.Is(err, ErrQueueClosed) {
						t.Errorf("expected ErrQueueClosed, got %v", err)
					}
					return
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	wg.Wait()

	// The buffered command survives the close.
	if got, err := q.Dequeue(ctx); err != nil || got.StreamID != "s0" {
		t.Fatalf("expected buffered s0, got %+v, %v", got, err)
	}
}

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "test:commands")
}

func TestRedisQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	first := sampleCommand("s1")
	second := sampleCommand("s2")
	if err := q.Enqueue(ctx, first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, second); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// FIFO across LPUSH/BRPOP.
	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.StreamID != "s1" {
		t.Fatalf("expected s1 first, got %s", got.StreamID)
	}
	if got.Config.SourceFiles[0] != "a.mp4" {
		t.Fatalf("config snapshot lost: %+v", got.Config)
	}

	got, err = q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.StreamID != "s2" {
		t.Fatalf("expected s2 second, got %s", got.StreamID)
	}
}

func TestRedisQueueDequeueHonorsContext(t *testing.T) {
	q := newTestRedisQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Dequeue(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
