package dispatch

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/truongvando/ezstream-sub006/internal/allocator"
	"github.com/truongvando/ezstream-sub006/internal/lifecycle"
	"github.com/truongvando/ezstream-sub006/internal/notify"
	"github.com/truongvando/ezstream-sub006/internal/store"
	"github.com/truongvando/ezstream-sub006/pkg/models"
)

type fakeAgent struct {
	mu         sync.Mutex
	startCalls int
	stopCalls  int
	startErr   error
	stopErr    error
}

func (a *fakeAgent) StartStream(_ context.Context, _ models.WorkerNode, _ string, _ models.StreamConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startCalls++
	return a.startErr
}

func (a *fakeAgent) StopStream(_ context.Context, _ models.WorkerNode, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopCalls++
	return a.stopErr
}

func (a *fakeAgent) calls() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startCalls, a.stopCalls
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Publish(_ context.Context, event notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) byType(eventType string) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := []notify.Event{}
	for _, e := range n.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	store    *store.MemoryStore
	machine  *lifecycle.Machine
	agent    *fakeAgent
	notifier *recordingNotifier
	disp     *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st := store.NewMemoryStore()
	agent := &fakeAgent{}
	notifier := &recordingNotifier{}
	queue := NewMemoryQueue(16)
	alloc := allocator.New(st, logger)

	disp := New(queue, st, alloc, agent, notifier, logger, Config{Workers: 2, MaxRetries: 2})
	machine := lifecycle.NewMachine(st, disp, logger, time.Second)
	disp.SetCallbacks(machine)

	disp.Start(context.Background())
	t.Cleanup(func() {
		disp.Stop()
		queue.Close()
	})

	return &harness{store: st, machine: machine, agent: agent, notifier: notifier, disp: disp}
}

func (h *harness) addWorker(t *testing.T, id string, maxStreams int) {
	t.Helper()
	w := &models.WorkerNode{
		ID: id, Name: id, Address: "http://10.0.0.1:9000",
		IsActive: true, Status: models.WorkerActive, MaxStreams: maxStreams,
	}
	if err := h.store.RegisterWorker(context.Background(), w); err != nil {
		t.Fatalf("register worker: %v", err)
	}
}

func (h *harness) createStream(t *testing.T) models.StreamRecord {
	t.Helper()
	rec, err := h.machine.Create(context.Background(), lifecycle.Actor{UserID: "u1"}, models.CreateStreamRequest{
		Title:          "launch",
		SourceFiles:    []string{"a.mp4"},
		PrimaryRTMPURL: "rtmp://ingest.example.com/live",
		StreamKey:      "key",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec
}

func (h *harness) waitForStatus(t *testing.T, id string, want models.StreamStatus) models.StreamRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := h.store.GetStream(context.Background(), id)
		if err != nil {
			t.Fatalf("get stream: %v", err)
		}
		if rec.Status == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := h.store.GetStream(context.Background(), id)
	t.Fatalf("stream %s never reached %s, last status %s (%s)", id, want, rec.Status, rec.ErrorMessage)
	return models.StreamRecord{}
}

func TestDispatcherStartToStreaming(t *testing.T) {
	h := newHarness(t)
	h.addWorker(t, "w1", 5)
	rec := h.createStream(t)
	actor := lifecycle.Actor{UserID: "u1"}

	if err := h.machine.Start(context.Background(), actor, rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	got := h.waitForStatus(t, rec.ID, models.StreamStreaming)
	if got.AssignedWorkerID != "w1" {
		t.Fatalf("expected binding to w1, got %q", got.AssignedWorkerID)
	}
	w, _ := h.store.GetWorker(context.Background(), "w1")
	if w.CurrentStreams != 1 {
		t.Fatalf("expected 1 held slot, got %d", w.CurrentStreams)
	}
}

func TestDispatcherFullCycle(t *testing.T) {
	h := newHarness(t)
	h.addWorker(t, "w1", 5)
	rec := h.createStream(t)
	actor := lifecycle.Actor{UserID: "u1"}

	if err := h.machine.Start(context.Background(), actor, rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitForStatus(t, rec.ID, models.StreamStreaming)

	if err := h.machine.Stop(context.Background(), actor, rec.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.waitForStatus(t, rec.ID, models.StreamInactive)

	starts, stops := h.agent.calls()
	if starts != 1 || stops != 1 {
		t.Fatalf("expected 1 start and 1 stop, got %d/%d", starts, stops)
	}
	w, _ := h.store.GetWorker(context.Background(), "w1")
	if w.CurrentStreams != 0 {
		t.Fatalf("expected released slot, got %d", w.CurrentStreams)
	}
}

func TestDispatcherNoCapacityFailsStream(t *testing.T) {
	h := newHarness(t)
	rec := h.createStream(t)
	actor := lifecycle.Actor{UserID: "u1"}

	if err := h.machine.Start(context.Background(), actor, rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	got := h.waitForStatus(t, rec.ID, models.StreamError)
	if got.ErrorMessage != "no worker capacity available" {
		t.Fatalf("unexpected error message %q", got.ErrorMessage)
	}
	if len(h.notifier.byType(notify.EventNoCapacity)) != 1 {
		t.Fatal("expected a no-capacity event")
	}
}

func TestDispatcherRetriesThenFails(t *testing.T) {
	h := newHarness(t)
	h.addWorker(t, "w1", 5)
	h.agent.startErr = errors.New("connection refused")
	rec := h.createStream(t)
	actor := lifecycle.Actor{UserID: "u1"}

	if err := h.machine.Start(context.Background(), actor, rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.waitForStatus(t, rec.ID, models.StreamError)
	if starts, _ := h.agent.calls(); starts != 2 {
		t.Fatalf("expected 2 attempts with MaxRetries=2, got %d", starts)
	}
	if len(h.notifier.byType(notify.EventRetriesExhausted)) != 1 {
		t.Fatal("expected a retries-exhausted event")
	}
	// Capacity acquired during the first attempt must be released.
	w, _ := h.store.GetWorker(context.Background(), "w1")
	if w.CurrentStreams != 0 {
		t.Fatalf("expected released slot, got %d", w.CurrentStreams)
	}
}

func TestDispatcherRestartAfterFailedStopReallocates(t *testing.T) {
	h := newHarness(t)
	h.addWorker(t, "w1", 1)
	rec := h.createStream(t)
	actor := lifecycle.Actor{UserID: "u1"}
	ctx := context.Background()

	if err := h.machine.Start(ctx, actor, rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitForStatus(t, rec.ID, models.StreamStreaming)

	// Stop attempts fail to exhaustion. The stream parks in error keeping
	// its binding, but the slot on w1 is released.
	h.agent.mu.Lock()
	h.agent.stopErr = errors.New("connection refused")
	h.agent.mu.Unlock()
	if err := h.machine.Stop(ctx, actor, rec.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got := h.waitForStatus(t, rec.ID, models.StreamError)
	if got.AssignedWorkerID != "w1" {
		t.Fatalf("expected the failed stop to keep the binding, got %q", got.AssignedWorkerID)
	}
	if len(h.notifier.byType(notify.EventStopFailed)) == 0 {
		t.Fatal("expected a stop-failed event")
	}
	w, _ := h.store.GetWorker(ctx, "w1")
	if w.CurrentStreams != 0 {
		t.Fatalf("expected released slot after failed stop, got %d", w.CurrentStreams)
	}

	// A restart must go back through the allocator and hold the slot again.
	h.agent.mu.Lock()
	h.agent.stopErr = nil
	h.agent.mu.Unlock()
	if err := h.machine.Start(ctx, actor, rec.ID); err != nil {
		t.Fatalf("restart: %v", err)
	}
	h.waitForStatus(t, rec.ID, models.StreamStreaming)
	w, _ = h.store.GetWorker(ctx, "w1")
	if w.CurrentStreams != 1 {
		t.Fatalf("expected restart to hold a slot, got %d", w.CurrentStreams)
	}

	// The worker is full, so a second stream cannot squeeze onto it.
	other := h.createStream(t)
	if err := h.machine.Start(ctx, actor, other.ID); err != nil {
		t.Fatalf("start second: %v", err)
	}
	gotOther := h.waitForStatus(t, other.ID, models.StreamError)
	if gotOther.ErrorMessage != "no worker capacity available" {
		t.Fatalf("unexpected error message %q", gotOther.ErrorMessage)
	}
}

func TestDispatcherStopDuringStart(t *testing.T) {
	h := newHarness(t)
	h.addWorker(t, "w1", 5)
	rec := h.createStream(t)
	actor := lifecycle.Actor{UserID: "u1"}
	ctx := context.Background()

	// Enqueue the pending stop before the dispatcher can pick up the start:
	// flag it directly while the record is still starting.
	if err := h.store.BeginStart(ctx, rec.ID); err != nil {
		t.Fatalf("begin start: %v", err)
	}
	if err := h.machine.Stop(ctx, actor, rec.ID); err != nil {
		t.Fatalf("stop during start: %v", err)
	}
	if err := h.disp.EnqueueStart(ctx, rec); err != nil {
		t.Fatalf("enqueue start: %v", err)
	}

	// The start confirms, routes to stopping because of the flag, and the
	// deferred stop brings it back to inactive.
	h.waitForStatus(t, rec.ID, models.StreamInactive)

	starts, stops := h.agent.calls()
	if starts != 1 || stops != 1 {
		t.Fatalf("expected start then deferred stop, got %d/%d", starts, stops)
	}
	w, _ := h.store.GetWorker(context.Background(), "w1")
	if w.CurrentStreams != 0 {
		t.Fatalf("expected released slot, got %d", w.CurrentStreams)
	}
}
