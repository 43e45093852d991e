package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/truongvando/ezstream-sub006/pkg/clients"
	"github.com/truongvando/ezstream-sub006/pkg/models"
)

func testClient() *Client {
	cfg := clients.DefaultHTTPExecutorConfig()
	cfg.MaxRetries = 2
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	return NewClient(WithHTTPExecutorConfig(cfg))
}

func worker(addr string) models.WorkerNode {
	return models.WorkerNode{ID: "w1", Address: addr, AgentToken: "secret-token"}
}

func TestStartStreamSendsAuthorizedPayload(t *testing.T) {
	var got StartRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/streams/start" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	cfg := models.StreamConfig{
		Title:          "launch",
		SourceFiles:    []string{"a.mp4", "b.mp4"},
		PrimaryRTMPURL: "rtmp://ingest.example.com/live",
		StreamKey:      "key",
		LoopEnabled:    true,
		PlaybackOrder:  models.PlaybackSequential,
	}
	if err := testClient().StartStream(context.Background(), worker(server.URL), "s1", cfg); err != nil {
		t.Fatalf("start: %v", err)
	}

	if auth != "Bearer secret-token" {
		t.Fatalf("expected agent token, got %q", auth)
	}
	if got.StreamID != "s1" || len(got.Config.SourceFiles) != 2 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestStartStreamRetriesServerErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := testClient().StartStream(context.Background(), worker(server.URL), "s1", models.StreamConfig{}); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestStartStreamDoesNotRetryClientErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: "stream already running"})
	}))
	defer server.Close()

	err := testClient().StartStream(context.Background(), worker(server.URL), "s1", models.StreamConfig{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Message != "stream already running" {
		t.Fatalf("unexpected error: %v", apiErr)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected single attempt, got %d", got)
	}
}

func TestGetStreamStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/streams/s1/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(StreamStatus{
			StreamID: "s1", Running: true, CurrentFile: "b.mp4", UptimeSecond: 42,
		})
	}))
	defer server.Close()

	status, err := testClient().GetStreamStatus(context.Background(), worker(server.URL), "s1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Running || status.CurrentFile != "b.mp4" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestStopStreamUnreachableAgent(t *testing.T) {
	if err := testClient().StopStream(context.Background(), worker("http://127.0.0.1:1"), "s1"); err == nil {
		t.Fatal("expected error for unreachable agent")
	}
}
