// Copyright 2025 James Ross
package pushgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kelsjon3/stablequeue/internal/bus"
	"github.com/kelsjon3/stablequeue/internal/queue"
)

func newTestGateway(t *testing.T) (*Gateway, *queue.Store, *bus.Bus, *httptest.Server) {
	t.Helper()
	ctx := context.Background()
	q, err := queue.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	b := bus.New(16)
	g := New(b, q, 60*time.Second, 30*time.Second, zap.NewNop())
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return g, q, b, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHelloSnapshotOnConnect(t *testing.T) {
	_, q, _, srv := newTestGateway(t)
	ctx := context.Background()
	job, _ := q.Insert(ctx, queue.NewJobParams{TargetBackend: "A"})

	conn := dialWS(t, srv)
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	var hello helloMessage
	if err := json.Unmarshal(data, &hello); err != nil {
		t.Fatalf("unmarshal hello: %v", err)
	}
	if hello.Type != "hello" || len(hello.Jobs) != 1 || hello.Jobs[0].JobID != job.JobID {
		t.Fatalf("unexpected hello: %+v", hello)
	}
}

func TestJobChangedBroadcastReachesClient(t *testing.T) {
	g, _, b, srv := newTestGateway(t)
	conn := dialWS(t, srv)
	defer conn.Close()

	conn.ReadMessage() // discard hello

	b.PublishJobChanged(bus.JobSnapshot{JobID: "j1", Status: queue.Processing, TargetBackend: "A"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read job_changed: %v", err)
	}
	var msg jobChangedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "job_changed" || msg.JobID != "j1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	_ = g
}

func TestSubscribeJobFiltersProgressFrames(t *testing.T) {
	g, _, b, srv := newTestGateway(t)
	conn := dialWS(t, srv)
	defer conn.Close()
	conn.ReadMessage() // discard hello

	conn.WriteJSON(map[string]string{"type": "subscribe_job", "job_id": "j1"})
	time.Sleep(50 * time.Millisecond) // allow readPump to record the filter

	b.PublishJobProgress(bus.ProgressFrame{JobID: "j2", CurrentStep: 1})
	b.PublishJobProgress(bus.ProgressFrame{JobID: "j1", CurrentStep: 2})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg jobProgressMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.JobID != "j1" {
		t.Fatalf("expected filtered progress for j1, got %+v", msg)
	}
	_ = g
}
