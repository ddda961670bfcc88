package status

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/satchel-sync/satchel/internal/engine"
	"github.com/satchel-sync/satchel/internal/queue"
	"github.com/satchel-sync/satchel/internal/store"
)

type echoRemote struct{}

func (echoRemote) Create(ctx context.Context, collection string, payload []byte) ([]byte, error) {
	return payload, nil
}

func (echoRemote) Update(ctx context.Context, collection, id string, payload []byte) ([]byte, error) {
	return payload, nil
}

func (echoRemote) Delete(ctx context.Context, collection, id string) error {
	return nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func setupServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "satchel.db"), store.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q, err := queue.New(st.RawDB(), queue.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}

	e, err := engine.New(st, q, echoRemote{}, engine.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	server, err := NewServer(e, Config{Port: 0, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	return server, e
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := setupServer(t)

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode health body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected health status: %v", body["status"])
	}
	if body["online"] != true {
		t.Errorf("expected online engine, got %v", body["online"])
	}
}

func TestClientReceivesInitialStats(t *testing.T) {
	server, _ := setupServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read initial message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeQueueStats {
		t.Errorf("expected initial queue stats, got %s", msg.Type)
	}

	if count := server.ClientCount(); count != 1 {
		t.Errorf("expected 1 client, got %d", count)
	}
}

func TestSyncEventsRelayedToClients(t *testing.T) {
	server, e := setupServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Skip the initial stats message.
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("failed to read initial message: %v", err)
	}

	if _, err := e.Enqueue(ctx, "notes", "n1", queue.OpCreate, json.RawMessage(`{"id":"n1"}`), engine.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := e.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	var sawStarted, sawComplete bool
	for !sawStarted || !sawComplete {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("failed to read event (started=%v complete=%v): %v", sawStarted, sawComplete, err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("failed to unmarshal message: %v", err)
		}
		switch msg.Type {
		case MessageTypeSyncStarted:
			sawStarted = true
		case MessageTypeSyncComplete:
			sawComplete = true
			var ev engine.Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				t.Fatalf("failed to unmarshal event data: %v", err)
			}
			if ev.Synced != 1 {
				t.Errorf("expected 1 synced in completion event, got %+v", ev)
			}
		}
	}
}

func TestClientDisconnectTracked(t *testing.T) {
	server, _ := setupServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if server.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("disconnected client still tracked")
}
