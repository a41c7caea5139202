package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sightline/sightline/pkg/types"
	"github.com/sightline/sightline/server/internal/registry"
	wsHub "github.com/sightline/sightline/server/internal/ws"
)

const testInterval = 20 * time.Millisecond

// --- helpers ----------------------------------------------------------------

func newRegistry(t *testing.T, reps ...types.Report) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.Config{TTL: 5 * time.Minute, Capacity: 100})
	for _, rep := range reps {
		put(t, reg, rep)
	}
	return reg
}

func put(t *testing.T, reg *registry.Registry, rep types.Report) {
	t.Helper()
	if _, err := reg.Submit(rep, time.Now()); err != nil {
		t.Fatalf("Submit %q: %v", rep.Key, err)
	}
}

func report(key string, metric float64) types.Report {
	return types.Report{Key: key, Label: "Object " + key, Metric: metric}
}

func records(t *testing.T, msg []byte) []any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(msg, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	data, ok := m["data"].(map[string]any)
	if !ok {
		t.Fatal("data: missing or wrong type")
	}
	recs, ok := data["records"].([]any)
	if !ok {
		t.Fatal("records: missing or wrong type")
	}
	return recs
}

// startHub starts a test HTTP server with the hub as its handler.
// The hub's Run loop is started with a cancellable context.
// Returns the ws:// URL, the hub, and a cleanup function.
func startHub(t *testing.T, reg *registry.Registry, top int) (wsURL string, hub *wsHub.Hub, cancel func()) {
	t.Helper()

	hub = wsHub.New(reg, testInterval, top)
	ctx, cancelFn := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	go hub.Run(ctx)

	t.Cleanup(func() {
		cancelFn()
		srv.Close()
	})

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, hub, cancelFn
}

// dial connects a WebSocket client to wsURL and returns the connection.
func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessage reads one text message from conn with a short deadline.
func readMessage(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return msg
}

// --- tests ------------------------------------------------------------------

func TestHub_Connect_ReceivesImmediateSnapshot(t *testing.T) {
	wsURL, _, _ := startHub(t, newRegistry(t, report("J1", 10)), 0)

	conn := dial(t, wsURL)
	msg := readMessage(t, conn)

	var m map[string]interface{}
	if err := json.Unmarshal(msg, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["event"] != "snapshot" {
		t.Errorf("event: got %v, want snapshot", m["event"])
	}
	data, ok := m["data"].(map[string]interface{})
	if !ok {
		t.Fatal("data: missing or wrong type")
	}
	if data["generated_at"] == nil || data["generated_at"] == "" {
		t.Error("generated_at: missing")
	}
}

func TestHub_MessageContainsRecordsBestFirst(t *testing.T) {
	reg := newRegistry(t, report("low", 1), report("high", 100))
	wsURL, _, _ := startHub(t, reg, 0)

	conn := dial(t, wsURL)
	recs := records(t, readMessage(t, conn))
	if len(recs) != 2 {
		t.Fatalf("records: got %d, want 2", len(recs))
	}
	first := recs[0].(map[string]interface{})
	if first["key"] != "high" {
		t.Errorf("records[0].key: got %v, want high", first["key"])
	}
}

func TestHub_TopLimitsRecords(t *testing.T) {
	reg := newRegistry(t, report("a", 1), report("b", 2), report("c", 3))
	wsURL, _, _ := startHub(t, reg, 2)

	conn := dial(t, wsURL)
	msg := readMessage(t, conn)
	if recs := records(t, msg); len(recs) != 2 {
		t.Errorf("records: got %d, want 2", len(recs))
	}
	var m map[string]interface{}
	json.Unmarshal(msg, &m) //nolint:errcheck
	if total := m["data"].(map[string]interface{})["total"]; total != 3.0 {
		t.Errorf("total: got %v, want 3", total)
	}
}

func TestHub_EmptyRegistry_EmptyRecords(t *testing.T) {
	wsURL, _, _ := startHub(t, newRegistry(t), 0)
	conn := dial(t, wsURL)
	if recs := records(t, readMessage(t, conn)); len(recs) != 0 {
		t.Errorf("records: got %d, want 0", len(recs))
	}
}

func TestHub_CountClients_SingleClient(t *testing.T) {
	wsURL, hub, _ := startHub(t, newRegistry(t), 0)

	conn := dial(t, wsURL)
	readMessage(t, conn) // consume initial message

	// Give the hub a moment to register the client.
	time.Sleep(10 * time.Millisecond)
	if n := hub.Count(); n != 1 {
		t.Errorf("Count: got %d, want 1", n)
	}
}

func TestHub_CountClients_MultipleClients(t *testing.T) {
	wsURL, hub, _ := startHub(t, newRegistry(t), 0)

	for i := 0; i < 3; i++ {
		conn := dial(t, wsURL)
		readMessage(t, conn) // consume initial message
	}

	time.Sleep(10 * time.Millisecond)
	if n := hub.Count(); n != 3 {
		t.Errorf("Count: got %d, want 3", n)
	}
}

func TestHub_CountClients_DecreasesOnDisconnect(t *testing.T) {
	wsURL, hub, _ := startHub(t, newRegistry(t), 0)

	conn := dial(t, wsURL)
	readMessage(t, conn)
	time.Sleep(10 * time.Millisecond)

	if n := hub.Count(); n != 1 {
		t.Errorf("Count before disconnect: got %d, want 1", n)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond) // let readPump detect the close

	if n := hub.Count(); n != 0 {
		t.Errorf("Count after disconnect: got %d, want 0", n)
	}
}

func TestHub_ReceivesBroadcastOnTick(t *testing.T) {
	reg := newRegistry(t)
	wsURL, _, _ := startHub(t, reg, 0)

	conn := dial(t, wsURL)
	readMessage(t, conn) // consume immediate snapshot (empty registry)

	// Add a record after connect.
	put(t, reg, report("new-job", 5))

	// A later tick should broadcast a message with the new record.
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for tick broadcast: %v", err)
		}
		recs := records(t, msg)
		if len(recs) == 0 {
			continue // tick raced the Submit
		}
		r := recs[0].(map[string]interface{})
		if r["key"] != "new-job" {
			t.Errorf("key: got %v, want new-job", r["key"])
		}
		return
	}
}

func TestHub_AllClientsReceiveBroadcast(t *testing.T) {
	wsURL, _, _ := startHub(t, newRegistry(t, report("src", 1)), 0)

	conns := make([]*websocket.Conn, 3)
	for i := 0; i < 3; i++ {
		conns[i] = dial(t, wsURL)
	}

	// All three should receive the initial snapshot.
	for i, conn := range conns {
		msg := readMessage(t, conn)
		var m map[string]interface{}
		if err := json.Unmarshal(msg, &m); err != nil {
			t.Errorf("client %d: unmarshal: %v", i, err)
			continue
		}
		if m["event"] != "snapshot" {
			t.Errorf("client %d: event: got %v, want snapshot", i, m["event"])
		}
	}
}

func TestHub_CancelContextClosesConnections(t *testing.T) {
	wsURL, hub, cancel := startHub(t, newRegistry(t), 0)

	conn := dial(t, wsURL)
	readMessage(t, conn)
	time.Sleep(10 * time.Millisecond)

	cancel() // signal shutdown

	// After cancel, hub should close all clients.
	time.Sleep(50 * time.Millisecond)
	if n := hub.Count(); n != 0 {
		t.Errorf("Count after cancel: got %d, want 0", n)
	}
}

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	hub := wsHub.New(newRegistry(t), testInterval, 0)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	// Plain HTTP GET without WebSocket upgrade headers gets 400.
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}
