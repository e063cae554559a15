package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stewardflow/stewardflow/internal/domain/event"
	"go.uber.org/zap"
)

func TestHub_SendToUnknownClientIsDropped(t *testing.T) {
	hub := NewHub(zap.NewNop())

	// must not panic or block
	hub.Send("nobody", event.New(event.TypeFinal, "trace_1", map[string]any{"content": "x"}))

	if hub.ClientCount() != 0 {
		t.Errorf("client count = %d", hub.ClientCount())
	}
}

func TestHub_DeliversEventToConnectedClient(t *testing.T) {
	hub := NewHub(zap.NewNop())
	handler := NewHandler(hub, zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(handler.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?client_id=client-1"
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// wait for registration
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatal("client never registered")
	}

	hub.Send("client-1", event.New(event.TypeFinal, "trace_1", map[string]any{"content": "done"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	payload := string(raw)
	if !strings.Contains(payload, `"event_type":"final"`) || !strings.Contains(payload, `"agent_id":"trace_1"`) {
		t.Errorf("payload wrong: %s", payload)
	}
}

func TestHub_RejectsMissingClientID(t *testing.T) {
	hub := NewHub(zap.NewNop())
	handler := NewHandler(hub, zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(handler.ServeWS))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
