package eventbus

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialBridge(t *testing.T, bus *Bus) *websocket.Conn {
	t.Helper()
	bridge := NewWSBridge(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := bridge.Serve(w, r, bus, 8); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Give the server goroutine a moment to subscribe before publishing, or
	// the event could be published before SubscribeStream registers.
	time.Sleep(20 * time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("Unmarshal %s: %v", payload, err)
	}
	return frame
}

func TestWSBridgeStreamsFullEventPayloads(t *testing.T) {
	bus := New(nil)
	conn := dialBridge(t, bus)

	bus.Publish(Event{
		Kind:  KindMessageUpdate,
		Turn:  "t1",
		Delta: &Delta{Kind: DeltaText, Idx: 2, Text: "hel"},
	})
	bus.Publish(Event{
		Kind:   KindToolEnd,
		CallID: "call1",
		Name:   "echo",
		Args:   map[string]any{"value": "x"},
		Result: map[string]any{"content": "echoed"},
	})
	bus.Publish(Event{Kind: KindNotify, Reason: "compacted", Level: LevelInfo})
	bus.Publish(Event{Kind: KindError, Error: errors.New("stream broke"), Reason: "protocol_error"})

	frame := readFrame(t, conn)
	if frame["kind"] != "message_update" || frame["turn"] != "t1" {
		t.Fatalf("frame = %v, want message_update/t1", frame)
	}
	delta, ok := frame["delta"].(map[string]any)
	if !ok || delta["kind"] != "text_delta" || delta["text"] != "hel" || delta["idx"] != float64(2) {
		t.Fatalf("delta = %v, want text_delta idx=2 text=hel", frame["delta"])
	}

	frame = readFrame(t, conn)
	if frame["kind"] != "tool_end" || frame["call_id"] != "call1" || frame["name"] != "echo" {
		t.Fatalf("frame = %v, want tool_end call1/echo", frame)
	}
	if args, ok := frame["args"].(map[string]any); !ok || args["value"] != "x" {
		t.Fatalf("args = %v, want value=x", frame["args"])
	}
	if res, ok := frame["result"].(map[string]any); !ok || res["content"] != "echoed" {
		t.Fatalf("result = %v, want content=echoed", frame["result"])
	}

	frame = readFrame(t, conn)
	if frame["kind"] != "notify" || frame["reason"] != "compacted" || frame["level"] != "info" {
		t.Fatalf("frame = %v, want notify/compacted/info", frame)
	}

	frame = readFrame(t, conn)
	if frame["kind"] != "error" || frame["error"] != "stream broke" || frame["reason"] != "protocol_error" {
		t.Fatalf("frame = %v, want error with flattened message", frame)
	}
}

func TestWSBridgeOmitsEmptyFields(t *testing.T) {
	bus := New(nil)
	conn := dialBridge(t, bus)

	bus.Publish(Event{Kind: KindMessageStart, Turn: "t1"})

	frame := readFrame(t, conn)
	if frame["kind"] != "message_start" || frame["turn"] != "t1" {
		t.Fatalf("frame = %v, want message_start/t1", frame)
	}
	for _, field := range []string{"delta", "call_id", "args", "result", "error", "reason", "level"} {
		if _, present := frame[field]; present {
			t.Fatalf("frame = %v: field %q should be omitted when unset", frame, field)
		}
	}
}
