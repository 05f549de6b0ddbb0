package transport

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/eleven-am/stylestream/internal/shared"
	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type serverConn struct {
	ws *websocket.Conn
}

type wsMessage struct {
	messageType int
	data        []byte
}

func newTestServer(t *testing.T, handler func(sc *serverConn)) (string, func()) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handler(&serverConn{ws: ws})
	}))
	return "ws" + strings.TrimPrefix(server.URL, "http"), server.Close
}

func waitEvent(t *testing.T, tr Transport, want EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-tr.Events():
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", want)
			return Event{}
		}
	}
}

func TestWebSocket_ConnectEmitsOpen(t *testing.T) {
	url, stop := newTestServer(t, func(sc *serverConn) {
		time.Sleep(200 * time.Millisecond)
	})
	defer stop()

	ws := NewWebSocket(Config{}, testLogger())
	defer ws.Close()

	if ws.IsConnected() {
		t.Fatal("should not be connected before Connect")
	}
	ws.Connect(url)
	waitEvent(t, ws, EventOpen)

	if !ws.IsConnected() {
		t.Error("expected connected after open event")
	}
}

func TestWebSocket_ConnectFailureEmitsError(t *testing.T) {
	ws := NewWebSocket(Config{DialTimeout: time.Second}, testLogger())
	defer ws.Close()

	ws.Connect("ws://127.0.0.1:1/unreachable")
	ev := waitEvent(t, ws, EventError)

	if ev.Message == "" {
		t.Error("expected error message")
	}
	if ws.IsConnected() {
		t.Error("should not be connected after failure")
	}
}

func TestWebSocket_SendBeforeConnect(t *testing.T) {
	ws := NewWebSocket(Config{}, testLogger())
	defer ws.Close()

	if err := ws.SendText([]byte("{}")); !errors.Is(err, shared.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestWebSocket_SendTextAndBinary(t *testing.T) {
	received := make(chan wsMessage, 4)
	url, stop := newTestServer(t, func(sc *serverConn) {
		for i := 0; i < 2; i++ {
			mt, data, err := sc.ws.ReadMessage()
			if err != nil {
				return
			}
			received <- wsMessage{mt, data}
		}
	})
	defer stop()

	ws := NewWebSocket(Config{}, testLogger())
	defer ws.Close()
	ws.Connect(url)
	waitEvent(t, ws, EventOpen)

	if err := ws.SendText([]byte(`{"type":"auth"}`)); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if err := ws.SendBinary([]byte{0xFF, 0xD8, 0x01}, false); err != nil {
		t.Fatalf("SendBinary() error = %v", err)
	}
	if err := ws.SendBinary([]byte{0x02, 0xFF, 0xD9}, true); err != nil {
		t.Fatalf("SendBinary() error = %v", err)
	}

	first := <-received
	if first.messageType != websocket.TextMessage || string(first.data) != `{"type":"auth"}` {
		t.Errorf("unexpected first message %+v", first)
	}

	select {
	case second := <-received:
		if second.messageType != websocket.BinaryMessage {
			t.Errorf("expected binary message, got %d", second.messageType)
		}
		if !bytes.Equal(second.data, []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}) {
			t.Errorf("expected fragments joined into one message, got %x", second.data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for binary message")
	}
}

func TestWebSocket_ReceivesFragmentedBinary(t *testing.T) {
	payload := make([]byte, 10)
	for i := range payload {
		payload[i] = byte(i)
	}
	url, stop := newTestServer(t, func(sc *serverConn) {
		_ = sc.ws.WriteMessage(websocket.BinaryMessage, payload)
		time.Sleep(200 * time.Millisecond)
	})
	defer stop()

	ws := NewWebSocket(Config{FragmentSize: 4}, testLogger())
	defer ws.Close()
	ws.Connect(url)
	waitEvent(t, ws, EventOpen)

	var assembled []byte
	var remaining []int
	for {
		ev := waitEvent(t, ws, EventRaw)
		assembled = append(assembled, ev.Data...)
		remaining = append(remaining, ev.BytesRemaining)
		if ev.BytesRemaining == 0 {
			break
		}
	}

	if !bytes.Equal(assembled, payload) {
		t.Errorf("expected %x, got %x", payload, assembled)
	}
	if len(remaining) != 3 {
		t.Fatalf("expected 3 fragments, got %v", remaining)
	}
	if want := []int{6, 2, 0}; !slices.Equal(remaining, want) {
		t.Errorf("expected bytes remaining %v, got %v", want, remaining)
	}
}

func TestWebSocket_ReceivesExactMultipleOfFragmentSize(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	url, stop := newTestServer(t, func(sc *serverConn) {
		_ = sc.ws.WriteMessage(websocket.BinaryMessage, payload)
		time.Sleep(200 * time.Millisecond)
	})
	defer stop()

	ws := NewWebSocket(Config{FragmentSize: 4}, testLogger())
	defer ws.Close()
	ws.Connect(url)
	waitEvent(t, ws, EventOpen)

	var assembled []byte
	fragments := 0
	for {
		ev := waitEvent(t, ws, EventRaw)
		fragments++
		assembled = append(assembled, ev.Data...)
		if ev.BytesRemaining == 0 {
			break
		}
	}
	if !bytes.Equal(assembled, payload) || fragments != 2 {
		t.Errorf("expected 2 fragments of %x, got %d fragments of %x", payload, fragments, assembled)
	}
}

func TestWebSocket_TextMessageEmitsTextOnly(t *testing.T) {
	url, stop := newTestServer(t, func(sc *serverConn) {
		_ = sc.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ready","session_id":"abc"}`))
		_ = sc.ws.WriteMessage(websocket.BinaryMessage, []byte{0xFF, 0xD8})
		time.Sleep(200 * time.Millisecond)
	})
	defer stop()

	ws := NewWebSocket(Config{}, testLogger())
	defer ws.Close()
	ws.Connect(url)
	waitEvent(t, ws, EventOpen)

	text := waitEvent(t, ws, EventText)
	if text.Message != `{"type":"ready","session_id":"abc"}` {
		t.Errorf("unexpected text %q", text.Message)
	}
	raw := waitEvent(t, ws, EventRaw)
	if !bytes.Equal(raw.Data, []byte{0xFF, 0xD8}) || raw.BytesRemaining != 0 {
		t.Errorf("expected only the binary message as raw, got %+v", raw)
	}
}

func TestWebSocket_ServerCloseEmitsClosed(t *testing.T) {
	url, stop := newTestServer(t, func(sc *serverConn) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
		_ = sc.ws.WriteMessage(websocket.CloseMessage, msg)
		time.Sleep(100 * time.Millisecond)
	})
	defer stop()

	ws := NewWebSocket(Config{}, testLogger())
	defer ws.Close()
	ws.Connect(url)
	waitEvent(t, ws, EventOpen)

	ev := waitEvent(t, ws, EventClosed)
	if ev.Code != websocket.CloseGoingAway || ev.Reason != "shutting down" {
		t.Errorf("unexpected close event %+v", ev)
	}
	if ws.IsConnected() {
		t.Error("expected disconnected after server close")
	}
}

func TestWebSocket_CloseIsIdempotent(t *testing.T) {
	url, stop := newTestServer(t, func(sc *serverConn) {
		_, _, _ = sc.ws.ReadMessage()
	})
	defer stop()

	ws := NewWebSocket(Config{}, testLogger())
	ws.Connect(url)
	waitEvent(t, ws, EventOpen)

	if err := ws.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	ev := waitEvent(t, ws, EventClosed)
	if ev.Code != websocket.CloseNormalClosure {
		t.Errorf("expected normal closure, got %d", ev.Code)
	}
	if err := ws.SendText([]byte("{}")); !errors.Is(err, shared.ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}

func TestWebSocket_ConnectAfterCloseIsNoop(t *testing.T) {
	ws := NewWebSocket(Config{}, testLogger())
	_ = ws.Close()
	ws.Connect("ws://127.0.0.1:1")

	select {
	case ev := <-ws.Events():
		t.Errorf("expected no events, got %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventType_String(t *testing.T) {
	if EventOpen.String() != "open" || EventRaw.String() != "raw" || EventType(99).String() != "unknown" {
		t.Error("unexpected event type names")
	}
}
