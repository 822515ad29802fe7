package relaylink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// testRelay is a minimal stand-in for the relay's /ws/agent route, just
// enough to exercise the client's registration handshake and
// output/meta framing.
type testRelay struct {
	mu       sync.Mutex
	received [][]byte
	texts    []string
	server   *httptest.Server
	conn     *websocket.Conn
	connCh   chan *websocket.Conn
}

func newTestRelay(t *testing.T, code string) *testRelay {
	t.Helper()
	r := &testRelay{connCh: make(chan *websocket.Conn, 1)}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		ctx := context.Background()

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var reg registerMessage
		json.Unmarshal(data, &reg)

		ack, _ := json.Marshal(registeredMessage{Type: "registered", Code: code})
		conn.Write(ctx, websocket.MessageText, ack)

		r.connCh <- conn

		for {
			kind, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			r.mu.Lock()
			if kind == websocket.MessageBinary {
				r.received = append(r.received, append([]byte(nil), data...))
			} else {
				r.texts = append(r.texts, string(data))
			}
			r.mu.Unlock()
		}
	}))
	return r
}

func (r *testRelay) wsURL() string {
	return "ws" + r.server.URL[len("http"):]
}

func (r *testRelay) close() { r.server.Close() }

func TestClientRegistersAndReceivesCode(t *testing.T) {
	relay := newTestRelay(t, "ABC234")
	defer relay.close()

	c := New(relay.wsURL(), "agent-host", Callbacks{})
	go c.Run()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	code, err := c.Code(ctx)
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	if code != "ABC234" {
		t.Fatalf("got code %q", code)
	}
}

func TestSendOutputPrefixesSessionID(t *testing.T) {
	relay := newTestRelay(t, "XYZ999")
	defer relay.close()

	c := New(relay.wsURL(), "agent-host", Callbacks{})
	go c.Run()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Code(ctx); err != nil {
		t.Fatalf("Code: %v", err)
	}

	c.SendOutput("term-42", []byte("hello"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		relay.mu.Lock()
		n := len(relay.received)
		relay.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	relay.mu.Lock()
	defer relay.mu.Unlock()
	if len(relay.received) != 1 {
		t.Fatalf("expected 1 received frame, got %d", len(relay.received))
	}
	frame := relay.received[0]
	idLen := int(frame[0])
	if string(frame[1:1+idLen]) != "term-42" {
		t.Fatalf("expected session id prefix, got %q", frame[1:1+idLen])
	}
	if string(frame[1+idLen:]) != "hello" {
		t.Fatalf("expected payload 'hello', got %q", frame[1+idLen:])
	}
}

// TestOneClientCarriesMultipleSessions exercises the whole reason a
// single agent connection multiplexes by session id: two concurrently
// attached shell sessions share the same Client, and their output stays
// distinguishable by the frame's id prefix.
func TestOneClientCarriesMultipleSessions(t *testing.T) {
	relay := newTestRelay(t, "MULTI1")
	defer relay.close()

	c := New(relay.wsURL(), "agent-host", Callbacks{})
	go c.Run()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Code(ctx); err != nil {
		t.Fatalf("Code: %v", err)
	}

	c.SendOutput("term-a", []byte("from-a"))
	c.SendOutput("term-b", []byte("from-b"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		relay.mu.Lock()
		n := len(relay.received)
		relay.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	relay.mu.Lock()
	defer relay.mu.Unlock()
	if len(relay.received) != 2 {
		t.Fatalf("expected 2 received frames over one connection, got %d", len(relay.received))
	}
	for i, want := range []struct{ id, payload string }{{"term-a", "from-a"}, {"term-b", "from-b"}} {
		frame := relay.received[i]
		idLen := int(frame[0])
		if string(frame[1:1+idLen]) != want.id || string(frame[1+idLen:]) != want.payload {
			t.Fatalf("frame %d: got id=%q payload=%q", i, frame[1:1+idLen], frame[1+idLen:])
		}
	}
}

func TestOnInputAndOnResizeCallbacksCarrySessionID(t *testing.T) {
	relay := newTestRelay(t, "CODE01")
	defer relay.close()

	var mu sync.Mutex
	var gotSessionID, gotResizeSessionID string
	var gotInput []byte
	var gotCols, gotRows uint16

	c := New(relay.wsURL(), "agent-host", Callbacks{
		OnInput: func(sessionID string, data []byte) {
			mu.Lock()
			gotSessionID = sessionID
			gotInput = append([]byte(nil), data...)
			mu.Unlock()
		},
		OnResize: func(sessionID string, cols, rows uint16) {
			mu.Lock()
			gotResizeSessionID = sessionID
			gotCols, gotRows = cols, rows
			mu.Unlock()
		},
	})
	go c.Run()
	defer c.Close()

	var serverConn *websocket.Conn
	select {
	case serverConn = <-relay.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side connection")
	}

	ctx := context.Background()
	serverConn.Write(ctx, websocket.MessageBinary, prefixWithSessionID("term-1", []byte("keystroke")))
	resizePayload, _ := json.Marshal(metaMessage{Type: "resize", SessionID: "term-1", Cols: 80, Rows: 24})
	serverConn.Write(ctx, websocket.MessageText, resizePayload)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := gotInput != nil && gotCols != 0
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotSessionID != "term-1" {
		t.Fatalf("got session id %q", gotSessionID)
	}
	if string(gotInput) != "keystroke" {
		t.Fatalf("got input %q", gotInput)
	}
	if gotCols != 80 || gotRows != 24 {
		t.Fatalf("got cols=%d rows=%d", gotCols, gotRows)
	}
	if gotResizeSessionID != "term-1" {
		t.Fatalf("got resize session id %q", gotResizeSessionID)
	}
}

func TestNotifySessionEndedSendsPurgeMessage(t *testing.T) {
	relay := newTestRelay(t, "PURGE1")
	defer relay.close()

	c := New(relay.wsURL(), "agent-host", Callbacks{})
	go c.Run()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Code(ctx); err != nil {
		t.Fatalf("Code: %v", err)
	}

	c.NotifySessionEnded("term-7")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		relay.mu.Lock()
		n := len(relay.texts)
		relay.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	relay.mu.Lock()
	defer relay.mu.Unlock()
	if len(relay.texts) != 1 {
		t.Fatalf("expected 1 text message, got %d", len(relay.texts))
	}
	var msg metaMessage
	if err := json.Unmarshal([]byte(relay.texts[0]), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "purge" || msg.SessionID != "term-7" {
		t.Fatalf("got %+v", msg)
	}
}
