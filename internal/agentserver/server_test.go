package agentserver

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/terminal-remote/terminal-remote/internal/wireframe"
)

type fakeCloser struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeCloser) CloseTerminalWindow(ctx context.Context, tty string, force bool) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(&fakeCloser{})
	path := filepath.Join(t.TempDir(), "agent.sock")
	if err := srv.Start(path); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, path
}

func dialAndRegister(t *testing.T, path string, reg wireframe.Registration) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	payload, err := json.Marshal(reg)
	if err != nil {
		t.Fatalf("marshal registration: %v", err)
	}
	if err := wireframe.WriteFrame(conn, wireframe.TaggedPayload(wireframe.TagControl, payload)); err != nil {
		t.Fatalf("write registration: %v", err)
	}
	return conn
}

func nextEventWithTimeout(t *testing.T, r *EventReader, d time.Duration) Event {
	t.Helper()
	ch := make(chan Event, 1)
	go func() {
		ev, ok := r.Next()
		if ok {
			ch <- ev
		}
	}()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(d):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestAttachOutputDetach(t *testing.T) {
	srv, path := newTestServer(t)
	events := srv.Events()

	conn := dialAndRegister(t, path, wireframe.Registration{Name: "zsh - ~/proj", Shell: "zsh", PID: 4242, TTY: "/dev/ttys005"})

	attached, ok := nextEventWithTimeout(t, events, time.Second).(Attached)
	if !ok {
		t.Fatalf("expected Attached event")
	}
	if attached.Name != "zsh - ~/proj" {
		t.Fatalf("got name %q", attached.Name)
	}

	if err := wireframe.WriteFrame(conn, wireframe.TaggedPayload(wireframe.TagOutput, []byte("hello\n"))); err != nil {
		t.Fatalf("write output frame: %v", err)
	}

	out, ok := nextEventWithTimeout(t, events, time.Second).(Output)
	if !ok {
		t.Fatalf("expected Output event")
	}
	if string(out.Data) != "hello\n" {
		t.Fatalf("got %q", out.Data)
	}
	if out.SessionID != attached.SessionID {
		t.Fatalf("session id mismatch")
	}

	conn.Close()

	detached, ok := nextEventWithTimeout(t, events, time.Second).(Detached)
	if !ok {
		t.Fatalf("expected Detached event")
	}
	if detached.SessionID != attached.SessionID {
		t.Fatalf("detached session id mismatch")
	}
}

func TestResizeControlFrame(t *testing.T) {
	srv, path := newTestServer(t)
	events := srv.Events()

	conn := dialAndRegister(t, path, wireframe.Registration{Name: "bash", Shell: "bash", PID: 1, TTY: "/dev/ttys006"})
	defer conn.Close()

	if _, ok := nextEventWithTimeout(t, events, time.Second).(Attached); !ok {
		t.Fatalf("expected Attached event")
	}

	ctrl := wireframe.Control{Type: wireframe.ControlResize, Cols: 120, Rows: 40}
	payload, _ := json.Marshal(ctrl)
	if err := wireframe.WriteFrame(conn, wireframe.TaggedPayload(wireframe.TagControl, payload)); err != nil {
		t.Fatalf("write resize frame: %v", err)
	}

	resize, ok := nextEventWithTimeout(t, events, time.Second).(Resize)
	if !ok {
		t.Fatalf("expected Resize event")
	}
	if resize.Cols != 120 || resize.Rows != 40 {
		t.Fatalf("got cols=%d rows=%d", resize.Cols, resize.Rows)
	}
}

func TestWriteCommandDeliversInputFrame(t *testing.T) {
	srv, path := newTestServer(t)
	events := srv.Events()

	conn := dialAndRegister(t, path, wireframe.Registration{Name: "zsh", Shell: "zsh", PID: 99, TTY: "/dev/ttys007"})
	defer conn.Close()

	attached := nextEventWithTimeout(t, events, time.Second).(Attached)

	srv.Enqueue(Write{SessionID: attached.SessionID, Data: []byte("ls\n")})

	dec := wireframe.NewDecoder(wireframe.MaxFrame)
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		payload, ok, err := dec.Pop()
		if err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if ok {
			var ctrl wireframe.Control
			if err := json.Unmarshal(payload[1:], &ctrl); err != nil {
				t.Fatalf("unmarshal control: %v", err)
			}
			if ctrl.Type != wireframe.ControlInput || string(ctrl.Data) != "ls\n" {
				t.Fatalf("unexpected control message: %+v", ctrl)
			}
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
}

func TestKillSessionWithKnownTTYClosesWindow(t *testing.T) {
	closer := &fakeCloser{}
	srv := NewServer(closer)
	path := filepath.Join(t.TempDir(), "agent.sock")
	if err := srv.Start(path); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	events := srv.Events()
	conn := dialAndRegister(t, path, wireframe.Registration{Name: "zsh", Shell: "zsh", PID: 1, TTY: "/dev/ttys008"})
	defer conn.Close()

	attached := nextEventWithTimeout(t, events, time.Second).(Attached)
	srv.Enqueue(KillSession{SessionID: attached.SessionID})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		closer.mu.Lock()
		n := closer.calls
		closer.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the window closer to be invoked")
}
