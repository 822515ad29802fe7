// Package agentserver accepts proxy connections on a Unix domain socket,
// turns their framed traffic into a structured session event stream, and
// dispatches commands (write, kill, shutdown) back onto the right
// connection.
package agentserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/terminal-remote/terminal-remote/internal/winclose"
	"github.com/terminal-remote/terminal-remote/internal/wireframe"
)

type sessionHandle struct {
	info wireframe.Registration

	writeMu sync.Mutex
	conn    net.Conn
}

func (h *sessionHandle) sendControl(ctrl wireframe.Control) error {
	payload, err := json.Marshal(ctrl)
	if err != nil {
		return err
	}
	framed := wireframe.TaggedPayload(wireframe.TagControl, payload)

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return wireframe.WriteFrame(h.conn, framed)
}

// Server listens on a fixed domain socket for proxy connections.
type Server struct {
	socketPath string
	listener   net.Listener
	closer     winclose.Closer
	closeWork  *winclose.Worker

	mu       sync.RWMutex
	sessions map[string]*sessionHandle

	ttyMu sync.Mutex
	tty   map[string]string

	events   *unboundedQueue[Event]
	commands *unboundedQueue[Command]

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewServer constructs a Server. closer is invoked (off the command
// processor's goroutine) to close terminal emulator windows on
// KillSession when a TTY is known for the session.
func NewServer(closer winclose.Closer) *Server {
	s := &Server{
		closer:   closer,
		closeWork: winclose.NewWorker(closer),
		sessions: make(map[string]*sessionHandle),
		tty:      make(map[string]string),
		events:   newUnboundedQueue[Event](),
		commands: newUnboundedQueue[Command](),
		stopped:  make(chan struct{}),
	}
	go s.processCommands()
	return s
}

// Events returns the channel-like accessor for session events. Call Next
// in a loop to drain it; it never closes on its own (use Stop).
func (s *Server) Events() *EventReader { return &EventReader{q: s.events} }

// EventReader is a small pull interface over the server's event queue,
// kept separate from a bare channel so the queue can stay unbounded.
type EventReader struct{ q *unboundedQueue[Event] }

// Next blocks for the next event, returning ok=false once the server has
// stopped and no further events will arrive.
func (r *EventReader) Next() (Event, bool) { return r.q.Pop() }

// Enqueue submits a command for asynchronous processing.
func (s *Server) Enqueue(cmd Command) { s.commands.Push(cmd) }

// Start unlinks any stale socket at path, binds a new listener, and
// begins accepting proxy connections in the background.
func (s *Server) Start(socketPath string) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("agentserver: remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("agentserver: listen: %w", err)
	}

	s.socketPath = socketPath
	s.listener = listener

	go s.acceptLoop()

	log.Printf("agentserver: listening on %s", socketPath)
	return nil
}

// Stop closes the listener and every tracked proxy connection, unlinks
// the socket, and stops the command processor and event queue.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		if s.listener != nil {
			s.listener.Close()
		}

		s.mu.Lock()
		for _, h := range s.sessions {
			h.conn.Close()
		}
		s.sessions = make(map[string]*sessionHandle)
		s.mu.Unlock()

		if s.socketPath != "" {
			if err := os.RemoveAll(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Printf("agentserver: cleanup socket: %v", err)
			}
		}

		s.closeWork.Stop()
		s.commands.Close()
		s.events.Close()
	})
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopped:
				return
			default:
				log.Printf("agentserver: accept error: %v", err)
				continue
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	sessionID := uuid.NewString()
	dec := wireframe.NewDecoder(wireframe.MaxRegistrationFrame)

	reg, err := readRegistration(conn, dec)
	if err != nil {
		log.Printf("agentserver: registration failed: %v", err)
		conn.Close()
		return
	}
	dec.SetMaxFrame(wireframe.MaxFrame)

	handle := &sessionHandle{info: reg, conn: conn}

	s.mu.Lock()
	s.sessions[sessionID] = handle
	s.mu.Unlock()

	s.ttyMu.Lock()
	s.tty[sessionID] = reg.TTY
	s.ttyMu.Unlock()

	log.Printf("agentserver: session %s attached (%s, shell=%s, pid=%d, tty=%s)",
		sessionID, reg.Name, reg.Shell, reg.PID, reg.TTY)
	s.events.Push(Attached{SessionID: sessionID, Name: reg.Name})

	s.readFrames(conn, dec, sessionID)

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	conn.Close()
	log.Printf("agentserver: session %s detached", sessionID)
	s.events.Push(Detached{SessionID: sessionID})

	// Deliberately not closing the terminal emulator window here: a
	// normal detach (the shell exited, or the window was closed by the
	// user) should not trigger a second, redundant close attempt. The
	// window only gets force-closed in response to an explicit
	// KillSession command.
}

func readRegistration(conn net.Conn, dec *wireframe.Decoder) (wireframe.Registration, error) {
	buf := make([]byte, 4096)
	for {
		payload, ok, err := dec.Pop()
		if err != nil {
			return wireframe.Registration{}, err
		}
		if ok {
			if len(payload) == 0 || payload[0] != byte(wireframe.TagControl) {
				return wireframe.Registration{}, fmt.Errorf("agentserver: first frame must be a control registration")
			}
			var reg wireframe.Registration
			if err := json.Unmarshal(payload[1:], &reg); err != nil {
				return wireframe.Registration{}, fmt.Errorf("agentserver: parse registration: %w", err)
			}
			return reg, nil
		}

		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			return wireframe.Registration{}, err
		}
	}
}

func (s *Server) readFrames(conn net.Conn, dec *wireframe.Decoder, sessionID string) {
	buf := make([]byte, 8192)
	for {
		for {
			payload, ok, err := dec.Pop()
			if err != nil {
				log.Printf("agentserver: session %s protocol error: %v", sessionID, err)
				return
			}
			if !ok {
				break
			}
			s.dispatchFrame(sessionID, payload)
		}

		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, syscall.ECONNRESET) {
				log.Printf("agentserver: session %s read error: %v", sessionID, err)
			}
			return
		}
	}
}

func (s *Server) dispatchFrame(sessionID string, payload []byte) {
	if len(payload) == 0 {
		return
	}
	switch wireframe.Tag(payload[0]) {
	case wireframe.TagOutput:
		s.events.Push(Output{SessionID: sessionID, Data: payload[1:]})
	case wireframe.TagInput:
		// Echo of the user's own keystrokes; the shell's own output
		// already reflects them, so there is nothing to forward.
	case wireframe.TagControl:
		var ctrl wireframe.Control
		if err := json.Unmarshal(payload[1:], &ctrl); err != nil {
			log.Printf("agentserver: session %s malformed control frame: %v", sessionID, err)
			return
		}
		if ctrl.Type == wireframe.ControlResize {
			s.events.Push(Resize{SessionID: sessionID, Cols: ctrl.Cols, Rows: ctrl.Rows})
		} else {
			log.Printf("agentserver: session %s unknown control type %q", sessionID, ctrl.Type)
		}
	default:
		log.Printf("agentserver: session %s unknown frame tag %q", sessionID, payload[0])
	}
}

func (s *Server) processCommands() {
	for {
		cmd, ok := s.commands.Pop()
		if !ok {
			return
		}
		switch c := cmd.(type) {
		case Write:
			s.handleWrite(c)
		case KillSession:
			s.handleKill(c)
		case ResizeSession:
			s.handleResize(c)
		case Shutdown:
			s.handleShutdown()
			return
		}
	}
}

func (s *Server) handleWrite(c Write) {
	s.mu.RLock()
	handle := s.sessions[c.SessionID]
	s.mu.RUnlock()
	if handle == nil {
		return
	}
	if err := handle.sendControl(wireframe.Control{Type: wireframe.ControlInput, Data: c.Data}); err != nil {
		log.Printf("agentserver: write to session %s failed: %v", c.SessionID, err)
	}
}

func (s *Server) handleResize(c ResizeSession) {
	s.mu.RLock()
	handle := s.sessions[c.SessionID]
	s.mu.RUnlock()
	if handle == nil {
		return
	}
	if err := handle.sendControl(wireframe.Control{Type: wireframe.ControlResize, Cols: c.Cols, Rows: c.Rows}); err != nil {
		log.Printf("agentserver: resize for session %s failed: %v", c.SessionID, err)
	}
}

func (s *Server) handleKill(c KillSession) {
	s.ttyMu.Lock()
	tty, known := s.tty[c.SessionID]
	s.ttyMu.Unlock()

	s.mu.RLock()
	handle := s.sessions[c.SessionID]
	s.mu.RUnlock()

	if known && tty != "" {
		// A live session's window is force-closed. Once the session has
		// detached its TTY may belong to another window, so only a window
		// whose process is no longer busy is closed.
		force := handle != nil
		log.Printf("agentserver: closing terminal window for session %s (tty=%s force=%v)", c.SessionID, tty, force)
		result := s.closeWork.Submit(winclose.Request{TTY: tty, Force: force})
		go func() {
			select {
			case err := <-result:
				if err != nil {
					log.Printf("agentserver: close window for session %s failed: %v", c.SessionID, err)
				}
			case <-s.stopped:
			}
		}()
		return
	}

	if handle == nil {
		log.Printf("agentserver: session %s already gone, nothing to kill", c.SessionID)
		return
	}

	if err := handle.sendControl(wireframe.Control{Type: wireframe.ControlClose}); err != nil {
		log.Printf("agentserver: close message to session %s failed, signaling pid %d: %v", c.SessionID, handle.info.PID, err)
		if handle.info.PID != 0 {
			_ = killPID(int(handle.info.PID))
		}
	}
}

func (s *Server) handleShutdown() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, handle := range s.sessions {
		log.Printf("agentserver: shutdown: signaling session %s pid %d", id, handle.info.PID)
		if handle.info.PID != 0 {
			_ = killPID(int(handle.info.PID))
		}
	}
}
