// Package relay holds the remote relay's per-session fanout state: one
// agent connection, a set of connected browsers, and a bounded scrollback
// of recently broadcast frames replayed to browsers as they join.
package relay

import (
	"sync"

	"github.com/terminal-remote/terminal-remote/internal/sessioncode"
)

// MaxScrollback is the upper bound, in bytes, on the sum of frame lengths
// retained per session for replay to newly joined browsers.
const MaxScrollback = 1024 * 1024

// MessageKind distinguishes a binary terminal-output message from a text
// JSON control message on either side of a session.
type MessageKind int

const (
	KindBinary MessageKind = iota
	KindText
)

// Message is queued onto an agent's or browser's outbound channel.
type Message struct {
	Kind MessageKind
	Data []byte // valid when Kind == KindBinary
	Text string // valid when Kind == KindText
}

// Outbound is the per-connection send queue. The relay's WebSocket
// handlers own the receiving end and translate queued Messages into
// websocket writes; State only ever sends.
type Outbound chan Message

const outboundBuffer = 64

// NewOutbound allocates a bounded outbound queue. Sends fail open: a full
// queue drops the message rather than blocking the broadcaster, since a
// slow browser should not stall delivery to the rest of the session.
func NewOutbound() Outbound {
	return make(Outbound, outboundBuffer)
}

func (o Outbound) trySend(m Message) {
	select {
	case o <- m:
	default:
	}
}

// Session is one registered agent's fanout state.
type Session struct {
	agentTx Outbound

	browsersMu sync.RWMutex
	browsers   map[string]Outbound

	scrollbackMu sync.Mutex
	frames       [][]byte
	bytes        int
}

func newSession(agentTx Outbound) *Session {
	return &Session{
		agentTx:  agentTx,
		browsers: make(map[string]Outbound),
	}
}

// State is the relay's shared, concurrency-safe session registry.
type State struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewState returns an empty session registry.
func NewState() *State {
	return &State{sessions: make(map[string]*Session)}
}

// RegisterAgent creates a new session for a just-connected agent and
// returns its freshly minted, collision-checked session code.
func (s *State) RegisterAgent(agentTx Outbound) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, err := sessioncode.Unique(func(candidate string) bool {
		_, taken := s.sessions[candidate]
		return taken
	})
	if err != nil {
		return "", err
	}

	s.sessions[code] = newSession(agentTx)
	return code, nil
}

// ValidateCode reports whether code names a currently live session.
func (s *State) ValidateCode(code string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[code]
	return ok
}

// RemoveSession drops a session entirely, e.g. when its agent disconnects.
func (s *State) RemoveSession(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, code)
}

// SessionCount reports the number of currently live sessions.
func (s *State) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *State) session(code string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[code]
}

// AddBrowser attaches a browser's outbound queue to a session.
func (s *State) AddBrowser(code, browserID string, tx Outbound) {
	sess := s.session(code)
	if sess == nil {
		return
	}
	sess.browsersMu.Lock()
	sess.browsers[browserID] = tx
	sess.browsersMu.Unlock()
}

// RemoveBrowser detaches a browser from a session.
func (s *State) RemoveBrowser(code, browserID string) {
	sess := s.session(code)
	if sess == nil {
		return
	}
	sess.browsersMu.Lock()
	delete(sess.browsers, browserID)
	sess.browsersMu.Unlock()
}

// BroadcastToBrowsers appends a binary output frame to the session's
// scrollback (evicting the oldest frames if that pushes the total over
// MaxScrollback) and fans it out to every currently connected browser.
func (s *State) BroadcastToBrowsers(code string, frame []byte) {
	sess := s.session(code)
	if sess == nil {
		return
	}

	sess.scrollbackMu.Lock()
	sess.frames = append(sess.frames, frame)
	sess.bytes += len(frame)
	for sess.bytes > MaxScrollback && len(sess.frames) > 0 {
		removed := sess.frames[0]
		sess.frames = sess.frames[1:]
		sess.bytes -= len(removed)
	}
	sess.scrollbackMu.Unlock()

	sess.browsersMu.RLock()
	defer sess.browsersMu.RUnlock()
	for _, tx := range sess.browsers {
		tx.trySend(Message{Kind: KindBinary, Data: frame})
	}
}

// BroadcastTextToBrowsers fans a JSON control message out to every
// connected browser. Text messages are never retained in scrollback.
func (s *State) BroadcastTextToBrowsers(code, text string) {
	sess := s.session(code)
	if sess == nil {
		return
	}
	sess.browsersMu.RLock()
	defer sess.browsersMu.RUnlock()
	for _, tx := range sess.browsers {
		tx.trySend(Message{Kind: KindText, Text: text})
	}
}

// PurgeSessionScrollback removes every scrollback frame whose embedded
// terminal session id equals terminalSessionID. The binary frame layout
// is [1 byte id_len][id_len bytes of id][payload]; malformed frames
// (too short to contain their declared id) are dropped rather than kept.
func (s *State) PurgeSessionScrollback(code, terminalSessionID string) {
	sess := s.session(code)
	if sess == nil {
		return
	}

	tid := []byte(terminalSessionID)

	sess.scrollbackMu.Lock()
	defer sess.scrollbackMu.Unlock()

	kept := sess.frames[:0:0]
	for _, frame := range sess.frames {
		if len(frame) == 0 {
			continue
		}
		idLen := int(frame[0])
		if len(frame) < 1+idLen {
			continue
		}
		frameSID := frame[1 : 1+idLen]
		if string(frameSID) == string(tid) {
			continue
		}
		kept = append(kept, frame)
	}
	sess.frames = kept

	total := 0
	for _, f := range sess.frames {
		total += len(f)
	}
	sess.bytes = total
}

// GetScrollback returns a snapshot of the frames currently retained for
// code, in emission order, suitable for replay to a newly joined browser.
func (s *State) GetScrollback(code string) [][]byte {
	sess := s.session(code)
	if sess == nil {
		return nil
	}
	sess.scrollbackMu.Lock()
	defer sess.scrollbackMu.Unlock()
	out := make([][]byte, len(sess.frames))
	copy(out, sess.frames)
	return out
}

// SendToAgent queues binary input (browser keystrokes) for delivery to
// the session's agent connection.
func (s *State) SendToAgent(code string, data []byte) {
	sess := s.session(code)
	if sess == nil {
		return
	}
	sess.agentTx.trySend(Message{Kind: KindBinary, Data: data})
}

// SendTextToAgent queues a JSON control message for delivery to the
// session's agent connection.
func (s *State) SendTextToAgent(code, text string) {
	sess := s.session(code)
	if sess == nil {
		return
	}
	sess.agentTx.trySend(Message{Kind: KindText, Text: text})
}
