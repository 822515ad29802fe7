package relay

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

type registerRequest struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type registeredResponse struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

type metaEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
}

// Ingress exposes the relay's two WebSocket routes over State.
type Ingress struct {
	state *State
}

// NewIngress wraps state with HTTP handlers for agents and browsers.
func NewIngress(state *State) *Ingress {
	return &Ingress{state: state}
}

// Register installs the agent and browser routes onto mux.
func (ig *Ingress) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws/agent", ig.handleAgent)
	mux.HandleFunc("/ws/browser", ig.handleBrowser)
}

// handleAgent accepts one agent's relay connection: reads the register
// message, mints a session code shared by every shell session the agent
// multiplexes over it, and pumps Output/meta frames in both directions
// until the socket closes.
func (ig *Ingress) handleAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var reg registerRequest
	if err := json.Unmarshal(data, &reg); err != nil || reg.Type != "register" {
		conn.Close(websocket.StatusPolicyViolation, "expected a register message")
		return
	}

	agentTx := NewOutbound()
	code, err := ig.state.RegisterAgent(agentTx)
	if err != nil {
		log.Printf("relay: failed to mint session code: %v", err)
		conn.Close(websocket.StatusInternalError, "could not allocate a session code")
		return
	}
	defer ig.state.RemoveSession(code)

	ack, _ := json.Marshal(registeredResponse{Type: "registered", Code: code})
	if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
		return
	}
	log.Printf("relay: agent registered, code=%s name=%s", code, reg.Name)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			kind, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			switch kind {
			case websocket.MessageBinary:
				// Binary agent->relay frames are already session-id
				// prefixed, ready for scrollback and browser fanout.
				ig.state.BroadcastToBrowsers(code, data)
			case websocket.MessageText:
				var meta metaEnvelope
				if err := json.Unmarshal(data, &meta); err == nil && meta.Type == "purge" {
					ig.state.PurgeSessionScrollback(code, meta.SessionID)
					continue
				}
				ig.state.BroadcastTextToBrowsers(code, string(data))
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-agentTx:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			var err error
			if msg.Kind == KindBinary {
				err = conn.Write(writeCtx, websocket.MessageBinary, msg.Data)
			} else {
				err = conn.Write(writeCtx, websocket.MessageText, []byte(msg.Text))
			}
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// handleBrowser joins a browser to a session named by the ?code= query
// parameter: replays scrollback, then streams live broadcasts, while
// forwarding the browser's own messages back to the agent.
func (ig *Ingress) handleBrowser(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" || !ig.state.ValidateCode(code) {
		http.Error(w, "unknown or missing session code", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	browserID := uuid.NewString()
	browserTx := NewOutbound()
	ig.state.AddBrowser(code, browserID, browserTx)
	defer ig.state.RemoveBrowser(code, browserID)

	for _, frame := range ig.state.GetScrollback(code) {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := conn.Write(writeCtx, websocket.MessageBinary, frame)
		cancel()
		if err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			kind, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			switch kind {
			case websocket.MessageBinary:
				ig.state.SendToAgent(code, data)
			case websocket.MessageText:
				var meta metaEnvelope
				if err := json.Unmarshal(data, &meta); err == nil {
					ig.state.SendTextToAgent(code, string(data))
				}
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-browserTx:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			var err error
			if msg.Kind == KindBinary {
				err = conn.Write(writeCtx, websocket.MessageBinary, msg.Data)
			} else {
				err = conn.Write(writeCtx, websocket.MessageText, []byte(msg.Text))
			}
			cancel()
			if err != nil {
				return
			}
		}
	}
}
