// Package relaylink is the agent-side WebSocket client that carries
// every one of an agent's shell sessions to the remote relay over a
// single connection, multiplexed by a session id prefix, and receives
// input/resize/kill commands back. One Client exists per agent process;
// its registration with the relay yields the one session code that
// covers every shell session the agent attaches for as long as it runs.
package relaylink

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Callbacks are invoked from the client's read loop as commands arrive
// from the relay, each scoped to the shell session they target. They
// must not block.
type Callbacks struct {
	OnInput  func(sessionID string, data []byte)
	OnResize func(sessionID string, cols, rows uint16)
	OnKill   func(sessionID string)
}

type metaMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
}

type registerMessage struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type registeredMessage struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// Client dials the relay's agent ingress once per agent process and
// multiplexes every attached shell session over that one connection.
type Client struct {
	url         string
	displayName string
	cb          Callbacks

	done chan struct{}
	wg   sync.WaitGroup

	connMu sync.Mutex
	conn   *websocket.Conn

	codeMu sync.Mutex
	code   string
	ready  chan struct{}
}

// New constructs a Client. Call Run (typically in its own goroutine) to
// begin connecting. displayName identifies the agent (e.g. hostname),
// not any one shell session.
func New(url, displayName string, cb Callbacks) *Client {
	return &Client{
		url:         url,
		displayName: displayName,
		cb:          cb,
		done:        make(chan struct{}),
		ready:       make(chan struct{}),
	}
}

// Code blocks until the relay has assigned this agent's session code (or
// ctx is done), then returns it.
func (c *Client) Code(ctx context.Context) (string, error) {
	select {
	case <-c.ready:
		c.codeMu.Lock()
		defer c.codeMu.Unlock()
		return c.code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", fmt.Errorf("relaylink: closed before a code was assigned")
	}
}

// Run connects to the relay and reads messages in a loop, reconnecting
// with exponential backoff on disconnect. It blocks until Close is
// called.
func (c *Client) Run() {
	c.wg.Add(1)
	defer c.wg.Done()

	var attempt int
	for {
		select {
		case <-c.done:
			return
		default:
		}

		err := c.connectAndServe()
		if err == nil {
			return
		}

		select {
		case <-c.done:
			return
		default:
		}

		delay := backoff(attempt)
		log.Printf("relaylink: disconnected (%v), reconnecting in %v", err, delay)
		attempt++

		select {
		case <-time.After(delay):
		case <-c.done:
			return
		}
	}
}

// SendOutput forwards one shell session's output frame to the relay,
// prefixed with its session id per the relay's scrollback frame layout
// so the relay (and, ultimately, the browser) can demultiplex it.
// Silently drops the frame if not currently connected.
func (c *Client) SendOutput(sessionID string, data []byte) {
	c.writeBinary(prefixWithSessionID(sessionID, data))
}

// SendResize forwards a window-size change for one shell session as
// relay metadata; it is never added to scrollback.
func (c *Client) SendResize(sessionID string, cols, rows uint16) {
	c.writeJSON(metaMessage{Type: "resize", SessionID: sessionID, Cols: cols, Rows: rows})
}

// NotifySessionEnded tells the relay a shell session has ended so it can
// purge that session's frames from scrollback; it does not close the
// agent's connection, since other shell sessions may still be live on it.
func (c *Client) NotifySessionEnded(sessionID string) {
	c.writeJSON(metaMessage{Type: "purge", SessionID: sessionID})
}

func prefixWithSessionID(sessionID string, data []byte) []byte {
	framed := make([]byte, 1+len(sessionID)+len(data))
	framed[0] = byte(len(sessionID))
	copy(framed[1:], sessionID)
	copy(framed[1+len(sessionID):], data)
	return framed
}

func (c *Client) writeBinary(data []byte) {
	conn := c.currentConn()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		log.Printf("relaylink: write failed: %v", err)
	}
}

func (c *Client) writeJSON(v interface{}) {
	conn := c.currentConn()
	if conn == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		log.Printf("relaylink: write failed: %v", err)
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

// Close signals the client to stop and waits for it to exit.
func (c *Client) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.wg.Wait()
}

func (c *Client) connectAndServe() error {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPHeader: http.Header{}})
	if err != nil {
		return err
	}
	defer func() {
		c.setConn(nil)
		conn.CloseNow()
	}()

	if err := c.register(ctx, conn); err != nil {
		return err
	}

	c.setConn(conn)
	log.Printf("relaylink: connected to %s", c.url)

	for {
		kind, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-c.done:
				conn.Close(websocket.StatusNormalClosure, "shutting down")
				return nil
			default:
			}
			return err
		}

		switch kind {
		case websocket.MessageBinary:
			c.handleInput(data)
		case websocket.MessageText:
			c.handleMeta(data)
		}
	}
}

func (c *Client) register(ctx context.Context, conn *websocket.Conn) error {
	reg := registerMessage{Type: "register", Name: c.displayName}
	payload, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("relaylink: send register: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("relaylink: read registered: %w", err)
	}
	var ack registeredMessage
	if err := json.Unmarshal(data, &ack); err != nil || ack.Type != "registered" || ack.Code == "" {
		return fmt.Errorf("relaylink: unexpected registration response %q", data)
	}

	c.codeMu.Lock()
	c.code = ack.Code
	c.codeMu.Unlock()
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}

	return nil
}

// handleInput demultiplexes a binary frame from the relay (browser
// keystrokes), which carries the same [id_len][id][payload] prefix as
// the relay's scrollback frames, into the target shell session's input.
func (c *Client) handleInput(frame []byte) {
	if len(frame) == 0 {
		return
	}
	idLen := int(frame[0])
	if len(frame) < 1+idLen {
		log.Printf("relaylink: malformed input frame (id_len=%d, len=%d)", idLen, len(frame))
		return
	}
	sessionID := string(frame[1 : 1+idLen])
	data := frame[1+idLen:]
	if c.cb.OnInput != nil {
		c.cb.OnInput(sessionID, data)
	}
}

func (c *Client) handleMeta(data []byte) {
	var msg metaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("relaylink: malformed meta message: %v", err)
		return
	}
	switch msg.Type {
	case "resize":
		if c.cb.OnResize != nil {
			c.cb.OnResize(msg.SessionID, msg.Cols, msg.Rows)
		}
	case "kill":
		if c.cb.OnKill != nil {
			c.cb.OnKill(msg.SessionID)
		}
	default:
		log.Printf("relaylink: unknown meta type %q", msg.Type)
	}
}

// backoff returns a duration for the given attempt number: exponential
// 1s, 2s, 4s, ... capped at 30s, with +/-25% jitter.
func backoff(attempt int) time.Duration {
	// 1s<<5 already exceeds the cap; clamping keeps the shift from
	// overflowing time.Duration on long outages.
	if attempt > 5 {
		attempt = 5
	}
	base := time.Second * time.Duration(1<<uint(attempt))
	const maxDelay = 30 * time.Second
	if base > maxDelay {
		base = maxDelay
	}
	jitter := time.Duration(float64(base) * (0.5*rand.Float64() - 0.25))
	return base + jitter
}
