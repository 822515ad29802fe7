//go:build darwin || linux

// Package ptyproxy interposes a pseudo-terminal between a real terminal
// and a forked shell, mirroring all I/O transparently while tee-ing a
// copy to the agent's control socket for remote access.
package ptyproxy

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/terminal-remote/terminal-remote/internal/wireframe"
)

const (
	// DefaultSocketPath is the agent's well-known control socket.
	DefaultSocketPath = "/tmp/terminal-remote.sock"

	bufSize           = 8192
	reconnectInterval = 5 * time.Second
	proxyVersion      = 1
)

// Proxy owns one PTY-interposed shell session.
type Proxy struct {
	shell      string
	socketPath string

	ptmx *os.File
	tty  *os.File
	cmd  *exec.Cmd
	ttyName string

	origState *term.State

	writeMu sync.Mutex // serializes writes to ptmx

	connMu sync.Mutex
	conn   net.Conn
	dec    *wireframe.Decoder

	forceExitZero atomic.Bool
}

// New constructs a Proxy. shell is resolved from $SHELL when empty.
// socketPath overrides DefaultSocketPath when non-empty.
func New(shell, socketPath string) *Proxy {
	if shell == "" {
		shell = detectShell()
	}
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Proxy{shell: shell, socketPath: socketPath}
}

func detectShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/zsh"
}

// Run opens the PTY, forks the shell, and blocks until the child exits
// (or the agent sends an explicit close), returning the process exit
// code. On PTY setup failure it falls back to exec-ing the shell
// directly in the current process (which never returns).
func (p *Proxy) Run() int {
	origState, err := term.GetState(int(os.Stdin.Fd()))
	if err == nil {
		p.origState = origState
	}

	ptmx, tty, err := pty.Open()
	if err != nil {
		log.Printf("ptyproxy: openpty failed, falling back to direct exec: %v", err)
		p.fallbackExec()
		return 1 // unreachable on success
	}
	p.ptmx, p.tty = ptmx, tty
	p.ttyName = tty.Name()

	if size, err := pty.GetsizeFull(os.Stdin); err == nil {
		pty.Setsize(tty, size)
		pty.Setsize(ptmx, size)
	}

	cmd := exec.Command(p.shell)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = tty, tty, tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 0}
	cmd.Env = p.childEnv()

	if err := cmd.Start(); err != nil {
		log.Printf("ptyproxy: start shell failed, falling back to direct exec: %v", err)
		p.restoreTerminal()
		p.fallbackExec()
		return 1 // unreachable on success
	}
	p.cmd = cmd
	tty.Close()
	p.tty = nil

	if state, err := term.MakeRaw(int(os.Stdin.Fd())); err == nil {
		if p.origState == nil {
			p.origState = state
		}
	}
	defer p.restoreTerminal()

	closeSignal := make(chan struct{})
	var wg sync.WaitGroup

	// pumpStdin is deliberately not added to wg: it is parked in a
	// blocking os.Stdin.Read and only notices closeSignal after a read
	// completes, so waiting on it here would make Run hang until the
	// user's next keystroke instead of returning as soon as the child
	// exits. It dies on its own when the process exits.
	go p.pumpStdin(closeSignal)

	ptyDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.pumpPTYOutput()
		close(ptyDone)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.watchSignals(closeSignal)
	}()

	if conn, err := p.tryConnect(); err == nil {
		p.setConn(conn)
		go p.readSocket(conn)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.connManager(closeSignal)
	}()

	waitErr := cmd.Wait()
	close(closeSignal)
	ptmx.Close()
	<-ptyDone
	wg.Wait()

	if p.forceExitZero.Load() {
		return 0
	}
	return exitCodeFromWaitError(cmd, waitErr)
}

func exitCodeFromWaitError(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if cmd.ProcessState != nil {
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return 128 + int(ws.Signal())
			}
			return ws.ExitStatus()
		}
		return cmd.ProcessState.ExitCode()
	}
	return 1
}

func (p *Proxy) childEnv() []string {
	env := os.Environ()
	hasTerm := false
	for _, e := range env {
		if len(e) >= 5 && e[:5] == "TERM=" {
			hasTerm = true
			break
		}
	}
	if !hasTerm {
		env = append(env, "TERM=xterm-256color")
	}
	env = append(env, "PTY_PROXY_ACTIVE=1")
	return env
}

// fallbackExec replaces the current process image with the shell,
// leaving the user with a normal, unproxied shell. It never returns on
// success.
func (p *Proxy) fallbackExec() {
	os.Setenv("PTY_PROXY_ACTIVE", "1")
	path := p.shell
	if filepath.Base(path) == path {
		if resolved, err := exec.LookPath(path); err == nil {
			path = resolved
		}
	}
	err := syscall.Exec(path, []string{path}, os.Environ())
	fmt.Fprintf(os.Stderr, "ptyproxy: fallback exec of %s failed: %v\n", path, err)
	os.Exit(1)
}

func (p *Proxy) restoreTerminal() {
	if p.origState != nil {
		term.Restore(int(os.Stdin.Fd()), p.origState)
	}
}

func (p *Proxy) writeToPTY(data []byte) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	writeAll(p.ptmx, data)
}

// writeAll retries on interrupted writes and briefly yields on a full
// pipe, matching the tolerance the original proxy loop has for a
// non-blocking master fd.
func writeAll(w *os.File, data []byte) {
	for len(data) > 0 {
		n, err := w.Write(data)
		if n > 0 {
			data = data[n:]
		}
		if err != nil {
			if err == syscall.EINTR || err == syscall.EAGAIN {
				time.Sleep(100 * time.Microsecond)
				continue
			}
			return
		}
	}
}

func (p *Proxy) pumpStdin(closeSignal <-chan struct{}) {
	buf := make([]byte, bufSize)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			p.writeToPTY(chunk)
			p.sendFrame(wireframe.TaggedPayload(wireframe.TagInput, chunk))
		}
		if err != nil {
			return
		}
		select {
		case <-closeSignal:
			return
		default:
		}
	}
}

func (p *Proxy) pumpPTYOutput() {
	buf := make([]byte, bufSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			os.Stdout.Write(chunk)
			p.sendFrame(wireframe.TaggedPayload(wireframe.TagOutput, chunk))
		}
		if err != nil {
			return
		}
	}
}

func (p *Proxy) watchSignals(closeSignal <-chan struct{}) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGWINCH, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-closeSignal:
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGWINCH:
				p.forwardResize()
			case syscall.SIGINT, syscall.SIGTERM:
				if p.cmd.Process != nil {
					p.cmd.Process.Signal(sig)
				}
			}
		}
	}
}

func (p *Proxy) forwardResize() {
	size, err := pty.GetsizeFull(os.Stdin)
	if err != nil {
		return
	}
	pty.Setsize(p.ptmx, size)
	ctrl := wireframe.Control{Type: wireframe.ControlResize, Cols: uint16(size.Cols), Rows: uint16(size.Rows)}
	payload, _ := json.Marshal(ctrl)
	p.sendFrame(wireframe.TaggedPayload(wireframe.TagControl, payload))
}

func (p *Proxy) setConn(conn net.Conn) {
	p.connMu.Lock()
	p.conn = conn
	p.dec = wireframe.NewDecoder(wireframe.MaxFrame)
	p.connMu.Unlock()
}

func (p *Proxy) clearConnIfCurrent(conn net.Conn) {
	p.connMu.Lock()
	if p.conn == conn {
		p.conn = nil
		p.dec = nil
	}
	p.connMu.Unlock()
}

// sendFrame best-effort writes a framed payload to the agent socket if
// currently connected; failures are swallowed since a missing agent is a
// normal, expected state.
func (p *Proxy) sendFrame(payload []byte) {
	p.connMu.Lock()
	conn := p.conn
	p.connMu.Unlock()
	if conn == nil {
		return
	}
	if err := wireframe.WriteFrame(conn, payload); err != nil {
		p.clearConnIfCurrent(conn)
	}
}

func (p *Proxy) tryConnect() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", p.socketPath, 2*time.Second)
	if err != nil {
		return nil, err
	}
	reg := wireframe.Registration{
		Name:         p.registrationName(),
		Shell:        p.shell,
		PID:          uint32(p.cmd.Process.Pid),
		TTY:          p.ttyName,
		ProxyVersion: proxyVersion,
	}
	payload, err := json.Marshal(reg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := wireframe.WriteFrame(conn, wireframe.TaggedPayload(wireframe.TagControl, payload)); err != nil {
		conn.Close()
		return nil, err
	}
	if size, err := pty.GetsizeFull(os.Stdin); err == nil {
		ctrl := wireframe.Control{Type: wireframe.ControlResize, Cols: uint16(size.Cols), Rows: uint16(size.Rows)}
		resizePayload, _ := json.Marshal(ctrl)
		wireframe.WriteFrame(conn, wireframe.TaggedPayload(wireframe.TagControl, resizePayload))
	}
	return conn, nil
}

func (p *Proxy) registrationName() string {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "~"
	}
	return fmt.Sprintf("%s - %s", filepath.Base(p.shell), cwd)
}

func (p *Proxy) connManager(closeSignal <-chan struct{}) {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closeSignal:
			return
		case <-ticker.C:
			p.connMu.Lock()
			connected := p.conn != nil
			p.connMu.Unlock()
			if connected {
				continue
			}
			if conn, err := p.tryConnect(); err == nil {
				p.setConn(conn)
				go p.readSocket(conn)
			}
		}
	}
}

func (p *Proxy) readSocket(conn net.Conn) {
	defer p.clearConnIfCurrent(conn)
	buf := make([]byte, bufSize)
	for {
		p.connMu.Lock()
		dec := p.dec
		p.connMu.Unlock()
		if dec == nil {
			return
		}

		for {
			payload, ok, err := dec.Pop()
			if err != nil {
				log.Printf("ptyproxy: agent protocol error: %v", err)
				conn.Close()
				return
			}
			if !ok {
				break
			}
			// The agent prefixes its JSON control frames with TagControl,
			// the same envelope the proxy uses towards the agent.
			if len(payload) > 0 && wireframe.Tag(payload[0]) == wireframe.TagControl {
				payload = payload[1:]
			}
			if p.handleAgentMessage(payload) {
				return
			}
		}

		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// handleAgentMessage applies one control message from the agent. It
// returns true if the proxy should exit (an explicit close request).
func (p *Proxy) handleAgentMessage(payload []byte) bool {
	var ctrl wireframe.Control
	if err := json.Unmarshal(payload, &ctrl); err != nil {
		// Legacy/raw compatibility: treat unparseable payloads as literal
		// bytes to inject into the shell.
		p.writeToPTY(payload)
		return false
	}
	switch ctrl.Type {
	case wireframe.ControlInput:
		p.writeToPTY(ctrl.Data)
	case wireframe.ControlResize:
		pty.Setsize(p.ptmx, &pty.Winsize{Cols: ctrl.Cols, Rows: ctrl.Rows})
	case wireframe.ControlClose:
		// zsh and bash both ignore SIGTERM in interactive mode but
		// respect SIGHUP.
		if p.cmd.Process != nil {
			p.cmd.Process.Signal(syscall.SIGHUP)
		}
		p.forceExitZero.Store(true)
		return true
	default:
		log.Printf("ptyproxy: unknown agent control type %q", ctrl.Type)
	}
	return false
}
