//go:build !darwin

package winclose

import (
	"context"
	"log"
)

// NoopCloser logs that a window-close was requested but cannot be carried
// out, since AppleScript-driven window closing is macOS-specific. On other
// platforms a kill request for a session with a known TTY ends at this log
// line; the agent's other close paths (sending a JSON close frame, or
// signaling the shell pid) run only for sessions with no recorded TTY.
type NoopCloser struct{}

// New returns the platform's default Closer.
func New() Closer { return NoopCloser{} }

func (NoopCloser) CloseTerminalWindow(ctx context.Context, tty string, force bool) error {
	log.Printf("winclose: no window-close collaborator on this platform (tty=%s force=%v)", tty, force)
	return nil
}
