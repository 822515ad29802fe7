// Package winclose is the side-effect collaborator that closes a terminal
// emulator window by its controlling TTY. It runs an external OS-scripting
// tool out-of-process and is always invoked from its own goroutine so a
// slow or hung script cannot stall the agent's command processor.
package winclose

import "context"

// Closer closes a terminal emulator window identified by its controlling
// TTY. When force is false, implementations must only close a window if
// its associated process is no longer busy, to avoid racing a TTY that
// has since been recycled by an unrelated window. When force is true the
// window is closed unconditionally.
type Closer interface {
	CloseTerminalWindow(ctx context.Context, tty string, force bool) error
}

// Request describes one close request to be run on a dedicated goroutine.
type Request struct {
	TTY   string
	Force bool
}

// Worker serializes close requests onto a single background goroutine so
// that concurrent KillSession commands never overlap osascript (or
// whatever collaborator is configured) invocations for the same machine.
type Worker struct {
	closer Closer
	reqs   chan workItem
	done   chan struct{}
}

type workItem struct {
	req    Request
	result chan<- error
}

// NewWorker starts a background goroutine that drains close requests
// through closer until Stop is called.
func NewWorker(closer Closer) *Worker {
	w := &Worker{
		closer: closer,
		reqs:   make(chan workItem, 16),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	for {
		select {
		case item := <-w.reqs:
			err := w.closer.CloseTerminalWindow(context.Background(), item.req.TTY, item.req.Force)
			if item.result != nil {
				item.result <- err
			}
		case <-w.done:
			return
		}
	}
}

// Submit enqueues a close request and returns immediately without waiting
// for the script to run; failures are the caller's to log via the
// returned channel if it cares, or to ignore (scripting failures are
// never fatal per the error handling design).
func (w *Worker) Submit(req Request) <-chan error {
	result := make(chan error, 1)
	select {
	case w.reqs <- workItem{req: req, result: result}:
	case <-w.done:
		result <- nil
	}
	return result
}

// Stop terminates the background goroutine. Queued requests are dropped.
func (w *Worker) Stop() {
	close(w.done)
}
