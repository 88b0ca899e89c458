// Package queue implements the pending-reply FIFO: the demultiplexer that
// matches each decoded wire frame back to the goroutine that issued the
// request awaiting it.
package queue

import (
	"errors"
	"sync"

	"github.com/faktory-go/client/internal/wire"
)

// ErrDesync is returned by PopAndResume when a frame arrives with no
// pending entry to resume. It indicates the server and client have lost
// track of each other's place in the reply stream; the caller must treat
// the session as poisoned.
var ErrDesync = errors.New("queue: frame arrived with empty pending queue")

// Result is what a pending entry is resumed with: either a decoded frame or
// an error (a server error, a decode failure, or a connection-lost error on
// drain).
type Result struct {
	Frame wire.Frame
	Err   error
}

// Entry is a single registered continuation. The channel is buffered with
// capacity 1 so the resumer (the read loop, or Drain) never blocks.
type Entry struct {
	ch chan Result
}

// Wait blocks until the entry is resumed.
func (e *Entry) Wait() Result {
	return <-e.ch
}

// C exposes the entry's result channel for use in a select alongside other
// cases (e.g. ctx.Done()).
func (e *Entry) C() <-chan Result {
	return e.ch
}

// Queue is a strict FIFO of pending entries, safe for concurrent use: Push
// is called by writer goroutines, PopAndResume and Drain by the single
// read-loop goroutine.
type Queue struct {
	mu      sync.Mutex
	entries []*Entry
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Push registers a new continuation at the tail of the queue. It must be
// called before the corresponding command's bytes reach the socket, and
// under the same write lock as that write, so no other write can interleave
// between the two (see package conn).
func (q *Queue) Push() *Entry {
	e := &Entry{ch: make(chan Result, 1)}
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()
	return e
}

// PopAndResume resumes the head entry with res and removes it from the
// queue. Returns ErrDesync if the queue was empty.
func (q *Queue) PopAndResume(res Result) error {
	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return ErrDesync
	}
	e := q.entries[0]
	if len(q.entries) == 1 {
		q.entries = nil
	} else {
		q.entries = q.entries[1:]
	}
	q.mu.Unlock()

	e.ch <- res
	return nil
}

// Drain resumes every pending entry with err, in FIFO order, and empties
// the queue. Called on disconnect.
func (q *Queue) Drain(err error) {
	q.mu.Lock()
	entries := q.entries
	q.entries = nil
	q.mu.Unlock()

	for _, e := range entries {
		e.ch <- Result{Err: err}
	}
}

// Len returns the current number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
