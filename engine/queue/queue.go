// Package queue implements the durable FIFO of job tickets consumed by
// the worker. The whole queue is a single JSON array on disk; every
// mutation rewrites the file atomically under a process-wide mutex.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrQueueFull is returned by Add when the queue has a depth cap and the
// cap is reached. The HTTP edge surfaces this as 503.
var ErrQueueFull = errors.New("job queue is full")

// Ticket identifies one unit of pending work: a step within a workflow.
//
// Attempts counts how many times the worker has re-enqueued the ticket
// because its dependencies were not yet met; fresh tickets omit it on the
// wire. Delivery is at-least-once and duplicates are legal; the worker's
// idempotency gate is the authoritative deduplicator.
type Ticket struct {
	WorkflowID string `json:"workflow_id"`
	NodeID     string `json:"node_id"`
	Attempts   int    `json:"attempts,omitempty"`
}

// Key returns a stable identity for duplicate suppression. Attempts is
// deliberately excluded: a redelivered ticket is the same work.
func (t Ticket) Key() string {
	return t.WorkflowID + "/" + t.NodeID
}

// Options tunes queue behavior.
type Options struct {
	// MaxDepth caps the number of queued tickets. Zero means unbounded.
	MaxDepth int
}

// Queue is a durable FIFO of tickets. All methods are safe for concurrent
// use; the worker and the HTTP edge share one instance guarded by a
// process-wide mutex.
type Queue struct {
	mu      sync.Mutex
	path    string
	tickets []Ticket
	opts    Options
}

// Open loads (or initializes) the queue persisted at path. A missing file
// yields an empty queue; an unreadable file is an error so a corrupted
// queue is noticed at startup rather than silently emptied.
func Open(path string, opts Options) (*Queue, error) {
	if path == "" {
		return nil, fmt.Errorf("queue state file is required")
	}

	q := &Queue{
		path: path,
		opts: opts,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, fmt.Errorf("read queue state: %w", err)
	}
	if len(data) == 0 {
		return q, nil
	}
	if err := json.Unmarshal(data, &q.tickets); err != nil {
		return nil, fmt.Errorf("decode queue state: %w", err)
	}
	return q, nil
}

// Add appends a ticket and persists the queue. Returns ErrQueueFull when
// a depth cap is configured and reached.
func (q *Queue) Add(_ context.Context, t Ticket) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.opts.MaxDepth > 0 && len(q.tickets) >= q.opts.MaxDepth {
		return ErrQueueFull
	}

	q.tickets = append(q.tickets, t)
	if err := q.persist(); err != nil {
		// Roll back the in-memory append so memory and disk stay in step.
		q.tickets = q.tickets[:len(q.tickets)-1]
		return err
	}
	return nil
}

// Next pops the oldest ticket and persists the queue. The second return
// is false when the queue is empty.
func (q *Queue) Next(_ context.Context) (Ticket, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tickets) == 0 {
		return Ticket{}, false, nil
	}

	head := q.tickets[0]
	rest := append([]Ticket(nil), q.tickets[1:]...)

	prev := q.tickets
	q.tickets = rest
	if err := q.persist(); err != nil {
		q.tickets = prev
		return Ticket{}, false, err
	}
	return head, true, nil
}

// Size returns the number of queued tickets.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tickets)
}

// Snapshot returns a copy of the queued tickets in FIFO order, for
// inspection and best-effort duplicate suppression by producers.
func (q *Queue) Snapshot() []Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Ticket(nil), q.tickets...)
}

// Contains reports whether a ticket for the same workflow and step is
// already queued. Best effort only: the worker re-checks at dequeue.
func (q *Queue) Contains(t Ticket) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cur := range q.tickets {
		if cur.Key() == t.Key() {
			return true
		}
	}
	return false
}

// Filter keeps only tickets for which keep returns true, persisting the
// result. Recovery uses this to drop tickets whose workflow is gone or
// whose step already reached a terminal state. Returns the number of
// removed tickets.
func (q *Queue) Filter(_ context.Context, keep func(Ticket) bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.tickets[:0:0]
	for _, t := range q.tickets {
		if keep(t) {
			kept = append(kept, t)
		}
	}
	removed := len(q.tickets) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	prev := q.tickets
	q.tickets = kept
	if err := q.persist(); err != nil {
		q.tickets = prev
		return 0, err
	}
	return removed, nil
}

// persist rewrites the queue file atomically. Callers hold the mutex.
func (q *Queue) persist() error {
	data, err := json.MarshalIndent(q.tickets, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue state: %w", err)
	}

	dir := filepath.Dir(q.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(q.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp queue state: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp queue state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp queue state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp queue state: %w", err)
	}

	if err := os.Rename(tmpName, q.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace queue state: %w", err)
	}
	return nil
}
