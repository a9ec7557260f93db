package conn

import (
	"sync"

	"github.com/coldharbor/workerd/internal/netmsg"
)

// queue is an ordered, partial-write-aware FIFO of netmsgs bound to one
// connection (C3). The connection's send loop drains it head-first;
// partial writes update offset in place without reordering anything.
type queue struct {
	mu     sync.Mutex
	items  []*netmsg.Message
	offset int64
}

// append adds msg to the tail. Returns true if the queue was empty before
// (empty→non-empty transition), the signal the caller uses to arm its
// write-readiness watcher.
func (q *queue) append(msg *netmsg.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	wasEmpty := len(q.items) == 0
	q.items = append(q.items, msg)
	return wasEmpty
}

// head returns the queue's front message and whether one exists.
func (q *queue) head() (*netmsg.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// getOffset returns the cached send offset for the current head.
func (q *queue) getOffset() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.offset
}

func (q *queue) setOffset(off int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.offset = off
}

// deleteHead removes the front message (already fully sent) and resets the
// cached offset for whatever is now at the front. Returns true if the
// queue became empty (non-empty→empty transition), the signal to
// disarm the write-readiness watcher.
func (q *queue) deleteHead() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return true
	}
	q.items = q.items[1:]
	q.offset = 0
	return len(q.items) == 0
}

// teardown tears down every netmsg still queued. The queue owns them.
func (q *queue) teardown() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, m := range items {
		m.Teardown()
	}
}
