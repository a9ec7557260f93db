// Package conn implements the connection subsystem (C3 outbound queue plus
// C4 connection): one TLS-or-plain-TCP peer with a goroutine-driven receive
// loop, a timeout/heartbeat mechanism, and an ordered outbound send queue
// that survives partial writes. Where the source this was distilled from
// used a single-threaded callback event loop per process, each connection
// here is its own goroutine pair synchronized through channels and a
// mutex-guarded queue — the idiomatic Go shape for the same contract.
package conn

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/coldharbor/workerd/internal/netmsg"
)

// mtuChunk bounds a single read, mirroring the source's MTU-sized receive
// chunks.
const mtuChunk = 1500

// ReceiveFunc handles one delivered message. msg is nil when the peer sent
// an unrecognized opcode byte.
type ReceiveFunc func(c *Conn, msg *netmsg.Message)

// TimeoutFunc fires when no read progress has been made for the
// connection's configured duration.
type TimeoutFunc func(c *Conn)

// TeardownFunc runs once, before the connection's sockets are closed.
type TeardownFunc func(c *Conn)

// Conn is one TLS or plain-TCP peer connection.
type Conn struct {
	raw      net.Conn
	peerAddr string
	msgDir   *netmsg.Dir // directory for disk-backed inbound SENDFILE messages, may be nil

	mu         sync.Mutex
	inflight   *netmsg.Message
	recvCB     ReceiveFunc
	receiving  bool
	timeoutCB  TimeoutFunc
	timeoutDur time.Duration
	teardownCB TeardownFunc
	closed     bool

	queue      queue
	sendWake   chan struct{}
	sendExit   chan struct{}
	recvExit   chan struct{}
	recvExited chan struct{}
}

func newConn(raw net.Conn, msgDir *netmsg.Dir) *Conn {
	c := &Conn{
		raw:        raw,
		peerAddr:   raw.RemoteAddr().String(),
		msgDir:     msgDir,
		sendWake:   make(chan struct{}, 1),
		sendExit:   make(chan struct{}),
		recvExit:   make(chan struct{}),
		recvExited: make(chan struct{}),
	}
	go c.sendLoop()
	return c
}

// PeerAddr returns the remote address captured at accept/dial time.
func (c *Conn) PeerAddr() string { return c.peerAddr }

// Receive installs cb as the per-message handler and arms the receive loop
// with the currently configured timeout. Safe to call again after
// StopReceive to resume (e.g. after an engine round-trip), which re-arms a
// fresh timeout per the source's contract.
func (c *Conn) Receive(cb ReceiveFunc) {
	c.mu.Lock()
	alreadyRunning := c.recvCB != nil // the loop starts on the first Receive only
	c.recvCB = cb
	c.receiving = true
	c.mu.Unlock()

	if !alreadyRunning {
		go c.receiveLoop()
	}
}

// StopReceive disarms delivery; bytes that arrive meanwhile are held, not
// dropped, and delivered once Receive is called again.
func (c *Conn) StopReceive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiving = false
}

// SetTimeout installs a timeout callback, firing after dur without read
// progress. Pass 0 to disable.
func (c *Conn) SetTimeout(dur time.Duration, cb TimeoutFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeoutDur = dur
	c.timeoutCB = cb
}

// CancelTimeout disables the timeout without touching the receive handler.
func (c *Conn) CancelTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeoutDur = 0
}

// SetTeardown installs the callback run once at the start of Teardown.
func (c *Conn) SetTeardown(cb TeardownFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownCB = cb
}

// Send appends msg to the outbound queue, waking the send loop if it was
// idle.
func (c *Conn) Send(msg *netmsg.Message) {
	if c.queue.append(msg) {
		select {
		case c.sendWake <- struct{}{}:
		default:
		}
	}
}

// Teardown runs the teardown callback (if any), then closes the socket,
// drains and tears down the outbound queue, and unlinks any in-flight
// inbound message. Idempotent.
func (c *Conn) Teardown() {
	c.teardown(false)
}

// teardownFromRecvLoop is Teardown's twin for the receive loop's own EOF
// and fatal-error paths: the loop calls this inline, so it can't also wait
// on recvExited (closed by the loop's own deferred close, which can't run
// until this call returns) without deadlocking for the full join timeout.
func (c *Conn) teardownFromRecvLoop() {
	c.teardown(true)
}

func (c *Conn) teardown(skipRecvJoin bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cb := c.teardownCB
	inflight := c.inflight
	c.inflight = nil
	c.mu.Unlock()

	if cb != nil {
		cb(c)
	}

	close(c.sendExit)
	close(c.recvExit)
	c.raw.Close()
	c.queue.teardown()
	if inflight != nil {
		inflight.Teardown()
	}

	if skipRecvJoin {
		return
	}

	// The receive loop may be blocked in a Read; give it a chance to
	// notice the closed socket and exit before returning, so callers can
	// rely on the connection being fully quiesced once Teardown returns.
	select {
	case <-c.recvExited:
	case <-time.After(time.Second):
	}
}

func (c *Conn) resetDeadline() {
	c.mu.Lock()
	dur := c.timeoutDur
	c.mu.Unlock()
	if dur > 0 {
		c.raw.SetReadDeadline(time.Now().Add(dur))
	} else {
		c.raw.SetReadDeadline(time.Time{})
	}
}

// receiveLoop drains the socket in MTU-sized chunks and feeds bytes to
// onData. It exits when the connection tears down or the peer goes away.
func (c *Conn) receiveLoop() {
	defer close(c.recvExited)

	buf := make([]byte, mtuChunk)
	c.resetDeadline()

	for {
		select {
		case <-c.recvExit:
			return
		default:
		}

		n, err := c.raw.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.mu.Lock()
				cb := c.timeoutCB
				closed := c.closed
				c.mu.Unlock()
				if closed {
					return
				}
				if cb != nil {
					cb(c)
				}
				c.resetDeadline()
				continue
			}
			// EOF or hard error: deliver whatever was buffered, then tear
			// down. A zero-length read is the same signal.
			c.teardownFromRecvLoop()
			return
		}

		if n == 0 {
			c.teardownFromRecvLoop()
			return
		}

		// While stopped, hold the bytes just read until Receive re-arms.
		c.mu.Lock()
		for !c.receiving && !c.closed {
			c.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			c.mu.Lock()
		}
		active := !c.closed
		c.mu.Unlock()
		if !active {
			return
		}

		c.resetDeadline()
		if !c.onData(buf[:n]) {
			return
		}
	}
}

// onData feeds newly-arrived bytes through the in-flight message, possibly
// delivering zero, one, or several complete messages (a socket read can
// span more than one netmsg). Returns false if the connection tore down
// while processing.
func (c *Conn) onData(data []byte) bool {
	remaining := data

	for len(remaining) > 0 {
		c.mu.Lock()
		inflight := c.inflight
		c.mu.Unlock()

		if inflight == nil {
			op := netmsg.Opcode(remaining[0])
			if !op.Valid() {
				c.deliver(nil)
				c.teardownFromRecvLoop()
				return false
			}

			var dir *netmsg.Dir
			if op == netmsg.SendFile {
				dir = c.msgDir
			}
			m, err := netmsg.New(op, dir)
			if err != nil {
				c.teardownFromRecvLoop()
				return false
			}

			c.mu.Lock()
			c.inflight = m
			c.mu.Unlock()

			remaining = remaining[1:]
			inflight = m
		}

		// An opcode-only message needs nothing more (need == 0) and is
		// delivered as soon as its opcode byte has arrived.
		need := inflight.NeedMore()
		take := int64(len(remaining))
		if take > need {
			take = need
		}

		if _, err := inflight.Write(remaining[:take]); err != nil {
			c.teardownFromRecvLoop()
			return false
		}
		remaining = remaining[take:]

		if inflight.NeedMore() > 0 {
			return true // wait for more bytes
		}

		ok, fatal := inflight.IsValid()
		if !ok && !fatal {
			return true // defensive: genuinely needs more
		}

		c.mu.Lock()
		c.inflight = nil
		c.mu.Unlock()

		// Re-arm before delivery so a handler that calls StopReceive and
		// later Receive again still gets a fresh timeout.
		c.resetDeadline()
		c.deliver(inflight)
		inflight.Teardown()

		if fatal {
			c.teardownFromRecvLoop()
			return false
		}
	}

	return true
}

func (c *Conn) deliver(msg *netmsg.Message) {
	c.mu.Lock()
	cb := c.recvCB
	c.mu.Unlock()
	if cb != nil {
		cb(c, msg)
	}
}

// sendLoop drains the outbound queue whenever woken, implementing
// conn_dosend: seek to the cached offset, write the rest, advance or
// requeue on partial success, tear down on hard error.
func (c *Conn) sendLoop() {
	for {
		select {
		case <-c.sendExit:
			return
		case <-c.sendWake:
		}

		for {
			msg, ok := c.queue.head()
			if !ok {
				break
			}
			if !c.sendOne(msg) {
				return
			}
		}
	}
}

// sendOne writes as much of msg as the socket will take starting from the
// queue's cached offset, updating the queue accordingly. Returns false if
// the connection tore down.
func (c *Conn) sendOne(msg *netmsg.Message) bool {
	offset := c.queue.getOffset()
	if _, err := msg.Seek(offset, netmsg.SeekStart); err != nil {
		c.Teardown()
		return false
	}

	buf := make([]byte, mtuChunk)
	for {
		n, rerr := msg.Read(buf)
		if rerr != nil && rerr != io.EOF {
			c.Teardown()
			return false
		}
		if n == 0 {
			// Fully sent.
			c.queue.deleteHead()
			return true
		}

		written, werr := c.raw.Write(buf[:n])
		offset += int64(written)
		c.queue.setOffset(offset)

		if werr != nil {
			if ne, ok := werr.(net.Error); ok && ne.Timeout() {
				return true // retry-needed: leave offset where it landed
			}
			c.Teardown()
			return false
		}
		if written < n {
			// Partial write: re-seek for the next attempt at the exact
			// unsent tail rather than assuming the backing cursor matches.
			if _, err := msg.Seek(offset, netmsg.SeekStart); err != nil {
				c.Teardown()
				return false
			}
			return true
		}
	}
}
