package ipc

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// Transport is the length-framed message bus over one endpoint of a socket
// pair: a per-peer receive buffer that accumulates partial reads, complete-
// frame parsing, and dispatch of each finished frame to a single callback
// in arrival order.
type Transport struct {
	conn *net.UnixConn

	writeMu sync.Mutex

	recvBuf []byte
	exit    chan struct{}
	exited  chan struct{}
}

// NewTransport wraps one end of a socket pair (ordinarily produced by
// NewSocketpair, or recovered from a passed fd via FileFromFD + net.FileConn).
func NewTransport(conn *net.UnixConn) *Transport {
	return &Transport{
		conn:   conn,
		exit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Send marshals and writes msg in full, looping over partial writes so the
// bus never leaves a half-frame on the wire for the peer to choke on.
func (t *Transport) Send(msg Message) error {
	return t.write(msg.Marshal())
}

func (t *Transport) write(buf []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for len(buf) > 0 {
		n, err := t.conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// SendFD writes msg with fd attached as SCM_RIGHTS ancillary data. Used
// exactly once per child lifetime: the parent's INITFD handoff of the
// sibling socket.
func (t *Transport) SendFD(msg Message, fd int) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	rawConn, err := t.conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("ipc: raw conn: %w", err)
	}
	oob := unix.UnixRights(fd)
	buf := msg.Marshal()

	var sendErr error
	ctrlErr := rawConn.Write(func(sysfd uintptr) bool {
		sendErr = unix.Sendmsg(int(sysfd), buf, oob, nil, 0)
		return true
	})
	if ctrlErr != nil {
		return fmt.Errorf("ipc: raw conn write: %w", ctrlErr)
	}
	return sendErr
}

// RecvFD blocks for exactly one message, returning any descriptor attached
// via SCM_RIGHTS alongside it (-1 if none arrived). Used once at startup to
// receive INITFD; the steady-state Listen loop never expects ancillary
// data so it reads the plain byte stream instead.
func (t *Transport) RecvFD() (Message, int, error) {
	rawConn, err := t.conn.SyscallConn()
	if err != nil {
		return Message{}, -1, fmt.Errorf("ipc: raw conn: %w", err)
	}

	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(4))
	var n, oobn int
	var recvErr error

	ctrlErr := rawConn.Read(func(sysfd uintptr) bool {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(sysfd), buf, oob, 0)
		return true
	})
	if ctrlErr != nil {
		return Message{}, -1, fmt.Errorf("ipc: raw conn read: %w", ctrlErr)
	}
	if recvErr != nil {
		return Message{}, -1, fmt.Errorf("ipc: recvmsg: %w", recvErr)
	}

	msg, consumed, ok, err := Unmarshal(buf[:n])
	if err != nil {
		return Message{}, -1, err
	}
	if !ok || consumed != n {
		return Message{}, -1, fmt.Errorf("ipc: INITFD message framed incorrectly")
	}

	fd := -1
	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return Message{}, -1, fmt.Errorf("ipc: parsing control message: %w", err)
		}
		for _, scm := range scms {
			fds, err := unix.ParseUnixRights(&scm)
			if err == nil && len(fds) > 0 {
				fd = fds[0]
				break
			}
		}
	}
	return msg, fd, nil
}

// Listen starts a background goroutine reading frames off the socket and
// dispatching each complete one to cb, in arrival order. The loop exits on
// EOF, a hard read error, or Close; the caller learns of sibling death
// through the absence of further callbacks plus its own Wait/monitor path,
// matching the "EOF on IPC: log and exit" failure rule.
func (t *Transport) Listen(cb func(Message)) {
	go t.loop(cb)
}

func (t *Transport) loop(cb func(Message)) {
	defer close(t.exited)
	chunk := make([]byte, 4096)
	for {
		select {
		case <-t.exit:
			return
		default:
		}

		n, err := t.conn.Read(chunk)
		if err != nil || n == 0 {
			return
		}
		t.recvBuf = append(t.recvBuf, chunk[:n]...)

		for {
			msg, consumed, ok, ferr := Unmarshal(t.recvBuf)
			if ferr != nil {
				// Framing corruption is unrecoverable for this bus; stop
				// parsing and let the read loop's own exit (or an
				// explicit Close) end things.
				return
			}
			if !ok {
				break
			}
			t.recvBuf = t.recvBuf[consumed:]
			cb(msg)
		}
	}
}

// Close stops the Listen loop and closes the underlying socket. Safe to
// call even if Listen was never started.
func (t *Transport) Close() error {
	select {
	case <-t.exit:
	default:
		close(t.exit)
	}
	return t.conn.Close()
}
