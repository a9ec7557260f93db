package frontend

import (
	"sync"

	"github.com/coldharbor/workerd/internal/conn"
	"github.com/coldharbor/workerd/internal/netmsg"
)

// ActiveConn pairs one live client connection with its backend key and the
// bookkeeping the frontend router needs across the job's lifetime. Structs
// are recycled on teardown; the key itself is never reused within a daemon
// run.
type ActiveConn struct {
	mu sync.Mutex

	key      uint32
	conn     *conn.Conn
	peerAddr string

	initialized     bool
	shouldHeartbeat bool

	// pendingArchive is the single retained inbound SENDFILE netmsg
	// accepted before INITIALIZED; freed either when the engine confirms
	// INITIALIZED or if the client vanishes first.
	pendingArchive *netmsg.Message

	// skipTerminateNotify is set just before a router-initiated Teardown
	// that already reflects an engine-driven end (REQUESTTERM), so the
	// teardown callback does not also send a redundant TERMINATE.
	skipTerminateNotify bool
}

// Key returns the connection's backend key.
func (a *ActiveConn) Key() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.key
}

// PeerAddr returns the client's address, captured at accept time.
func (a *ActiveConn) PeerAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peerAddr
}
