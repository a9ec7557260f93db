// Package frontend implements the client-facing router (C7): one
// ActiveConn per mutually-authenticated TLS client connection, translating
// between client netmsgs and frontend<->engine IPC messages, with a
// heartbeat-then-reap timeout and the pre-INITIALIZED single-archive gate.
package frontend

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coldharbor/workerd/internal/config"
	"github.com/coldharbor/workerd/internal/conn"
	"github.com/coldharbor/workerd/internal/ipc"
	"github.com/coldharbor/workerd/internal/netmsg"
	"github.com/coldharbor/workerd/internal/writeback"
)

// Router owns the client-facing listener and the key/connection tables.
type Router struct {
	cfg    *config.Config
	engine *ipc.Transport
	msgDir *netmsg.Dir

	listener *conn.Listener

	mu        sync.Mutex
	nextKey   uint32
	byKey     map[uint32]*ActiveConn
	byConn    map[*conn.Conn]*ActiveConn
	freeConns []*ActiveConn
}

// New builds a Router. engine is the sibling transport to the engine
// process (already past the INITFD handoff); msgDir is the frontend's
// SENDFILE-body directory (/fmessages under the chroot root).
func New(cfg *config.Config, engine *ipc.Transport, msgDir *netmsg.Dir) *Router {
	return &Router{
		cfg:    cfg,
		engine: engine,
		msgDir: msgDir,
		byKey:  make(map[uint32]*ActiveConn),
		byConn: make(map[*conn.Conn]*ActiveConn),
	}
}

// Run starts the mutual-TLS client listener and the engine IPC receive
// loop, then blocks until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	tlsConfig, err := conn.NewMutualTLSConfig(r.cfg.Client.CAFile, r.cfg.Client.CertFile, r.cfg.Client.KeyFile)
	if err != nil {
		return fmt.Errorf("frontend: loading TLS material: %w", err)
	}

	ln, err := conn.Listen(ctx, r.cfg.Client.Listen, conn.ModeTLS, tlsConfig, r.msgDir, r.handleAccept)
	if err != nil {
		return fmt.Errorf("frontend: listening on %s: %w", r.cfg.Client.Listen, err)
	}
	r.listener = ln

	r.engine.Listen(r.handleEngineMessage)

	<-ctx.Done()
	r.listener.Close()
	return ctx.Err()
}

func (r *Router) handleAccept(c *conn.Conn) {
	ac := r.allocActiveConn(c)
	log.Infof("frontend: accepted %s as key %d", ac.PeerAddr(), ac.Key())

	timeout := time.Duration(r.cfg.Timeout.ClientSeconds) * time.Second
	c.SetTimeout(timeout, func(cc *conn.Conn) { r.onTimeout(ac) })
	c.SetTeardown(func(cc *conn.Conn) { r.onTeardown(ac) })
	c.Receive(func(cc *conn.Conn, msg *netmsg.Message) { r.onClientMessage(ac, msg) })
}

func (r *Router) allocActiveConn(c *conn.Conn) *ActiveConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ac *ActiveConn
	if n := len(r.freeConns); n > 0 {
		ac = r.freeConns[n-1]
		r.freeConns = r.freeConns[:n-1]
	} else {
		ac = &ActiveConn{}
	}

	key := r.nextKey
	r.nextKey++

	ac.mu.Lock()
	ac.key = key
	ac.conn = c
	ac.peerAddr = c.PeerAddr()
	ac.initialized = false
	ac.shouldHeartbeat = false
	ac.pendingArchive = nil
	ac.skipTerminateNotify = false
	ac.mu.Unlock()

	r.byKey[key] = ac
	r.byConn[c] = ac
	return ac
}

func (r *Router) releaseActiveConn(ac *ActiveConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKey, ac.Key())
	delete(r.byConn, ac.conn)
	r.freeConns = append(r.freeConns, ac)
}

// onTimeout implements the heartbeat-then-reap contract: first timeout
// sends a HEARTBEAT and arms the flag, second consecutive timeout tears
// the connection down.
func (r *Router) onTimeout(ac *ActiveConn) {
	ac.mu.Lock()
	already := ac.shouldHeartbeat
	ac.mu.Unlock()

	if already {
		ac.conn.Teardown()
		return
	}

	ac.mu.Lock()
	ac.shouldHeartbeat = true
	ac.mu.Unlock()

	hb, err := netmsg.New(netmsg.Heartbeat, nil)
	if err != nil {
		return
	}
	ac.conn.Send(hb)
}

// onTeardown runs once the client connection is gone, for any reason
// (EOF, timeout escalation, explicit client TERMINATE, or an
// engine-driven REQUESTTERM). Per the ownership rule, any retained
// pre-INITIALIZED archive is freed here if the engine never got to see
// it, and an initialized job not already notified via REQUESTTERM sends
// TERMINATE to the engine so the VM slot is released.
func (r *Router) onTeardown(ac *ActiveConn) {
	ac.mu.Lock()
	initialized := ac.initialized
	skip := ac.skipTerminateNotify
	archive := ac.pendingArchive
	ac.pendingArchive = nil
	key := ac.key
	ac.mu.Unlock()

	if archive != nil {
		archive.Teardown()
	}
	if initialized && !skip {
		if err := r.engine.Send(ipc.Message{Key: key, Code: ipc.CodeTerminate}); err != nil {
			log.WithError(err).Errorf("frontend: notifying engine of teardown for key %d", key)
		}
	}

	r.releaseActiveConn(ac)
}

// onClientMessage is the client-side netmsg switch: before INITIALIZED
// only a single SENDFILE (the job archive) is accepted; after, the
// steady-state SENDLINE/ACK/TERMINATE translation applies. Heartbeats are
// absorbed unconditionally regardless of state.
func (r *Router) onClientMessage(ac *ActiveConn, msg *netmsg.Message) {
	if msg == nil {
		log.Warnf("frontend: key %d sent an unrecognized opcode", ac.Key())
		return
	}

	ac.mu.Lock()
	ac.shouldHeartbeat = false
	initialized := ac.initialized
	ac.mu.Unlock()

	if msg.Opcode() == netmsg.Heartbeat {
		return
	}

	if !initialized {
		if msg.Opcode() != netmsg.SendFile {
			r.sendClientError(ac, fmt.Sprintf("unexpected %s before initialization", msg.Opcode()))
			return
		}
		r.onArchive(ac, msg)
		return
	}

	switch msg.Opcode() {
	case netmsg.SendLine:
		label, err := msg.GetLabel()
		if err != nil {
			r.sendClientError(ac, "malformed line")
			return
		}
		r.sendIPC(ac, ipc.CodeSendLine, label)

	case netmsg.Ack:
		r.sendIPC(ac, ipc.CodeClientAck, "")

	case netmsg.Terminate:
		ac.conn.Teardown()

	default:
		r.sendClientError(ac, fmt.Sprintf("unexpected %s after initialization", msg.Opcode()))
	}
}

func (r *Router) onArchive(ac *ActiveConn, msg *netmsg.Message) {
	ac.mu.Lock()
	if ac.pendingArchive != nil {
		ac.mu.Unlock()
		r.sendClientError(ac, "archive already submitted")
		return
	}
	msg.Retain()
	ac.pendingArchive = msg
	ac.mu.Unlock()

	r.sendIPC(ac, ipc.CodePutArchive, msg.Path())
}

func (r *Router) sendIPC(ac *ActiveConn, code ipc.Code, payload string) {
	if err := r.engine.Send(ipc.Message{Key: ac.Key(), Code: code, Payload: payload}); err != nil {
		log.WithError(err).Errorf("frontend: sending %s to engine for key %d", code, ac.Key())
	}
}

func (r *Router) sendClientError(ac *ActiveConn, reason string) {
	m, err := netmsg.New(netmsg.MsgError, nil)
	if err != nil {
		return
	}
	if err := m.SetLabel(reason); err != nil {
		return
	}
	ac.conn.Send(m)
}

// handleEngineMessage is the engine-side IPC switch, translating replies
// back to the client that owns the carried key. An unknown key means the
// client already disconnected; per the recoverable-failure rules this is
// silently ignored.
func (r *Router) handleEngineMessage(msg ipc.Message) {
	r.mu.Lock()
	ac, ok := r.byKey[msg.Key]
	r.mu.Unlock()
	if !ok {
		log.Warnf("frontend: engine message %s for unknown key %d", msg.Code, msg.Key)
		return
	}

	switch msg.Code {
	case ipc.CodeInitialized:
		ac.mu.Lock()
		ac.initialized = true
		archive := ac.pendingArchive
		ac.pendingArchive = nil
		ac.mu.Unlock()
		if archive != nil {
			archive.Teardown()
		}

	case ipc.CodeRequestLine:
		m, err := netmsg.New(netmsg.RequestLine, nil)
		if err == nil {
			ac.conn.Send(m)
		}

	case ipc.CodeSendFile:
		name, data, err := writeback.Readout(msg.Payload)
		if err != nil {
			log.WithError(err).Errorf("frontend: reading out writeback artifact for key %d", msg.Key)
			return
		}
		m, err := netmsg.New(netmsg.SendFile, r.msgDir)
		if err != nil {
			return
		}
		if err := m.SetLabel(name); err != nil {
			return
		}
		if err := m.SetData(data); err != nil {
			return
		}
		ac.conn.Send(m)

	case ipc.CodeRequestTerm:
		ac.mu.Lock()
		ac.skipTerminateNotify = true
		ac.mu.Unlock()
		ac.conn.Teardown()

	case ipc.CodeSendLine:
		m, err := netmsg.New(netmsg.SendLine, nil)
		if err == nil {
			if err := m.SetLabel(msg.Payload); err == nil {
				ac.conn.Send(m)
			}
		}

	case ipc.CodeError:
		m, err := netmsg.New(netmsg.MsgError, nil)
		if err == nil {
			if err := m.SetLabel(msg.Payload); err == nil {
				ac.conn.Send(m)
			}
		}

	default:
		log.Warnf("frontend: unexpected engine message %s for key %d", msg.Code, msg.Key)
	}
}
