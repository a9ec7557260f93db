// Package engine implements the VM-facing router (C8): the other end of
// the frontend<->engine IPC bus, translating archive hand-offs and client
// traffic into VM scheduler operations, and VM-originated callbacks back
// into IPC replies. It keeps no key-to-slot table of its own — every
// lookup resolves through internal/vmpool.Pool.Lookup, the scheduler
// being the single source of truth for that binding.
package engine

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/coldharbor/workerd/internal/config"
	"github.com/coldharbor/workerd/internal/ipc"
	"github.com/coldharbor/workerd/internal/netmsg"
	"github.com/coldharbor/workerd/internal/vmpool"
	"github.com/coldharbor/workerd/internal/writeback"
)

// Router owns the VM pool and the writeback store, and is the sole
// consumer of the frontend sibling transport on this side.
type Router struct {
	cfg      *config.Config
	frontend *ipc.Transport
	pool     *vmpool.Pool
	store    *writeback.Store
}

// New builds a Router. pool must not yet be initialized (Run calls
// pool.VMInit); store is the engine's writeback directory
// (/writeback under the chroot root).
func New(cfg *config.Config, frontend *ipc.Transport, pool *vmpool.Pool, store *writeback.Store) *Router {
	return &Router{cfg: cfg, frontend: frontend, pool: pool, store: store}
}

// Run starts the VM pool (booting and accepting) and the frontend IPC
// receive loop, then blocks until ctx is cancelled, tearing every VM slot
// down before returning.
func (r *Router) Run(ctx context.Context) error {
	if err := r.pool.VMInit(ctx); err != nil {
		return fmt.Errorf("engine: starting VM pool: %w", err)
	}
	r.frontend.Listen(r.handleFrontendMessage)

	<-ctx.Done()
	r.pool.KillAll()
	return ctx.Err()
}

func (r *Router) handleFrontendMessage(msg ipc.Message) {
	switch msg.Code {
	case ipc.CodePutArchive:
		r.onPutArchive(msg)
	case ipc.CodeSendLine:
		r.onSendLine(msg)
	case ipc.CodeClientAck:
		r.onClientAck(msg)
	case ipc.CodeTerminate:
		r.onTerminate(msg)
	default:
		log.Warnf("engine: unexpected frontend message %s for key %d", msg.Code, msg.Key)
	}
}

// onPutArchive claims a slot, weakly loads the archive at the carried
// path, and injects its contents into the VM before replying INITIALIZED.
// Any failure along the way is reported as ERROR and, if a slot was
// claimed, released back to the pool.
func (r *Router) onPutArchive(msg ipc.Message) {
	key := msg.Key

	cb := vmpool.Callbacks{
		Print: func(line string) {
			r.frontend.Send(ipc.Message{Key: key, Code: ipc.CodeSendLine, Payload: line})
		},
		ReadLine: func() {
			r.frontend.Send(ipc.Message{Key: key, Code: ipc.CodeRequestLine})
		},
		CommitFile: func(name string, data []byte) {
			path, err := r.store.Writeback(name, data)
			if err != nil {
				log.WithError(err).Errorf("engine: writeback for key %d", key)
				r.sendError(key, "writeback failed")
				return
			}
			if slot, ok := r.pool.Lookup(key); ok {
				slot.SetAuxPath(path)
			}
			r.frontend.Send(ipc.Message{Key: key, Code: ipc.CodeSendFile, Payload: path})
		},
		ReportError: func(message string) {
			r.sendError(key, message)
		},
		SignalDone: func() {
			r.frontend.Send(ipc.Message{Key: key, Code: ipc.CodeRequestTerm})
		},
	}

	slot, err := r.pool.Claim(key, cb)
	if err != nil {
		r.sendError(key, err.Error())
		return
	}

	archive, err := netmsg.LoadWeakly(msg.Payload)
	if err != nil {
		// The frontend may have torn the client connection (and its
		// retained archive) down already; this is a recoverable race,
		// not a fatal condition.
		log.WithError(err).Warnf("engine: loading archive for key %d", key)
		r.sendError(key, fmt.Sprintf("archive unavailable: %v", err))
		r.pool.Release(slot)
		return
	}

	label, lerr := archive.GetLabel()
	data, derr := archive.GetData()
	archive.Teardown()
	if lerr != nil || derr != nil {
		r.sendError(key, "malformed archive")
		r.pool.Release(slot)
		return
	}

	if err := r.pool.InjectFile(slot, label, data); err != nil {
		r.sendError(key, fmt.Sprintf("injecting archive: %v", err))
		r.pool.Release(slot)
		return
	}

	r.frontend.Send(ipc.Message{Key: key, Code: ipc.CodeInitialized})
}

func (r *Router) onSendLine(msg ipc.Message) {
	slot, ok := r.pool.Lookup(msg.Key)
	if !ok {
		log.Warnf("engine: SENDLINE for unknown key %d", msg.Key)
		return
	}
	if err := r.pool.InjectLine(slot, msg.Payload); err != nil {
		log.WithError(err).Errorf("engine: injecting line for key %d", msg.Key)
	}
}

// onClientAck unblocks the VM relay. If a commitfile round-trip is still
// pending a writeback file on this slot, it is torn down first — the
// client has now consumed it.
func (r *Router) onClientAck(msg ipc.Message) {
	slot, ok := r.pool.Lookup(msg.Key)
	if !ok {
		log.Warnf("engine: CLIENTACK for unknown key %d", msg.Key)
		return
	}
	r.clearAux(slot)
	if err := r.pool.InjectAck(slot); err != nil {
		log.WithError(err).Errorf("engine: injecting ack for key %d", msg.Key)
	}
}

// onTerminate releases the slot after the same writeback cleanup CLIENTACK
// performs; the client disconnected before acknowledging whatever
// artifact was outstanding.
func (r *Router) onTerminate(msg ipc.Message) {
	slot, ok := r.pool.Lookup(msg.Key)
	if !ok {
		return
	}
	r.clearAux(slot)
	r.pool.Release(slot)
}

func (r *Router) clearAux(slot *vmpool.Slot) {
	if aux := slot.AuxPath(); aux != "" {
		if err := r.store.Teardown(aux); err != nil {
			log.WithError(err).Errorf("engine: tearing down writeback entry %s", aux)
		}
		slot.SetAuxPath("")
	}
}

func (r *Router) sendError(key uint32, reason string) {
	if err := r.frontend.Send(ipc.Message{Key: key, Code: ipc.CodeError, Payload: reason}); err != nil {
		log.WithError(err).Errorf("engine: sending error for key %d", key)
	}
}
