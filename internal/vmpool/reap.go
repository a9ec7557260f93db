package vmpool

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/coldharbor/workerd/internal/netmsg"
)

// reap is the central teardown: pop the boot queue if the slot never
// connected, tear down and unhook any live connection, stop the VM, and
// unlink its disks. A slot reaped out of WORK lands in ZOMBIE for the
// caller to Release; any other slot (one that tore itself down before
// ever being claimed) is reset immediately.
func (p *Pool) reap(slot *Slot, graceful bool) {
	slot.mu.Lock()
	wasBoot := slot.state == Boot
	wasWork := slot.state == Work
	c := slot.conn
	cb := slot.cb
	slot.mu.Unlock()

	if wasBoot {
		p.popBootQueueIfHead(slot)
	}

	if c != nil {
		// Unhook before tearing down so Conn's own teardown callback does
		// not re-enter reap for a reap already in progress.
		c.SetTeardown(nil)
		c.Teardown()
	}

	if err := p.runVMCtlStop(slot); err != nil {
		if !wasBoot {
			log.WithError(err).Fatalf("vmpool: vmctl stop failed for slot %d outside BOOT", slot.idx)
		}
		// A never-started VM failing to stop is expected; tolerated per
		// the BOOT-state reap exception.
	}
	p.unlinkDisks(slot)

	slot.mu.Lock()
	slot.conn = nil
	if wasWork {
		slot.state = Zombie
	}
	slot.mu.Unlock()

	if wasWork {
		if graceful {
			if cb.SignalDone != nil {
				cb.SignalDone()
			}
		} else if cb.ReportError != nil {
			cb.ReportError("connection to vm terminated unexpectedly")
		}
		return
	}

	// The VM tore itself down (or was reaped) before ever being claimed:
	// nothing downstream is waiting on it, so cycle it back to BOOT now.
	p.resetSlot(slot)
}

func (p *Pool) unlinkDisks(slot *Slot) {
	slot.mu.Lock()
	base, vivado := slot.baseDisk, slot.vivadoDisk
	slot.mu.Unlock()
	if base != "" {
		os.Remove(base)
	}
	if vivado != "" {
		os.Remove(vivado)
	}
}

// onSlotTeardown fires when the slot's connection tears itself down
// outside an orchestrated reap (peer EOF, socket error). A WORK-state slot
// is reaped ungracefully so its claimer hears about it; a READY slot is
// reaped too, which resets it for a fresh boot. BOOT and ZOMBIE slots hold
// no connection.
func (p *Pool) onSlotTeardown(slot *Slot) {
	if s := slot.State(); s == Work || s == Ready {
		p.reap(slot, false)
	}
}

// onSlotTimeout implements the heartbeat protocol: the first timeout with
// no heartbeat outstanding sends one and re-arms; a second consecutive
// timeout is an ungraceful reap.
func (p *Pool) onSlotTimeout(slot *Slot) {
	slot.mu.Lock()
	pending := slot.heartbeatPending
	c := slot.conn
	slot.mu.Unlock()

	if pending {
		p.reap(slot, false)
		return
	}

	slot.mu.Lock()
	slot.heartbeatPending = true
	slot.mu.Unlock()

	if c == nil {
		return
	}
	hb, err := netmsg.New(netmsg.Heartbeat, nil)
	if err != nil {
		return
	}
	c.Send(hb)
}
