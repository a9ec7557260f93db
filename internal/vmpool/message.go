package vmpool

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/coldharbor/workerd/internal/conn"
	"github.com/coldharbor/workerd/internal/netmsg"
)

// vmGetMsg is the per-slot inbound dispatch. It always clears the pending
// heartbeat flag and stops receiving first; a WORK-state slot's receive
// only resumes when the engine router next calls one of the Inject*
// operations below, matching the relay's stop-after-each-step contract.
// An unknown opcode is reported by Conn as a nil msg.
func (p *Pool) vmGetMsg(slot *Slot, msg *netmsg.Message) {
	slot.mu.Lock()
	state := slot.state
	slot.heartbeatPending = false
	cb := slot.cb
	c := slot.conn
	slot.mu.Unlock()

	if c != nil {
		c.StopReceive()
	}

	if msg == nil {
		log.Warnf("vmpool: slot %d sent an unrecognized opcode", slot.idx)
		return
	}

	if msg.Opcode() == netmsg.Heartbeat {
		p.rearm(slot)
		return
	}

	if state != Work {
		if state == Ready {
			log.Warnf("vmpool: slot %d got %s while READY, dropping", slot.idx, msg.Opcode())
		}
		p.rearm(slot)
		return
	}

	switch msg.Opcode() {
	case netmsg.Terminate:
		p.reap(slot, true)
		return // reap already tore the connection down; nothing to re-arm

	case netmsg.SendLine:
		label, err := msg.GetLabel()
		if err == nil && cb.Print != nil {
			cb.Print(label)
		}

	case netmsg.RequestLine:
		if cb.ReadLine != nil {
			cb.ReadLine()
		}

	case netmsg.SendFile:
		label, lerr := msg.GetLabel()
		data, derr := msg.GetData()
		if lerr == nil && derr == nil && cb.CommitFile != nil {
			cb.CommitFile(label, data)
		}

	case netmsg.Ack:
		if cb.LoadFile != nil {
			cb.LoadFile()
		}

	case netmsg.MsgError:
		label, err := msg.GetLabel()
		if err == nil && cb.ReportError != nil {
			cb.ReportError(label)
		}

	default:
		log.Warnf("vmpool: slot %d got unexpected opcode %s in WORK", slot.idx, msg.Opcode())
	}
}

func (p *Pool) rearm(slot *Slot) {
	slot.mu.Lock()
	c := slot.conn
	slot.mu.Unlock()
	if c == nil {
		return
	}
	c.Receive(func(cc *conn.Conn, msg *netmsg.Message) { p.vmGetMsg(slot, msg) })
}

// InjectLine builds and sends a SENDLINE netmsg to the slot's VM, then
// re-arms receive so the relay continues.
func (p *Pool) InjectLine(slot *Slot, line string) error {
	m, err := netmsg.New(netmsg.SendLine, nil)
	if err != nil {
		return err
	}
	if err := m.SetLabel(line); err != nil {
		return err
	}
	return p.send(slot, m)
}

// InjectFile builds and sends a SENDFILE netmsg carrying name/data to the
// slot's VM, then re-arms receive.
func (p *Pool) InjectFile(slot *Slot, name string, data []byte) error {
	m, err := netmsg.New(netmsg.SendFile, p.cfg.MsgDir)
	if err != nil {
		return err
	}
	if err := m.SetLabel(name); err != nil {
		return err
	}
	if err := m.SetData(data); err != nil {
		return err
	}
	return p.send(slot, m)
}

// InjectAck sends an ACK netmsg to the slot's VM, then re-arms receive.
func (p *Pool) InjectAck(slot *Slot) error {
	m, err := netmsg.New(netmsg.Ack, nil)
	if err != nil {
		return err
	}
	return p.send(slot, m)
}

func (p *Pool) send(slot *Slot, m *netmsg.Message) error {
	slot.mu.Lock()
	c := slot.conn
	slot.mu.Unlock()
	if c == nil {
		return fmt.Errorf("vmpool: slot %d has no connection", slot.idx)
	}
	c.Send(m)
	p.rearm(slot)
	return nil
}
