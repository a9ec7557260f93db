// Package vmpool implements the VM pool scheduler (C6): a fixed array of
// slots, each an observable BOOT/READY/WORK/ZOMBIE state machine, driven
// by a serialized boot queue and claimed by the engine router to relay a
// client job through to a warm VM.
package vmpool

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/coldharbor/workerd/internal/conn"
	"github.com/coldharbor/workerd/internal/netmsg"
)

// Config fixes the pool's shape and the Firecracker material it boots
// slots from. "vmctl start/stop/create" from the external-tool contract is
// driven here directly through firecracker-go-sdk rather than shelling out
// to a separate binary; see DESIGN.md.
type Config struct {
	Size           int
	Template       string // rootfs image every slot's overlay disks are copied from
	KernelPath     string
	FirecrackerBin string
	VCPUCount      int64
	MemSizeMiB     int64
	DiskDir        string
	ListenAddr     string
	Timeout        time.Duration
	MsgDir         *netmsg.Dir
}

// Pool is the scheduler: the slot array, the boot queue, and the
// VM-facing listener accepting the connections booted VMs dial back in
// on.
type Pool struct {
	cfg Config

	mu        sync.Mutex
	slots     []*Slot
	bootQueue []*Slot

	bootWake chan struct{}
	exit     chan struct{}

	listener *conn.Listener
}

// New allocates the fixed slot array; call VMInit to start booting and
// accepting.
func New(cfg Config) *Pool {
	slots := make([]*Slot, cfg.Size)
	for i := range slots {
		slots[i] = &Slot{idx: i, state: Boot}
	}
	return &Pool{
		cfg:      cfg,
		slots:    slots,
		bootWake: make(chan struct{}, 1),
		exit:     make(chan struct{}),
	}
}

// VMInit starts the VM-facing listener and resets every slot, enqueuing
// all of them for a serialized boot.
func (p *Pool) VMInit(ctx context.Context) error {
	ln, err := conn.Listen(ctx, p.cfg.ListenAddr, conn.ModeTCP, nil, p.cfg.MsgDir, p.handleAccept)
	if err != nil {
		return fmt.Errorf("vmpool: listening on %s: %w", p.cfg.ListenAddr, err)
	}
	p.listener = ln

	go p.bootLoop()

	for _, slot := range p.slots {
		p.resetSlot(slot)
	}
	return nil
}

// Addr returns the VM-facing listener's bound address, chiefly useful in
// tests that bind an ephemeral port.
func (p *Pool) Addr() net.Addr {
	return p.listener.Addr()
}

// SlotStatus is a read-only snapshot of one slot, for the operator console.
type SlotStatus struct {
	Index int
	State string
	Key   uint32
}

// Snapshot reports every slot's current state and claimed key. It never
// blocks on a slot being mid-transition; each slot's own mutex is taken and
// released independently, so the result is a consistent-enough view for
// a dashboard, not a linearizable one across slots.
func (p *Pool) Snapshot() []SlotStatus {
	p.mu.Lock()
	slots := append([]*Slot{}, p.slots...)
	p.mu.Unlock()

	out := make([]SlotStatus, len(slots))
	for i, slot := range slots {
		slot.mu.Lock()
		out[i] = SlotStatus{Index: slot.idx, State: slot.state.String(), Key: slot.key}
		slot.mu.Unlock()
	}
	return out
}

// Lookup finds the WORK-state slot currently claimed under key. The
// engine router keeps no table of its own; every subsequent message for a
// job resolves its slot through this call, per the scheduler being the
// single source of truth for key-to-slot binding.
func (p *Pool) Lookup(key uint32) (*Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, slot := range p.slots {
		slot.mu.Lock()
		if slot.state == Work && slot.key == key {
			slot.mu.Unlock()
			return slot, true
		}
		slot.mu.Unlock()
	}
	return nil, false
}

// Claim picks any READY slot, attaches cb, and moves it to WORK. Returns
// an error the caller should surface to the client as "try again later"
// when no slot is currently READY.
func (p *Pool) Claim(key uint32, cb Callbacks) (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, slot := range p.slots {
		slot.mu.Lock()
		if slot.state == Ready {
			slot.key = key
			slot.cb = cb
			slot.state = Work
			slot.mu.Unlock()
			return slot, nil
		}
		slot.mu.Unlock()
	}
	return nil, fmt.Errorf("vmpool: no ready VM, try again")
}

// Release reaps slot gracefully if it has not already reached ZOMBIE, then
// unconditionally resets it for another boot cycle.
func (p *Pool) Release(slot *Slot) {
	slot.mu.Lock()
	alreadyZombie := slot.state == Zombie
	slot.mu.Unlock()

	if !alreadyZombie {
		p.reap(slot, true)
	}
	p.resetSlot(slot)
}

// KillAll tears every initialized slot down gracefully and stops the boot
// loop. Safe to call at any time; it is the only path to full shutdown.
func (p *Pool) KillAll() {
	p.mu.Lock()
	p.bootQueue = nil
	slots := append([]*Slot{}, p.slots...)
	p.mu.Unlock()

	for _, slot := range slots {
		slot.mu.Lock()
		initialized := slot.conn != nil && slot.state != Zombie
		if initialized {
			slot.cb = Callbacks{}
			slot.state = Work // coerce so reap() does not auto-reset afterward
		}
		slot.mu.Unlock()

		if initialized {
			p.reap(slot, true)
		}
	}

	select {
	case <-p.exit:
	default:
		close(p.exit)
	}
	if p.listener != nil {
		p.listener.Close()
	}
}

// handleAccept assigns an inbound VM connection to the boot queue's head,
// the only slot that can plausibly be dialing back in since boots are
// serialized.
func (p *Pool) handleAccept(c *conn.Conn) {
	p.mu.Lock()
	if len(p.bootQueue) == 0 {
		p.mu.Unlock()
		log.Warn("vmpool: VM connection with no slot awaiting boot, dropping")
		c.Teardown()
		return
	}
	slot := p.bootQueue[0]
	p.bootQueue = p.bootQueue[1:]
	p.mu.Unlock()

	close(slot.bootResolved)

	slot.mu.Lock()
	slot.conn = c
	slot.state = Ready
	slot.mu.Unlock()

	c.SetTeardown(func(cc *conn.Conn) { p.onSlotTeardown(slot) })
	c.SetTimeout(p.cfg.Timeout, func(cc *conn.Conn) { p.onSlotTimeout(slot) })
	c.Receive(func(cc *conn.Conn, msg *netmsg.Message) { p.vmGetMsg(slot, msg) })
}

// bootLoop runs vmctl start for the boot queue's head one at a time,
// waiting for that slot to leave BOOT (via Accept or a reap) before
// starting the next.
func (p *Pool) bootLoop() {
	for {
		p.mu.Lock()
		if len(p.bootQueue) == 0 {
			p.mu.Unlock()
			select {
			case <-p.bootWake:
				continue
			case <-p.exit:
				return
			}
		}
		head := p.bootQueue[0]
		p.mu.Unlock()

		if err := p.runVMCtlStart(head); err != nil {
			log.WithError(err).Errorf("vmpool: vmctl start failed for slot %d", head.idx)
		}

		select {
		case <-head.bootResolved:
		case <-p.exit:
			return
		}
	}
}

func (p *Pool) enqueueBoot(slot *Slot) {
	p.mu.Lock()
	p.bootQueue = append(p.bootQueue, slot)
	p.mu.Unlock()

	select {
	case p.bootWake <- struct{}{}:
	default:
	}
}

// popBootQueueIfHead removes slot from the boot queue and releases the
// boot loop only if slot is still at the head (i.e. it never actually
// connected before being reaped).
func (p *Pool) popBootQueueIfHead(slot *Slot) {
	p.mu.Lock()
	isHead := len(p.bootQueue) > 0 && p.bootQueue[0] == slot
	if isHead {
		p.bootQueue = p.bootQueue[1:]
	}
	p.mu.Unlock()
	if isHead {
		close(slot.bootResolved)
	}
}

// resetSlot creates fresh overlay disks from the template, assigns the
// slot a fresh instance name, and enqueues it for boot. "create -b template
// overlay" becomes a flat file copy (firecracker drives take a plain disk
// image, not a qcow2 backing-file chain), grounded on
// vm/machine_linux.go's copyFile building a snapshot's disk from a rootfs.
func (p *Pool) resetSlot(slot *Slot) {
	slot.mu.Lock()
	idx := slot.idx
	slot.mu.Unlock()

	baseDisk := fmt.Sprintf("%s/base%d.qcow2", p.cfg.DiskDir, idx)
	vivadoDisk := fmt.Sprintf("%s/vivado%d.qcow2", p.cfg.DiskDir, idx)
	name := fmt.Sprintf("workerd-slot-%d-%s", idx, uuid.NewString())

	if err := copyFile(p.cfg.Template, baseDisk); err != nil {
		log.WithError(err).Errorf("vmpool: creating base overlay for slot %d", idx)
	}
	if err := copyFile(p.cfg.Template, vivadoDisk); err != nil {
		log.WithError(err).Errorf("vmpool: creating vivado overlay for slot %d", idx)
	}

	slot.mu.Lock()
	slot.baseDisk = baseDisk
	slot.vivadoDisk = vivadoDisk
	slot.name = name
	slot.state = Boot
	slot.key = 0
	slot.cb = Callbacks{}
	slot.heartbeatPending = false
	slot.auxPath = ""
	slot.bootResolved = make(chan struct{})
	slot.mu.Unlock()

	p.enqueueBoot(slot)
}

// runVMCtlStart is "vmctl start -t template -d base -d vivado name":
// boot a Firecracker microVM over the slot's two overlay disks. Machine.Start
// blocks until the guest kernel has booted, preserving the fork+wait
// synchronous-invocation contract with no further change to the boot queue.
func (p *Pool) runVMCtlStart(slot *Slot) error {
	slot.mu.Lock()
	base, vivado, name, idx := slot.baseDisk, slot.vivadoDisk, slot.name, slot.idx
	slot.mu.Unlock()

	ctx := context.Background()
	vcpu, mem := p.cfg.VCPUCount, p.cfg.MemSizeMiB
	socketPath := fmt.Sprintf("%s/%s.sock", p.cfg.DiskDir, name)

	fcCfg := firecracker.Config{
		SocketPath:      socketPath,
		KernelImagePath: p.cfg.KernelPath,
		KernelArgs:      "console=ttyS0 reboot=k panic=1 pci=off",
		Drives: []models.Drive{
			{
				DriveID:      firecracker.String("base"),
				PathOnHost:   firecracker.String(base),
				IsRootDevice: firecracker.Bool(true),
				IsReadOnly:   firecracker.Bool(false),
			},
			{
				DriveID:      firecracker.String("vivado"),
				PathOnHost:   firecracker.String(vivado),
				IsRootDevice: firecracker.Bool(false),
				IsReadOnly:   firecracker.Bool(false),
			},
		},
		NetworkInterfaces: []firecracker.NetworkInterface{
			{
				StaticConfiguration: &firecracker.StaticNetworkConfiguration{
					HostDevName: fmt.Sprintf("fc-tap-%d", idx),
				},
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  &vcpu,
			MemSizeMib: &mem,
		},
	}

	fcCmd := firecracker.VMCommandBuilder{}.
		WithBin(p.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(ctx)

	logger := log.New()
	logger.SetLevel(log.WarnLevel)

	machine, err := firecracker.NewMachine(ctx, fcCfg,
		firecracker.WithProcessRunner(fcCmd),
		firecracker.WithLogger(log.NewEntry(logger)),
	)
	if err != nil {
		return fmt.Errorf("creating firecracker machine for slot %d: %w", idx, err)
	}

	if err := machine.Start(ctx); err != nil {
		return fmt.Errorf("starting firecracker machine for slot %d: %w", idx, err)
	}

	slot.mu.Lock()
	slot.machine = machine
	slot.mu.Unlock()
	return nil
}

// runVMCtlStop is "vmctl stop -fw name": tear the microVM process down.
// Tolerating a nil machine (never actually started, the BOOT-state reap
// exception spec.md carves out) mirrors a never-started vmctl's exit code
// being ignorable under the same exception.
func (p *Pool) runVMCtlStop(slot *Slot) error {
	slot.mu.Lock()
	machine := slot.machine
	slot.machine = nil
	slot.mu.Unlock()

	if machine == nil {
		return nil
	}
	return machine.StopVMM()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
