package vmpool

import (
	"sync"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"

	"github.com/coldharbor/workerd/internal/conn"
)

// Callbacks translate VM traffic on a claimed slot back into frontend
// action. The scheduler hands these to a slot at Claim time and demotes
// them to a zero-value Callbacks on KillAll so a reap in progress never
// calls back into a router that is shutting down.
type Callbacks struct {
	Print       func(line string)
	ReadLine    func()
	CommitFile  func(name string, data []byte)
	LoadFile    func()
	ReportError func(message string)
	SignalDone  func()
}

// Slot is one fixed array entry: an overlay-disk-backed VM instance plus
// whatever connection and claim state it currently carries.
type Slot struct {
	mu sync.Mutex

	idx  int
	name string

	baseDisk   string
	vivadoDisk string
	machine    *firecracker.Machine

	state State
	conn  *conn.Conn

	key uint32
	cb  Callbacks

	heartbeatPending bool

	// auxPath holds the writeback path of an artifact the engine router
	// produced on this slot's behalf (commitfile→writeback→SENDFILE to
	// frontend) until the matching CLIENTACK or TERMINATE tears it down.
	auxPath string

	bootResolved chan struct{}
}

// Index returns the slot's fixed position, used to name its overlay disks.
func (s *Slot) Index() int {
	return s.idx
}

// State reports the slot's current lifecycle state.
func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Key returns the backend key the slot was last claimed under (zero if
// unclaimed).
func (s *Slot) Key() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// AuxPath and SetAuxPath track the pending writeback path described above.
func (s *Slot) AuxPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auxPath
}

func (s *Slot) SetAuxPath(path string) {
	s.mu.Lock()
	s.auxPath = path
	s.mu.Unlock()
}
