// Package supervisor implements the parent process's half of the process
// fabric (C5): forking the frontend and engine by re-executing the binary
// with a role marker, wiring the three socket pairs the topology needs,
// handing the sibling pair off via INITFD, and finally dropping its own
// privileges. internal/ipc supplies the framed bus, socket-pair creation,
// and FD-passing primitives this package drives.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coldharbor/workerd/internal/config"
	"github.com/coldharbor/workerd/internal/ipc"
	"github.com/coldharbor/workerd/internal/netmsg"
)

// RoleEnvVar names the environment variable a re-exec'd child reads to
// learn which role to start as. main.go checks this before falling through
// to the normal cobra CLI dispatch.
const RoleEnvVar = "WORKERD_ROLE"

const (
	RoleFrontend = "frontend"
	RoleEngine   = "engine"
)

// Supervisor owns the two child processes and the sockets connecting them.
type Supervisor struct {
	cfg *config.Config

	frontend *child
	engine   *child
}

type child struct {
	role    string
	cmd     *exec.Cmd
	parent  *ipc.Transport // our end of the parent<->child pair
	doneErr chan error
}

// New builds a Supervisor from the loaded configuration. Run performs all
// the actual process and socket setup.
func New(cfg *config.Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// Run prepares the chrooted filesystem layout, spawns both children,
// completes the INITFD handoff, drops the parent's own privileges, then
// blocks until a child exits or ctx is cancelled (delivering TERM to both
// children on cancellation). It returns once the parent has nothing
// further to supervise.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.prepareDirs(); err != nil {
		return fmt.Errorf("supervisor: preparing directories: %w", err)
	}

	frontendConn, frontendSibling, err := ipc.NewSocketpair()
	if err != nil {
		return fmt.Errorf("supervisor: frontend socketpair: %w", err)
	}
	engineConn, engineSibling, err := ipc.NewSocketpair()
	if err != nil {
		return fmt.Errorf("supervisor: engine socketpair: %w", err)
	}

	siblingForFrontend, siblingForEngine, err := ipc.NewSocketpair()
	if err != nil {
		return fmt.Errorf("supervisor: sibling socketpair: %w", err)
	}

	s.frontend, err = s.spawn(RoleFrontend, frontendConn, frontendSibling)
	if err != nil {
		return fmt.Errorf("supervisor: spawning frontend: %w", err)
	}
	s.engine, err = s.spawn(RoleEngine, engineConn, engineSibling)
	if err != nil {
		return fmt.Errorf("supervisor: spawning engine: %w", err)
	}

	if err := sendSiblingFD(s.frontend.parent, siblingForFrontend); err != nil {
		return fmt.Errorf("supervisor: handing sibling fd to frontend: %w", err)
	}
	if err := sendSiblingFD(s.engine.parent, siblingForEngine); err != nil {
		return fmt.Errorf("supervisor: handing sibling fd to engine: %w", err)
	}

	log.Info("supervisor: both children spawned and initialized")

	if err := s.dropPrivileges(); err != nil {
		return fmt.Errorf("supervisor: dropping privileges: %w", err)
	}

	return s.wait(ctx)
}

// spawn re-execs the current binary with RoleEnvVar set, handing childEnd
// to the child as fd 3 (the first and only entry in ExtraFiles) while
// keeping parentEnd as our own side of the connected pair. parentEnd and
// childEnd must be the two ends of the same socketpair — confusing them
// leaves the parent's Transport and the child's fd 3 talking to the same
// half of the pair instead of to each other.
func (s *Supervisor) spawn(role string, parentEnd, childEnd *net.UnixConn) (*child, error) {
	exePath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving executable path: %w", err)
	}

	f, err := childEnd.File()
	if err != nil {
		return nil, fmt.Errorf("extracting fd for %s: %w", role, err)
	}

	cmd := exec.Command(exePath)
	cmd.Env = append(os.Environ(), RoleEnvVar+"="+role)
	cmd.ExtraFiles = []*os.File{f}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		f.Close()
		return nil, fmt.Errorf("starting %s: %w", role, err)
	}
	f.Close()        // the exec'd child has its own dup at fd 3; ours is redundant
	childEnd.Close() // our copy of the child's end; only the child needs it

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	return &child{
		role:    role,
		cmd:     cmd,
		parent:  ipc.NewTransport(parentEnd),
		doneErr: done,
	}, nil
}

// wait blocks until either child exits (sibling-process death is fatal to
// the parent per the failure semantics) or ctx is cancelled, in which case
// both children are sent SIGTERM and given a grace period before the
// parent returns anyway.
func (s *Supervisor) wait(ctx context.Context) error {
	select {
	case err := <-s.frontend.doneErr:
		log.WithError(err).Error("supervisor: frontend exited, shutting down")
		s.engine.cmd.Process.Kill()
		return fmt.Errorf("frontend exited: %w", err)
	case err := <-s.engine.doneErr:
		log.WithError(err).Error("supervisor: engine exited, shutting down")
		s.frontend.cmd.Process.Kill()
		return fmt.Errorf("engine exited: %w", err)
	case <-ctx.Done():
		s.frontend.cmd.Process.Signal(syscall.SIGTERM)
		s.engine.cmd.Process.Signal(syscall.SIGTERM)

		graceful := make(chan struct{})
		go func() {
			<-s.frontend.doneErr
			<-s.engine.doneErr
			close(graceful)
		}()
		select {
		case <-graceful:
		case <-time.After(5 * time.Second):
			s.frontend.cmd.Process.Kill()
			s.engine.cmd.Process.Kill()
		}
		return ctx.Err()
	}
}

// prepareDirs empties the four transient directories under the
// soon-to-be-chroot root, matching "all four directories are emptied at
// startup." The message directories reuse netmsg.Dir's own clean-on-start
// logic rather than duplicating a scan-and-unlink loop.
func (s *Supervisor) prepareDirs() error {
	root := s.cfg.Chroot.Dir
	for _, rel := range []string{"fmessages", "emessages", "writeback"} {
		if err := netmsg.NewDir(root + "/" + rel).Clean(); err != nil {
			return fmt.Errorf("cleaning %s: %w", rel, err)
		}
	}
	if err := os.MkdirAll(root+"/disks", 0700); err != nil {
		return fmt.Errorf("preparing disks dir: %w", err)
	}
	entries, err := os.ReadDir(root + "/disks")
	if err != nil {
		return fmt.Errorf("reading disks dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(root + "/disks/" + e.Name()); err != nil {
			return fmt.Errorf("clearing stale disk %s: %w", e.Name(), err)
		}
	}
	return nil
}

// sendSiblingFD hands conn's descriptor to transport via SCM_RIGHTS, then
// closes both our dup (from File()) and conn itself — the child now owns
// its own dup across fork+exec inheritance plus the SCM_RIGHTS receipt.
// conn.File() returns a dup, not conn's own fd, and that dup must stay
// open until SendFD has actually sent it; closing it first (as fdOf used
// to) hands Sendmsg an already-closed descriptor and SendFD fails EBADF.
func sendSiblingFD(transport *ipc.Transport, conn *net.UnixConn) error {
	f, err := conn.File()
	if err != nil {
		return fmt.Errorf("extracting sibling fd: %w", err)
	}
	err = transport.SendFD(ipc.Message{Code: ipc.CodeInitFD}, int(f.Fd()))
	f.Close()
	conn.Close()
	return err
}
