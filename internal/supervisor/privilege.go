package supervisor

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"
)

// dropPrivileges chroots into the configured directory and permanently
// drops to the configured unprivileged user. No library in the retrieved
// pack wraps chroot/setuid privilege separation (the teacher never runs as
// root at all), so this stays on stdlib syscall calls directly; see
// DESIGN.md.
func (s *Supervisor) dropPrivileges() error {
	return DropPrivileges(s.cfg.Chroot.User, s.cfg.Chroot.Dir)
}

// DropPrivileges chroots to dir and calls setgid/setuid to the named user.
// Must run after every privileged resource (listening sockets, the chroot
// root itself) has already been opened, since nothing outside dir is
// reachable afterward. Only the parent process calls it; the frontend and
// engine children never chroot or drop privileges themselves.
func DropPrivileges(username, dir string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("looking up user %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parsing uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("parsing gid %q: %w", u.Gid, err)
	}

	if err := syscall.Chroot(dir); err != nil {
		return fmt.Errorf("chroot %s: %w", dir, err)
	}
	if err := syscall.Chdir("/"); err != nil {
		return fmt.Errorf("chdir after chroot: %w", err)
	}

	// Group before user: once the uid drops, the process may no longer be
	// permitted to change its gid.
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("setgid %d: %w", gid, err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}
	return nil
}
