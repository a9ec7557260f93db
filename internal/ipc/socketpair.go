package ipc

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// NewSocketpair creates a connected pair of UNIX domain sockets with
// close-on-exec and non-blocking flags already set, matching the process
// fabric's contract for both the parent-to-child channels and the
// parent-to-sibling channel handed off via INITFD.
func NewSocketpair() (a, b *net.UnixConn, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ipc: socketpair: %w", err)
	}

	a, err = fileToUnixConn(fds[0], "ipc-pair")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err = fileToUnixConn(fds[1], "ipc-pair")
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

// fileToUnixConn wraps a raw fd as a *net.UnixConn. net.FileConn dups the
// descriptor internally, so f is closed before returning either way.
func fileToUnixConn(fd int, name string) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), name)
	c, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("ipc: wrapping fd %d: %w", fd, err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("ipc: fd %d produced unexpected conn type %T", fd, c)
	}
	return uc, nil
}

// FileFromFD wraps a raw fd received via SendFD/RecvFD as an *os.File the
// caller can pass to net.FileListener, net.FileConn, or hand straight to a
// Listen call elsewhere in the process.
func FileFromFD(fd int, name string) *os.File {
	return os.NewFile(uintptr(fd), name)
}
