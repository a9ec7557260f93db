package supervisor

import (
	"fmt"
	"net"
	"os"

	"github.com/coldharbor/workerd/internal/ipc"
)

// parentFD is the well-known descriptor a re-exec'd child inherits its
// parent channel on: fd 0/1/2 are stdio, so the first (and only) entry in
// the parent's cmd.ExtraFiles lands at 3.
const parentFD = 3

// Bootstrap is called at the top of a re-exec'd child's startup event
// loop. It wraps the inherited parent channel, blocks for the INITFD
// message carrying the sibling socket, and returns a ready-to-use
// Transport for frontend<->engine traffic. The parent channel itself is
// closed once the handoff completes, replacing "parent listen" with
// "sibling listen" per the startup choreography.
func Bootstrap() (sibling *ipc.Transport, err error) {
	parentFile := os.NewFile(uintptr(parentFD), "parent")
	parentRawConn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		return nil, fmt.Errorf("supervisor: wrapping parent fd: %w", err)
	}
	parentConn, ok := parentRawConn.(*net.UnixConn)
	if !ok {
		parentRawConn.Close()
		return nil, fmt.Errorf("supervisor: parent fd is not a unix socket")
	}
	parentTransport := ipc.NewTransport(parentConn)

	msg, fd, err := parentTransport.RecvFD()
	if err != nil {
		parentTransport.Close()
		return nil, fmt.Errorf("supervisor: receiving INITFD: %w", err)
	}
	if msg.Code != ipc.CodeInitFD {
		parentTransport.Close()
		return nil, fmt.Errorf("supervisor: expected INITFD, got %s", msg.Code)
	}
	if fd < 0 {
		parentTransport.Close()
		return nil, fmt.Errorf("supervisor: INITFD carried no descriptor")
	}

	siblingFile := ipc.FileFromFD(fd, "sibling")
	siblingRawConn, err := net.FileConn(siblingFile)
	siblingFile.Close()
	if err != nil {
		parentTransport.Close()
		return nil, fmt.Errorf("supervisor: wrapping sibling fd: %w", err)
	}
	siblingConn, ok := siblingRawConn.(*net.UnixConn)
	if !ok {
		siblingRawConn.Close()
		parentTransport.Close()
		return nil, fmt.Errorf("supervisor: sibling fd is not a unix socket")
	}

	parentTransport.Close()
	return ipc.NewTransport(siblingConn), nil
}
