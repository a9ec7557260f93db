package conn

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/coldharbor/workerd/internal/netmsg"
)

// Mode selects the transport a Listener accepts.
type Mode int

const (
	ModeTCP Mode = iota
	ModeTLS
)

// AcceptFunc is invoked once per accepted connection.
type AcceptFunc func(c *Conn)

// Listener is a once-per-process accept loop producing Conns.
type Listener struct {
	ln     net.Listener
	cancel context.CancelFunc
}

// Listen starts accepting on addr. In ModeTLS, tlsConfig must already have
// client-certificate verification configured (see NewMutualTLSConfig).
// msgDir, if non-nil, is where inbound SENDFILE messages on accepted
// connections are disk-backed; pass nil for a listener that never expects
// SENDFILE traffic. Both workerd listeners pass one: clients send their job
// archive as SENDFILE, and VMs send their artifacts the same way.
func Listen(ctx context.Context, addr string, mode Mode, tlsConfig *tls.Config, msgDir *netmsg.Dir, onAccept AcceptFunc) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if mode == ModeTLS {
		ln = tls.NewListener(ln, tlsConfig)
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &Listener{ln: ln, cancel: cancel}

	go l.acceptLoop(ctx, msgDir, onAccept)
	return l, nil
}

func (l *Listener) acceptLoop(ctx context.Context, msgDir *netmsg.Dir, onAccept AcceptFunc) {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		raw, err := l.ln.Accept()
		if err != nil {
			return
		}
		onAccept(newConn(raw, msgDir))
	}
}

// Close stops accepting new connections. Existing Conns are unaffected.
func (l *Listener) Close() error {
	l.cancel()
	return nil
}

// Addr returns the address the listener is bound to, chiefly useful when
// the caller asked for an ephemeral port (":0").
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}
