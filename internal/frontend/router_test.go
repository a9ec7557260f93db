package frontend

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldharbor/workerd/internal/config"
	"github.com/coldharbor/workerd/internal/conn"
	"github.com/coldharbor/workerd/internal/ipc"
	"github.com/coldharbor/workerd/internal/netmsg"
)

// testHarness wires a Router to a plain-TCP client listener (bypassing
// TLS, which needs real certificate material the rest of this suite has
// no use for) and a fake engine peer driven directly in the test.
type testHarness struct {
	router   *Router
	listener *conn.Listener
	engine   *ipc.Transport // the test's own end of the engine socketpair
	fromFE   chan ipc.Message
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	routerSide, testSide, err := ipc.NewSocketpair()
	require.NoError(t, err)

	cfg := &config.Config{
		Timeout: config.TimeoutConfig{ClientSeconds: 1},
	}
	msgDir := netmsg.NewDir(t.TempDir())

	router := New(cfg, ipc.NewTransport(routerSide), msgDir)

	fromFE := make(chan ipc.Message, 16)
	testTransport := ipc.NewTransport(testSide)
	testTransport.Listen(func(m ipc.Message) { fromFE <- m })
	router.engine.Listen(router.handleEngineMessage)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ln, err := conn.Listen(ctx, "127.0.0.1:0", conn.ModeTCP, nil, msgDir, router.handleAccept)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	return &testHarness{router: router, listener: ln, engine: testTransport, fromFE: fromFE}
}

func (h *testHarness) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", h.listener.Addr().String())
	require.NoError(t, err)
	return c
}

func recvIPC(t *testing.T, ch chan ipc.Message) ipc.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an IPC message from the frontend")
		return ipc.Message{}
	}
}

func rawSendFile(label string, data []byte) []byte {
	labelSz := make([]byte, 8)
	dataSz := make([]byte, 8)
	binary.BigEndian.PutUint64(labelSz, uint64(len(label)))
	binary.BigEndian.PutUint64(dataSz, uint64(len(data)))

	buf := make([]byte, 0, 1+8+len(label)+8+len(data))
	buf = append(buf, byte(netmsg.SendFile))
	buf = append(buf, labelSz...)
	buf = append(buf, label...)
	buf = append(buf, dataSz...)
	buf = append(buf, data...)
	return buf
}

func rawSendLine(label string) []byte {
	labelSz := make([]byte, 8)
	binary.BigEndian.PutUint64(labelSz, uint64(len(label)))
	buf := make([]byte, 0, 1+8+len(label))
	buf = append(buf, byte(netmsg.SendLine))
	buf = append(buf, labelSz...)
	buf = append(buf, label...)
	return buf
}

func TestArchiveBeforeInitializedSendsPutArchive(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	defer c.Close()

	_, err := c.Write(rawSendFile("archive.tar", []byte("payload bytes")))
	require.NoError(t, err)

	msg := recvIPC(t, h.fromFE)
	assert.Equal(t, ipc.CodePutArchive, msg.Code)
	assert.NotEmpty(t, msg.Payload)
}

func TestInitializedThenSendLineTranslatesToIPC(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	defer c.Close()

	_, err := c.Write(rawSendFile("archive.tar", []byte("x")))
	require.NoError(t, err)
	putArchive := recvIPC(t, h.fromFE)

	require.NoError(t, h.engine.Send(ipc.Message{Key: putArchive.Key, Code: ipc.CodeInitialized}))

	// Give the async engine->frontend dispatch a moment to land before the
	// client sends its line (both sides are async goroutines).
	time.Sleep(50 * time.Millisecond)

	_, err = c.Write(rawSendLine("hello"))
	require.NoError(t, err)

	msg := recvIPC(t, h.fromFE)
	assert.Equal(t, ipc.CodeSendLine, msg.Code)
	assert.Equal(t, "hello", msg.Payload)
}

func TestClientTeardownAfterInitializedSendsTerminate(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	_, err := c.Write(rawSendFile("archive.tar", []byte("x")))
	require.NoError(t, err)
	putArchive := recvIPC(t, h.fromFE)
	require.NoError(t, h.engine.Send(ipc.Message{Key: putArchive.Key, Code: ipc.CodeInitialized}))

	c.Close() // client EOF

	msg := recvIPC(t, h.fromFE)
	assert.Equal(t, ipc.CodeTerminate, msg.Code)
	assert.Equal(t, putArchive.Key, msg.Key)
}

func TestRequestTermFromEngineTearsDownClientWithoutDoubleTerminate(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	defer c.Close()

	_, err := c.Write(rawSendFile("archive.tar", []byte("x")))
	require.NoError(t, err)
	putArchive := recvIPC(t, h.fromFE)
	require.NoError(t, h.engine.Send(ipc.Message{Key: putArchive.Key, Code: ipc.CodeInitialized}))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, h.engine.Send(ipc.Message{Key: putArchive.Key, Code: ipc.CodeRequestTerm}))

	buf := make([]byte, 1)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = c.Read(buf)
	assert.Error(t, err) // connection closed, no further bytes

	select {
	case extra := <-h.fromFE:
		t.Fatalf("unexpected extra IPC message after REQUESTTERM: %s", extra.Code)
	case <-time.After(200 * time.Millisecond):
	}
}
