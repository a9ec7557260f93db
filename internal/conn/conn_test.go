package conn

import (
	"net"
	"testing"
	"time"

	"github.com/coldharbor/workerd/internal/netmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueAppendDrainOrder(t *testing.T) {
	var q queue

	a, err := netmsg.New(netmsg.Ack, nil)
	require.NoError(t, err)
	b, err := netmsg.New(netmsg.Heartbeat, nil)
	require.NoError(t, err)

	wasEmpty := q.append(a)
	assert.True(t, wasEmpty)
	wasEmpty = q.append(b)
	assert.False(t, wasEmpty)

	head, ok := q.head()
	require.True(t, ok)
	assert.Equal(t, a, head)

	becameEmpty := q.deleteHead()
	assert.False(t, becameEmpty)

	head, ok = q.head()
	require.True(t, ok)
	assert.Equal(t, b, head)

	becameEmpty = q.deleteHead()
	assert.True(t, becameEmpty)

	_, ok = q.head()
	assert.False(t, ok)
}

func TestQueueTeardownClosesContents(t *testing.T) {
	var q queue
	m, err := netmsg.New(netmsg.Ack, nil)
	require.NoError(t, err)
	q.append(m)

	q.teardown()

	_, ok := q.head()
	assert.False(t, ok)

	_, err = m.Read(make([]byte, 1))
	assert.Error(t, err, "teardown closed the queued message's backing")
}

func TestConnSendLineRoundtrip(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	client := newConn(clientRaw, nil)
	server := newConn(serverRaw, nil)
	defer client.Teardown()
	defer server.Teardown()

	delivered := make(chan *netmsg.Message, 1)
	server.Receive(func(c *Conn, msg *netmsg.Message) {
		delivered <- msg
	})

	out, err := netmsg.New(netmsg.SendLine, nil)
	require.NoError(t, err)
	require.NoError(t, out.SetLabel("echo this"))
	client.Send(out)

	select {
	case msg := <-delivered:
		require.NotNil(t, msg)
		label, err := msg.GetLabel()
		require.NoError(t, err)
		assert.Equal(t, "echo this", label)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestConnUnknownOpcodeTearsDown(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()

	server := newConn(serverRaw, nil)

	delivered := make(chan *netmsg.Message, 1)
	server.Receive(func(c *Conn, msg *netmsg.Message) {
		delivered <- msg
	})

	_, err := clientRaw.Write([]byte{0xFE})
	require.NoError(t, err)

	select {
	case msg := <-delivered:
		assert.Nil(t, msg, "unknown opcode delivers a nil message")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestConnTeardownIsIdempotent(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer serverRaw.Close()

	client := newConn(clientRaw, nil)
	client.Teardown()
	client.Teardown() // must not panic or double-close
}

func TestConnMultipleMessagesInOneChunk(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	client := newConn(clientRaw, nil)
	server := newConn(serverRaw, nil)
	defer client.Teardown()
	defer server.Teardown()

	delivered := make(chan *netmsg.Message, 4)
	server.Receive(func(c *Conn, msg *netmsg.Message) {
		delivered <- msg
	})

	m1, err := netmsg.New(netmsg.SendLine, nil)
	require.NoError(t, err)
	require.NoError(t, m1.SetLabel("first"))
	m2, err := netmsg.New(netmsg.SendLine, nil)
	require.NoError(t, err)
	require.NoError(t, m2.SetLabel("second"))

	client.Send(m1)
	client.Send(m2)

	var labels []string
	for i := 0; i < 2; i++ {
		select {
		case msg := <-delivered:
			require.NotNil(t, msg)
			label, err := msg.GetLabel()
			require.NoError(t, err)
			labels = append(labels, label)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	assert.Equal(t, []string{"first", "second"}, labels)
}
