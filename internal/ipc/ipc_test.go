package ipc

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageMarshalUnmarshalRoundtrip(t *testing.T) {
	msg := Message{Key: 42, Code: CodePutArchive, Payload: "/fmessages/7"}
	buf := msg.Marshal()

	got, consumed, ok, err := Unmarshal(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, msg, got)
}

func TestMessageMarshalEmptyPayload(t *testing.T) {
	msg := Message{Code: CodeInitFD}
	buf := msg.Marshal()

	got, _, ok, err := Unmarshal(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "", got.Payload)
	assert.Equal(t, CodeInitFD, got.Code)
}

func TestUnmarshalIncompleteFrameIsNotOk(t *testing.T) {
	msg := Message{Key: 1, Code: CodeSendLine, Payload: "hello"}
	buf := msg.Marshal()

	_, consumed, ok, err := Unmarshal(buf[:len(buf)-2])
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, consumed)
}

func TestUnmarshalRejectsUnknownCode(t *testing.T) {
	buf := Message{Code: CodeError, Payload: "boom"}.Marshal()
	buf[6] = 0xFF // stomp the code byte

	_, _, ok, err := Unmarshal(buf)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestUnmarshalRejectsMissingTerminator(t *testing.T) {
	buf := Message{Code: CodeSendLine, Payload: "hi"}.Marshal()
	buf[len(buf)-1] = 'x' // corrupt the trailing NUL

	_, _, ok, err := Unmarshal(buf)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestUnmarshalConsumesOnlyOneFrameFromConcatenatedBuffer(t *testing.T) {
	first := Message{Key: 1, Code: CodeSendLine, Payload: "one"}.Marshal()
	second := Message{Key: 2, Code: CodeSendLine, Payload: "two"}.Marshal()
	buf := append(append([]byte{}, first...), second...)

	got, consumed, ok, err := Unmarshal(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len(first), consumed)
	assert.Equal(t, "one", got.Payload)

	got2, consumed2, ok2, err := Unmarshal(buf[consumed:])
	require.NoError(t, err)
	require.True(t, ok2)
	assert.Equal(t, len(second), consumed2)
	assert.Equal(t, "two", got2.Payload)
}

func TestTransportSendRecvOverSocketpair(t *testing.T) {
	a, b, err := NewSocketpair()
	require.NoError(t, err)
	ta := NewTransport(a)
	tb := NewTransport(b)
	defer ta.Close()
	defer tb.Close()

	delivered := make(chan Message, 1)
	tb.Listen(func(m Message) { delivered <- m })

	require.NoError(t, ta.Send(Message{Key: 9, Code: CodeRequestLine, Payload: "next line please"}))

	select {
	case m := <-delivered:
		assert.Equal(t, uint32(9), m.Key)
		assert.Equal(t, CodeRequestLine, m.Code)
		assert.Equal(t, "next line please", m.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestTransportDeliversMultipleFramesFromOneWrite(t *testing.T) {
	a, b, err := NewSocketpair()
	require.NoError(t, err)
	ta := NewTransport(a)
	tb := NewTransport(b)
	defer ta.Close()
	defer tb.Close()

	delivered := make(chan Message, 4)
	tb.Listen(func(m Message) { delivered <- m })

	require.NoError(t, ta.Send(Message{Key: 1, Code: CodeSendLine, Payload: "a"}))
	require.NoError(t, ta.Send(Message{Key: 2, Code: CodeSendLine, Payload: "b"}))

	var payloads []string
	for i := 0; i < 2; i++ {
		select {
		case m := <-delivered:
			payloads = append(payloads, m.Payload)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	assert.Equal(t, []string{"a", "b"}, payloads)
}

func TestSendFDPassesWorkingDescriptor(t *testing.T) {
	a, b, err := NewSocketpair()
	require.NoError(t, err)
	ta := NewTransport(a)
	tb := NewTransport(b)
	defer ta.Close()
	defer tb.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	recvd := make(chan struct {
		msg Message
		fd  int
	}, 1)
	go func() {
		msg, fd, err := tb.RecvFD()
		require.NoError(t, err)
		recvd <- struct {
			msg Message
			fd  int
		}{msg, fd}
	}()

	require.NoError(t, ta.SendFD(Message{Code: CodeInitFD}, int(r.Fd())))

	select {
	case got := <-recvd:
		assert.Equal(t, CodeInitFD, got.msg.Code)
		require.GreaterOrEqual(t, got.fd, 0)

		received := FileFromFD(got.fd, "received-read-end")
		defer received.Close()

		_, err := w.Write([]byte("ping"))
		require.NoError(t, err)

		buf := make([]byte, 4)
		n, err := received.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(buf[:n]))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fd handoff")
	}
}

func TestCodeStringAndValid(t *testing.T) {
	assert.True(t, CodeTerminate.Valid())
	assert.Equal(t, "TERMINATE", CodeTerminate.String())
	assert.False(t, Code(200).Valid())
}
