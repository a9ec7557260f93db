package ipc

import (
	"encoding/binary"
	"fmt"
)

// MaxPayloadSize is the largest payload a frame can carry: the 2-byte length
// prefix covers the code byte, the payload and the trailing NUL, so 65535-2
// bytes remain for the payload. Marshal does not check it; callers building
// a payload (e.g. a writeback path) can check against it up front.
const MaxPayloadSize = 65533

// Message is one frame on the process-fabric bus: a backend key, a message
// type, and a NUL-terminated string payload. Key is meaningless for
// process-topology messages (INITFD) and is left zero.
type Message struct {
	Key     uint32
	Code    Code
	Payload string
}

// Marshal encodes m as [key:4 BE][msglen:2 BE][code:1][payload][0x00],
// where msglen covers the code byte, the payload bytes, and the trailing
// NUL.
func (m Message) Marshal() []byte {
	body := make([]byte, 0, 1+len(m.Payload)+1)
	body = append(body, byte(m.Code))
	body = append(body, m.Payload...)
	body = append(body, 0)

	buf := make([]byte, 6+len(body))
	binary.BigEndian.PutUint32(buf[0:4], m.Key)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(body)))
	copy(buf[6:], body)
	return buf
}

// Unmarshal parses at most one frame from the front of buf. ok is false
// when buf does not yet hold a complete frame (the caller should wait for
// more bytes); err is non-nil only for a frame that is present in full but
// malformed, which is unrecoverable for the bus it arrived on.
func Unmarshal(buf []byte) (msg Message, consumed int, ok bool, err error) {
	if len(buf) < 6 {
		return Message{}, 0, false, nil
	}
	msglen := binary.BigEndian.Uint16(buf[4:6])
	total := 6 + int(msglen)
	if len(buf) < total {
		return Message{}, 0, false, nil
	}

	body := buf[6:total]
	if len(body) < 2 {
		return Message{}, 0, false, fmt.Errorf("ipc: frame too short for a code byte and terminator")
	}
	code := Code(body[0])
	if !code.Valid() {
		return Message{}, 0, false, fmt.Errorf("ipc: unknown message code %d", body[0])
	}
	if body[len(body)-1] != 0 {
		return Message{}, 0, false, fmt.Errorf("ipc: payload missing NUL terminator")
	}

	return Message{
		Key:     binary.BigEndian.Uint32(buf[0:4]),
		Code:    code,
		Payload: string(body[1 : len(body)-1]),
	}, total, true, nil
}
