// Package netmsg implements the wire message container shared by every
// connection in workerd: a netmsg is tagged by a 1-byte opcode and carries
// an optional label and an optional data payload, memory-backed for short
// control messages and disk-backed (under a role-specific directory) for
// SENDFILE archives and artifacts. The same read/write/seek/truncate
// contract works whichever backing a given opcode picked, so callers never
// need to know which one they are holding.
package netmsg

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// Size limits from the wire format.
const (
	MaxLabelSize = 1024
	MaxDataSize  = 10 * 1024 * 1024
)

const headerFieldSize = 8 // label/data size prefixes are 8-byte big-endian

// Message is one netmsg instance. It is not safe for concurrent use by
// multiple goroutines without external synchronization beyond retain/
// teardown, which are.
type Message struct {
	mu      sync.Mutex
	opcode  Opcode
	backing backing
	written int64 // bytes committed to the backing so far

	path   string // non-empty only for disk-backed messages
	dir    *Dir   // owning directory, nil for weakly-loaded messages
	pathID uint64
	weak   bool // loaded via LoadWeakly: never unlinks on teardown

	retain int
	errStr string
}

// New constructs a netmsg for opcode, writing the opcode byte immediately
// (the "type commit"). For SendFile, dir must be non-nil; a fresh file is
// reserved under it. All other opcodes are backed by a private in-memory
// buffer.
func New(op Opcode, dir *Dir) (*Message, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("netmsg: invalid opcode %d", op)
	}

	m := &Message{opcode: op, retain: 1}

	if op.disked() {
		if dir == nil {
			return nil, fmt.Errorf("netmsg: %s requires a messages directory", op)
		}
		id, path := dir.reserve()
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			dir.release(id)
			return nil, err
		}
		m.backing = &diskBacking{f: f}
		m.path = path
		m.dir = dir
		m.pathID = id
	} else {
		m.backing = newMemBacking()
	}

	if _, err := m.backing.Write([]byte{byte(op)}); err != nil {
		m.backing.Close()
		return nil, err
	}
	m.written = 1
	return m, nil
}

// LoadWeakly opens an existing SENDFILE message by path without creating or
// owning it — the cross-process hand-off path. The caller must not unlink
// the underlying file; only the strong owner's Teardown does that.
func LoadWeakly(path string) (*Message, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}

	var opByte [1]byte
	if _, err := io.ReadFull(f, opByte[:]); err != nil {
		f.Close()
		return nil, err
	}
	op := Opcode(opByte[0])
	if !op.Valid() {
		f.Close()
		return nil, fmt.Errorf("netmsg: weak load %s: invalid opcode %d", path, op)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Message{
		opcode:  op,
		backing: &diskBacking{f: f},
		written: info.Size(),
		path:    path,
		weak:    true,
		retain:  1,
	}, nil
}

// Opcode returns the message's fixed opcode.
func (m *Message) Opcode() Opcode { return m.opcode }

// Path returns the backing file path for a disk-backed message, or "" for
// a memory-backed one.
func (m *Message) Path() string { return m.path }

// Err returns the most recent backing error captured by Read/Write/Seek/
// Truncate, or the reason the last IsValid call failed.
func (m *Message) Err() string { return m.errStr }

// Retain increments the reference count. Pair with Teardown.
func (m *Message) Retain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retain++
}

// Teardown decrements the reference count; at zero it closes the backing
// and, for a strongly-owned SENDFILE, unlinks the file and returns its id
// to the directory's free list.
func (m *Message) Teardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.retain--
	if m.retain > 0 {
		return nil
	}

	err := m.backing.Close()
	if m.path != "" && !m.weak && m.dir != nil {
		if rmErr := os.Remove(m.path); rmErr != nil && err == nil {
			err = rmErr
		}
		m.dir.release(m.pathID)
	}
	return err
}

// Read, Write, Seek and Truncate pass straight through to the backing,
// capturing any error string for later inspection via Err.
func (m *Message) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.backing.Read(p)
	m.setErr(err)
	return n, err
}

// Write writes raw bytes at the current position and advances written by
// the number of bytes written, so it assumes the position is at the end of
// the message (where New, SetLabel, SetData and readAt leave it). Connection uses this
// directly to stream freshly-arrived socket bytes into the in-flight
// message.
func (m *Message) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(p)
}

func (m *Message) writeLocked(p []byte) (int, error) {
	n, err := m.backing.Write(p)
	m.setErr(err)
	if err == nil {
		m.written += int64(n)
	}
	return n, err
}

func (m *Message) Seek(offset int64, whence int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.backing.Seek(offset, whence)
	m.setErr(err)
	return n, err
}

func (m *Message) Truncate(length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.backing.Truncate(length)
	m.setErr(err)
	if err == nil {
		m.written = length
	}
	return err
}

func (m *Message) setErr(err error) {
	if err != nil {
		m.errStr = err.Error()
	} else {
		m.errStr = ""
	}
}

// readAt reads n bytes starting at absolute offset without disturbing the
// append position subsequent Writes rely on. Callers only invoke this once
// they've confirmed n bytes are already committed, so a stalled read (zero
// progress) is treated as corruption rather than retried forever.
func (m *Message) readAt(offset int64, n int) ([]byte, error) {
	if _, err := m.backing.Seek(offset, SeekStart); err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	got := 0
	for got < n {
		r, err := m.backing.Read(buf[got:])
		if err != nil {
			m.backing.Seek(m.written, SeekStart)
			return nil, err
		}
		if r == 0 {
			m.backing.Seek(m.written, SeekStart)
			return nil, io.ErrNoProgress
		}
		got += r
	}

	if _, err := m.backing.Seek(m.written, SeekStart); err != nil {
		return nil, err
	}
	return buf, nil
}

// currentLabelSize returns the label size already committed to the wire,
// or (0, false) if fewer than headerFieldSize+1 bytes have been written
// yet (no label section exists).
func (m *Message) currentLabelSize() (int, bool) {
	if !m.opcode.hasLabel() || m.written < 1+headerFieldSize {
		return 0, false
	}
	raw, err := m.readAt(1, headerFieldSize)
	if err != nil {
		return 0, false
	}
	return int(binary.BigEndian.Uint64(raw)), true
}

// dataOffset returns the byte offset at which the data section (size
// prefix included) would begin, given whatever label currently exists.
func (m *Message) dataOffset() int64 {
	off := int64(1)
	if m.opcode.hasLabel() {
		if size, ok := m.currentLabelSize(); ok {
			off += headerFieldSize + int64(size)
		}
	}
	return off
}

// SetLabel rewrites the label section, preserving any data payload already
// written past it (setlabel may legally be called before or after
// setdata).
func (m *Message) SetLabel(s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opcode.hasLabel() {
		return fmt.Errorf("netmsg: %s has no label", m.opcode)
	}
	if len(s) > MaxLabelSize {
		return fmt.Errorf("netmsg: label size %d exceeds max %d", len(s), MaxLabelSize)
	}

	var savedData []byte
	if m.opcode.hasData() {
		if data, ok := m.readDataLocked(); ok {
			savedData = data
		}
	}

	if err := m.backing.Truncate(1); err != nil {
		m.setErr(err)
		return err
	}
	if _, err := m.backing.Seek(1, SeekStart); err != nil {
		m.setErr(err)
		return err
	}
	m.written = 1

	if err := m.writeSizedLocked([]byte(s)); err != nil {
		return err
	}

	if savedData != nil {
		if err := m.writeSizedLocked(savedData); err != nil {
			return err
		}
	}
	return nil
}

// writeSizedLocked appends an 8-byte big-endian size prefix followed by
// data, at the current position, under m.mu already held.
func (m *Message) writeSizedLocked(data []byte) error {
	var sz [headerFieldSize]byte
	binary.BigEndian.PutUint64(sz[:], uint64(len(data)))
	if _, err := m.writeLocked(sz[:]); err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := m.writeLocked(data); err != nil {
			return err
		}
	}
	return nil
}

// GetLabel reads the claimed size field and the label bytes, bounds-
// checking the size against MaxLabelSize.
func (m *Message) GetLabel() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opcode.hasLabel() {
		return "", fmt.Errorf("netmsg: %s has no label", m.opcode)
	}
	size, ok := m.currentLabelSize()
	if !ok {
		return "", fmt.Errorf("netmsg: label not yet written")
	}
	if size > MaxLabelSize {
		return "", fmt.Errorf("netmsg: label size %d out of range", size)
	}
	raw, err := m.readAt(1+headerFieldSize, size)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// SetData truncates to just past the label (or just past the opcode, if no
// label has been set yet) and appends the sized data section.
func (m *Message) SetData(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opcode.hasData() {
		return fmt.Errorf("netmsg: %s has no data", m.opcode)
	}
	if len(data) > MaxDataSize {
		return fmt.Errorf("netmsg: data size %d exceeds max %d", len(data), MaxDataSize)
	}

	base := m.dataOffset()
	if err := m.backing.Truncate(base); err != nil {
		m.setErr(err)
		return err
	}
	if _, err := m.backing.Seek(base, SeekStart); err != nil {
		m.setErr(err)
		return err
	}
	m.written = base

	return m.writeSizedLocked(data)
}

// readDataLocked reads the current data section, if any, returning
// (nil, false) if no data has been committed yet. Caller holds m.mu.
func (m *Message) readDataLocked() ([]byte, bool) {
	base := m.dataOffset()
	if m.written < base+headerFieldSize {
		return nil, false
	}
	raw, err := m.readAt(base, headerFieldSize)
	if err != nil {
		return nil, false
	}
	size := int64(binary.BigEndian.Uint64(raw))
	if m.written < base+headerFieldSize+size {
		return nil, false
	}
	data, err := m.readAt(base+headerFieldSize, int(size))
	if err != nil {
		return nil, false
	}
	return data, true
}

// GetData reads the claimed size field and the data bytes, bounds-checking
// the size against MaxDataSize.
func (m *Message) GetData() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opcode.hasData() {
		return nil, fmt.Errorf("netmsg: %s has no data", m.opcode)
	}
	base := m.dataOffset()
	if m.written < base+headerFieldSize {
		return nil, fmt.Errorf("netmsg: data not yet written")
	}
	raw, err := m.readAt(base, headerFieldSize)
	if err != nil {
		return nil, err
	}
	size := int64(binary.BigEndian.Uint64(raw))
	if size > MaxDataSize {
		return nil, fmt.Errorf("netmsg: data size %d out of range", size)
	}
	return m.readAt(base+headerFieldSize, int(size))
}

// IsValid reports whether the bytes committed so far form a complete,
// well-formed message for the cached opcode. A false/false result means
// more bytes are expected; false/true means the message is corrupt beyond
// recovery.
func (m *Message) IsValid() (ok bool, fatal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.written < 1 {
		return false, false
	}

	wireOp, err := m.readAt(0, 1)
	if err != nil {
		return false, false
	}
	if Opcode(wireOp[0]) != m.opcode {
		m.errStr = "netmsg: opcode mismatch"
		return false, true
	}

	pos := int64(1)

	if m.opcode.hasLabel() {
		if m.written < pos+headerFieldSize {
			return false, false
		}
		raw, err := m.readAt(pos, headerFieldSize)
		if err != nil {
			return false, false
		}
		labelSize := binary.BigEndian.Uint64(raw)
		if labelSize > MaxLabelSize {
			m.errStr = "netmsg: label size out of range"
			return false, true
		}
		pos += headerFieldSize
		if m.written < pos+int64(labelSize) {
			return false, false
		}
		pos += int64(labelSize)
	}

	if m.opcode.hasData() {
		if m.written < pos+headerFieldSize {
			return false, false
		}
		raw, err := m.readAt(pos, headerFieldSize)
		if err != nil {
			return false, false
		}
		dataSize := binary.BigEndian.Uint64(raw)
		if dataSize > MaxDataSize {
			m.errStr = "netmsg: data size out of range"
			return false, true
		}
		pos += headerFieldSize
		if m.written < pos+int64(dataSize) {
			return false, false
		}
		pos += int64(dataSize)
	}

	if m.written != pos {
		m.errStr = "netmsg: marshalled length mismatch"
		return false, true
	}

	m.errStr = ""
	return true, false
}

// NeedMore reports how many additional bytes the message needs before its
// next field boundary — the size field for a section, or the body of a
// section whose size is already known. A caller streaming bytes in from a
// socket can safely write up to that many bytes without risking writing
// part of the next message into this one; writing fewer is always safe
// too. A result of 0 means the message is complete (IsValid will return
// ok=true, barring corruption).
func (m *Message) NeedMore() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := int64(1)

	if m.opcode.hasLabel() {
		if m.written < pos+headerFieldSize {
			return (pos + headerFieldSize) - m.written
		}
		raw, err := m.readAt(pos, headerFieldSize)
		if err != nil {
			return headerFieldSize
		}
		labelSize := int64(binary.BigEndian.Uint64(raw))
		pos += headerFieldSize
		if m.written < pos+labelSize {
			return (pos + labelSize) - m.written
		}
		pos += labelSize
	}

	if m.opcode.hasData() {
		if m.written < pos+headerFieldSize {
			return (pos + headerFieldSize) - m.written
		}
		raw, err := m.readAt(pos, headerFieldSize)
		if err != nil {
			return headerFieldSize
		}
		dataSize := int64(binary.BigEndian.Uint64(raw))
		pos += headerFieldSize
		if m.written < pos+dataSize {
			return (pos + dataSize) - m.written
		}
		pos += dataSize
	}

	return 0
}
