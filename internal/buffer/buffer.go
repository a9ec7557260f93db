// Package buffer implements a grow-on-write, random-access byte store that
// exposes the same read/write/seek/truncate contract as a file descriptor.
// It backs in-memory netmsg instances (see internal/netmsg) so the wire
// message layer can switch between memory and disk backings through a
// single interface.
package buffer

import (
	"fmt"
	"math"
	"sync"
)

// Whence values for Seek, mirroring io.Seeker / lseek(2).
const (
	SeekStart = iota
	SeekCurrent
	SeekEnd
)

const initialCapacity = 64

// Store owns a set of growable byte buffers addressed by monotonic handles.
// A freed handle is recycled from an internal free list, the same pattern
// netmsg.Dir and the writeback store use for their file ids.
type Store struct {
	mu      sync.Mutex
	buffers map[int]*buf
	nextID  int
	free    []int
}

type buf struct {
	data []byte
	end  int // length of valid data written so far
	pos  int // current read/write cursor
}

// NewStore creates an empty buffer store.
func NewStore() *Store {
	return &Store{buffers: make(map[int]*buf)}
}

// Open allocates a new empty buffer and returns its handle.
func (s *Store) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int
	if n := len(s.free); n > 0 {
		id = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		id = s.nextID
		s.nextID++
	}

	s.buffers[id] = &buf{data: make([]byte, 0, initialCapacity)}
	return id
}

// Close releases a handle, returning it to the free list.
func (s *Store) Close(handle int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buffers[handle]; !ok {
		return fmt.Errorf("buffer: unknown handle %d", handle)
	}
	delete(s.buffers, handle)
	s.free = append(s.free, handle)
	return nil
}

func (s *Store) get(handle int) (*buf, error) {
	b, ok := s.buffers[handle]
	if !ok {
		return nil, fmt.Errorf("buffer: unknown handle %d", handle)
	}
	return b, nil
}

// Read copies up to len(p) bytes starting at the current position into p,
// advancing the position. Reading at or past the end of data returns 0, nil
// (a short read, not an error — the netmsg layer treats this as "more data
// may arrive later").
func (s *Store) Read(handle int, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.get(handle)
	if err != nil {
		return 0, err
	}

	if b.pos >= b.end {
		return 0, nil
	}

	n := copy(p, b.data[b.pos:b.end])
	b.pos += n
	return n, nil
}

// Write appends len(p) bytes at the current position, growing capacity
// geometrically as needed, and advances both the position and the
// end-of-data marker.
func (s *Store) Write(handle int, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.get(handle)
	if err != nil {
		return 0, err
	}

	need := b.pos + len(p)
	if need < 0 {
		return 0, fmt.Errorf("buffer: write overflow")
	}
	b.grow(need)

	copy(b.data[b.pos:need], p)
	b.pos = need
	if b.pos > b.end {
		b.end = b.pos
	}
	return len(p), nil
}

// Seek repositions the cursor. Seeking past the current end grows capacity
// (and the end marker follows only on a subsequent write — the buffer
// mirrors lseek's "holes read as zero" semantics by extending end-of-data
// on Write, not on Seek). A resulting negative position is an error.
func (s *Store) Seek(handle int, offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.get(handle)
	if err != nil {
		return 0, err
	}

	var base int64
	switch whence {
	case SeekStart:
		base = 0
	case SeekCurrent:
		base = int64(b.pos)
	case SeekEnd:
		base = int64(b.end)
	default:
		return 0, fmt.Errorf("buffer: invalid whence %d", whence)
	}

	newPos := base + offset
	if newPos < 0 {
		return 0, fmt.Errorf("buffer: negative seek position")
	}
	if newPos > math.MaxInt32 {
		return 0, fmt.Errorf("buffer: seek position overflows platform max")
	}

	if int(newPos) > len(b.data) {
		b.grow(int(newPos))
	}
	b.pos = int(newPos)
	return newPos, nil
}

// Truncate sets both the buffer's end-of-data marker and its capacity to
// length, discarding anything beyond it.
func (s *Store) Truncate(handle int, length int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.get(handle)
	if err != nil {
		return err
	}
	if length < 0 {
		return fmt.Errorf("buffer: negative truncate length")
	}
	if length > math.MaxInt32 {
		return fmt.Errorf("buffer: truncate length overflows platform max")
	}

	n := int(length)
	if n < len(b.data) {
		clear(b.data[n:])
	}
	if n > cap(b.data) {
		b.grow(n)
	}
	b.data = b.data[:n]
	b.end = n
	if b.pos > n {
		b.pos = n
	}
	return nil
}

// Len returns the current end-of-data marker (the logical size of the
// buffer) for handle.
func (s *Store) Len(handle int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.get(handle)
	if err != nil {
		return 0, err
	}
	return b.end, nil
}

// grow ensures data has at least n bytes of capacity, doubling until it
// does (geometric growth keeps repeated small writes amortized O(1)).
func (b *buf) grow(n int) {
	if n <= cap(b.data) {
		if n > len(b.data) {
			b.data = b.data[:n]
		}
		return
	}

	newCap := cap(b.data)
	if newCap == 0 {
		newCap = initialCapacity
	}
	for newCap < n {
		newCap *= 2
	}

	grown := make([]byte, n, newCap)
	copy(grown, b.data)
	b.data = grown
}
