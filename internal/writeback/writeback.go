// Package writeback implements the oversized-artifact store (C9): a
// directory of small files, each holding a name and a data payload, used
// to hand engine-side VM output ("commitfile") to the frontend router
// without threading the bytes themselves through IPC. The engine writes
// an entry and sends its path; the frontend reads it out, and the engine
// unlinks it once the client acknowledges the artifact or the job ends.
package writeback

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/coldharbor/workerd/internal/idalloc"
)

// Size limits mirror the netmsg label/data caps this store stands in for.
const (
	MaxNameSize = 1024
	MaxDataSize = 10 * 1024 * 1024
)

const headerFieldSize = 8

// Store is a role-specific writeback directory — /writeback under the
// chroot. Ids are monotonic with a local free list, same shape as
// netmsg.Dir.
type Store struct {
	path  string
	alloc idalloc.Allocator
}

// New wraps an existing, already-created directory.
func New(path string) *Store {
	return &Store{path: path}
}

// Clean empties the directory at startup, per the filesystem layout
// contract.
func (s *Store) Clean() error {
	entries, err := os.ReadDir(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(s.path, 0700)
		}
		return err
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(s.path, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Writeback reserves a fresh id, writes [namelen:8 BE][name][datalen:8
// BE][data] to its file, and returns the path.
func (s *Store) Writeback(name string, data []byte) (string, error) {
	if len(name) > MaxNameSize {
		return "", fmt.Errorf("writeback: name size %d exceeds max %d", len(name), MaxNameSize)
	}
	if len(data) > MaxDataSize {
		return "", fmt.Errorf("writeback: data size %d exceeds max %d", len(data), MaxDataSize)
	}

	id := s.alloc.Next()
	path := filepath.Join(s.path, strconv.FormatUint(id, 10))

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		s.alloc.Release(id)
		return "", err
	}
	defer f.Close()

	if err := writeSized(f, []byte(name)); err != nil {
		os.Remove(path)
		s.alloc.Release(id)
		return "", err
	}
	if err := writeSized(f, data); err != nil {
		os.Remove(path)
		s.alloc.Release(id)
		return "", err
	}
	return path, nil
}

func writeSized(w io.Writer, b []byte) error {
	var sz [headerFieldSize]byte
	binary.BigEndian.PutUint64(sz[:], uint64(len(b)))
	if _, err := w.Write(sz[:]); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

// Readout reads back (name, data) from an entry's path, bounds-checking
// the claimed sizes against MaxNameSize/MaxDataSize.
func Readout(path string) (name string, data []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	nameBytes, err := readSized(f, MaxNameSize)
	if err != nil {
		return "", nil, fmt.Errorf("writeback: reading name from %s: %w", path, err)
	}
	dataBytes, err := readSized(f, MaxDataSize)
	if err != nil {
		return "", nil, fmt.Errorf("writeback: reading data from %s: %w", path, err)
	}
	return string(nameBytes), dataBytes, nil
}

func readSized(r io.Reader, max int) ([]byte, error) {
	var sz [headerFieldSize]byte
	if _, err := io.ReadFull(r, sz[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint64(sz[:])
	if size > uint64(max) {
		return nil, fmt.Errorf("size %d out of range", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Teardown unlinks the entry at path and returns its id to the free
// list. path must be one this store produced via Writeback.
func (s *Store) Teardown(path string) error {
	base := filepath.Base(path)
	id, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return fmt.Errorf("writeback: %s is not a store-managed path", path)
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	s.alloc.Release(id)
	return nil
}
