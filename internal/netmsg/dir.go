package netmsg

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/coldharbor/workerd/internal/idalloc"
)

// Dir is a role-specific directory for SENDFILE message bodies —
// /fmessages or /emessages under the chroot. Ids are allocated from a
// monotonic counter with a local free list; paths only ever collide within
// one process, which is fine since each process has its own Dir.
type Dir struct {
	path  string
	alloc idalloc.Allocator
}

// NewDir wraps an existing, already-created directory.
func NewDir(path string) *Dir {
	return &Dir{path: path}
}

// Clean empties the directory of any leftover files, run once at startup
// per the filesystem layout contract (all transient directories are
// emptied on boot).
func (d *Dir) Clean() error {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(d.path, 0700)
		}
		return err
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(d.path, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// reserve allocates a fresh id and returns its path without creating the
// file; the caller (New) creates it.
func (d *Dir) reserve() (uint64, string) {
	id := d.alloc.Next()
	return id, filepath.Join(d.path, strconv.FormatUint(id, 10))
}

func (d *Dir) release(id uint64) {
	d.alloc.Release(id)
}
