package netmsg

import (
	"os"

	"github.com/coldharbor/workerd/internal/buffer"
)

// Whence values, re-exported so callers never need to import internal/buffer
// just to seek a netmsg.
const (
	SeekStart   = buffer.SeekStart
	SeekCurrent = buffer.SeekCurrent
	SeekEnd     = buffer.SeekEnd
)

// backing is the storage a netmsg is built on. The netmsg layer never cares
// which variant it holds — it dispatches through this interface alone, the
// "function-table polymorphism" the wire format was designed around.
type backing interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Truncate(length int64) error
	Close() error
}

// memBacking stores a message in a private buffer.Store — one handle, never
// shared — so memory-backed netmsgs need no central registry to clean up.
type memBacking struct {
	store  *buffer.Store
	handle int
}

func newMemBacking() *memBacking {
	s := buffer.NewStore()
	return &memBacking{store: s, handle: s.Open()}
}

func (b *memBacking) Read(p []byte) (int, error)  { return b.store.Read(b.handle, p) }
func (b *memBacking) Write(p []byte) (int, error) { return b.store.Write(b.handle, p) }
func (b *memBacking) Seek(offset int64, whence int) (int64, error) {
	return b.store.Seek(b.handle, offset, whence)
}
func (b *memBacking) Truncate(length int64) error { return b.store.Truncate(b.handle, length) }
func (b *memBacking) Close() error                { return b.store.Close(b.handle) }

// diskBacking stores a message in a real file, used only for SENDFILE.
type diskBacking struct {
	f *os.File
}

func (b *diskBacking) Read(p []byte) (int, error)  { return b.f.Read(p) }
func (b *diskBacking) Write(p []byte) (int, error) { return b.f.Write(p) }
func (b *diskBacking) Seek(offset int64, whence int) (int64, error) {
	return b.f.Seek(offset, whence)
}
func (b *diskBacking) Truncate(length int64) error { return b.f.Truncate(length) }
func (b *diskBacking) Close() error                { return b.f.Close() }
