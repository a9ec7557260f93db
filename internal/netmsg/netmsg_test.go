package netmsg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendLineSetLabelGetLabelRoundtrip(t *testing.T) {
	m, err := New(SendLine, nil)
	require.NoError(t, err)
	defer m.Teardown()

	require.NoError(t, m.SetLabel("hello"))
	got, err := m.GetLabel()
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	ok, fatal := m.IsValid()
	assert.True(t, ok)
	assert.False(t, fatal)
}

func TestSendFileSetDataGetDataRoundtrip(t *testing.T) {
	dir := NewDir(t.TempDir())

	m, err := New(SendFile, dir)
	require.NoError(t, err)
	defer m.Teardown()

	require.NoError(t, m.SetLabel("b.bundle"))
	payload := []byte("0123456789")
	require.NoError(t, m.SetData(payload))

	label, err := m.GetLabel()
	require.NoError(t, err)
	assert.Equal(t, "b.bundle", label)

	data, err := m.GetData()
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	ok, fatal := m.IsValid()
	assert.True(t, ok)
	assert.False(t, fatal)
}

func TestLabelRewritePreservesData(t *testing.T) {
	dir := NewDir(t.TempDir())

	m, err := New(SendFile, dir)
	require.NoError(t, err)
	defer m.Teardown()

	require.NoError(t, m.SetLabel("first.txt"))
	payload := []byte("payload-bytes")
	require.NoError(t, m.SetData(payload))
	require.NoError(t, m.SetLabel("second.txt"))

	label, err := m.GetLabel()
	require.NoError(t, err)
	assert.Equal(t, "second.txt", label)

	data, err := m.GetData()
	require.NoError(t, err)
	assert.Equal(t, payload, data, "rewriting the label must not disturb the data payload")
}

func TestIsValidRecoverableOnShortWrite(t *testing.T) {
	m, err := New(SendLine, nil)
	require.NoError(t, err)
	defer m.Teardown()

	// Simulate a partially-arrived label: size prefix claims 5 bytes but
	// only 2 have shown up so far.
	_, err = m.Write([]byte{0, 0, 0, 0, 0, 0, 0, 5, 'h', 'e'})
	require.NoError(t, err)

	ok, fatal := m.IsValid()
	assert.False(t, ok)
	assert.False(t, fatal, "short reads are recoverable, not fatal")
}

func TestIsValidFatalOnOutOfRangeSize(t *testing.T) {
	m, err := New(SendLine, nil)
	require.NoError(t, err)
	defer m.Teardown()

	var oversized [8]byte
	oversized[0] = 0xFF // far beyond MaxLabelSize
	_, err = m.Write(oversized[:])
	require.NoError(t, err)

	ok, fatal := m.IsValid()
	assert.False(t, ok)
	assert.True(t, fatal)
}

func TestIsValidFatalOnOpcodeMismatch(t *testing.T) {
	m, err := New(RequestLine, nil)
	require.NoError(t, err)
	defer m.Teardown()

	// Corrupt the opcode byte in place.
	_, err = m.Seek(0, SeekStart)
	require.NoError(t, err)
	_, err = m.Write([]byte{byte(Terminate)})
	require.NoError(t, err)

	ok, fatal := m.IsValid()
	assert.False(t, ok)
	assert.True(t, fatal)
}

func TestDirCleanEmptiesDirectory(t *testing.T) {
	tmp := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "stale"), []byte("x"), 0600))

	dir := NewDir(tmp)
	require.NoError(t, dir.Clean())

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadWeaklyDoesNotUnlinkOnTeardown(t *testing.T) {
	dir := NewDir(t.TempDir())

	owner, err := New(SendFile, dir)
	require.NoError(t, err)
	require.NoError(t, owner.SetLabel("archive.tar"))
	require.NoError(t, owner.SetData([]byte("archive-bytes")))
	path := owner.Path()

	weak, err := LoadWeakly(path)
	require.NoError(t, err)

	label, err := weak.GetLabel()
	require.NoError(t, err)
	assert.Equal(t, "archive.tar", label)

	require.NoError(t, weak.Teardown())
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "weak teardown must not unlink the shared file")

	require.NoError(t, owner.Teardown())
	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "strong teardown unlinks the file")
}

func TestRetainDefersTeardown(t *testing.T) {
	dir := NewDir(t.TempDir())

	m, err := New(SendFile, dir)
	require.NoError(t, err)
	path := m.Path()

	m.Retain()
	require.NoError(t, m.Teardown()) // refcount 2 -> 1, still alive
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)

	require.NoError(t, m.Teardown()) // refcount 1 -> 0, unlinked
	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDirIDRecycling(t *testing.T) {
	dir := NewDir(t.TempDir())

	a, err := New(SendFile, dir)
	require.NoError(t, err)
	idA := a.pathID
	require.NoError(t, a.Teardown())

	b, err := New(SendFile, dir)
	require.NoError(t, err)
	defer b.Teardown()
	assert.Equal(t, idA, b.pathID, "released ids are recycled")
}

func TestSetLabelRejectsOversize(t *testing.T) {
	m, err := New(SendLine, nil)
	require.NoError(t, err)
	defer m.Teardown()

	big := make([]byte, MaxLabelSize+1)
	err = m.SetLabel(string(big))
	assert.Error(t, err)
}

func TestSetDataRejectsOpcodeWithoutData(t *testing.T) {
	m, err := New(SendLine, nil)
	require.NoError(t, err)
	defer m.Teardown()

	err = m.SetData([]byte("x"))
	assert.Error(t, err)
}

func TestNeedMoreTracksIncrementalFraming(t *testing.T) {
	producer, err := New(SendLine, nil)
	require.NoError(t, err)
	require.NoError(t, producer.SetLabel("abcdef"))
	full := make([]byte, producer.written)
	_, err = producer.Seek(0, SeekStart)
	require.NoError(t, err)
	_, err = producer.Read(full)
	require.NoError(t, err)
	producer.Teardown()

	m, err := New(SendLine, nil)
	require.NoError(t, err)
	defer m.Teardown()

	// Feed the wire bytes one at a time (skipping the opcode byte, already
	// committed by New), checking NeedMore never lets us overshoot.
	for i := 1; i < len(full); i++ {
		before := m.NeedMore()
		assert.Greater(t, before, int64(0))
		_, err := m.Write(full[i : i+1])
		require.NoError(t, err)
	}
	assert.Equal(t, int64(0), m.NeedMore())

	ok, fatal := m.IsValid()
	assert.True(t, ok)
	assert.False(t, fatal)
	label, err := m.GetLabel()
	require.NoError(t, err)
	assert.Equal(t, "abcdef", label)
}
