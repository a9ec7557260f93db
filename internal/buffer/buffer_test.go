package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSeekRead(t *testing.T) {
	s := NewStore()
	h := s.Open()

	want := []byte("hello world")
	n, err := s.Write(h, want)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)

	_, err = s.Seek(h, 0, SeekStart)
	require.NoError(t, err)

	got := make([]byte, len(want))
	n, err = s.Read(h, got)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	assert.Equal(t, want, got)
}

func TestReadAtEOFIsShortNotError(t *testing.T) {
	s := NewStore()
	h := s.Open()

	buf := make([]byte, 10)
	n, err := s.Read(h, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSeekPastEndThenWrite(t *testing.T) {
	s := NewStore()
	h := s.Open()

	_, err := s.Seek(h, 100, SeekStart)
	require.NoError(t, err)

	length, err := s.Len(h)
	require.NoError(t, err)
	assert.Equal(t, 0, length, "seeking past end does not itself extend end-of-data")

	_, err = s.Write(h, []byte("x"))
	require.NoError(t, err)

	length, err = s.Len(h)
	require.NoError(t, err)
	assert.Equal(t, 101, length)
}

func TestNegativeSeekFails(t *testing.T) {
	s := NewStore()
	h := s.Open()

	_, err := s.Seek(h, -1, SeekStart)
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	s := NewStore()
	h := s.Open()

	_, err := s.Write(h, []byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, s.Truncate(h, 4))
	length, err := s.Len(h)
	require.NoError(t, err)
	assert.Equal(t, 4, length)

	_, err = s.Seek(h, 0, SeekStart)
	require.NoError(t, err)
	got := make([]byte, 10)
	n, err := s.Read(h, got)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(got[:n]))
}

func TestUnknownHandleErrors(t *testing.T) {
	s := NewStore()
	h := s.Open()
	require.NoError(t, s.Close(h))

	_, err := s.Write(h, []byte("x"))
	assert.Error(t, err)
}

func TestHandleRecycling(t *testing.T) {
	s := NewStore()
	a := s.Open()
	require.NoError(t, s.Close(a))
	b := s.Open()
	assert.Equal(t, a, b, "closed handles are recycled")
}

func TestGeometricGrowthAcrossManySmallWrites(t *testing.T) {
	s := NewStore()
	h := s.Open()

	for i := 0; i < 1000; i++ {
		_, err := s.Write(h, []byte{byte(i)})
		require.NoError(t, err)
	}

	length, err := s.Len(h)
	require.NoError(t, err)
	assert.Equal(t, 1000, length)

	_, err = s.Seek(h, 0, SeekStart)
	require.NoError(t, err)
	got := make([]byte, 1000)
	n, err := s.Read(h, got)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
	for i := 0; i < 1000; i++ {
		assert.Equal(t, byte(i), got[i])
	}
}
