//go:build linux

package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMemfdRegionIsShared(t *testing.T) {
	mem, err := MemfdFactory{Name: "traced-test"}.CreateSharedMemory(2 * DefaultPageSize)
	require.NoError(t, err)
	defer mem.Close()
	require.Equal(t, 2*DefaultPageSize, mem.Size())

	abi, err := NewABI(mem.Bytes(), DefaultPageSize)
	require.NoError(t, err)
	w := NewTraceWriter(abi, 1, 0, func([]uint32) {})
	require.NoError(t, w.WriteChunk([]byte("over memfd")))

	// a second mapping of the fd, as a producer process would see it
	fd := mem.(interface{ Fd() int }).Fd()
	other, err := unix.Mmap(fd, 0, mem.Size(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	require.NoError(t, err)
	defer unix.Munmap(other)

	peer, err := NewABI(other, DefaultPageSize)
	require.NoError(t, err)
	chunks, err := peer.Chunks(0)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte("over memfd"), chunks[0].Payload())

	// sealed: the region cannot be resized
	assert.Error(t, unix.Ftruncate(fd, int64(4*DefaultPageSize)))
}

func TestMemfdRejectsBadSize(t *testing.T) {
	_, err := MemfdFactory{}.CreateSharedMemory(0)
	assert.Error(t, err)
}

func TestMemfdCloseIsIdempotent(t *testing.T) {
	mem, err := MemfdFactory{}.CreateSharedMemory(DefaultPageSize)
	require.NoError(t, err)
	assert.NoError(t, mem.Close())
	assert.NoError(t, mem.Close())
}
