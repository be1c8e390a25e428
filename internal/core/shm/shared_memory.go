// Package shm defines the shared memory regions handed to producers and the
// chunk ABI used inside them.
//
// A region is split into fixed size pages. Producers append self-describing
// chunks to pages through a TraceWriter and then notify the service of the
// pages they touched; the service scans those pages with ABI.Chunks, copies
// complete chunks into trace buffers and marks them consumed so the pages
// can be reused.
//
// Chunk layout (little endian, 8-byte aligned within the page):
//
//	0  magic         u16  0x4B43
//	2  state         u8   being-written | complete | consumed
//	3  flags         u8
//	4  target_buffer u16  destination BufferID
//	6  writer_id     u16
//	8  chunk_id      u32  per-writer sequence number
//	12 payload_size  u32
//	16 checksum      u32  first 4 bytes of BLAKE3(payload)
//	20 payload ...
//
// Everything read out of a region is untrusted: the scanner bounds-checks
// every header and reports torn chunks rather than trusting them.
package shm

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned by factories unavailable on this platform
	ErrUnsupported = errors.New("shm: unsupported on this platform")
)

// SharedMemory is a mapped region shared with one producer
type SharedMemory interface {
	Bytes() []byte
	Size() int
	Close() error
}

// Factory creates shared memory regions
type Factory interface {
	CreateSharedMemory(size int) (SharedMemory, error)
}

// HeapFactory allocates process-local regions. Used for in-process
// producers and tests.
type HeapFactory struct{}

// CreateSharedMemory allocates size bytes on the Go heap
func (HeapFactory) CreateSharedMemory(size int) (SharedMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid region size %d", size)
	}
	return &heapMemory{buf: make([]byte, size)}, nil
}

type heapMemory struct {
	buf []byte
}

func (m *heapMemory) Bytes() []byte { return m.buf }
func (m *heapMemory) Size() int     { return len(m.buf) }
func (m *heapMemory) Close() error  { return nil }

// NormalizeSize turns a producer's size hint into a region size. A zero
// hint selects def. The result is a whole number of pages between one page
// and max.
func NormalizeSize(hint, pageSize, def, max int) int {
	size := hint
	if size <= 0 {
		size = def
	}
	if max > 0 && size > max {
		size = max
	}
	if size < pageSize {
		size = pageSize
	}
	return (size + pageSize - 1) / pageSize * pageSize
}
