//go:build linux

package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MemfdFactory creates regions backed by an anonymous memfd mapped
// MAP_SHARED. The fd can be passed to a producer process, which maps the
// same pages.
type MemfdFactory struct {
	// Name shows up in /proc/<pid>/fd; defaults to "traced-shm"
	Name string
}

// CreateSharedMemory creates and maps a sealed memfd of size bytes
func (f MemfdFactory) CreateSharedMemory(size int) (SharedMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid region size %d", size)
	}
	name := f.Name
	if name == "" {
		name = "traced-shm"
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("shm: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: ftruncate %d: %w", size, err)
	}
	// The producer must not be able to resize the region under us.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_SEAL); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: seal: %w", err)
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap: %w", err)
	}
	return &memfdMemory{fd: fd, mem: mem}, nil
}

type memfdMemory struct {
	fd  int
	mem []byte
}

func (m *memfdMemory) Bytes() []byte { return m.mem }
func (m *memfdMemory) Size() int     { return len(m.mem) }

// Fd returns the memfd backing the region
func (m *memfdMemory) Fd() int { return m.fd }

func (m *memfdMemory) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	if cerr := unix.Close(m.fd); err == nil {
		err = cerr
	}
	return err
}
