//go:build !linux

package shm

// MemfdFactory is only available on linux
type MemfdFactory struct {
	Name string
}

// CreateSharedMemory always fails on this platform
func (MemfdFactory) CreateSharedMemory(int) (SharedMemory, error) {
	return nil, ErrUnsupported
}
