package service

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/shm"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/tracebuffer"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/id"
)

// Config bounds the resources a Service hands out
type Config struct {
	// ShmFactory creates producer regions; defaults to shm.HeapFactory
	ShmFactory     shm.Factory
	ShmPageSize    int
	ShmDefaultSize int
	ShmMaxSize     int

	BufferPageSize int
	MaxBufferSize  int
	MaxBuffers     int

	// NotifyRate and NotifyBurst limit how often one producer's shared
	// memory notifications are processed; excess ones are coalesced
	NotifyRate  rate.Limit
	NotifyBurst int

	// ReadBatchBytes caps the payload bytes of one OnTraceData batch
	ReadBatchBytes int

	// QuarantineFailures consecutive bad notifications quarantine a
	// producer for QuarantineTimeout
	QuarantineFailures uint32
	QuarantineTimeout  time.Duration
}

// DefaultConfig returns the limits used when a field is left zero
func DefaultConfig() Config {
	return Config{
		ShmFactory:         shm.HeapFactory{},
		ShmPageSize:        shm.DefaultPageSize,
		ShmDefaultSize:     256 << 10,
		ShmMaxSize:         32 << 20,
		BufferPageSize:     tracebuffer.DefaultPageSize,
		MaxBufferSize:      tracebuffer.DefaultMaxSize,
		MaxBuffers:         int(id.MaxBufferID),
		NotifyRate:         100,
		NotifyBurst:        20,
		ReadBatchBytes:     128 << 10,
		QuarantineFailures: 5,
		QuarantineTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ShmFactory == nil {
		c.ShmFactory = d.ShmFactory
	}
	if c.ShmPageSize <= 0 {
		c.ShmPageSize = d.ShmPageSize
	}
	if c.ShmDefaultSize <= 0 {
		c.ShmDefaultSize = d.ShmDefaultSize
	}
	if c.ShmMaxSize <= 0 {
		c.ShmMaxSize = d.ShmMaxSize
	}
	if c.BufferPageSize <= 0 {
		c.BufferPageSize = d.BufferPageSize
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = d.MaxBufferSize
	}
	if c.MaxBuffers <= 0 || c.MaxBuffers > int(id.MaxBufferID) {
		c.MaxBuffers = d.MaxBuffers
	}
	if c.NotifyRate <= 0 {
		c.NotifyRate = d.NotifyRate
	}
	if c.NotifyBurst <= 0 {
		c.NotifyBurst = d.NotifyBurst
	}
	if c.ReadBatchBytes <= 0 {
		c.ReadBatchBytes = d.ReadBatchBytes
	}
	if c.QuarantineFailures == 0 {
		c.QuarantineFailures = d.QuarantineFailures
	}
	if c.QuarantineTimeout <= 0 {
		c.QuarantineTimeout = d.QuarantineTimeout
	}
	return c
}
