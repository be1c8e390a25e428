package shm

import (
	"fmt"
	"slices"
	"sync"
)

// NotifyFunc reports the pages a writer filled since the last flush
type NotifyFunc func(pages []uint32)

// TraceWriter appends chunks for one target buffer to pages of a region.
// It is the producer side of the ABI.
type TraceWriter struct {
	abi    *ABI
	id     uint16
	target uint16
	notify NotifyFunc

	mu      sync.Mutex
	page    int
	off     int
	nextID  uint32
	touched []uint32
}

// NewTraceWriter creates a writer that stamps its chunks with writer id and
// target buffer. notify is called by Flush.
func NewTraceWriter(abi *ABI, id, target uint16, notify NotifyFunc) *TraceWriter {
	return &TraceWriter{
		abi:    abi,
		id:     id,
		target: target,
		notify: notify,
		page:   -1,
	}
}

// ID returns the writer id
func (w *TraceWriter) ID() uint16 { return w.id }

// TargetBuffer returns the buffer the writer's chunks are routed to
func (w *TraceWriter) TargetBuffer() uint16 { return w.target }

// WriteChunk appends payload as one complete chunk
func (w *TraceWriter) WriteChunk(payload []byte) error {
	if len(payload) > w.abi.MaxPayloadSize() {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrChunkTooLarge, len(payload), w.abi.MaxPayloadSize())
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	need := ChunkHeaderSize + len(payload)
	if w.page < 0 || w.off+need > w.abi.PageSize() {
		if w.page >= 0 {
			w.abi.ReleasePage(w.page)
		}
		page, err := w.abi.AcquirePage(w.id)
		if err != nil {
			w.page = -1
			return err
		}
		w.page = page
		w.off = PageHeaderSize
	}

	mem, _ := w.abi.page(w.page)
	chunk := mem[w.off : w.off+need]
	h := ChunkHeader{
		State:        ChunkBeingWritten,
		TargetBuffer: w.target,
		WriterID:     w.id,
		ChunkID:      w.nextID,
		PayloadSize:  uint32(len(payload)),
		Checksum:     checksum(payload),
	}
	encodeChunkHeader(chunk, h)
	copy(chunk[ChunkHeaderSize:], payload)
	chunk[2] = byte(ChunkComplete)

	w.nextID++
	w.off = align8(w.off + need)
	if !slices.Contains(w.touched, uint32(w.page)) {
		w.touched = append(w.touched, uint32(w.page))
	}
	return nil
}

// Flush reports every page written since the previous flush and releases
// the current page so the service can recycle it once consumed.
func (w *TraceWriter) Flush() {
	w.mu.Lock()
	pages := w.touched
	w.touched = nil
	if w.page >= 0 {
		w.abi.ReleasePage(w.page)
		w.page = -1
	}
	w.mu.Unlock()

	if len(pages) > 0 && w.notify != nil {
		w.notify(pages)
	}
}
