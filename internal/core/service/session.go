package service

import (
	"cmp"
	"maps"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/shm"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/tracebuffer"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/traceconfig"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/id"
)

// chunkSampleSize bounds the chunk sizes kept for statistics
const chunkSampleSize = 1024

type dataSourceInstance struct {
	id           id.DataSourceInstanceID
	producerID   id.ProducerID
	dataSourceID id.DataSourceID
	name         string
	configIndex  int
	bufferID     id.BufferID
}

type bufferState struct {
	buf    *tracebuffer.Buffer
	cursor uint64

	// producers allowed to write into this buffer
	writers map[id.ProducerID]struct{}

	chunksCopied uint64
	bytesCopied  uint64
	pagesLost    uint64
}

// TracingSession is the state of one enabled-to-freed tracing request
type TracingSession struct {
	id        id.SessionID
	consumer  *ConsumerEndpoint
	config    *traceconfig.TraceConfig
	createdAt time.Time
	enabled   bool

	// instances is a multimap ProducerID -> instances on that producer
	instances map[id.ProducerID][]*dataSourceInstance

	buffers map[id.BufferID]*bufferState
	// slots maps a config buffer index to its BufferID, 0 until the first
	// matching instance needs it
	slots []id.BufferID

	chunkSizes []float64
	sampleNext int
	chunksRead uint64
	chunksTorn uint64
}

func newTracingSession(sid id.SessionID, c *ConsumerEndpoint, cfg *traceconfig.TraceConfig, now time.Time) *TracingSession {
	return &TracingSession{
		id:        sid,
		consumer:  c,
		config:    cfg,
		createdAt: now,
		enabled:   true,
		instances: make(map[id.ProducerID][]*dataSourceInstance),
		buffers:   make(map[id.BufferID]*bufferState),
		slots:     make([]id.BufferID, len(cfg.Buffers)),
	}
}

// ID returns the session id
func (s *TracingSession) ID() id.SessionID { return s.id }

// Enabled reports whether data source instances are running
func (s *TracingSession) Enabled() bool { return s.enabled }

// BufferIDs returns the allocated buffers in ascending order
func (s *TracingSession) BufferIDs() []id.BufferID {
	return slices.Sorted(maps.Keys(s.buffers))
}

// NumInstances returns the number of running data source instances
func (s *TracingSession) NumInstances() int {
	n := 0
	for _, insts := range s.instances {
		n += len(insts)
	}
	return n
}

// InstancesOf returns the instance ids running on producer p
func (s *TracingSession) InstancesOf(p id.ProducerID) []id.DataSourceInstanceID {
	var out []id.DataSourceInstanceID
	for _, inst := range s.instances[p] {
		out = append(out, inst.id)
	}
	return out
}

func (s *TracingSession) addBuffer(slot int, bid id.BufferID, buf *tracebuffer.Buffer) {
	s.slots[slot] = bid
	s.buffers[bid] = &bufferState{
		buf:     buf,
		writers: make(map[id.ProducerID]struct{}),
	}
}

func (s *TracingSession) addInstance(inst *dataSourceInstance) {
	s.instances[inst.producerID] = append(s.instances[inst.producerID], inst)
	if b, ok := s.buffers[inst.bufferID]; ok {
		b.writers[inst.producerID] = struct{}{}
	}
}

// sortedInstances returns every instance ordered by id
func (s *TracingSession) sortedInstances() []*dataSourceInstance {
	var out []*dataSourceInstance
	for _, insts := range s.instances {
		out = append(out, insts...)
	}
	slices.SortFunc(out, func(a, b *dataSourceInstance) int {
		return cmp.Compare(a.id, b.id)
	})
	return out
}

// removeInstances drops the instances of producer p selected by remove and
// returns them
func (s *TracingSession) removeInstances(p id.ProducerID, remove func(*dataSourceInstance) bool) []*dataSourceInstance {
	var removed []*dataSourceInstance
	kept := s.instances[p][:0]
	for _, inst := range s.instances[p] {
		if remove(inst) {
			removed = append(removed, inst)
		} else {
			kept = append(kept, inst)
		}
	}
	if len(kept) == 0 {
		delete(s.instances, p)
	} else {
		s.instances[p] = kept
	}
	return removed
}

// pruneProducer removes every trace of a disconnected producer: its
// instances and its write authorization
func (s *TracingSession) pruneProducer(p id.ProducerID) int {
	n := len(s.instances[p])
	delete(s.instances, p)
	for _, b := range s.buffers {
		delete(b.writers, p)
	}
	return n
}

func (s *TracingSession) isWriter(bid id.BufferID, p id.ProducerID) bool {
	b, ok := s.buffers[bid]
	if !ok {
		return false
	}
	_, ok = b.writers[p]
	return ok
}

func (s *TracingSession) recordCopy(bid id.BufferID, size int) {
	b := s.buffers[bid]
	b.chunksCopied++
	b.bytesCopied += uint64(size)

	if len(s.chunkSizes) < chunkSampleSize {
		s.chunkSizes = append(s.chunkSizes, float64(size))
		return
	}
	s.chunkSizes[s.sampleNext] = float64(size)
	s.sampleNext = (s.sampleNext + 1) % chunkSampleSize
}

// read returns the chunks written since the previous read, buffer by
// buffer in BufferID order, and advances the read cursors
func (s *TracingSession) read() []TraceChunk {
	var chunks []TraceChunk
	for _, bid := range s.BufferIDs() {
		b := s.buffers[bid]
		res := b.buf.ReadSince(b.cursor)
		b.cursor = res.Next
		b.pagesLost += res.LostPages

		for _, rec := range res.Records {
			h, payload, err := shm.ParseChunk(rec.Data)
			if err != nil {
				s.chunksTorn++
				continue
			}
			chunks = append(chunks, TraceChunk{
				ProducerID: id.ProducerID(rec.Tag),
				BufferID:   bid,
				WriterID:   h.WriterID,
				ChunkID:    h.ChunkID,
				Payload:    payload,
			})
		}
	}
	s.chunksRead += uint64(len(chunks))
	return chunks
}

// BufferStats describes one trace buffer of a session
type BufferStats struct {
	ID               id.BufferID `json:"id"`
	SizeBytes        int         `json:"size_bytes"`
	PagesWritten     uint64      `json:"pages_written"`
	PagesOverwritten uint64      `json:"pages_overwritten"`
	PagesLost        uint64      `json:"pages_lost"`
	ChunksCopied     uint64      `json:"chunks_copied"`
	BytesCopied      uint64      `json:"bytes_copied"`
	Writers          int         `json:"writers"`
}

// SessionStats describes a session
type SessionStats struct {
	SessionID       id.SessionID  `json:"session_id"`
	Enabled         bool          `json:"enabled"`
	CreatedAt       time.Time     `json:"created_at"`
	Instances       int           `json:"instances"`
	Buffers         []BufferStats `json:"buffers"`
	ChunksCopied    uint64        `json:"chunks_copied"`
	BytesCopied     uint64        `json:"bytes_copied"`
	ChunksRead      uint64        `json:"chunks_read"`
	ChunksTorn      uint64        `json:"chunks_torn"`
	ChunkSizeMean   float64       `json:"chunk_size_mean"`
	ChunkSizeStdDev float64       `json:"chunk_size_stddev"`
}

// Stats summarizes the session
func (s *TracingSession) Stats() SessionStats {
	st := SessionStats{
		SessionID:  s.id,
		Enabled:    s.enabled,
		CreatedAt:  s.createdAt,
		Instances:  s.NumInstances(),
		ChunksRead: s.chunksRead,
		ChunksTorn: s.chunksTorn,
	}
	for _, bid := range s.BufferIDs() {
		b := s.buffers[bid]
		st.Buffers = append(st.Buffers, BufferStats{
			ID:               bid,
			SizeBytes:        b.buf.Size(),
			PagesWritten:     b.buf.PagesWritten(),
			PagesOverwritten: b.buf.PagesOverwritten(),
			PagesLost:        b.pagesLost,
			ChunksCopied:     b.chunksCopied,
			BytesCopied:      b.bytesCopied,
			Writers:          len(b.writers),
		})
		st.ChunksCopied += b.chunksCopied
		st.BytesCopied += b.bytesCopied
	}

	switch n := len(s.chunkSizes); {
	case n == 1:
		st.ChunkSizeMean = s.chunkSizes[0]
	case n > 1:
		st.ChunkSizeMean, st.ChunkSizeStdDev = stat.MeanStdDev(s.chunkSizes, nil)
	}
	return st
}
