package service

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/idalloc"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/shm"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/taskrunner"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/tracebuffer"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/traceconfig"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/monitoring"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/id"
)

type registeredDataSource struct {
	producerID id.ProducerID
	id         id.DataSourceID
	descriptor DataSourceDescriptor
}

// Service is the tracing service coordinator
type Service struct {
	runner  taskrunner.Runner
	cfg     Config
	logger  *zap.Logger
	metrics *monitoring.Metrics

	bufferIDs *idalloc.Allocator

	lastProducerID id.ProducerID
	lastInstanceID id.DataSourceInstanceID
	lastConsumer   uint64

	producers   map[id.ProducerID]*ProducerEndpoint
	consumers   map[*ConsumerEndpoint]struct{}
	sessions    map[*ConsumerEndpoint]*TracingSession
	dataSources map[string][]*registeredDataSource

	// buffers indexes every live BufferID to the session owning it
	buffers map[id.BufferID]*TracingSession

	totals Totals
}

// Totals are service wide counters since start
type Totals struct {
	ChunksCopied  uint64 `json:"chunks_copied" cbor:"1,keyasint"`
	BytesCopied   uint64 `json:"bytes_copied" cbor:"2,keyasint"`
	ChunksDropped uint64 `json:"chunks_dropped" cbor:"3,keyasint"`
	SessionsTotal uint64 `json:"sessions_total" cbor:"4,keyasint"`
}

// New creates a service that runs on runner. A nil metrics registers on a
// private registry.
func New(runner taskrunner.Runner, cfg Config, logger *zap.Logger, metrics *monitoring.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = monitoring.NewNop()
	}
	cfg = cfg.withDefaults()

	return &Service{
		runner:      runner,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		bufferIDs:   idalloc.New(uint32(cfg.MaxBuffers)),
		producers:   make(map[id.ProducerID]*ProducerEndpoint),
		consumers:   make(map[*ConsumerEndpoint]struct{}),
		sessions:    make(map[*ConsumerEndpoint]*TracingSession),
		dataSources: make(map[string][]*registeredDataSource),
		buffers:     make(map[id.BufferID]*TracingSession),
	}
}

// Runner returns the task runner the service lives on
func (s *Service) Runner() taskrunner.Runner { return s.runner }

// ConnectProducer creates an endpoint for p with a shared memory region of
// about shmSizeHint bytes; 0 selects the configured default. Fails with
// ErrResourceExhausted if the region cannot be created, in which case
// nothing is registered.
func (s *Service) ConnectProducer(p Producer, name string, shmSizeHint int) (*ProducerEndpoint, error) {
	size := shm.NormalizeSize(shmSizeHint, s.cfg.ShmPageSize, s.cfg.ShmDefaultSize, s.cfg.ShmMaxSize)
	mem, err := s.cfg.ShmFactory.CreateSharedMemory(size)
	if err != nil {
		return nil, fmt.Errorf("%w: shared memory of %d bytes: %v", ErrResourceExhausted, size, err)
	}
	abi, err := shm.NewABI(mem.Bytes(), s.cfg.ShmPageSize)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}

	s.lastProducerID++
	ep := newProducerEndpoint(s, s.lastProducerID, name, p, mem, abi)
	s.producers[ep.id] = ep
	s.metrics.SetProducers(len(s.producers))

	s.logger.Info("producer connected",
		zap.Stringer("producer_id", ep.id),
		zap.String("name", name),
		zap.Int("shm_size", size))

	ep.handle.post(s.runner, p.OnConnect)
	return ep, nil
}

// ConnectConsumer creates an endpoint for c
func (s *Service) ConnectConsumer(c Consumer) *ConsumerEndpoint {
	s.lastConsumer++
	ep := &ConsumerEndpoint{
		seq:       s.lastConsumer,
		service:   s,
		consumer:  c,
		handle:    newHandle(),
		connected: true,
	}
	s.consumers[ep] = struct{}{}
	s.metrics.SetConsumers(len(s.consumers))
	s.logger.Debug("consumer connected")

	ep.handle.post(s.runner, c.OnConnect)
	return ep
}

// NumProducers returns the number of connected producers
func (s *Service) NumProducers() int { return len(s.producers) }

// NumConsumers returns the number of connected consumers
func (s *Service) NumConsumers() int { return len(s.consumers) }

// NumSessions returns the number of sessions holding buffers
func (s *Service) NumSessions() int { return len(s.sessions) }

// NumBuffers returns the number of allocated trace buffers
func (s *Service) NumBuffers() int { return s.bufferIDs.Len() }

// Totals returns service wide counters
func (s *Service) Totals() Totals { return s.totals }

// Producer returns the endpoint of a connected producer, or nil
func (s *Service) Producer(pid id.ProducerID) *ProducerEndpoint {
	return s.producers[pid]
}

// DataSourceInfo describes a registered data source
type DataSourceInfo struct {
	ProducerID   id.ProducerID   `json:"producer_id"`
	DataSourceID id.DataSourceID `json:"data_source_id"`
	Name         string          `json:"name"`
	Capabilities []string        `json:"capabilities,omitempty"`
}

// ProducerInfo describes a connected producer
type ProducerInfo struct {
	ID          id.ProducerID    `json:"id"`
	Name        string           `json:"name"`
	ShmSize     int              `json:"shm_size"`
	Quarantined bool             `json:"quarantined"`
	DataSources []DataSourceInfo `json:"data_sources"`
}

// DataSources lists every registered data source ordered by name, then
// registration order
func (s *Service) DataSources() []DataSourceInfo {
	var out []DataSourceInfo
	for _, name := range slices.Sorted(maps.Keys(s.dataSources)) {
		for _, rds := range s.dataSources[name] {
			out = append(out, rds.info())
		}
	}
	return out
}

// Producers lists connected producers ordered by id
func (s *Service) Producers() []ProducerInfo {
	out := make([]ProducerInfo, 0, len(s.producers))
	for _, pid := range slices.Sorted(maps.Keys(s.producers)) {
		out = append(out, s.producers[pid].Info())
	}
	return out
}

// Close disconnects every consumer and producer
func (s *Service) Close() {
	consumers := slices.Collect(maps.Keys(s.consumers))
	slices.SortFunc(consumers, func(a, b *ConsumerEndpoint) int {
		return cmp.Compare(a.seq, b.seq)
	})
	for _, c := range consumers {
		c.Disconnect()
	}
	for _, pid := range slices.Sorted(maps.Keys(s.producers)) {
		s.producers[pid].Disconnect()
	}
}

func (rds *registeredDataSource) info() DataSourceInfo {
	return DataSourceInfo{
		ProducerID:   rds.producerID,
		DataSourceID: rds.id,
		Name:         rds.descriptor.Name,
		Capabilities: rds.descriptor.Capabilities,
	}
}

// ============================================================================
// Data source registry
// ============================================================================

func (s *Service) registerDataSource(p *ProducerEndpoint, desc DataSourceDescriptor) id.DataSourceID {
	p.lastDataSourceID++
	rds := &registeredDataSource{
		producerID: p.id,
		id:         p.lastDataSourceID,
		descriptor: desc,
	}
	p.dataSources[rds.id] = rds
	s.dataSources[desc.Name] = append(s.dataSources[desc.Name], rds)
	s.metrics.DataSources.Inc()

	s.logger.Debug("data source registered",
		zap.Stringer("producer_id", p.id),
		zap.Stringer("data_source_id", rds.id),
		zap.String("data_source", desc.Name))

	// Sessions already running pick up sources registered after they started.
	for _, sess := range s.sortedSessions() {
		if !sess.enabled {
			continue
		}
		for i, ds := range sess.config.DataSources {
			if !traceconfig.Matches(ds.Name, desc.Name) {
				continue
			}
			if err := s.ensureBuffer(sess, ds.TargetBuffer); err != nil {
				s.logger.Warn("cannot start late data source",
					zap.Stringer("session_id", sess.id),
					zap.String("data_source", desc.Name),
					zap.Error(err))
				continue
			}
			s.startInstance(sess, rds, i)
		}
	}
	return rds.id
}

func (s *Service) unregisterDataSource(p *ProducerEndpoint, dsID id.DataSourceID) {
	rds, ok := p.dataSources[dsID]
	if !ok {
		return
	}
	delete(p.dataSources, dsID)
	s.removeFromIndex(rds)

	for _, sess := range s.sortedSessions() {
		removed := sess.removeInstances(p.id, func(inst *dataSourceInstance) bool {
			return inst.dataSourceID == dsID
		})
		for _, inst := range removed {
			s.tearDownInstance(p, inst)
		}
	}

	s.logger.Debug("data source unregistered",
		zap.Stringer("producer_id", p.id),
		zap.Stringer("data_source_id", dsID),
		zap.String("data_source", rds.descriptor.Name))
}

func (s *Service) removeFromIndex(rds *registeredDataSource) {
	name := rds.descriptor.Name
	entries := slices.DeleteFunc(s.dataSources[name], func(e *registeredDataSource) bool {
		return e == rds
	})
	if len(entries) == 0 {
		delete(s.dataSources, name)
	} else {
		s.dataSources[name] = entries
	}
	s.metrics.DataSources.Dec()
}

// matchDataSources returns the registered sources selected by pattern,
// ordered by name then registration
func (s *Service) matchDataSources(pattern string) []*registeredDataSource {
	if entries, ok := s.dataSources[pattern]; ok {
		return slices.Clone(entries)
	}
	var out []*registeredDataSource
	for _, name := range slices.Sorted(maps.Keys(s.dataSources)) {
		if traceconfig.Matches(pattern, name) {
			out = append(out, s.dataSources[name]...)
		}
	}
	return out
}

func (s *Service) disconnectProducer(p *ProducerEndpoint) {
	for _, dsID := range slices.Sorted(maps.Keys(p.dataSources)) {
		s.removeFromIndex(p.dataSources[dsID])
	}
	clear(p.dataSources)

	for _, sess := range s.sortedSessions() {
		if n := sess.pruneProducer(p.id); n > 0 {
			s.logger.Debug("pruned instances of disconnected producer",
				zap.Stringer("session_id", sess.id),
				zap.Stringer("producer_id", p.id),
				zap.Int("instances", n))
		}
	}

	delete(s.producers, p.id)
	s.metrics.SetProducers(len(s.producers))
	s.logger.Info("producer disconnected", zap.Stringer("producer_id", p.id))
}

func (s *Service) sortedSessions() []*TracingSession {
	out := slices.Collect(maps.Values(s.sessions))
	slices.SortFunc(out, func(a, b *TracingSession) int {
		return strings.Compare(string(a.id), string(b.id))
	})
	return out
}

// ============================================================================
// Copy path
// ============================================================================

// CopyProducerPageIntoLogBuffer copies one chunk written by producer pid
// into trace buffer bid. The write is rejected when no session owns bid
// (ErrUnknownBuffer), when pid was never authorized to write into bid
// (ErrUnauthorizedWriter) or when the chunk cannot fit in the buffer
// (ErrChunkTooLarge). A rejected write has no effect on any session.
func (s *Service) CopyProducerPageIntoLogBuffer(pid id.ProducerID, bid id.BufferID, data []byte) error {
	sess, ok := s.buffers[bid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBuffer, bid)
	}
	if !sess.isWriter(bid, pid) {
		return fmt.Errorf("%w: %s -> %s", ErrUnauthorizedWriter, pid, bid)
	}

	buf := sess.buffers[bid].buf
	before := buf.PagesOverwritten()
	if _, err := buf.Write(uint64(pid), data); err != nil {
		if errors.Is(err, tracebuffer.ErrRecordTooLarge) {
			return fmt.Errorf("%w: %v", ErrChunkTooLarge, err)
		}
		return err
	}

	sess.recordCopy(bid, len(data))
	s.totals.ChunksCopied++
	s.totals.BytesCopied += uint64(len(data))
	s.metrics.RecordChunkCopied(len(data), buf.PagesOverwritten()-before)
	return nil
}

func (s *Service) recordDrop(p *ProducerEndpoint, reason string, err error) {
	s.totals.ChunksDropped++
	s.metrics.RecordChunkDropped(reason)
	s.logger.Debug("chunk dropped",
		zap.Stringer("producer_id", p.id),
		zap.String("reason", reason),
		zap.Error(err))
}
