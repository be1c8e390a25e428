package service

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/idalloc"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/tracebuffer"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/traceconfig"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/id"
)

type plannedInstance struct {
	rds         *registeredDataSource
	configIndex int
}

// enableTracing runs in two phases so resource exhaustion never leaves a
// half-registered session: first every buffer the matches need is
// allocated, rolling back on failure, then the session and its instances
// are created.
func (s *Service) enableTracing(c *ConsumerEndpoint, cfg *traceconfig.TraceConfig) error {
	if _, ok := s.sessions[c]; ok {
		return ErrSessionActive
	}
	if cfg == nil {
		return fmt.Errorf("%w: no config", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg = cfg.Clone()

	var plan []plannedInstance
	needed := make([]bool, len(cfg.Buffers))
	for i, ds := range cfg.DataSources {
		for _, rds := range s.matchDataSources(ds.Name) {
			plan = append(plan, plannedInstance{rds: rds, configIndex: i})
			needed[ds.TargetBuffer] = true
		}
	}

	slots := make([]id.BufferID, len(cfg.Buffers))
	bufs := make(map[id.BufferID]*tracebuffer.Buffer)
	for target, need := range needed {
		if !need {
			continue
		}
		bid, buf, err := s.allocateBuffer(cfg.Buffers[target].SizeBytes)
		if err != nil {
			for allocated := range bufs {
				s.releaseBuffer(allocated)
			}
			s.logger.Warn("enable tracing failed",
				zap.Int("buffer_index", target),
				zap.Error(err))
			return err
		}
		slots[target] = bid
		bufs[bid] = buf
	}

	sess := newTracingSession(id.NewSessionID(), c, cfg, s.runner.Now())
	for target, bid := range slots {
		if bid != 0 {
			sess.addBuffer(target, bid, bufs[bid])
			s.buffers[bid] = sess
		}
	}
	s.sessions[c] = sess
	for _, p := range plan {
		s.startInstance(sess, p.rds, p.configIndex)
	}

	s.totals.SessionsTotal++
	s.metrics.SessionsTotal.Inc()
	s.metrics.SetSessions(len(s.sessions))
	s.logger.Info("tracing enabled",
		zap.Stringer("session_id", sess.id),
		zap.Int("instances", len(plan)),
		zap.Int("buffers", len(bufs)))

	if cfg.DurationMs > 0 {
		s.runner.PostDelayedTask(func() {
			if s.sessions[c] != sess || !sess.enabled {
				return
			}
			s.logger.Info("tracing duration elapsed", zap.Stringer("session_id", sess.id))
			_ = s.disableTracing(c)
		}, time.Duration(cfg.DurationMs)*time.Millisecond)
	}
	return nil
}

// ensureBuffer allocates the buffer for config slot target if no instance
// has needed it yet
func (s *Service) ensureBuffer(sess *TracingSession, target int) error {
	if sess.slots[target] != 0 {
		return nil
	}
	bid, buf, err := s.allocateBuffer(sess.config.Buffers[target].SizeBytes)
	if err != nil {
		return err
	}
	sess.addBuffer(target, bid, buf)
	s.buffers[bid] = sess
	return nil
}

func (s *Service) allocateBuffer(size int) (id.BufferID, *tracebuffer.Buffer, error) {
	raw := s.bufferIDs.Allocate()
	if raw == idalloc.Invalid {
		return 0, nil, fmt.Errorf("%w: all %d buffer ids in use", ErrResourceExhausted, s.bufferIDs.Max())
	}
	buf, err := tracebuffer.New(size,
		tracebuffer.WithPageSize(s.cfg.BufferPageSize),
		tracebuffer.WithMaxSize(s.cfg.MaxBufferSize))
	if err != nil {
		s.bufferIDs.Release(raw)
		return 0, nil, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	s.metrics.BuffersAllocated.Inc()
	return id.BufferID(raw), buf, nil
}

func (s *Service) releaseBuffer(bid id.BufferID) {
	s.bufferIDs.Release(uint32(bid))
	s.metrics.BuffersAllocated.Dec()
}

// startInstance records a new instance of rds for config entry i, grants
// its producer write access to the target buffer and asks the producer to
// start it. The target buffer must already be allocated.
func (s *Service) startInstance(sess *TracingSession, rds *registeredDataSource, i int) {
	ds := sess.config.DataSources[i]
	p := s.producers[rds.producerID]
	bid := sess.slots[ds.TargetBuffer]

	s.lastInstanceID++
	inst := &dataSourceInstance{
		id:           s.lastInstanceID,
		producerID:   rds.producerID,
		dataSourceID: rds.id,
		name:         rds.descriptor.Name,
		configIndex:  i,
		bufferID:     bid,
	}
	sess.addInstance(inst)
	s.metrics.InstancesStarted.Inc()

	dsCfg := DataSourceConfig{
		Name:         rds.descriptor.Name,
		SessionID:    sess.id,
		TargetBuffer: bid,
		Options:      maps.Clone(ds.Options),
	}
	producer := p.producer
	p.handle.post(s.runner, func() {
		producer.CreateDataSourceInstance(inst.id, dsCfg)
	})

	s.logger.Debug("data source instance started",
		zap.Stringer("session_id", sess.id),
		zap.Stringer("producer_id", p.id),
		zap.Stringer("instance_id", inst.id),
		zap.String("data_source", inst.name),
		zap.Stringer("buffer_id", bid))
}

func (s *Service) tearDownInstance(p *ProducerEndpoint, inst *dataSourceInstance) {
	producer := p.producer
	instID := inst.id
	p.handle.post(s.runner, func() {
		producer.TearDownDataSourceInstance(instID)
	})
}

func (s *Service) disableTracing(c *ConsumerEndpoint) error {
	sess, ok := s.sessions[c]
	if !ok {
		return ErrNoSession
	}
	if !sess.enabled {
		return nil
	}
	sess.enabled = false

	for _, inst := range sess.sortedInstances() {
		if p, ok := s.producers[inst.producerID]; ok {
			s.tearDownInstance(p, inst)
		}
	}
	clear(sess.instances)

	c.handle.post(s.runner, c.consumer.OnTracingDisabled)
	s.logger.Info("tracing disabled", zap.Stringer("session_id", sess.id))
	return nil
}

func (s *Service) readBuffers(c *ConsumerEndpoint) error {
	sess, ok := s.sessions[c]
	if !ok {
		return ErrNoSession
	}

	chunks := sess.read()
	s.metrics.ChunksRead.Add(float64(len(chunks)))

	deliver := func(batch []TraceChunk, hasMore bool) {
		c.handle.post(s.runner, func() {
			c.consumer.OnTraceData(batch, hasMore)
		})
	}

	var (
		batch []TraceChunk
		size  int
	)
	for _, ch := range chunks {
		if len(batch) > 0 && size+len(ch.Payload) > s.cfg.ReadBatchBytes {
			deliver(batch, true)
			batch, size = nil, 0
		}
		batch = append(batch, ch)
		size += len(ch.Payload)
	}
	deliver(batch, false)
	return nil
}

func (s *Service) freeBuffers(c *ConsumerEndpoint) error {
	sess, ok := s.sessions[c]
	if !ok {
		return ErrNoSession
	}
	if sess.enabled {
		_ = s.disableTracing(c)
	}

	bids := slices.Sorted(maps.Keys(sess.buffers))
	pids := slices.Sorted(maps.Keys(s.producers))
	for _, bid := range bids {
		delete(s.buffers, bid)
		// chunks still sitting in producer regions must not leak into the
		// next session that gets this id
		for _, pid := range pids {
			if n := s.producers[pid].releaseBuffer(bid); n > 0 {
				s.logger.Debug("dropped chunks for freed buffer",
					zap.Stringer("producer_id", pid),
					zap.Stringer("buffer_id", bid),
					zap.Int("chunks", n))
			}
		}
		s.releaseBuffer(bid)
	}
	clear(sess.buffers)
	delete(s.sessions, c)

	s.metrics.SetSessions(len(s.sessions))
	s.logger.Info("buffers freed",
		zap.Stringer("session_id", sess.id),
		zap.Int("buffers", len(bids)))
	return nil
}

func (s *Service) disconnectConsumer(c *ConsumerEndpoint) {
	if _, ok := s.sessions[c]; ok {
		_ = s.freeBuffers(c)
	}
	delete(s.consumers, c)
	s.metrics.SetConsumers(len(s.consumers))
	s.logger.Debug("consumer disconnected")
}
