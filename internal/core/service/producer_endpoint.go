package service

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/shm"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/monitoring"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/resilience"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/id"
)

// ProducerEndpoint is the service side of one connected producer. It owns
// the producer's shared memory region and its registered data sources.
// Methods must be called on the service's task runner.
type ProducerEndpoint struct {
	id       id.ProducerID
	name     string
	service  *Service
	producer Producer
	logger   *zap.Logger

	mem shm.SharedMemory
	abi *shm.ABI

	lastDataSourceID id.DataSourceID
	dataSources      map[id.DataSourceID]*registeredDataSource

	limiter        *rate.Limiter
	pending        map[uint32]struct{}
	flushScheduled bool
	breaker        *resilience.Breaker

	lastWriterID uint16
	// writerTargets maps the writers this endpoint created to their buffer;
	// writers whose buffer was freed are retired and their chunks dropped
	writerTargets  map[uint16]id.BufferID
	retiredWriters map[uint16]struct{}

	handle    *handle
	connected bool
}

func newProducerEndpoint(s *Service, pid id.ProducerID, name string, p Producer, mem shm.SharedMemory, abi *shm.ABI) *ProducerEndpoint {
	ep := &ProducerEndpoint{
		id:          pid,
		name:        name,
		service:     s,
		producer:    p,
		logger:      s.logger.With(zap.Stringer("producer_id", pid)),
		mem:         mem,
		abi:         abi,
		dataSources: make(map[id.DataSourceID]*registeredDataSource),
		limiter:     rate.NewLimiter(s.cfg.NotifyRate, s.cfg.NotifyBurst),
		pending:     make(map[uint32]struct{}),

		writerTargets:  make(map[uint16]id.BufferID),
		retiredWriters: make(map[uint16]struct{}),
		handle:      newHandle(),
		connected:   true,
	}

	failures := s.cfg.QuarantineFailures
	ep.breaker = resilience.New(pid.String(), resilience.Settings{
		Timeout: s.cfg.QuarantineTimeout,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(_ string, from, to resilience.State) {
			if to == resilience.StateOpen {
				s.metrics.ProducersQuarantined.Inc()
				ep.logger.Warn("producer quarantined",
					zap.Stringer("from", from),
					zap.Duration("timeout", s.cfg.QuarantineTimeout))
				return
			}
			ep.logger.Info("producer quarantine state changed",
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
		Now: s.runner.Now,
	})
	return ep
}

// ID returns the producer id
func (p *ProducerEndpoint) ID() id.ProducerID { return p.id }

// Name returns the name the producer connected with
func (p *ProducerEndpoint) Name() string { return p.name }

// SharedMemory returns the region shared with the producer
func (p *ProducerEndpoint) SharedMemory() shm.SharedMemory { return p.mem }

// ABI returns the chunk view over the producer's region
func (p *ProducerEndpoint) ABI() *shm.ABI { return p.abi }

// Quarantined reports whether the producer's notifications are being
// dropped
func (p *ProducerEndpoint) Quarantined() bool {
	return p.breaker.State() == resilience.StateOpen
}

// Info describes the producer
func (p *ProducerEndpoint) Info() ProducerInfo {
	info := ProducerInfo{
		ID:          p.id,
		Name:        p.name,
		ShmSize:     p.mem.Size(),
		Quarantined: p.Quarantined(),
		DataSources: []DataSourceInfo{},
	}
	for _, dsID := range slices.Sorted(maps.Keys(p.dataSources)) {
		info.DataSources = append(info.DataSources, p.dataSources[dsID].info())
	}
	return info
}

// RegisterDataSource registers a data source and reports its id to
// callback asynchronously. Sessions already tracing a matching name start
// an instance of it right away.
func (p *ProducerEndpoint) RegisterDataSource(desc DataSourceDescriptor, callback func(id.DataSourceID)) error {
	if !p.connected {
		return ErrDisconnected
	}
	if desc.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDescriptor)
	}
	desc.Capabilities = slices.Clone(desc.Capabilities)

	dsID := p.service.registerDataSource(p, desc)
	if callback != nil {
		p.handle.post(p.service.runner, func() { callback(dsID) })
	}
	return nil
}

// UnregisterDataSource removes a data source and tears down its running
// instances. Unknown ids are ignored.
func (p *ProducerEndpoint) UnregisterDataSource(dsID id.DataSourceID) {
	if !p.connected {
		return
	}
	p.service.unregisterDataSource(p, dsID)
}

// NotifySharedMemoryUpdate tells the service which pages of the region hold
// new chunks. Over the notification rate the pages are remembered and
// processed by a single delayed flush.
func (p *ProducerEndpoint) NotifySharedMemoryUpdate(pages []uint32) error {
	if !p.connected {
		return ErrDisconnected
	}
	if len(pages) == 0 {
		return nil
	}
	numPages := uint32(p.abi.NumPages())
	outOfRange := 0
	for _, pg := range pages {
		if pg >= numPages {
			outOfRange++
			p.service.recordDrop(p, monitoring.DropCorruptPage, fmt.Errorf("page %d out of range, region has %d", pg, numPages))
			continue
		}
		p.pending[pg] = struct{}{}
	}
	if outOfRange > 0 {
		_ = p.breaker.Execute(func() error {
			return fmt.Errorf("%w: %d pages out of range", errMisbehaving, outOfRange)
		})
	}
	if len(p.pending) == 0 {
		return nil
	}

	now := p.service.runner.Now()
	if !p.limiter.AllowN(now, 1) {
		p.service.metrics.NotificationsCoalesced.Inc()
		p.scheduleFlush(now)
		return nil
	}
	p.flushPending()
	return nil
}

func (p *ProducerEndpoint) scheduleFlush(now time.Time) {
	if p.flushScheduled {
		return
	}
	p.flushScheduled = true

	delay := time.Second
	if r := p.limiter.ReserveN(now, 1); r.OK() {
		delay = r.DelayFrom(now)
	}
	p.handle.postDelayed(p.service.runner, func() {
		p.flushScheduled = false
		p.flushPending()
	}, delay)
}

func (p *ProducerEndpoint) flushPending() {
	if len(p.pending) == 0 {
		return
	}
	pages := slices.Sorted(maps.Keys(p.pending))
	clear(p.pending)

	err := p.breaker.Execute(func() error {
		return p.processPages(pages)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		p.discardPages(pages)
	}
}

// processPages copies every complete chunk of pages into its target buffer
// and marks it consumed. It returns errMisbehaving if any chunk was
// unauthorized, torn or sat in a corrupt page.
func (p *ProducerEndpoint) processPages(pages []uint32) error {
	s := p.service
	bad := 0
	for _, pg := range pages {
		chunks, err := p.abi.Chunks(int(pg))
		if err != nil {
			bad++
			s.recordDrop(p, monitoring.DropCorruptPage, err)
		}

		for _, c := range chunks {
			if _, retired := p.retiredWriters[c.Header.WriterID]; retired {
				p.abi.MarkConsumed(c)
				s.recordDrop(p, monitoring.DropUnknownBuffer, fmt.Errorf("writer %d targets a freed buffer", c.Header.WriterID))
				continue
			}
			if c.Torn {
				bad++
				s.recordDrop(p, monitoring.DropTorn, fmt.Errorf("chunk %d of writer %d", c.Header.ChunkID, c.Header.WriterID))
				p.abi.MarkConsumed(c)
				continue
			}

			data := bytes.Clone(c.Raw)
			p.abi.MarkConsumed(c)
			if err := s.CopyProducerPageIntoLogBuffer(p.id, id.BufferID(c.Header.TargetBuffer), data); err != nil {
				reason := dropReason(err)
				if reason == monitoring.DropUnauthorized {
					bad++
				}
				s.recordDrop(p, reason, err)
			}
		}
	}
	if bad > 0 {
		return fmt.Errorf("%w: %d bad chunks or pages", errMisbehaving, bad)
	}
	return nil
}

// discardPages consumes the chunks of a quarantined producer without
// copying them, so its writers can keep recycling pages
func (p *ProducerEndpoint) discardPages(pages []uint32) {
	for _, pg := range pages {
		chunks, _ := p.abi.Chunks(int(pg))
		for _, c := range chunks {
			p.abi.MarkConsumed(c)
			p.service.recordDrop(p, monitoring.DropQuarantined, resilience.ErrCircuitOpen)
		}
	}
}

// CreateTraceWriter returns a writer that appends chunks for buffer bid to
// this producer's region. Its Flush may be called from any goroutine; the
// notification is posted to the service's task runner.
func (p *ProducerEndpoint) CreateTraceWriter(bid id.BufferID) *shm.TraceWriter {
	p.lastWriterID++
	p.writerTargets[p.lastWriterID] = bid
	delete(p.retiredWriters, p.lastWriterID)
	return shm.NewTraceWriter(p.abi, p.lastWriterID, uint16(bid), func(pages []uint32) {
		p.handle.post(p.service.runner, func() {
			_ = p.NotifySharedMemoryUpdate(pages)
		})
	})
}

// releaseBuffer forgets buffer bid before its id is handed out again. Every
// complete chunk in the region addressed to bid is consumed and counted as
// dropped, and the writers created for bid are retired so chunks they
// finish later never reach a session that reuses the id.
func (p *ProducerEndpoint) releaseBuffer(bid id.BufferID) int {
	dropped := 0
	for pg := range p.abi.NumPages() {
		chunks, err := p.abi.Chunks(pg)
		if err != nil {
			continue
		}
		for _, c := range chunks {
			if id.BufferID(c.Header.TargetBuffer) != bid {
				continue
			}
			p.abi.MarkConsumed(c)
			p.service.recordDrop(p, monitoring.DropUnknownBuffer, fmt.Errorf("%w: %s freed", ErrUnknownBuffer, bid))
			dropped++
		}
	}
	for wid, target := range p.writerTargets {
		if target == bid {
			delete(p.writerTargets, wid)
			p.retiredWriters[wid] = struct{}{}
		}
	}
	return dropped
}

// Disconnect destroys the endpoint: its data sources are unregistered, its
// instances are pruned from every session and pending callbacks are
// dropped. Calling it twice is a no-op.
func (p *ProducerEndpoint) Disconnect() {
	if !p.connected {
		return
	}
	p.connected = false

	p.service.disconnectProducer(p)
	p.handle.revoke()
	clear(p.pending)

	producer := p.producer
	p.service.runner.PostTask(producer.OnDisconnect)

	if err := p.mem.Close(); err != nil {
		p.logger.Warn("closing shared memory", zap.Error(err))
	}
}
