// Package probes contains producers built into the tracing daemon.
//
// StatsProbe registers the data source "traced.service_stats". Every
// running instance periodically writes a CBOR StatsSnapshot of the
// service's counters through a shared memory trace writer, the same path
// an out-of-process producer uses.
package probes

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/service"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/shm"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/codec"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/id"
)

const (
	// StatsDataSource is the data source name of the stats probe
	StatsDataSource = "traced.service_stats"

	// IntervalOption overrides the snapshot interval of one instance, in
	// milliseconds
	IntervalOption = "interval_ms"

	producerName = "traced.probes"
	minInterval  = 10 * time.Millisecond
)

// StatsSnapshot is the payload of every chunk the probe writes
type StatsSnapshot struct {
	Timestamp time.Time               `cbor:"1,keyasint" json:"timestamp"`
	Instance  id.DataSourceInstanceID `cbor:"2,keyasint" json:"instance"`
	Seq       uint64                  `cbor:"3,keyasint" json:"seq"`
	Producers int                     `cbor:"4,keyasint" json:"producers"`
	Consumers int                     `cbor:"5,keyasint" json:"consumers"`
	Sessions  int                     `cbor:"6,keyasint" json:"sessions"`
	Buffers   int                     `cbor:"7,keyasint" json:"buffers"`
	Totals    service.Totals          `cbor:"8,keyasint" json:"totals"`
	Final     bool                    `cbor:"9,keyasint,omitempty" json:"final,omitempty"`
}

type statsInstance struct {
	id       id.DataSourceInstanceID
	writer   *shm.TraceWriter
	interval time.Duration
	seq      uint64
	active   bool
}

// StatsProbe is an in-process producer. All of its methods, including the
// Producer callbacks, run on the service's task runner.
type StatsProbe struct {
	svc      *service.Service
	interval time.Duration
	logger   *zap.Logger

	ep        *service.ProducerEndpoint
	instances map[id.DataSourceInstanceID]*statsInstance
}

// NewStatsProbe creates a probe that snapshots svc every interval
func NewStatsProbe(svc *service.Service, interval time.Duration, logger *zap.Logger) *StatsProbe {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval < minInterval {
		interval = minInterval
	}
	return &StatsProbe{
		svc:       svc,
		interval:  interval,
		logger:    logger,
		instances: make(map[id.DataSourceInstanceID]*statsInstance),
	}
}

// Start connects the probe to the service and registers its data source
func (p *StatsProbe) Start() error {
	ep, err := p.svc.ConnectProducer(p, producerName, 0)
	if err != nil {
		return err
	}
	p.ep = ep
	return ep.RegisterDataSource(service.DataSourceDescriptor{
		Name:         StatsDataSource,
		Capabilities: []string{"cbor"},
	}, func(dsID id.DataSourceID) {
		p.logger.Debug("stats data source registered", zap.Stringer("data_source_id", dsID))
	})
}

// Stop disconnects the probe. Running instances stop writing.
func (p *StatsProbe) Stop() {
	for _, inst := range p.instances {
		inst.active = false
	}
	clear(p.instances)
	if p.ep != nil {
		p.ep.Disconnect()
		p.ep = nil
	}
}

// OnConnect implements service.Producer
func (p *StatsProbe) OnConnect() {
	p.logger.Debug("stats probe connected")
}

// OnDisconnect implements service.Producer
func (p *StatsProbe) OnDisconnect() {
	p.logger.Debug("stats probe disconnected")
}

// CreateDataSourceInstance implements service.Producer
func (p *StatsProbe) CreateDataSourceInstance(instID id.DataSourceInstanceID, cfg service.DataSourceConfig) {
	if p.ep == nil {
		return
	}
	interval := p.interval
	if v, ok := cfg.Options[IntervalOption]; ok {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			p.logger.Warn("ignoring bad interval option",
				zap.String("value", v),
				zap.Stringer("instance_id", instID))
		} else {
			interval = max(time.Duration(ms)*time.Millisecond, minInterval)
		}
	}

	inst := &statsInstance{
		id:       instID,
		writer:   p.ep.CreateTraceWriter(cfg.TargetBuffer),
		interval: interval,
		active:   true,
	}
	p.instances[instID] = inst
	p.schedule(inst)

	p.logger.Info("stats instance started",
		zap.Stringer("instance_id", instID),
		zap.Stringer("session_id", cfg.SessionID),
		zap.Stringer("buffer_id", cfg.TargetBuffer),
		zap.Duration("interval", interval))
}

// TearDownDataSourceInstance implements service.Producer. A last snapshot
// marked final is written before the instance stops.
func (p *StatsProbe) TearDownDataSourceInstance(instID id.DataSourceInstanceID) {
	inst, ok := p.instances[instID]
	if !ok {
		return
	}
	delete(p.instances, instID)
	p.emit(inst, true)
	inst.active = false
}

func (p *StatsProbe) schedule(inst *statsInstance) {
	p.svc.Runner().PostDelayedTask(func() {
		if !inst.active {
			return
		}
		p.emit(inst, false)
		p.schedule(inst)
	}, inst.interval)
}

// Snapshot captures the service counters
func (p *StatsProbe) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Timestamp: p.svc.Runner().Now(),
		Producers: p.svc.NumProducers(),
		Consumers: p.svc.NumConsumers(),
		Sessions:  p.svc.NumSessions(),
		Buffers:   p.svc.NumBuffers(),
		Totals:    p.svc.Totals(),
	}
}

func (p *StatsProbe) emit(inst *statsInstance, final bool) {
	snap := p.Snapshot()
	snap.Instance = inst.id
	snap.Seq = inst.seq
	snap.Final = final
	inst.seq++

	data, err := codec.Marshal(snap)
	if err != nil {
		p.logger.Error("encoding stats snapshot", zap.Error(err))
		return
	}
	if err := inst.writer.WriteChunk(data); err != nil {
		p.logger.Warn("dropping stats snapshot",
			zap.Stringer("instance_id", inst.id),
			zap.Error(err))
		return
	}
	inst.writer.Flush()
}
