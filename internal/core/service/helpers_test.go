package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/taskrunner"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/traceconfig"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/monitoring"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/id"
)

// mockProducer is a testify mock of Producer that also remembers the
// instances it was asked to run
type mockProducer struct {
	mock.Mock

	created  map[id.DataSourceInstanceID]DataSourceConfig
	tornDown []id.DataSourceInstanceID
}

func newMockProducer() *mockProducer {
	p := &mockProducer{created: make(map[id.DataSourceInstanceID]DataSourceConfig)}
	p.On("OnConnect").Maybe()
	p.On("OnDisconnect").Maybe()
	p.On("CreateDataSourceInstance", mock.Anything, mock.Anything).Maybe()
	p.On("TearDownDataSourceInstance", mock.Anything).Maybe()
	return p
}

func (p *mockProducer) OnConnect()    { p.Called() }
func (p *mockProducer) OnDisconnect() { p.Called() }

func (p *mockProducer) CreateDataSourceInstance(inst id.DataSourceInstanceID, cfg DataSourceConfig) {
	p.Called(inst, cfg)
	p.created[inst] = cfg
}

func (p *mockProducer) TearDownDataSourceInstance(inst id.DataSourceInstanceID) {
	p.Called(inst)
	p.tornDown = append(p.tornDown, inst)
	delete(p.created, inst)
}

// running returns the config of the only running instance
func (p *mockProducer) running(t *testing.T) (id.DataSourceInstanceID, DataSourceConfig) {
	t.Helper()
	require.Len(t, p.created, 1)
	for inst, cfg := range p.created {
		return inst, cfg
	}
	return 0, DataSourceConfig{}
}

type traceBatch struct {
	chunks  []TraceChunk
	hasMore bool
}

type recordingConsumer struct {
	connects    int
	disconnects int
	disabled    int
	batches     []traceBatch
}

func (c *recordingConsumer) OnConnect()         { c.connects++ }
func (c *recordingConsumer) OnDisconnect()      { c.disconnects++ }
func (c *recordingConsumer) OnTracingDisabled() { c.disabled++ }

func (c *recordingConsumer) OnTraceData(chunks []TraceChunk, hasMore bool) {
	c.batches = append(c.batches, traceBatch{chunks: chunks, hasMore: hasMore})
}

type harness struct {
	t       *testing.T
	runner  *taskrunner.Manual
	metrics *monitoring.Metrics
	svc     *Service
}

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ShmDefaultSize = 4 * cfg.ShmPageSize
	if mutate != nil {
		mutate(&cfg)
	}
	runner := taskrunner.NewManual(testStart)
	metrics := monitoring.NewNop()
	return &harness{
		t:       t,
		runner:  runner,
		metrics: metrics,
		svc:     New(runner, cfg, nil, metrics),
	}
}

func (h *harness) connectProducer(name string) (*ProducerEndpoint, *mockProducer) {
	h.t.Helper()
	mp := newMockProducer()
	ep, err := h.svc.ConnectProducer(mp, name, 0)
	require.NoError(h.t, err)
	h.runner.RunUntilIdle()
	return ep, mp
}

func (h *harness) register(p *ProducerEndpoint, name string) id.DataSourceID {
	h.t.Helper()
	var got id.DataSourceID
	require.NoError(h.t, p.RegisterDataSource(DataSourceDescriptor{Name: name}, func(dsID id.DataSourceID) {
		got = dsID
	}))
	h.runner.RunUntilIdle()
	require.NotZero(h.t, got)
	return got
}

func (h *harness) connectConsumer() (*ConsumerEndpoint, *recordingConsumer) {
	h.t.Helper()
	rc := &recordingConsumer{}
	ep := h.svc.ConnectConsumer(rc)
	h.runner.RunUntilIdle()
	return ep, rc
}

func (h *harness) enable(c *ConsumerEndpoint, cfg *traceconfig.TraceConfig) {
	h.t.Helper()
	require.NoError(h.t, c.EnableTracing(cfg))
	h.runner.RunUntilIdle()
}

// write appends one chunk per payload through a fresh writer and flushes it
func (h *harness) write(p *ProducerEndpoint, bid id.BufferID, payloads ...[]byte) {
	h.t.Helper()
	w := p.CreateTraceWriter(bid)
	for _, payload := range payloads {
		require.NoError(h.t, w.WriteChunk(payload))
	}
	w.Flush()
	h.runner.RunUntilIdle()
}

// read runs ReadBuffers and returns the chunks of every batch it delivered
func (h *harness) read(c *ConsumerEndpoint, rc *recordingConsumer) []TraceChunk {
	h.t.Helper()
	before := len(rc.batches)
	require.NoError(h.t, c.ReadBuffers())
	h.runner.RunUntilIdle()

	var out []TraceChunk
	for _, b := range rc.batches[before:] {
		out = append(out, b.chunks...)
	}
	require.NotEmpty(h.t, rc.batches[before:])
	require.False(h.t, rc.batches[len(rc.batches)-1].hasMore)
	return out
}

func singleBufferConfig(size int, names ...string) *traceconfig.TraceConfig {
	cfg := &traceconfig.TraceConfig{
		Buffers: []traceconfig.BufferConfig{{SizeBytes: size}},
	}
	for _, n := range names {
		cfg.DataSources = append(cfg.DataSources, traceconfig.DataSource{Name: n})
	}
	return cfg
}

func payloads(chunks []TraceChunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = string(c.Payload)
	}
	return out
}
