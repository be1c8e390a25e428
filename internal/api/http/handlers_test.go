package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/service"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/taskrunner"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/domain/session"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/monitoring"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/codec"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/id"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// burstProducer writes count chunks of the data source name when an
// instance starts
type burstProducer struct {
	ep    *service.ProducerEndpoint
	count int
}

func (p *burstProducer) OnConnect()    {}
func (p *burstProducer) OnDisconnect() {}

func (p *burstProducer) CreateDataSourceInstance(_ id.DataSourceInstanceID, cfg service.DataSourceConfig) {
	w := p.ep.CreateTraceWriter(cfg.TargetBuffer)
	for range p.count {
		if err := w.WriteChunk([]byte(cfg.Name)); err != nil {
			return
		}
	}
	w.Flush()
}

func (p *burstProducer) TearDownDataSourceInstance(id.DataSourceInstanceID) {}

type apiFixture struct {
	t       *testing.T
	loop    *taskrunner.Loop
	svc     *service.Service
	manager *session.Manager
	metrics *monitoring.Metrics
	router  *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	loop := taskrunner.NewLoop(nil)
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	svc := service.New(loop, service.Config{}, nil, metrics)
	manager := session.NewManager(loop, svc, nil)

	router := gin.New()
	router.Use(monitoring.Middleware(metrics))
	NewHandlers(manager, NewHandlerMetrics(metrics), nil, 2*time.Second).Register(router)
	router.GET("/metrics/json", NewMetricsAggregator(metrics, manager).GetAggregatedMetrics)

	f := &apiFixture{t: t, loop: loop, svc: svc, manager: manager, metrics: metrics, router: router}
	t.Cleanup(func() {
		manager.Close(context.Background())
		loop.Stop()
	})
	return f
}

func (f *apiFixture) addProducer(count int, names ...string) {
	f.t.Helper()
	p := &burstProducer{count: count}
	errc := make(chan error, 1)
	require.NoError(f.t, f.loop.Do(context.Background(), func() {
		ep, err := f.svc.ConnectProducer(p, "burst", 0)
		if err != nil {
			errc <- err
			return
		}
		p.ep = ep
		for _, n := range names {
			if err := ep.RegisterDataSource(service.DataSourceDescriptor{Name: n}, nil); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}))
	require.NoError(f.t, <-errc)
}

func (f *apiFixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	f.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) connect() string {
	f.t.Helper()
	w := f.do(http.MethodPost, "/consumers", "")
	require.Equal(f.t, http.StatusCreated, w.Code)
	var resp struct {
		Success bool   `json:"success"`
		ID      string `json:"id"`
	}
	require.NoError(f.t, sonic.Unmarshal(w.Body.Bytes(), &resp))
	require.True(f.t, resp.Success)
	return resp.ID
}

func (f *apiFixture) read(consumer string, headers ...string) ReadResponse {
	f.t.Helper()
	w := f.do(http.MethodPost, "/consumers/"+consumer+"/read", "", headers...)
	require.Equal(f.t, http.StatusOK, w.Code, w.Body.String())
	resp, err := DecodeReadResponse(w.Header().Get("Content-Type"), w.Header().Get("Content-Encoding"), w.Body.Bytes())
	require.NoError(f.t, err)
	return resp
}

// readN reads until n chunks arrived; instances start asynchronously
func (f *apiFixture) readN(consumer string, n int, headers ...string) []service.TraceChunk {
	f.t.Helper()
	var out []service.TraceChunk
	deadline := time.Now().Add(2 * time.Second)
	for len(out) < n && time.Now().Before(deadline) {
		out = append(out, f.read(consumer, headers...).Chunks...)
		if len(out) < n {
			time.Sleep(5 * time.Millisecond)
		}
	}
	require.Len(f.t, out, n)
	return out
}

const jsonConfig = `{"buffers":[{"size_bytes":65536}],"data_sources":[{"name":"cpu.*"}]}`

func TestRootAndHealth(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"traced"`)

	f.addProducer(1, "cpu.freq")
	f.connect()

	w = f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var health struct {
		Status    string `json:"status"`
		Producers int    `json:"producers"`
		Consumers int    `json:"consumers"`
	}
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.Producers)
	assert.Equal(t, 1, health.Consumers)
}

func TestEnableReadFreeJSON(t *testing.T) {
	f := newAPIFixture(t)
	f.addProducer(2, "cpu.freq", "cpu.idle", "gpu.freq")
	cid := f.connect()

	w := f.do(http.MethodPost, "/consumers/"+cid+"/enable", jsonConfig, "Content-Type", "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	chunks := f.readN(cid, 4)
	var names []string
	for _, ch := range chunks {
		names = append(names, string(ch.Payload))
	}
	assert.ElementsMatch(t, []string{"cpu.freq", "cpu.freq", "cpu.idle", "cpu.idle"}, names)

	w = f.do(http.MethodGet, "/consumers/"+cid+"/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st service.SessionStats
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 2, st.Instances)
	assert.Equal(t, uint64(4), st.ChunksRead)

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/consumers/"+cid+"/disable", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/consumers/"+cid+"/free", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/consumers/"+cid+"/stats", "").Code)
}

func TestEnableYAMLAndTOML(t *testing.T) {
	f := newAPIFixture(t)

	yamlCfg := "buffers:\n  - size_bytes: 4096\ndata_sources:\n  - name: cpu.freq\n"
	cid := f.connect()
	w := f.do(http.MethodPost, "/consumers/"+cid+"/enable", yamlCfg, "Content-Type", "application/yaml")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	tomlCfg := "[[buffers]]\nsize_bytes = 4096\n\n[[data_sources]]\nname = \"cpu.freq\"\n"
	cid = f.connect()
	w = f.do(http.MethodPost, "/consumers/"+cid+"/enable", tomlCfg, "Content-Type", "application/toml")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestReadEncodings(t *testing.T) {
	f := newAPIFixture(t)
	f.addProducer(3, "cpu.freq")
	cid := f.connect()
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/consumers/"+cid+"/enable", jsonConfig).Code)
	f.readN(cid, 3)

	cases := []struct {
		accept, acceptEncoding string
		wantType, wantEncoding string
	}{
		{"application/cbor", "zstd", codec.ContentType, "zstd"},
		{"application/cbor", "", codec.ContentType, ""},
		{"application/json", "lz4", contentTypeJSON, "lz4"},
		{"", "gzip", contentTypeJSON, "gzip"},
	}
	for _, tc := range cases {
		w := f.do(http.MethodPost, "/consumers/"+cid+"/read", "",
			"Accept", tc.accept, "Accept-Encoding", tc.acceptEncoding)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), tc.wantType)
		assert.Equal(t, tc.wantEncoding, w.Header().Get("Content-Encoding"))

		resp, err := DecodeReadResponse(w.Header().Get("Content-Type"), w.Header().Get("Content-Encoding"), w.Body.Bytes())
		require.NoError(t, err)
		assert.Empty(t, resp.Chunks)
		assert.Zero(t, resp.Count)
	}
}

func TestEncodeReadCBORKeepsPayloads(t *testing.T) {
	resp := NewReadResponse([]service.TraceChunk{
		{ProducerID: 1, BufferID: 2, WriterID: 3, ChunkID: 4, Payload: []byte("abc")},
		{ProducerID: 1, BufferID: 2, WriterID: 3, ChunkID: 5, Payload: []byte("de")},
	})
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 5, resp.Bytes)

	body, ct, enc, err := encodeRead("application/json;q=0.5, application/cbor", "lz4", resp)
	require.NoError(t, err)
	assert.Equal(t, codec.ContentType, ct)
	assert.Equal(t, codec.EncodingLZ4, enc)

	got, err := DecodeReadResponse(ct, string(enc), body)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func TestErrorStatuses(t *testing.T) {
	f := newAPIFixture(t)
	cid := f.connect()

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/consumers/not-a-token/read", "").Code)
	assert.Equal(t, http.StatusNotFound,
		f.do(http.MethodPost, "/consumers/"+string(id.NewConsumerToken())+"/read", "").Code)

	// no session yet
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/consumers/"+cid+"/read", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/consumers/"+cid+"/disable", "").Code)

	w := f.do(http.MethodPost, "/consumers/"+cid+"/enable", `{"buffers":[`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)

	w = f.do(http.MethodPost, "/consumers/"+cid+"/enable",
		`{"buffers":[],"data_sources":[{"name":"x"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/consumers/"+cid+"/enable", jsonConfig).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/consumers/"+cid+"/enable", jsonConfig).Code)

	assert.Equal(t, http.StatusOK, f.do(http.MethodDelete, "/consumers/"+cid, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/consumers/"+cid, "").Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(service.ErrResourceExhausted))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(taskrunner.ErrStopped))
	assert.Equal(t, http.StatusGone, StatusFor(session.ErrClosed))
	assert.Equal(t, http.StatusGatewayTimeout, StatusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(assert.AnError))
}

func TestListings(t *testing.T) {
	f := newAPIFixture(t)
	f.addProducer(1, "cpu.freq", "cpu.idle")
	f.connect()
	f.connect()

	var producers struct {
		Producers []service.ProducerInfo `json:"producers"`
		Count     int                    `json:"count"`
	}
	w := f.do(http.MethodGet, "/producers", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &producers))
	require.Equal(t, 1, producers.Count)
	assert.Len(t, producers.Producers[0].DataSources, 2)

	var sources struct {
		DataSources []service.DataSourceInfo `json:"data_sources"`
	}
	w = f.do(http.MethodGet, "/data-sources", "")
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &sources))
	require.Len(t, sources.DataSources, 2)
	assert.Equal(t, "cpu.freq", sources.DataSources[0].Name)

	var consumers struct {
		Count int `json:"count"`
	}
	w = f.do(http.MethodGet, "/consumers", "")
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &consumers))
	assert.Equal(t, 2, consumers.Count)
}

func TestAggregatedMetrics(t *testing.T) {
	f := newAPIFixture(t)
	f.addProducer(1, "cpu.freq")
	f.connect()

	w := f.do(http.MethodGet, "/metrics/json", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap MetricsSnapshot
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &snap))
	require.NotNil(t, snap.Service)
	assert.Equal(t, 1, snap.Service.Producers)
	assert.Equal(t, 1, snap.Service.DataSources)
	assert.Equal(t, 1, snap.Service.Consumers)
	assert.Empty(t, snap.Error)
}
