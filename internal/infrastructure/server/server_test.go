package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apihttp "github.com/ChidoriOS-CAF/android-external-perfetto/internal/api/http"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/config"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/probes"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/codec"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Probes.StatsInterval = 20 * time.Millisecond
	cfg.RateLimit.Enabled = false
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func call(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Service.ShmBackend = "tmpfs"
	_, err := NewServer(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Logging.Level = "chatty"
	_, err = NewServer(cfg)
	assert.Error(t, err)
}

func TestStatsProbeEndToEnd(t *testing.T) {
	s := newTestServer(t, testConfig())
	h := s.Handler()

	w := call(t, h, http.MethodGet, "/data-sources", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), probes.StatsDataSource)

	w = call(t, h, http.MethodPost, "/consumers", "")
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &created))

	cfg := `{"buffers":[{"size_bytes":65536}],"data_sources":[{"name":"traced.*"}]}`
	w = call(t, h, http.MethodPost, "/consumers/"+created.ID+"/enable", cfg, "Content-Type", "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var snaps []probes.StatsSnapshot
	require.Eventually(t, func() bool {
		w := call(t, h, http.MethodPost, "/consumers/"+created.ID+"/read", "",
			"Accept", codec.ContentType, "Accept-Encoding", "zstd")
		if w.Code != http.StatusOK {
			return false
		}
		resp, err := apihttp.DecodeReadResponse(w.Header().Get("Content-Type"), w.Header().Get("Content-Encoding"), w.Body.Bytes())
		if err != nil {
			return false
		}
		for _, ch := range resp.Chunks {
			var snap probes.StatsSnapshot
			if codec.Unmarshal(ch.Payload, &snap) == nil {
				snaps = append(snaps, snap)
			}
		}
		return len(snaps) >= 2
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, snaps[0].Producers)
	assert.Equal(t, 1, snaps[0].Consumers)
	assert.Equal(t, 1, snaps[0].Sessions)

	w = call(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "traced_chunks_copied_total")
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t, testConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/health")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := NewServer(testConfig())
	require.NoError(t, err)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
