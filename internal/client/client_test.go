package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/traceconfig"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/config"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/resilience"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/server"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/probes"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/codec"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/id"
)

func newDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Probes.StatsInterval = 20 * time.Millisecond
	cfg.RateLimit.Enabled = false

	s, err := server.NewServer(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return ts
}

func TestTraceRoundTrip(t *testing.T) {
	for _, enc := range []codec.Encoding{codec.EncodingIdentity, codec.EncodingZstd, codec.EncodingLZ4, codec.EncodingGzip} {
		t.Run(string(enc), func(t *testing.T) {
			ts := newDaemon(t)
			opts := DefaultOptions()
			opts.Encoding = enc
			c := New(ts.URL, opts)
			ctx := context.Background()

			sources, err := c.DataSources(ctx)
			require.NoError(t, err)
			require.Len(t, sources, 1)
			assert.Equal(t, probes.StatsDataSource, sources[0].Name)

			producers, err := c.Producers(ctx)
			require.NoError(t, err)
			require.Len(t, producers, 1)

			token, err := c.Connect(ctx)
			require.NoError(t, err)

			cfg := "buffers:\n  - size_bytes: 65536\ndata_sources:\n  - name: \"traced.*\"\n"
			require.NoError(t, c.EnableTracing(ctx, token, []byte(cfg), traceconfig.FormatYAML))

			var got int
			require.Eventually(t, func() bool {
				resp, err := c.ReadBuffers(ctx, token)
				if err != nil {
					return false
				}
				for _, ch := range resp.Chunks {
					var snap probes.StatsSnapshot
					if codec.Unmarshal(ch.Payload, &snap) == nil {
						got++
					}
				}
				return got >= 1
			}, 3*time.Second, 20*time.Millisecond)

			require.NoError(t, c.DisableTracing(ctx, token))
			st, err := c.Stats(ctx, token)
			require.NoError(t, err)
			assert.False(t, st.Enabled)
			assert.NotEmpty(t, st.SessionID)

			require.NoError(t, c.FreeBuffers(ctx, token))
			require.NoError(t, c.Disconnect(ctx, token))
		})
	}
}

func TestAPIErrors(t *testing.T) {
	ts := newDaemon(t)
	c := New(ts.URL, DefaultOptions())
	ctx := context.Background()

	err := c.DisableTracing(ctx, id.NewConsumerToken())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	token, err := c.Connect(ctx)
	require.NoError(t, err)
	err = c.EnableTracing(ctx, token, []byte(`{"data_sources":[{"name":"traced.*"}]}`), traceconfig.FormatJSON)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.NotEmpty(t, apiErr.Message)

	_, err = c.Stats(ctx, token)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	// client errors never trip the breaker
	assert.Equal(t, resilience.StateClosed, c.BreakerState())
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"error":"boom"}`))
	}))
	defer ts.Close()

	opts := DefaultOptions()
	opts.RetryCount = 0
	c := New(ts.URL, opts)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.Producers(ctx)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "boom", apiErr.Message)
	}
	assert.Equal(t, resilience.StateOpen, c.BreakerState())

	_, err := c.Producers(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(5), hits.Load())
}
