// Package client is a Go client for the traced consumer API.
//
// Built on go-resty/resty with retries for idempotent calls and a circuit
// breaker that stops hammering a daemon that keeps failing.
//
// Example Usage:
//
//	c := client.New("http://127.0.0.1:8090", client.DefaultOptions())
//	token, err := c.Connect(ctx)
//	err = c.EnableTracing(ctx, token, data, traceconfig.FormatYAML)
//	resp, err := c.ReadBuffers(ctx, token)
//	err = c.Disconnect(ctx, token)
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"

	apihttp "github.com/ChidoriOS-CAF/android-external-perfetto/internal/api/http"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/api/middleware"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/service"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/traceconfig"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/resilience"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/codec"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/id"
)

// ErrUnavailable is returned while the circuit breaker is open
var ErrUnavailable = errors.New("traced unavailable: circuit breaker open")

// APIError is a non-2xx response
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("traced: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// Options configures a Client
type Options struct {
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration

	// Encoding requested for read responses
	Encoding codec.Encoding
}

// DefaultOptions returns the options tracectl uses
func DefaultOptions() Options {
	return Options{
		Timeout:    30 * time.Second,
		RetryCount: 2,
		RetryWait:  200 * time.Millisecond,
		Encoding:   codec.EncodingZstd,
	}
}

// Client talks to one traced daemon
type Client struct {
	resty    *resty.Client
	breaker  *resilience.Breaker
	encoding codec.Encoding
}

// New creates a client for the daemon at baseURL
func New(baseURL string, opts Options) *Client {
	r := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("User-Agent", "tracectl/0.3").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			if requestID := middleware.RequestID(req.Context()); requestID != "" {
				req.SetHeader(middleware.RequestIDHeader, requestID)
			}
			return nil
		}).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			// only connection failures and overload are worth retrying
			return err != nil || resp.StatusCode() == http.StatusServiceUnavailable ||
				resp.StatusCode() == http.StatusTooManyRequests
		})

	breaker := resilience.New("traced-api", resilience.Settings{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	enc := opts.Encoding
	if enc == "" {
		enc = codec.EncodingIdentity
	}
	return &Client{resty: r, breaker: breaker, encoding: enc}
}

// BreakerState returns the current circuit breaker state
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

// do runs one request. Client errors (4xx) do not count against the
// breaker; transport failures and 5xx do.
func (c *Client) do(req *resty.Request, method, path string) (*resty.Response, error) {
	var resp *resty.Response
	var apiErr *APIError
	err := c.breaker.Execute(func() error {
		var err error
		resp, err = req.Execute(method, path)
		if err != nil {
			return err
		}
		if resp.IsError() {
			apiErr = newAPIError(resp.StatusCode(), resp.Body())
			if resp.StatusCode() >= 500 {
				return apiErr
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		return nil, ErrUnavailable
	case err != nil:
		return nil, err
	case apiErr != nil:
		return nil, apiErr
	}
	return resp, nil
}

func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
	}
	msg := string(body)
	if sonic.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{Status: status, Message: msg}
}

// Connect creates a consumer and returns its token
func (c *Client) Connect(ctx context.Context) (id.ConsumerToken, error) {
	var out struct {
		ID string `json:"id"`
	}
	if _, err := c.do(c.resty.R().SetContext(ctx).SetResult(&out), resty.MethodPost, "/consumers"); err != nil {
		return "", err
	}
	return id.ParseConsumerToken(out.ID)
}

// Disconnect disconnects the consumer, freeing its session
func (c *Client) Disconnect(ctx context.Context, token id.ConsumerToken) error {
	_, err := c.do(c.resty.R().SetContext(ctx), resty.MethodDelete, "/consumers/"+token.String())
	return err
}

// EnableTracing starts a session from an encoded trace config
func (c *Client) EnableTracing(ctx context.Context, token id.ConsumerToken, config []byte, format traceconfig.Format) error {
	req := c.resty.R().SetContext(ctx).
		SetHeader("Content-Type", contentType(format)).
		SetBody(config)
	_, err := c.do(req, resty.MethodPost, "/consumers/"+token.String()+"/enable")
	return err
}

// DisableTracing stops the session's data sources
func (c *Client) DisableTracing(ctx context.Context, token id.ConsumerToken) error {
	_, err := c.do(c.resty.R().SetContext(ctx), resty.MethodPost, "/consumers/"+token.String()+"/disable")
	return err
}

// FreeBuffers destroys the session
func (c *Client) FreeBuffers(ctx context.Context, token id.ConsumerToken) error {
	_, err := c.do(c.resty.R().SetContext(ctx), resty.MethodPost, "/consumers/"+token.String()+"/free")
	return err
}

// ReadBuffers fetches the chunks written since the previous read as CBOR
func (c *Client) ReadBuffers(ctx context.Context, token id.ConsumerToken) (apihttp.ReadResponse, error) {
	req := c.resty.R().SetContext(ctx).
		SetHeader("Accept", codec.ContentType).
		SetHeader("Accept-Encoding", string(c.encoding)).
		SetDoNotParseResponse(true)

	resp, err := c.do(req, resty.MethodPost, "/consumers/"+token.String()+"/read")
	if err != nil {
		return apihttp.ReadResponse{}, err
	}
	raw := resp.RawBody()
	defer raw.Close()
	body, err := io.ReadAll(raw)
	if err != nil {
		return apihttp.ReadResponse{}, fmt.Errorf("reading response: %w", err)
	}
	return apihttp.DecodeReadResponse(resp.Header().Get("Content-Type"), resp.Header().Get("Content-Encoding"), body)
}

// Stats returns the session statistics
func (c *Client) Stats(ctx context.Context, token id.ConsumerToken) (service.SessionStats, error) {
	var st service.SessionStats
	_, err := c.do(c.resty.R().SetContext(ctx).SetResult(&st), resty.MethodGet, "/consumers/"+token.String()+"/stats")
	return st, err
}

// DataSources lists registered data sources
func (c *Client) DataSources(ctx context.Context) ([]service.DataSourceInfo, error) {
	var out struct {
		DataSources []service.DataSourceInfo `json:"data_sources"`
	}
	_, err := c.do(c.resty.R().SetContext(ctx).SetResult(&out), resty.MethodGet, "/data-sources")
	return out.DataSources, err
}

// Producers lists connected producers
func (c *Client) Producers(ctx context.Context) ([]service.ProducerInfo, error) {
	var out struct {
		Producers []service.ProducerInfo `json:"producers"`
	}
	_, err := c.do(c.resty.R().SetContext(ctx).SetResult(&out), resty.MethodGet, "/producers")
	return out.Producers, err
}

func contentType(format traceconfig.Format) string {
	switch format {
	case traceconfig.FormatYAML:
		return "application/yaml"
	case traceconfig.FormatTOML:
		return "application/toml"
	default:
		return "application/json"
	}
}
