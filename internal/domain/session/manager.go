package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/service"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/traceconfig"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/id"
)

var (
	// ErrNotFound is returned for unknown consumer tokens
	ErrNotFound = errors.New("consumer not found")

	// ErrClosed is returned when the consumer disconnected while a call
	// was waiting for its reply
	ErrClosed = errors.New("consumer closed")
)

// Executor runs fn on the tracing service's task runner and waits for it.
// taskrunner.Loop implements it.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}

// Manager tracks the consumers connected through network transports
type Manager struct {
	exec   Executor
	svc    *service.Service
	logger *zap.Logger

	consumers sync.Map // id.ConsumerToken -> *Consumer
}

// NewManager creates a manager for consumers of svc. Every call into svc
// goes through exec.
func NewManager(exec Executor, svc *service.Service, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		exec:   exec,
		svc:    svc,
		logger: logger,
	}
}

// Connect connects a new consumer to the service
func (m *Manager) Connect(ctx context.Context) (*Consumer, error) {
	c := newConsumer(id.NewConsumerToken(), m.exec, time.Now())
	err := m.exec.Do(ctx, func() {
		c.ep = m.svc.ConnectConsumer(c)
		m.consumers.Store(c.token, c)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("consumer connected", zap.Stringer("consumer", c.token))
	return c, nil
}

// Get returns a connected consumer
func (m *Manager) Get(token id.ConsumerToken) (*Consumer, error) {
	v, ok := m.consumers.Load(token)
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*Consumer), nil
}

// Disconnect disconnects a consumer, freeing its session
func (m *Manager) Disconnect(ctx context.Context, token id.ConsumerToken) error {
	c, err := m.Get(token)
	if err != nil {
		return err
	}
	err = m.exec.Do(ctx, func() {
		c.ep.Disconnect()
		m.consumers.Delete(token)
	})
	if err != nil {
		return err
	}
	m.logger.Info("consumer disconnected", zap.Stringer("consumer", token))
	return nil
}

// List returns the connected consumers, oldest first
func (m *Manager) List() []Info {
	var out []Info
	m.consumers.Range(func(_, v any) bool {
		out = append(out, v.(*Consumer).Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Close disconnects every consumer
func (m *Manager) Close(ctx context.Context) {
	for _, info := range m.List() {
		if err := m.Disconnect(ctx, info.Token); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Warn("disconnecting consumer", zap.Stringer("consumer", info.Token), zap.Error(err))
		}
	}
}

// Overview summarizes the service for health and listing endpoints
type Overview struct {
	Producers   []service.ProducerInfo `json:"producers"`
	NumSessions int                    `json:"sessions"`
	NumBuffers  int                    `json:"buffers"`
	Totals      service.Totals         `json:"totals"`
}

// Overview captures the service state on its task runner
func (m *Manager) Overview(ctx context.Context) (Overview, error) {
	ch := make(chan Overview, 1)
	err := m.exec.Do(ctx, func() {
		ch <- Overview{
			Producers:   m.svc.Producers(),
			NumSessions: m.svc.NumSessions(),
			NumBuffers:  m.svc.NumBuffers(),
			Totals:      m.svc.Totals(),
		}
	})
	if err != nil {
		return Overview{}, err
	}
	return <-ch, nil
}

// DataSources lists the registered data sources
func (m *Manager) DataSources(ctx context.Context) ([]service.DataSourceInfo, error) {
	ch := make(chan []service.DataSourceInfo, 1)
	if err := m.exec.Do(ctx, func() { ch <- m.svc.DataSources() }); err != nil {
		return nil, err
	}
	return <-ch, nil
}

// Info describes a connected consumer
type Info struct {
	Token       id.ConsumerToken `json:"id"`
	ConnectedAt time.Time        `json:"connected_at"`
}

// EventType names an asynchronous consumer notification
type EventType string

const (
	EventTracingDisabled EventType = "tracing_disabled"
)

// Event is an asynchronous notification for a consumer
type Event struct {
	Type EventType `json:"type" cbor:"1,keyasint"`
	At   time.Time `json:"at" cbor:"2,keyasint"`
}

type readResult struct {
	seq    uint64
	chunks []service.TraceChunk
}

// Consumer is a service.Consumer that turns the service's asynchronous
// replies into blocking calls for a transport. Fields marked loop are only
// touched on the service's task runner.
type Consumer struct {
	token       id.ConsumerToken
	exec        Executor
	connectedAt time.Time

	ep        *service.ConsumerEndpoint // loop
	pending   []service.TraceChunk      // loop
	requested uint64                    // loop
	completed uint64                    // loop

	readMu sync.Mutex
	reads  chan readResult
	events chan Event

	done      chan struct{}
	closeOnce sync.Once
}

func newConsumer(token id.ConsumerToken, exec Executor, now time.Time) *Consumer {
	return &Consumer{
		token:       token,
		exec:        exec,
		connectedAt: now,
		reads:       make(chan readResult, 4),
		events:      make(chan Event, 16),
		done:        make(chan struct{}),
	}
}

// Token returns the consumer's token
func (c *Consumer) Token() id.ConsumerToken { return c.token }

// Info describes the consumer
func (c *Consumer) Info() Info {
	return Info{Token: c.token, ConnectedAt: c.connectedAt}
}

// Events delivers asynchronous notifications. Events are dropped when
// nobody drains the channel.
func (c *Consumer) Events() <-chan Event { return c.events }

// Done is closed once the service disconnected the consumer
func (c *Consumer) Done() <-chan struct{} { return c.done }

// EnableTracing starts a session
func (c *Consumer) EnableTracing(ctx context.Context, cfg *traceconfig.TraceConfig) error {
	return c.call(ctx, func() error { return c.ep.EnableTracing(cfg) })
}

// DisableTracing stops the session's data sources
func (c *Consumer) DisableTracing(ctx context.Context) error {
	return c.call(ctx, c.ep.DisableTracing)
}

// FreeBuffers destroys the session
func (c *Consumer) FreeBuffers(ctx context.Context) error {
	return c.call(ctx, c.ep.FreeBuffers)
}

// Stats returns the session statistics
func (c *Consumer) Stats(ctx context.Context) (service.SessionStats, error) {
	ch := make(chan service.SessionStats, 1)
	err := c.call(ctx, func() error {
		st, err := c.ep.Stats()
		ch <- st
		return err
	})
	if err != nil {
		return service.SessionStats{}, err
	}
	return <-ch, nil
}

// ReadBuffers returns every chunk written since the previous read. Calls
// are serialized per consumer.
func (c *Consumer) ReadBuffers(ctx context.Context) ([]service.TraceChunk, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	seqc := make(chan uint64, 1)
	err := c.call(ctx, func() error {
		if err := c.ep.ReadBuffers(); err != nil {
			return err
		}
		c.requested++
		seqc <- c.requested
		return nil
	})
	if err != nil {
		return nil, err
	}
	want := <-seqc

	for {
		select {
		case res := <-c.reads:
			// replies of reads that timed out earlier are skipped
			if res.seq == want {
				return res.chunks, nil
			}
		case <-c.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Consumer) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if err := c.exec.Do(ctx, func() { errc <- fn() }); err != nil {
		return err
	}
	return <-errc
}

// OnConnect implements service.Consumer
func (c *Consumer) OnConnect() {}

// OnDisconnect implements service.Consumer
func (c *Consumer) OnDisconnect() {
	c.closeOnce.Do(func() { close(c.done) })
}

// OnTracingDisabled implements service.Consumer
func (c *Consumer) OnTracingDisabled() {
	select {
	case c.events <- Event{Type: EventTracingDisabled, At: time.Now()}:
	default:
	}
}

// OnTraceData implements service.Consumer
func (c *Consumer) OnTraceData(chunks []service.TraceChunk, hasMore bool) {
	c.pending = append(c.pending, chunks...)
	if hasMore {
		return
	}
	c.completed++
	res := readResult{seq: c.completed, chunks: c.pending}
	c.pending = nil

	for {
		select {
		case c.reads <- res:
			return
		default:
		}
		// make room by dropping the oldest unclaimed reply
		select {
		case <-c.reads:
		default:
		}
	}
}
