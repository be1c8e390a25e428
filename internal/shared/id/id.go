// Package id defines the identifier types of the tracing service.
//
// Two families of IDs live here:
//   - Dense numeric IDs issued by the service itself (producers, data
//     sources, data source instances, trace buffers). These travel across
//     the producer ABI and must stay small.
//   - Opaque string IDs for things only humans and transports look at
//     (tracing sessions, consumer connection tokens). Sessions use
//     prefixed ULIDs so they sort by creation time in logs; consumer
//     tokens are random UUIDs.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Numeric IDs
// ============================================================================

// ProducerID identifies a connected producer. Issued monotonically by the
// service and never reused for the life of the service.
type ProducerID uint64

// DataSourceID identifies a data source within one producer.
type DataSourceID uint64

// DataSourceInstanceID identifies one activation of a data source for one
// tracing session.
type DataSourceInstanceID uint64

// BufferID identifies a trace buffer. The namespace is global across all
// sessions and is 16 bits wide because it is written into every chunk
// header in shared memory.
type BufferID uint16

// MaxBufferID is the largest BufferID the chunk ABI can carry
const MaxBufferID = BufferID(^uint16(0))

func (p ProducerID) String() string           { return "p" + strconv.FormatUint(uint64(p), 10) }
func (d DataSourceID) String() string         { return "ds" + strconv.FormatUint(uint64(d), 10) }
func (i DataSourceInstanceID) String() string { return "dsi" + strconv.FormatUint(uint64(i), 10) }
func (b BufferID) String() string             { return "buf" + strconv.FormatUint(uint64(b), 10) }

// ============================================================================
// String IDs
// ============================================================================

// SessionID identifies a tracing session
type SessionID string

// ConsumerToken identifies a consumer connection made through a transport
type ConsumerToken string

const (
	SessionPrefix = "sess"
)

func (s SessionID) String() string     { return string(s) }
func (c ConsumerToken) String() string { return string(c) }

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewSessionID generates a new session ID
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewConsumerToken generates a new random consumer token
func NewConsumerToken() ConsumerToken {
	return ConsumerToken(uuid.NewString())
}

// ParseConsumerToken validates a token received from a transport
func ParseConsumerToken(s string) (ConsumerToken, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid consumer token %q: %w", s, err)
	}
	return ConsumerToken(parsed.String()), nil
}

// SessionTimestamp extracts the creation time embedded in a session ID
func SessionTimestamp(s SessionID) (time.Time, error) {
	raw := string(s)
	if len(raw) <= len(SessionPrefix)+1 || raw[:len(SessionPrefix)+1] != SessionPrefix+"_" {
		return time.Time{}, fmt.Errorf("not a session id: %q", raw)
	}
	parsed, err := ulid.Parse(raw[len(SessionPrefix)+1:])
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
