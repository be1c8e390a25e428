package service

import (
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/id"
)

// DataSourceDescriptor is what a producer declares when registering a
// data source
type DataSourceDescriptor struct {
	Name string `json:"name"`

	// Capabilities are producer-declared feature flags, opaque to the service
	Capabilities []string `json:"capabilities,omitempty"`
}

// DataSourceConfig is handed to a producer when one of its data sources is
// started for a session
type DataSourceConfig struct {
	Name         string            `json:"name"`
	SessionID    id.SessionID      `json:"session_id"`
	TargetBuffer id.BufferID       `json:"target_buffer"`
	Options      map[string]string `json:"options,omitempty"`
}

// TraceChunk is one well-formed chunk read back out of a trace buffer
type TraceChunk struct {
	ProducerID id.ProducerID `json:"producer_id" cbor:"1,keyasint"`
	BufferID   id.BufferID   `json:"buffer_id" cbor:"2,keyasint"`
	WriterID   uint16        `json:"writer_id" cbor:"3,keyasint"`
	ChunkID    uint32        `json:"chunk_id" cbor:"4,keyasint"`
	Payload    []byte        `json:"payload" cbor:"5,keyasint"`
}

// Producer is the callback surface of a connected producer. Calls are
// delivered asynchronously on the service's task runner.
type Producer interface {
	OnConnect()
	OnDisconnect()

	// CreateDataSourceInstance asks the producer to start writing data for
	// one of its data sources into cfg.TargetBuffer
	CreateDataSourceInstance(instance id.DataSourceInstanceID, cfg DataSourceConfig)

	// TearDownDataSourceInstance stops a previously created instance
	TearDownDataSourceInstance(instance id.DataSourceInstanceID)
}

// Consumer is the callback surface of a connected consumer. Calls are
// delivered asynchronously on the service's task runner.
type Consumer interface {
	OnConnect()
	OnDisconnect()

	// OnTracingDisabled is called when the session stops, either on request
	// or because its configured duration elapsed
	OnTracingDisabled()

	// OnTraceData delivers one batch of a ReadBuffers call. The last batch
	// of every call has hasMore false and may be empty.
	OnTraceData(chunks []TraceChunk, hasMore bool)
}
