// Package service implements the tracing service coordinator.
//
// A Service owns every connected producer and consumer, the registered data
// source index, the global trace buffer ID namespace and the tracing
// sessions. Producers connect through ConnectProducer and receive a
// ProducerEndpoint with a shared memory region; consumers connect through
// ConnectConsumer and drive one session at a time through their
// ConsumerEndpoint:
//
//	EnableTracing -> (ReadBuffers)* -> DisableTracing -> (ReadBuffers)* -> FreeBuffers
//
// Data flows from a producer's shared memory into session trace buffers:
// the producer appends chunks tagged with a target BufferID, notifies the
// pages it touched, and the service copies each complete chunk into the
// buffer, provided the producer was authorized to write there when the
// data source instance was started.
//
// Threading: a Service and its endpoints are not safe for concurrent use.
// Every method must be called from a task of the Service's task runner;
// transports enter it with taskrunner.Loop.Do. Callbacks to Producer and
// Consumer implementations are always posted as separate tasks, in the
// order their triggering calls were made, and are dropped once the target
// endpoint has disconnected.
package service
