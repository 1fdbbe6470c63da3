// Package server implements the core of the chat relay: the origin-gated
// WebSocket accept path, per-connection heartbeat liveness, ordered
// single-flight inbound processing, durable message persistence and
// best-effort broadcast to every open connection.
//
// The implementation is organized into specialized files for configuration,
// the hub, clients, frame processing, routing and HTTP handlers to keep the
// codebase maintainable and testable as the project grows.
package server
