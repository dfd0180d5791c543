// Package server implements the core HTTP and WebSocket functionality for the
// Sealbox relay.
//
// The relay forwards opaque, already-encrypted message blobs between the
// participants of ephemeral rooms. It never sees plaintext and performs no
// cryptography; clients encrypt and decrypt on their own side. The
// implementation is organized into specialized files for configuration, the
// room registry, sessions, message routing, rate limiting, and HTTP handlers
// to keep the codebase maintainable and testable as the project grows.
package server
