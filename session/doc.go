// Package session tracks issued sessions, one per access/refresh token
// pair. The Registry enforces the concurrent-session limit, owns the
// opaque refresh-token format, and exposes the close/enumeration
// operations the engine and its admin surface need.
//
// Durable state lives behind the Store interface. The Postgres
// implementation is the production backend; MemoryStore backs tests and
// single-process deployments.
package session
