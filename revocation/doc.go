// Package revocation keeps the durable record of revoked token ids with
// a cache-accelerated existence check. Every authenticated request asks
// IsRevoked, so the hot path is a single cache hit; the persistent store
// remains the source of truth when the cache is cold or down.
package revocation
