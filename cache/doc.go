// Package cache wraps Redis behind the small surface the lifecycle
// engine needs: TTL'd key/value, atomic counters, and pattern
// invalidation.
//
// The layer is an accelerator, never the source of truth. Backend
// failures are reported as ErrUnavailable so each caller can apply its
// own policy: fall through to the persistent store on the performance
// path, reject the request on a security check.
package cache
