// Package monitor records login attempts and aggregates them into
// security alerts: brute force against one account, password spraying
// from one address, and distributed attempts on one account from many
// addresses. It only reads authentication state; it never mutates it.
package monitor
