// Package lockout tracks failed-login counts per account and trips a
// lockout window at the configured threshold.
//
// Counting is cumulative since the last success: failures never decay on
// their own, only a successful authentication or an administrative
// unlock resets them. The counter lives in the persistent store and is
// incremented server-side, so concurrent failures across processes
// cannot under-count. A short-lived cache entry makes the hot IsLocked
// check O(1).
package lockout
