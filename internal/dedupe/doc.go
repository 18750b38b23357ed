// Package dedupe drops redelivered events.
//
// The Matrix adapter marks every event ID it starts handling; a second
// delivery of the same ID inside the window is reported as seen and skipped.
// Entries expire after a TTL and the oldest are evicted once the cache is full.
package dedupe
