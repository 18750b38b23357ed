// Package store persists the relay's conversation sessions and token usage.
//
// # Architecture
//
// Two interfaces split the concerns:
//
//   - SessionStore: the conversation id -> remote thread table. CreateSession
//     is insert-if-absent, so two racing creators can never both win.
//   - UsageStore: token usage reported by completed runs, kept for analytics.
//
// Store combines both plus Close. Two implementations are provided:
//
//   - SQLiteStore (modernc.org/sqlite, WAL mode) for sessions that survive a
//     restart, so returning users keep their remote thread.
//   - MemoryStore for single-process deployments and tests. Its lifetime is
//     the process lifetime.
//
// # Errors
//
//   - ErrNotFound: the session does not exist.
//   - ErrDuplicateSession: CreateSession lost a race or the session exists.
package store
