// Package store persists per-chat agent sessions for the relay.
//
// # Data Models
//
//   - ChatSession: the engine session token of a chat plus its working
//     directory and model overrides, keyed by (chat, bot)
//   - TurnRecord: one completed agent turn, aggregated into ChatStats
//
// A session token is written only after the engine confirmed it in a
// terminal result, so a crashed turn never leaves a half-started session
// behind. ClearSessionToken is the soft reset (settings survive);
// DeleteSession forgets the chat completely.
//
// # Implementations
//
// SQLiteStore uses modernc.org/sqlite (pure Go) in WAL mode. The schema is
// created on open and column migrations are idempotent. Timestamps are
// stored as RFC3339 text in UTC. MemoryStore keeps everything in maps and
// backs the tests.
package store
