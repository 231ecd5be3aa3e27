// Package store is the coordinator's key/value persistence port.
//
// # Architecture
//
// Core logic never touches files or databases directly. It depends on the
// Store interface (Get/Put/Delete/List by key) and stores JSON documents
// under namespaced keys:
//
//   - memory/<user_id>: per-user profile, preferences, facts, conversation
//   - execution/<execution_id>: terminal workflow execution snapshots
//   - session/<session_id>: periodic session snapshots
//   - audit/<timestamp>_<id>: token issue and revoke records
//
// # Backends
//
//   - SQLiteStore: single kv table in SQLite (modernc.org/sqlite, WAL mode)
//   - RedisStore: keys under a configurable prefix (go-redis v9)
//   - MockStore: in-memory map for tests and the "memory" backend
//
// Open selects a backend from configuration.
package store
