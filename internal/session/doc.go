// Package session tracks user sessions across coordinator requests.
//
// A session is created on demand, refreshed on every access, and expires
// after a period of inactivity. Sessions record the ids of workflow
// executions started on their behalf; the executions themselves live in
// the workflow package.
//
// The Manager keeps sessions in memory. Snapshot and Restore copy them to
// and from a store.Store so a restarted coordinator picks up where it
// left off.
package session
