// Package kvstore provides the persisted key-value layer shared by the
// alert ledgers and the threshold configuration.
//
// It currently supports:
//   - "sqlite": SQLite database file (default)
//   - "file":   dependency-free file backend (snapshot + journal)
//
// The store has no transactions. Callers that read-modify-write a key must
// serialize those writes through a single in-process owner. Cross-process
// changes are surfaced as advisory KeyChange events by Watcher.
package kvstore
