// Package storage persists launch events, recipients, the refresh epoch and
// counters. Every write touches a single row and is atomic on its own.
//
// Backends:
//   - "sqlite": modernc.org/sqlite database file (default)
//   - "memory": process-local maps, used by tests and dry runs
package storage
