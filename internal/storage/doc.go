// Package storage is the durable layer behind pending notifications and
// student chat links.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite database file (default)
//   - "file": JSON Lines journal compacted into a snapshot
package storage
