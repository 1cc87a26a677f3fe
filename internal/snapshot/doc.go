// Package snapshot dumps slot state to a SQLite file for offline
// inspection.
//
// A snapshot holds one table per engine with the same columns as the live
// PostgreSQL tables; paths are plain text and payloads JSON text. The file
// records the exported prefix and time in a meta table and its format
// version in PRAGMA user_version. Snapshots are write-once.
package snapshot
