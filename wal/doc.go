// Package wal implements the persistent audit trail behind a Raft
// consensus implementation: a partitioned, binary, append-only log
// with snapshot-based compaction and a concurrent single-writer /
// multi-reader access model.
package wal
