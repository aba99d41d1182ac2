package wal

import "encoding/binary"

// LogEntryMetadataSize is the on-disk size, in bytes, of a
// LogEntryMetadata record: u64 offset, u64 length, i64 term, i64 timestamp.
const LogEntryMetadataSize = 32

// SnapshotMetadataSize is the on-disk size, in bytes, of a
// SnapshotMetadata record: LogEntryMetadataSize plus a u64 index.
const SnapshotMetadataSize = LogEntryMetadataSize + 8

// LogEntryMetadata is the fixed-size binary record describing one slot
// of a partition's allocation table. offset == 0 means the slot is
// unused.
type LogEntryMetadata struct {
	Offset    uint64
	Length    uint64
	Term      int64
	Timestamp int64
}

// Unused reports whether the slot this metadata describes has never
// been written.
func (m LogEntryMetadata) Unused() bool {
	return m.Offset == 0
}

// Encode writes m into buf, which must be at least LogEntryMetadataSize
// bytes long, little-endian.
func (m LogEntryMetadata) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], m.Offset)
	binary.LittleEndian.PutUint64(buf[8:16], m.Length)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(m.Term))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(m.Timestamp))
}

// DecodeLogEntryMetadata reads a LogEntryMetadata from buf, which must
// be at least LogEntryMetadataSize bytes long.
func DecodeLogEntryMetadata(buf []byte) LogEntryMetadata {
	return LogEntryMetadata{
		Offset:    binary.LittleEndian.Uint64(buf[0:8]),
		Length:    binary.LittleEndian.Uint64(buf[8:16]),
		Term:      int64(binary.LittleEndian.Uint64(buf[16:24])),
		Timestamp: int64(binary.LittleEndian.Uint64(buf[24:32])),
	}
}

// SnapshotMetadata is the fixed-size binary header of a snapshot file.
// Index is the last log index the snapshot replaces, inclusive.
type SnapshotMetadata struct {
	Offset    uint64
	Length    uint64
	Term      int64
	Timestamp int64
	Index     uint64
}

// Encode writes m into buf, which must be at least SnapshotMetadataSize
// bytes long, little-endian.
func (m SnapshotMetadata) Encode(buf []byte) {
	LogEntryMetadata{Offset: m.Offset, Length: m.Length, Term: m.Term, Timestamp: m.Timestamp}.Encode(buf)
	binary.LittleEndian.PutUint64(buf[32:40], m.Index)
}

// DecodeSnapshotMetadata reads a SnapshotMetadata from buf, which must
// be at least SnapshotMetadataSize bytes long.
func DecodeSnapshotMetadata(buf []byte) SnapshotMetadata {
	base := DecodeLogEntryMetadata(buf)
	return SnapshotMetadata{
		Offset:    base.Offset,
		Length:    base.Length,
		Term:      base.Term,
		Timestamp: base.Timestamp,
		Index:     binary.LittleEndian.Uint64(buf[32:40]),
	}
}
