package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// partition represents a contiguous range of recordsPerPartition
// entries, stored as one file: an allocation table of fixed-size
// LogEntryMetadata records followed by a payload region (spec.md
// §4.1). Generalized from persistence/file_log.go's single
// line-oriented JSON log to a fixed-slot binary table.
type partition struct {
	number              uint64
	recordsPerPartition uint32
	payloadOffset       uint64

	path string
	file *os.File

	// cache mirrors the on-disk allocation table when enabled. Guarded
	// by cacheMu because reads and the coordinator's single writer can
	// run concurrently (writes only happen under the coordinator's
	// exclusive lock, but cache-only reads may run under a weak lock at
	// the same time as the writer session updates the cache).
	cacheMu sync.RWMutex
	cache   []LogEntryMetadata // nil when caching disabled
}

func partitionFileName(number uint64) string {
	return strconv.FormatUint(number, 10)
}

func partitionNumberFromName(name string) (uint64, bool) {
	n, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (p *partition) firstIndex() uint64 {
	return p.number * uint64(p.recordsPerPartition)
}

func (p *partition) lastIndex() uint64 {
	return p.firstIndex() + uint64(p.recordsPerPartition) - 1
}

// openPartition opens (or creates) the file for partitionNumber under
// dir. useCaching enables the in-memory allocation-table mirror.
func openPartition(dir string, recordsPerPartition uint32, partitionNumber uint64, useCaching bool, bufferSize uint32, initialSize uint64) (*partition, error) {
	path := filepath.Join(dir, partitionFileName(partitionNumber))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, wrapErr(IO, "open partition file", err)
	}
	p := &partition{
		number:              partitionNumber,
		recordsPerPartition: recordsPerPartition,
		payloadOffset:       uint64(LogEntryMetadataSize) * uint64(recordsPerPartition),
		path:                path,
		file:                f,
	}
	if useCaching {
		p.cache = make([]LogEntryMetadata, recordsPerPartition)
	}
	if err := p.allocate(initialSize); err != nil {
		_ = f.Close()
		return nil, err
	}
	if useCaching {
		if err := p.populateCache(bufferSize); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return p, nil
}

// allocate extends the file to initialSize + payloadOffset, so later
// appends fragment less (spec.md §4.1).
func (p *partition) allocate(initialSize uint64) error {
	info, err := p.file.Stat()
	if err != nil {
		return wrapErr(IO, "stat partition file", err)
	}
	want := int64(p.payloadOffset + initialSize)
	if info.Size() >= want {
		return nil
	}
	if err := p.file.Truncate(want); err != nil {
		return wrapErr(IO, "allocate partition file", err)
	}
	return nil
}

// populateCache reads the allocation table in chunks sized by
// bufferSize; a short read fails with UnexpectedEOF (spec.md §4.1).
func (p *partition) populateCache(bufferSize uint32) error {
	tableSize := uint64(LogEntryMetadataSize) * uint64(p.recordsPerPartition)
	buf := make([]byte, bufferSize)
	var off uint64
	slot := 0
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	for off < tableSize {
		chunk := buf
		if remaining := tableSize - off; remaining < uint64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		n, err := p.file.ReadAt(chunk, int64(off))
		if err != nil || uint64(n) < uint64(len(chunk)) {
			return wrapErr(UnexpectedEOF, fmt.Sprintf("short read populating cache at offset %d", off), err)
		}
		for i := 0; i+LogEntryMetadataSize <= len(chunk) && slot < len(p.cache); i += LogEntryMetadataSize {
			p.cache[slot] = DecodeLogEntryMetadata(chunk[i : i+LogEntryMetadataSize])
			slot++
		}
		off += uint64(len(chunk))
	}
	return nil
}

func (p *partition) isFirstWritableSlot(slot uint32) bool {
	if p.number == 0 {
		return slot == 1
	}
	return slot == 0
}

// slotMetadata returns the metadata for a table slot, preferring the
// cache when present.
func (p *partition) slotMetadata(slot uint32) (LogEntryMetadata, error) {
	if p.cache != nil {
		p.cacheMu.RLock()
		m := p.cache[slot]
		p.cacheMu.RUnlock()
		return m, nil
	}
	buf := make([]byte, LogEntryMetadataSize)
	if _, err := p.file.ReadAt(buf, int64(slot)*LogEntryMetadataSize); err != nil {
		return LogEntryMetadata{}, wrapErr(IO, "read slot metadata", err)
	}
	return DecodeLogEntryMetadata(buf), nil
}

// read returns the entry at index, which may be absolute (subtract
// firstIndex first) or already partition-relative. refreshStream syncs
// the file before reading, needed when the coordinator's read is
// crossing from one partition to another mid-scan and might otherwise
// observe a stale writer view (spec.md §4.1 contract).
func (p *partition) read(sess *session, index uint64, absolute bool, refreshStream bool) (*Entry, error) {
	slot := index
	if absolute {
		slot -= p.firstIndex()
	}
	if slot >= uint64(p.recordsPerPartition) {
		return nil, newErr(OutOfRange, "slot index outside partition bounds")
	}
	if refreshStream {
		if err := p.file.Sync(); err != nil {
			return nil, wrapErr(IO, "refresh partition stream", err)
		}
	}
	meta, err := p.slotMetadata(uint32(slot))
	if err != nil {
		return nil, err
	}
	if meta.Unused() {
		return nil, nil
	}
	var payload []byte
	if meta.Length > 0 {
		scratch := sess.scratch(int(meta.Length))
		if _, err := p.file.ReadAt(scratch, int64(meta.Offset)); err != nil {
			return nil, wrapErr(IO, "read entry payload", err)
		}
		payload = make([]byte, meta.Length)
		copy(payload, scratch)
	}
	absIndex := index
	if !absolute {
		absIndex = p.firstIndex() + slot
	}
	return &Entry{
		Index:     absIndex,
		Term:      meta.Term,
		Timestamp: meta.Timestamp,
		Payload:   payload,
	}, nil
}

// write stores entry at absoluteIndex's slot: it computes the payload
// offset from the previous slot's metadata (or the payload-region
// start for the partition's first writable slot), writes the payload,
// then the slot metadata, then updates the cache. It does not flush;
// the coordinator batches flushes across writes (spec.md §4.1).
func (p *partition) write(sess *session, entry Entry, absoluteIndex uint64) error {
	slot := absoluteIndex - p.firstIndex()
	if slot >= uint64(p.recordsPerPartition) {
		return newErr(OutOfRange, "slot index outside partition bounds")
	}

	var offset uint64
	if p.isFirstWritableSlot(uint32(slot)) {
		offset = p.payloadOffset
	} else {
		prev, err := p.slotMetadata(uint32(slot - 1))
		if err != nil {
			return err
		}
		offset = prev.Offset + prev.Length
	}

	if len(entry.Payload) > 0 {
		if _, err := p.file.WriteAt(entry.Payload, int64(offset)); err != nil {
			return wrapErr(IO, "write entry payload", err)
		}
	}

	meta := LogEntryMetadata{Offset: offset, Length: uint64(len(entry.Payload)), Term: entry.Term, Timestamp: entry.Timestamp}
	// Offset 0 is reserved to mean "unused"; the payload region always
	// starts after the table, so a legitimate first write is never at
	// offset 0 and this reservation is safe.
	buf := sess.scratch(LogEntryMetadataSize)
	meta.Encode(buf)
	if _, err := p.file.WriteAt(buf, int64(slot)*LogEntryMetadataSize); err != nil {
		return wrapErr(IO, "write slot metadata", err)
	}

	if p.cache != nil {
		p.cacheMu.Lock()
		p.cache[slot] = meta
		p.cacheMu.Unlock()
	}
	return nil
}

func (p *partition) flush() error {
	if err := p.file.Sync(); err != nil {
		return wrapErr(IO, "sync partition file", err)
	}
	return nil
}

func (p *partition) close() error {
	if err := p.file.Close(); err != nil {
		return wrapErr(IO, "close partition file", err)
	}
	return nil
}

func (p *partition) delete() error {
	_ = p.file.Close()
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return wrapErr(IO, "delete partition file", err)
	}
	return nil
}
