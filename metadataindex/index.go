// Package metadataindex mirrors committed log entries into Postgres
// for observability, grounded on node/persist.go's PersistentState
// (per-node table prefix, gorm AutoMigrate under a Table() scope). It
// is never on the durability critical path: wal.Log already owns
// truth in its own binary files, this is a queryable side index that
// can fall behind or drop rows under load without endangering
// correctness.
package metadataindex

import (
	"fmt"
	"log"

	"github.com/dvoskoboinikov/raftlog/wal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const committedEntriesTableSuffix = "_committed_entries"

// CommittedEntry is one mirrored row: enough to answer "what got
// committed, when, and where" without reading the WAL directly.
type CommittedEntry struct {
	gorm.Model
	Index           uint64 `gorm:"uniqueIndex"`
	Term            int64
	Timestamp       int64
	PartitionNumber uint64
	IsSnapshot      bool
	PayloadLength   int
}

// Index is a best-effort async mirror: ObserveCommit enqueues and
// returns immediately, a background goroutine drains the queue into
// Postgres. A full queue drops the row and reports an error, which the
// caller (wal.Log) only logs.
type Index struct {
	db     *gorm.DB
	table  string
	queue  chan CommittedEntry
	done   chan struct{}
	logger *log.Logger
}

// Open connects to Postgres via dsn, migrates the per-node table named
// nodePrefix+"_committed_entries", and starts the background writer.
func Open(dsn string, nodePrefix string, logger *log.Logger) (*Index, error) {
	conn, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("metadataindex: connect: %w", err)
	}
	table := nodePrefix + committedEntriesTableSuffix
	if !conn.Migrator().HasTable(table) {
		if err := conn.Table(table).AutoMigrate(&CommittedEntry{}); err != nil {
			return nil, fmt.Errorf("metadataindex: migrate: %w", err)
		}
	}
	idx := &Index{
		db:     conn,
		table:  table,
		queue:  make(chan CommittedEntry, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	go idx.run()
	return idx, nil
}

func (idx *Index) run() {
	for {
		select {
		case row := <-idx.queue:
			if err := idx.db.Table(idx.table).Create(&row).Error; err != nil && idx.logger != nil {
				idx.logger.Printf("metadataindex: insert failed for index %d: %v", row.Index, err)
			}
		case <-idx.done:
			return
		}
	}
}

// ObserveCommit implements wal.CommittedMetadataObserver.
func (idx *Index) ObserveCommit(entry wal.Entry, partitionNumber uint64) error {
	row := CommittedEntry{
		Index:           entry.Index,
		Term:            entry.Term,
		Timestamp:       entry.Timestamp,
		PartitionNumber: partitionNumber,
		IsSnapshot:      entry.IsSnapshot,
		PayloadLength:   len(entry.Payload),
	}
	select {
	case idx.queue <- row:
		return nil
	default:
		return fmt.Errorf("metadataindex: queue full, dropped index %d", entry.Index)
	}
}

// Close stops the background writer. It does not drain the queue;
// anything still buffered is lost, consistent with this being a
// best-effort mirror.
func (idx *Index) Close() error {
	close(idx.done)
	return nil
}
