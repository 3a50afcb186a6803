package storage

import (
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/pages"
)

// EnvironmentStats 环境统计信息
type EnvironmentStats struct {
	AllocatedDataFileSizeInBytes int64
	UsedDataFileSizeInBytes      int64
	ScratchAllocatedPages        int64
	ScratchUsedPages             int64

	CurrentJournal   int64
	JournalWritePage int64
	JournalCount     int

	TrackedPages            int
	ReclaimablePages        int
	LastSeenTransactionID   int64
	LastCommittedTxID       int64
	LastSyncedTxID          int64
	OldestActiveTxID        int64
	ActiveTransactions      int
	MaxTransactionInJournal int64
}

func (e *Environment) Stats() (EnvironmentStats, error) {
	if e.isClosed() {
		return EnvironmentStats{}, ErrEnvironmentClosed
	}

	oldest := e.tm.OldestActiveTransaction()
	lastPage := e.tm.LastPageNumber()
	stats := EnvironmentStats{
		AllocatedDataFileSizeInBytes: e.data.NumberOfAllocatedPages() * pages.PageSize,
		UsedDataFileSizeInBytes:      (lastPage + 1) * pages.PageSize,
		ScratchAllocatedPages:        e.scratch.NumberOfAllocatedPages(),
		TrackedPages:                 e.table.Count(),
		ReclaimablePages:             len(e.table.AllPagesOlderThan(oldest)),
		LastSeenTransactionID:        e.table.LastSeenTransaction(),
		LastCommittedTxID:            e.tm.LastCommittedTransactionID(),
		LastSyncedTxID:               e.header.Get().LastSyncedTransactionID,
		OldestActiveTxID:             oldest,
		ActiveTransactions:           e.tm.ActiveTransactions(),
		MaxTransactionInJournal:      e.table.MaxTransactionID(),
	}

	e.mu.Lock()
	stats.ScratchUsedPages = e.scratchPage
	stats.CurrentJournal = e.writer.JournalNumber()
	stats.JournalWritePage = e.writer.WritePage()
	stats.JournalCount = len(e.journals)
	e.mu.Unlock()

	return stats, nil
}
