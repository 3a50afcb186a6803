package storage

import (
	"time"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/logger"
)

// ApplyResult 数据刷盘结果
type ApplyResult struct {
	LastSyncedTransactionID int64
	PagesWritten            int
	JournalsRemoved         []int64
	Duration                time.Duration
}

// ApplyLogsToDataFile copies into the data file the newest version of every page that
// no open transaction can see past, then drops those versions from the page table and
// deletes journals holding nothing newer.
//
// Readers keep working throughout: a page is written to the data file before its
// versions leave the table, and no reader can need an older version than the one
// written.
func (e *Environment) ApplyLogsToDataFile() (ApplyResult, error) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	if e.isClosed() {
		return ApplyResult{}, ErrEnvironmentClosed
	}
	start := time.Now()
	h := e.header.Get()

	upTo := e.tm.OldestActiveTransaction() - 1
	if seen := e.table.LastSeenTransaction(); seen < upTo {
		upTo = seen
	}
	result := ApplyResult{LastSyncedTransactionID: h.LastSyncedTransactionID}
	if upTo <= h.LastSyncedTransactionID {
		return result, nil
	}

	entries := e.table.LatestAsOf(upTo)
	state := e.scratch.AcquireState()
	defer state.Release()

	written := make([]int64, 0, len(entries))
	for _, entry := range entries {
		page, err := e.scratch.Read(entry.Position.ScratchPos, state)
		if err != nil {
			return result, errors.Wrapf(err, "read page %d of tx %d from scratch", entry.PageNumber, entry.Position.TransactionID)
		}
		if err := e.data.EnsureContinuous(nil, entry.PageNumber, page.NumberOfPages()); err != nil {
			return result, err
		}
		if err := e.data.WriteAt(page, entry.PageNumber); err != nil {
			return result, err
		}
		written = append(written, entry.PageNumber)
	}
	if err := e.data.Sync(); err != nil {
		return result, err
	}

	e.mu.Lock()
	syncedJournal := e.writer.JournalNumber()
	for _, j := range e.journals {
		if j.lastTx > upTo {
			syncedJournal = j.number
			break
		}
	}
	e.mu.Unlock()

	lastPage := e.tm.LastPageNumber()
	if err := e.header.Modify(func(h *EnvHeader) {
		h.LastSyncedTransactionID = upTo
		h.LastSyncedJournal = syncedJournal
		if lastPage > h.LastPageNumber {
			h.LastPageNumber = lastPage
		}
	}); err != nil {
		return result, err
	}
	e.table.Remove(written, upTo)

	removed, err := e.removeJournalsBefore(syncedJournal)
	result.LastSyncedTransactionID = upTo
	result.PagesWritten = len(written)
	result.JournalsRemoved = removed
	result.Duration = time.Since(start)

	logger.WithFields(map[string]interface{}{
		"synced_tx":        upTo,
		"synced_journal":   syncedJournal,
		"pages":            len(written),
		"journals_removed": len(removed),
		"took":             result.Duration,
	}).Info("applied journals to data file")
	return result, err
}

// removeJournalsBefore closes and deletes journals numbered below number. The current
// write journal is never removed.
func (e *Environment) removeJournalsBefore(number int64) ([]int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var removed []int64
	kept := e.journals[:0]
	for i, j := range e.journals {
		if j.number >= number || i == len(e.journals)-1 {
			kept = append(kept, j)
			continue
		}
		if err := j.pager.Close(); err != nil {
			e.journals = append(kept, e.journals[i:]...)
			return removed, err
		}
		if err := removeFile(e.journalPath(j.number)); err != nil {
			e.journals = append(kept, e.journals[i+1:]...)
			return removed, err
		}
		removed = append(removed, j.number)
	}
	e.journals = kept
	return removed, nil
}
