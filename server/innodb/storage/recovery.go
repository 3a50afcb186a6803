package storage

import (
	"os"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/logger"
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/journal"
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/mvcc"
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/pager"
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xkv/util"
)

// InvalidJournalSuffix is appended to journals found after a break in the transaction
// chain. They are kept for inspection and never read again.
const InvalidJournalSuffix = ".invalid"

// RecoveryStats 恢复统计
type RecoveryStats struct {
	Journals int
	Replayed int
	Skipped  int
	// Stopped is the tolerated error that ended recovery early, nil when every journal
	// was read to its end.
	Stopped *journal.RecoveryError
	// Discarded lists the journals set aside after Stopped.
	Discarded []int64
}

// recover replays every journal from the last synced one into scratch and the page
// table, in order. It returns the last transaction id and page number recovered.
func (e *Environment) recover() (lastTx, lastPage int64, err error) {
	h := e.header.Get()
	lastTx = h.LastSyncedTransactionID
	lastPage = h.LastPageNumber

	numbers, err := util.ListNumberedFiles(e.journalDir, JournalSuffix)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "list journals in %s", e.journalDir)
	}

	var (
		previous     *journal.TransactionHeader
		recoveryPage int64
		writePage    int64
		needsUpdate  bool
	)
	for _, n := range numbers {
		path := e.journalPath(n)
		if e.recovery.Stopped != nil {
			if err := os.Rename(path, path+InvalidJournalSuffix); err != nil {
				return 0, 0, errors.Wrapf(err, "set aside %s", path)
			}
			logger.Warnf("journal %d follows a break in the transaction chain, renamed to %s%s", n, path, InvalidJournalSuffix)
			e.recovery.Discarded = append(e.recovery.Discarded, n)
			continue
		}
		if n < h.LastSyncedJournal {
			// applied before the last header update but not yet deleted
			logger.Infof("removing applied journal %d", n)
			if err := removeFile(path); err != nil {
				return 0, 0, err
			}
			continue
		}

		jp, err := pager.OpenFilePager(path)
		if err != nil {
			return 0, 0, err
		}
		jf := &journalFile{number: n, pager: jp, lastTx: -1}
		e.journals = append(e.journals, jf)

		r := journal.NewReader(jp, e.scratch, journal.ReaderConfig{
			JournalNumber:           n,
			LastSyncedTransactionID: h.LastSyncedTransactionID,
			Previous:                previous,
			RecoveryPage:            recoveryPage,
		})
		rerr := r.RecoverAndValidate()

		for _, tx := range r.Transactions() {
			if err := e.table.SetItems(mvcc.TxID(tx.Header.TransactionID), tx.Pages); err != nil {
				return 0, 0, errors.Wrapf(err, "journal %d", n)
			}
			if tx.Header.LastPageNumber > lastPage {
				lastPage = tx.Header.LastPageNumber
			}
		}
		if r.ReplayedCount()+r.SkippedCount() > 0 {
			last := r.LastTransactionHeader()
			jf.lastTx = last.TransactionID
			lastTx = last.TransactionID
			previous = last
		}
		recoveryPage = r.RecoveryPage()
		writePage = r.NextWritePage()
		e.recovery.Journals++
		e.recovery.Replayed += r.ReplayedCount()
		e.recovery.Skipped += r.SkippedCount()

		if rerr == nil {
			continue
		}
		re, ok := journal.AsRecoveryError(rerr)
		if !ok || !e.tolerated(re) {
			return 0, 0, errors.Wrapf(rerr, "recover journal %d", n)
		}
		logger.WithFields(map[string]interface{}{
			"journal": n,
			"tx":      re.TransactionID,
			"kind":    re.Kind.String(),
		}).Warnf("journal recovery stopped: %s", re.Message)
		e.recovery.Stopped = re

		// cut the journal at the bad record so it is not read again
		if err := jp.WriteDirect(make([]byte, pages.PageSize), writePage, 1); err != nil {
			return 0, 0, err
		}
		if err := jp.Sync(); err != nil {
			return 0, 0, err
		}
		needsUpdate = needsUpdate || r.RequireHeaderUpdate()
	}
	e.scratchPage = recoveryPage

	if len(e.journals) == 0 {
		number := h.LastSyncedJournal
		jp, err := pager.OpenFilePager(e.journalPath(number))
		if err != nil {
			return 0, 0, err
		}
		e.journals = append(e.journals, &journalFile{number: number, pager: jp, lastTx: -1})
		writePage = 0
	}
	current := e.journals[len(e.journals)-1]
	e.writer = journal.NewWriter(current.pager, journal.WriterConfig{
		JournalNumber:  current.number,
		Compression:    e.compression,
		MaxJournalSize: e.cfg.MaxJournalSize,
		WritePage:      writePage,
	})

	if needsUpdate {
		if err := e.header.Modify(func(h *EnvHeader) {
			if lastPage > h.LastPageNumber {
				h.LastPageNumber = lastPage
			}
		}); err != nil {
			return 0, 0, err
		}
	}
	return lastTx, lastPage, nil
}

// tolerated reports whether recovery may go on with what was read before re. A
// missing commit or a garbage marker is the normal end of a journal cut short by a
// crash; anything else means the journal is damaged.
func (e *Environment) tolerated(re *journal.RecoveryError) bool {
	if e.cfg.IgnoreRecoveryErrors {
		return true
	}
	if e.cfg.StrictRecovery {
		return false
	}
	return re.Kind == journal.KindUncommitted || re.Kind == journal.KindCorruptHeader
}

// RecoveryStats describes what the last Open recovered.
func (e *Environment) RecoveryStats() RecoveryStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recovery
}
