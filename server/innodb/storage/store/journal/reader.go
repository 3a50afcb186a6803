package journal

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/logger"
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/pager"
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xkv/util"
)

// ReaderConfig positions a Reader over one journal file.
type ReaderConfig struct {
	// JournalNumber identifies the journal file in produced PagePositions.
	JournalNumber int64
	// LastSyncedTransactionID: records up to and including it are already in the
	// data file and are skipped without decompression or checksum.
	LastSyncedTransactionID int64
	// Previous is the last header accepted before this journal, used for the
	// contiguity check across journal files. Nil for the first journal.
	Previous *TransactionHeader
	// RecoveryPage is where decompressed pages start in the recovery pager.
	RecoveryPage int64
}

// Reader reads transaction records sequentially from a journal pager.
type Reader struct {
	journal  pager.Pager
	recovery pager.Pager
	cfg      ReaderConfig

	readingPage  int64
	recoveryPage int64

	lastHeader             *TransactionHeader
	previousTransactionCrc uint32
	requireHeaderUpdate    bool

	translation  map[int64]PagePosition
	transactions []TransactionTranslation

	replayed int
	skipped  int
}

// NewReader returns a reader positioned at the first page of journal. recovery may be
// nil when the reader is only used for shipping.
func NewReader(journal, recovery pager.Pager, cfg ReaderConfig) *Reader {
	var previous *TransactionHeader
	if cfg.Previous != nil {
		h := *cfg.Previous
		previous = &h
	}
	return &Reader{
		journal:      journal,
		recovery:     recovery,
		cfg:          cfg,
		recoveryPage: cfg.RecoveryPage,
		lastHeader:   previous,
		translation:  make(map[int64]PagePosition),
	}
}

// NextWritePage is the first journal page after the last valid record. When reading
// stopped at a bad record it is that record's header page.
func (r *Reader) NextWritePage() int64 { return r.readingPage }

// RecoveryPage is the first free page in the recovery pager.
func (r *Reader) RecoveryPage() int64 { return r.recoveryPage }

// RequireHeaderUpdate reports that the tail of the journal cannot be trusted and the
// environment header must be corrected before the file is reused.
func (r *Reader) RequireHeaderUpdate() bool { return r.requireHeaderUpdate }

// LastTransactionHeader is the last accepted header, skipped records included.
func (r *Reader) LastTransactionHeader() *TransactionHeader { return r.lastHeader }

// TransactionPageTranslation maps every page replayed so far to its latest position.
func (r *Reader) TransactionPageTranslation() map[int64]PagePosition { return r.translation }

// Transactions lists the replayed transactions in journal order.
func (r *Reader) Transactions() []TransactionTranslation { return r.transactions }

// ReplayedCount and SkippedCount count records decompressed and records skipped.
func (r *Reader) ReplayedCount() int { return r.replayed }
func (r *Reader) SkippedCount() int  { return r.skipped }

// ReadOneTransaction replays the next record into the recovery pager. It returns false
// with a nil error at the end of valid data, and false with a *RecoveryError when the
// journal cannot be read further.
func (r *Reader) ReadOneTransaction(checkCrc bool) (ok bool, err error) {
	if r.recovery == nil {
		return false, ErrNoRecoveryPager
	}
	if r.readingPage >= r.journal.NumberOfAllocatedPages() {
		return false, nil
	}

	headerPage := r.readingPage
	current, ok, err := r.tryReadAndValidateHeader()
	if !ok {
		return false, err
	}
	defer func() {
		if err != nil {
			r.readingPage = headerPage
		}
	}()

	compressedPages := current.CompressedPageCount()
	if current.TransactionID <= r.cfg.LastSyncedTransactionID {
		r.skip(current, compressedPages)
		return true, nil
	}

	if checkCrc {
		if err := r.validatePagesCrc(compressedPages, current); err != nil {
			return false, err
		}
	}

	totalPageCount := current.TotalPageCount()
	if int(current.UncompressedSize) > totalPageCount*pageSize {
		return false, r.recoveryError(KindInvalidData, current,
			fmt.Sprintf("uncompressed size %d exceeds %d pages", current.UncompressedSize, totalPageCount), nil)
	}

	if err := r.recovery.EnsureContinuous(nil, r.recoveryPage, totalPageCount); err != nil {
		return false, err
	}
	dataPages, err := r.recovery.AcquireWritablePages(r.recoveryPage, totalPageCount)
	if err != nil {
		return false, err
	}
	compressed, err := r.journal.AcquirePages(r.readingPage, compressedPages, nil)
	if err != nil {
		return false, r.recoveryError(KindInvalidData, current, "payload extends past the end of the journal", err)
	}

	clear(dataPages)
	if err := Decompress(current.Compression, compressed[:current.CompressedSize], dataPages[:current.UncompressedSize]); err != nil {
		r.requireHeaderUpdate = true
		return false, r.recoveryError(KindDecompression, current, "could not de-compress, invalid data", err)
	}

	recoveryPage := r.recoveryPage
	pagesOfTx, err := PageTranslation(r.recovery, current, r.cfg.JournalNumber, &recoveryPage)
	if err != nil {
		r.requireHeaderUpdate = true
		return false, r.recoveryError(KindInvalidData, current, "recovered pages do not match the header", err)
	}

	r.recoveryPage = recoveryPage
	r.readingPage += int64(compressedPages)
	r.lastHeader = current
	r.replayed++

	for page, pos := range pagesOfTx {
		r.translation[page] = pos
	}
	r.transactions = append(r.transactions, TransactionTranslation{Header: *current, Pages: pagesOfTx})
	return true, nil
}

// RecoverAndValidate replays every record until the end of valid data. Only a
// condition that stops reading before the end is returned as an error.
func (r *Reader) RecoverAndValidate() error {
	if r.recovery == nil {
		return ErrNoRecoveryPager
	}
	for {
		ok, err := r.ReadOneTransaction(true)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
	}
	logger.Debugf("journal %s: replayed %d, skipped %d, next write page %d",
		r.journal, r.replayed, r.skipped, r.readingPage)
	return nil
}

func (r *Reader) skip(current *TransactionHeader, compressedPages int) {
	r.lastHeader = current
	r.readingPage += int64(compressedPages)
	r.skipped++
}

func (r *Reader) validatePagesCrc(compressedPages int, current *TransactionHeader) error {
	payload, err := r.journal.AcquirePages(r.readingPage, compressedPages, nil)
	if err != nil {
		r.requireHeaderUpdate = true
		return r.recoveryError(KindInvalidCrc, current, "payload extends past the end of the journal", err)
	}
	if crc := util.Checksum32(payload); crc != current.Crc {
		r.requireHeaderUpdate = true
		return r.recoveryError(KindInvalidCrc, current,
			fmt.Sprintf("invalid CRC signature for transaction %d: %08x != %08x", current.TransactionID, crc, current.Crc), nil)
	}
	return nil
}

// tryReadAndValidateHeader reads the header at the cursor. A zero marker is the
// untouched end of the file and is not an error.
func (r *Reader) tryReadAndValidateHeader() (*TransactionHeader, bool, error) {
	buf, err := r.journal.AcquirePagePointer(r.readingPage, nil)
	if err != nil {
		return nil, false, err
	}
	current := DecodeHeader(buf)

	if current.HeaderMarker != TransactionHeaderMarker {
		// no more records; the next transaction may not have fit in this file
		r.requireHeaderUpdate = current.HeaderMarker != 0
		if r.requireHeaderUpdate {
			return nil, false, r.recoveryError(KindCorruptHeader, &current,
				fmt.Sprintf("transaction %d header marker was set to garbage value, file is probably corrupted", current.TransactionID), nil)
		}
		return nil, false, nil
	}

	if err := validateHeader(&current, r.lastHeader); err != nil {
		return nil, false, r.recoveryError(KindInvalidData, &current, err.Error(), nil)
	}

	if !current.Committed() {
		r.requireHeaderUpdate = true
		return nil, false, r.recoveryError(KindUncommitted, &current,
			fmt.Sprintf("transaction %d was not committed", current.TransactionID), nil)
	}

	r.readingPage++
	return &current, true, nil
}

func validateHeader(current, previous *TransactionHeader) error {
	if current.TransactionID < 0 {
		return errors.Errorf("transaction id cannot be less than 0 (tx: %d)", current.TransactionID)
	}
	if current.Committed() && current.LastPageNumber < 0 {
		return errors.Errorf("last page number after committed transaction must not be negative (tx: %d)", current.TransactionID)
	}
	if current.Committed() && current.PageCount > 0 && current.Crc == 0 {
		return errors.Errorf("committed and not empty transaction checksum can't be equal to 0 (tx: %d)", current.TransactionID)
	}
	if current.Compression == CompressionNone {
		return errors.Errorf("uncompressed transactions are not supported (tx: %d)", current.TransactionID)
	}
	if current.CompressedSize <= 0 {
		return errors.Errorf("compression error in transaction %d: compressed size %d", current.TransactionID, current.CompressedSize)
	}
	if current.PageCount < 0 || current.OverflowPageCount < 0 || current.UncompressedSize < 0 {
		return errors.Errorf("negative size in transaction %d: pages %d, overflow pages %d, uncompressed size %d",
			current.TransactionID, current.PageCount, current.OverflowPageCount, current.UncompressedSize)
	}
	// the payload is the transaction's pages back to back, so its size fixes the page count
	if n := pages.PagesFor(int(current.UncompressedSize)); n != current.TotalPageCount() {
		return errors.Errorf("transaction %d: uncompressed size %d is %d pages, header says %d",
			current.TransactionID, current.UncompressedSize, n, current.TotalPageCount())
	}

	if previous == nil {
		return nil
	}
	// 1 is the first storage transaction, it does not follow a committed one
	if current.TransactionID != 1 && current.TransactionID-previous.TransactionID != 1 {
		return errors.Errorf("unexpected transaction id. Expected: %d, got: %d", previous.TransactionID+1, current.TransactionID)
	}
	return nil
}

func (r *Reader) recoveryError(kind RecoveryKind, current *TransactionHeader, msg string, cause error) *RecoveryError {
	e := &RecoveryError{
		Kind:    kind,
		Journal: r.journal.String(),
		Message: msg,
		Err:     cause,
	}
	if current != nil {
		e.TransactionID = current.TransactionID
	}
	return e
}

func (r *Reader) String() string {
	return r.journal.String()
}
