package journal

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/pager"
	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xkv/util"
)

// WriterConfig configures a journal Writer.
type WriterConfig struct {
	JournalNumber int64
	Compression   Compression
	// MaxJournalSize bounds the file in bytes; a record that would cross it gets
	// ErrJournalFull and belongs in the next journal.
	MaxJournalSize int64
	// WritePage is the first free page, normally Reader.NextWritePage after recovery.
	WritePage int64
}

// Writer appends committed transactions to a journal file.
type Writer struct {
	journal pager.Pager
	cfg     WriterConfig

	writePage int64
	last      *TransactionHeader
}

func NewWriter(journal pager.Pager, cfg WriterConfig) *Writer {
	return &Writer{journal: journal, cfg: cfg, writePage: cfg.WritePage}
}

func (w *Writer) JournalNumber() int64 { return w.cfg.JournalNumber }

// WritePage is the first page the next record will be written to.
func (w *Writer) WritePage() int64 { return w.writePage }

// LastTransactionHeader is the header of the last record written by this writer.
func (w *Writer) LastTransactionHeader() *TransactionHeader { return w.last }

func (w *Writer) maxPages() int64 {
	return w.cfg.MaxJournalSize / pageSize
}

// Write compresses the transaction's pages into one committed record. Overflow pages
// are written with every page of their run.
func (w *Writer) Write(transactionID int64, lastPageNumber int64, written []pages.Page) (*TransactionHeader, error) {
	if len(written) == 0 {
		return nil, ErrEmptyTransaction
	}

	var pageCount, overflowPageCount int32
	size := 0
	for _, p := range written {
		size += len(p.Bytes())
	}
	payload := make([]byte, 0, size)
	for _, p := range written {
		pageCount++
		overflowPageCount += int32(p.NumberOfPages() - 1)
		payload = append(payload, p.Bytes()...)
	}

	compressed, err := Compress(w.cfg.Compression, payload)
	if err != nil {
		return nil, err
	}
	compressedPages := pages.PagesFor(len(compressed))
	need := int64(1 + compressedPages)

	if w.writePage+need > w.maxPages() {
		if w.writePage == 0 {
			return nil, errors.Wrapf(ErrTransactionTooBig, "tx %d needs %d pages, journal holds %d", transactionID, need, w.maxPages())
		}
		return nil, ErrJournalFull
	}

	// one extra zero page so a stale record left past the tail is never read back
	toWrite := need
	if w.writePage+need < w.maxPages() {
		toWrite++
	}
	if err := w.journal.EnsureContinuous(nil, w.writePage, int(toWrite)); err != nil {
		return nil, err
	}

	buf := make([]byte, toWrite*pageSize)
	copy(buf[pageSize:], compressed)
	header := &TransactionHeader{
		HeaderMarker:      TransactionHeaderMarker,
		TransactionID:     transactionID,
		LastPageNumber:    lastPageNumber,
		PageCount:         pageCount,
		OverflowPageCount: overflowPageCount,
		CompressedSize:    int32(len(compressed)),
		UncompressedSize:  int32(len(payload)),
		Crc:               util.Checksum32(buf[pageSize : need*pageSize]),
		TxMarker:          MarkerStart | MarkerCommit,
		Compression:       w.cfg.Compression,
	}
	EncodeHeader(header, buf)

	if err := w.journal.WriteDirect(buf, w.writePage, int(toWrite)); err != nil {
		return nil, errors.Wrapf(err, "write tx %d to journal %d", transactionID, w.cfg.JournalNumber)
	}
	w.writePage += need
	w.last = header
	return header, nil
}

// Sync flushes the journal file.
func (w *Writer) Sync() error {
	return w.journal.Sync()
}
