package journal

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/util"
)

// TransactionToShip is a committed record as it sits in the journal, still compressed,
// chained to the checksum of the record shipped before it.
type TransactionToShip struct {
	Header                 TransactionHeader
	CompressedData         []byte
	PreviousTransactionCrc uint32
}

// Validate checks the payload against the header checksum.
func (t *TransactionToShip) Validate() error {
	if crc := util.Checksum32(t.CompressedData); crc != t.Header.Crc {
		return errors.Errorf("shipped transaction %d: crc %08x != %08x", t.Header.TransactionID, crc, t.Header.Crc)
	}
	return nil
}

// ValidateChain checks that t directly follows previous in the shipped sequence.
// previous is nil for the first record of a stream.
func (t *TransactionToShip) ValidateChain(previous *TransactionToShip) error {
	var prevCrc uint32
	if previous != nil {
		prevCrc = previous.Header.Crc
		if t.Header.TransactionID != previous.Header.TransactionID+1 {
			return errors.Errorf("shipped transaction %d does not follow %d", t.Header.TransactionID, previous.Header.TransactionID)
		}
	}
	if t.PreviousTransactionCrc != prevCrc {
		return errors.Errorf("shipped transaction %d: previous crc %08x, expected %08x",
			t.Header.TransactionID, t.PreviousTransactionCrc, prevCrc)
	}
	return t.Validate()
}

// ShippingIterator yields committed records without decompressing them. It is
// finite and cannot be restarted:
//
//	it := reader.ReadJournalForShipping()
//	for it.Next() {
//		send(it.Transaction())
//	}
//	if err := it.Err(); err != nil { ... }
type ShippingIterator struct {
	r       *Reader
	current *TransactionToShip
	err     error
	done    bool
}

// ReadJournalForShipping starts shipping from the reader's cursor.
func (r *Reader) ReadJournalForShipping() *ShippingIterator {
	return &ShippingIterator{r: r}
}

func (it *ShippingIterator) Next() bool {
	it.current = nil
	for !it.done {
		tx, ok, err := it.r.readOneTransactionForShipping()
		if err != nil {
			it.err = err
			it.done = true
			return false
		}
		if !ok {
			it.done = true
			return false
		}
		if tx != nil {
			it.current = tx
			return true
		}
	}
	return false
}

func (it *ShippingIterator) Transaction() *TransactionToShip { return it.current }

// Err is the *RecoveryError that ended the sequence early, if any.
func (it *ShippingIterator) Err() error { return it.err }

// readOneTransactionForShipping returns a nil record with ok set for skipped records.
func (r *Reader) readOneTransactionForShipping() (*TransactionToShip, bool, error) {
	if r.readingPage >= r.journal.NumberOfAllocatedPages() {
		return nil, false, nil
	}

	headerPage := r.readingPage
	current, ok, err := r.tryReadAndValidateHeader()
	if !ok {
		return nil, false, err
	}

	compressedPages := current.CompressedPageCount()
	if current.TransactionID <= r.cfg.LastSyncedTransactionID {
		r.skip(current, compressedPages)
		return nil, true, nil
	}

	if err := r.validatePagesCrc(compressedPages, current); err != nil {
		r.readingPage = headerPage
		return nil, false, err
	}

	raw, err := r.journal.AcquirePages(r.readingPage, compressedPages, nil)
	if err != nil {
		r.readingPage = headerPage
		return nil, false, err
	}
	tx := &TransactionToShip{
		Header: *current,
		// already compressed in the journal, only copied out of the mapping
		CompressedData:         append([]byte(nil), raw...),
		PreviousTransactionCrc: r.previousTransactionCrc,
	}

	r.previousTransactionCrc = current.Crc
	r.readingPage += int64(compressedPages)
	r.lastHeader = current
	return tx, true, nil
}
