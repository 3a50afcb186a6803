package journal

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrUnsupportedCompression = errors.New("journal: unsupported compression")
	ErrJournalFull            = errors.New("journal: no room left in journal file")
	ErrTransactionTooBig      = errors.New("journal: transaction does not fit in an empty journal file")
	ErrNoRecoveryPager        = errors.New("journal: recovery pager should not be nil")
	ErrEmptyTransaction       = errors.New("journal: transaction has no pages")
)

// RecoveryKind classifies why reading a journal stopped.
type RecoveryKind int

const (
	// KindCorruptHeader: the header marker holds a garbage value.
	KindCorruptHeader RecoveryKind = iota + 1
	// KindInvalidData: a structural or ordering invariant of the header does not hold.
	KindInvalidData
	// KindInvalidCrc: the payload checksum does not match the header.
	KindInvalidCrc
	// KindDecompression: the payload could not be decompressed.
	KindDecompression
	// KindUncommitted: the record was never committed; the logical end of the journal.
	KindUncommitted
)

func (k RecoveryKind) String() string {
	switch k {
	case KindCorruptHeader:
		return "corrupt header"
	case KindInvalidData:
		return "invalid data"
	case KindInvalidCrc:
		return "invalid crc"
	case KindDecompression:
		return "decompression failure"
	case KindUncommitted:
		return "uncommitted transaction"
	default:
		return fmt.Sprintf("recovery kind %d", int(k))
	}
}

// RecoveryError is reported when a journal cannot be read past a record. Reading
// always stops at that record; the caller decides whether it is fatal.
type RecoveryError struct {
	Kind          RecoveryKind
	Journal       string
	TransactionID int64
	Message       string
	Err           error
}

func (e *RecoveryError) Error() string {
	msg := fmt.Sprintf("journal %s: %s: %s", e.Journal, e.Kind, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// AsRecoveryError extracts a *RecoveryError from err's chain.
func AsRecoveryError(err error) (*RecoveryError, bool) {
	var re *RecoveryError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
