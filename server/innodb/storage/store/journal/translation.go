package journal

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/pager"
)

// PagePosition locates one version of a logical page in the scratch pager.
type PagePosition struct {
	JournalNumber int64
	ScratchPos    int64
	TransactionID int64
}

// TransactionTranslation is the page set written by a single transaction.
type TransactionTranslation struct {
	Header TransactionHeader
	Pages  map[int64]PagePosition
}

// PageTranslation walks the PageCount pages a record expanded into, starting at
// *recoveryPage, and maps each logical page number to its scratch position. On success
// *recoveryPage is advanced past the record, overflow runs included.
func PageTranslation(recovery pager.Pager, header *TransactionHeader, journalNumber int64, recoveryPage *int64) (map[int64]PagePosition, error) {
	translation := make(map[int64]PagePosition, header.PageCount)
	pos := *recoveryPage
	end := pos + int64(header.TotalPageCount())

	for i := int32(0); i < header.PageCount; i++ {
		if pos >= end {
			return nil, errors.Errorf("tx %d: page %d of %d starts past the end of the record", header.TransactionID, i, header.PageCount)
		}
		page, err := recovery.Read(pos, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "tx %d: read recovered page at %d", header.TransactionID, pos)
		}
		if page.PageNumber() < 0 || page.PageNumber() > header.LastPageNumber {
			return nil, errors.Errorf("tx %d: page number %d outside [0, %d]", header.TransactionID, page.PageNumber(), header.LastPageNumber)
		}

		translation[page.PageNumber()] = PagePosition{
			JournalNumber: journalNumber,
			ScratchPos:    pos,
			TransactionID: header.TransactionID,
		}
		pos += int64(page.NumberOfPages())
	}

	if pos > end {
		return nil, errors.Errorf("tx %d: pages span %d pages, header declares %d", header.TransactionID, pos-*recoveryPage, header.TotalPageCount())
	}
	*recoveryPage = end
	return translation, nil
}
