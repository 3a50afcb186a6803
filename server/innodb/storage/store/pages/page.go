// Package pages defines the fixed page size and the minimal page header shared by the
// pager, the journal and the B-tree layer above them.
package pages

import (
	"encoding/binary"
	"errors"
)

// PageSize is the size of every page in data, journal and scratch files.
const PageSize = 4096

// Page header layout
const (
	PageNumberOffset   = 0
	OverflowSizeOffset = 8
	FlagsOffset        = 12
	PageHeaderSize     = 16
)

// PageFlags 页面标志
type PageFlags uint8

const (
	FlagNone     PageFlags = 0
	FlagLeaf     PageFlags = 1
	FlagBranch   PageFlags = 2
	FlagOverflow PageFlags = 4
)

var (
	ErrInvalidPageSize = errors.New("page buffer is smaller than a page")
	ErrOverflowTooBig  = errors.New("overflow size does not fit the page buffer")
)

// Page is a view over the bytes of one page, or of the first page of an overflow run.
// It does not own the memory.
type Page struct {
	buf []byte
}

// NewPage wraps buf. buf must hold at least PageSize bytes; for overflow pages it must
// hold every page of the run.
func NewPage(buf []byte) (Page, error) {
	if len(buf) < PageSize {
		return Page{}, ErrInvalidPageSize
	}
	return Page{buf: buf}, nil
}

// Allocate returns a zeroed page run able to hold dataSize bytes of payload. A run
// larger than one page is flagged as overflow.
func Allocate(pageNumber int64, dataSize int) Page {
	count := 1
	overflow := dataSize > PageSize-PageHeaderSize
	if overflow {
		count = GetNumberOfOverflowPages(dataSize)
	}
	p := Page{buf: make([]byte, count*PageSize)}
	p.SetPageNumber(pageNumber)
	if overflow {
		p.SetFlags(FlagOverflow)
		p.SetOverflowSize(int32(dataSize))
	}
	return p
}

func (p Page) PageNumber() int64 {
	return int64(binary.LittleEndian.Uint64(p.buf[PageNumberOffset:]))
}

func (p Page) SetPageNumber(n int64) {
	binary.LittleEndian.PutUint64(p.buf[PageNumberOffset:], uint64(n))
}

func (p Page) OverflowSize() int32 {
	return int32(binary.LittleEndian.Uint32(p.buf[OverflowSizeOffset:]))
}

func (p Page) SetOverflowSize(size int32) {
	binary.LittleEndian.PutUint32(p.buf[OverflowSizeOffset:], uint32(size))
}

func (p Page) Flags() PageFlags {
	return PageFlags(p.buf[FlagsOffset])
}

func (p Page) SetFlags(flags PageFlags) {
	p.buf[FlagsOffset] = byte(flags)
}

func (p Page) IsOverflow() bool {
	return p.Flags()&FlagOverflow != 0
}

// NumberOfPages is how many physical pages this page occupies.
func (p Page) NumberOfPages() int {
	if p.IsOverflow() {
		return GetNumberOfOverflowPages(int(p.OverflowSize()))
	}
	return 1
}

// Data returns the payload area after the header.
func (p Page) Data() []byte {
	if p.IsOverflow() {
		end := PageHeaderSize + int(p.OverflowSize())
		if end > len(p.buf) {
			end = len(p.buf)
		}
		return p.buf[PageHeaderSize:end]
	}
	return p.buf[PageHeaderSize:PageSize]
}

// Bytes returns every physical page of the run, header included.
func (p Page) Bytes() []byte {
	n := p.NumberOfPages() * PageSize
	if n > len(p.buf) {
		return p.buf
	}
	return p.buf[:n]
}

// GetNumberOfOverflowPages 计算overflowSize字节负载（加页头）需要的页数
func GetNumberOfOverflowPages(overflowSize int) int {
	overflowSize += PageHeaderSize
	return overflowSize/PageSize + boolToInt(overflowSize%PageSize != 0)
}

// PagesFor returns the number of whole pages needed for size bytes.
func PagesFor(size int) int {
	return size/PageSize + boolToInt(size%PageSize != 0)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
