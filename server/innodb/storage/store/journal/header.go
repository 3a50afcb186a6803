package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/server/innodb/storage/store/pages"
)

const pageSize = pages.PageSize

// TransactionHeaderMarker marks the first page of every journal record.
const TransactionHeaderMarker uint64 = 0x4C4E524A564B58 // "XKVJRNL"

// Header layout, little endian. The header occupies a whole page; the compressed
// payload starts at the next page.
const (
	markerOffset            = 0
	transactionIDOffset     = 8
	lastPageNumberOffset    = 16
	pageCountOffset         = 24
	overflowPageCountOffset = 28
	compressedSizeOffset    = 32
	uncompressedSizeOffset  = 36
	crcOffset               = 40
	txMarkerOffset          = 44
	compressionOffset       = 45

	TransactionHeaderSize = 48
)

// TransactionMarker 事务标志位
type TransactionMarker uint8

const (
	MarkerNone   TransactionMarker = 0
	MarkerStart  TransactionMarker = 1
	MarkerSplit  TransactionMarker = 2
	MarkerMerged TransactionMarker = 4
	MarkerCommit TransactionMarker = 8
)

func (m TransactionMarker) Has(flag TransactionMarker) bool {
	return m&flag == flag
}

// Compression identifies the codec of a record payload.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionSnappy
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration name to a codec.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "lz4":
		return CompressionLZ4, nil
	case "snappy":
		return CompressionSnappy, nil
	default:
		return CompressionNone, errors.Wrapf(ErrUnsupportedCompression, "%q", name)
	}
}

// TransactionHeader describes one committed transaction in the journal.
type TransactionHeader struct {
	HeaderMarker      uint64
	TransactionID     int64
	LastPageNumber    int64
	PageCount         int32
	OverflowPageCount int32
	CompressedSize    int32
	UncompressedSize  int32
	Crc               uint32
	TxMarker          TransactionMarker
	Compression       Compression
}

// CompressedPageCount is the number of whole pages the payload occupies.
func (h *TransactionHeader) CompressedPageCount() int {
	return pages.PagesFor(int(h.CompressedSize))
}

// TotalPageCount is the number of pages the payload expands to.
func (h *TransactionHeader) TotalPageCount() int {
	return int(h.PageCount) + int(h.OverflowPageCount)
}

func (h *TransactionHeader) Committed() bool {
	return h.TxMarker.Has(MarkerCommit)
}

func (h *TransactionHeader) String() string {
	return fmt.Sprintf("tx %d (pages %d+%d, %d->%d bytes %s, crc %08x, marker %d)",
		h.TransactionID, h.PageCount, h.OverflowPageCount, h.UncompressedSize, h.CompressedSize,
		h.Compression, h.Crc, h.TxMarker)
}

// EncodeHeader writes h at the start of buf, which must hold TransactionHeaderSize bytes.
func EncodeHeader(h *TransactionHeader, buf []byte) {
	_ = buf[TransactionHeaderSize-1]
	binary.LittleEndian.PutUint64(buf[markerOffset:], h.HeaderMarker)
	binary.LittleEndian.PutUint64(buf[transactionIDOffset:], uint64(h.TransactionID))
	binary.LittleEndian.PutUint64(buf[lastPageNumberOffset:], uint64(h.LastPageNumber))
	binary.LittleEndian.PutUint32(buf[pageCountOffset:], uint32(h.PageCount))
	binary.LittleEndian.PutUint32(buf[overflowPageCountOffset:], uint32(h.OverflowPageCount))
	binary.LittleEndian.PutUint32(buf[compressedSizeOffset:], uint32(h.CompressedSize))
	binary.LittleEndian.PutUint32(buf[uncompressedSizeOffset:], uint32(h.UncompressedSize))
	binary.LittleEndian.PutUint32(buf[crcOffset:], h.Crc)
	buf[txMarkerOffset] = byte(h.TxMarker)
	buf[compressionOffset] = byte(h.Compression)
	buf[46], buf[47] = 0, 0
}

// DecodeHeader copies a header out of buf so it outlives the mapping it was read from.
func DecodeHeader(buf []byte) TransactionHeader {
	_ = buf[TransactionHeaderSize-1]
	return TransactionHeader{
		HeaderMarker:      binary.LittleEndian.Uint64(buf[markerOffset:]),
		TransactionID:     int64(binary.LittleEndian.Uint64(buf[transactionIDOffset:])),
		LastPageNumber:    int64(binary.LittleEndian.Uint64(buf[lastPageNumberOffset:])),
		PageCount:         int32(binary.LittleEndian.Uint32(buf[pageCountOffset:])),
		OverflowPageCount: int32(binary.LittleEndian.Uint32(buf[overflowPageCountOffset:])),
		CompressedSize:    int32(binary.LittleEndian.Uint32(buf[compressedSizeOffset:])),
		UncompressedSize:  int32(binary.LittleEndian.Uint32(buf[uncompressedSizeOffset:])),
		Crc:               binary.LittleEndian.Uint32(buf[crcOffset:]),
		TxMarker:          TransactionMarker(buf[txMarkerOffset]),
		Compression:       Compression(buf[compressionOffset]),
	}
}
