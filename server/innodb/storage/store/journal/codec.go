package journal

import (
	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Compress encodes src with the given codec.
func Compress(c Compression, src []byte) ([]byte, error) {
	switch c {
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := lz4.CompressBlock(src, dst, nil)
		if err != nil {
			return nil, errors.Wrap(err, "lz4 compress")
		}
		if n == 0 {
			return nil, errors.New("lz4 compress: empty output")
		}
		return dst[:n], nil
	case CompressionSnappy:
		return snappy.Encode(nil, src), nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedCompression, "%s", c)
	}
}

// Decompress decodes src into dst; the decoded length must be exactly len(dst).
func Decompress(c Compression, src, dst []byte) error {
	switch c {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return errors.Wrap(err, "lz4 decompress")
		}
		if n != len(dst) {
			return errors.Errorf("lz4 decompress: got %d bytes, expected %d", n, len(dst))
		}
		return nil
	case CompressionSnappy:
		n, err := snappy.DecodedLen(src)
		if err != nil {
			return errors.Wrap(err, "snappy decompress")
		}
		if n != len(dst) {
			return errors.Errorf("snappy decompress: encoded length %d, expected %d", n, len(dst))
		}
		if _, err := snappy.Decode(dst, src); err != nil {
			return errors.Wrap(err, "snappy decompress")
		}
		return nil
	default:
		return errors.Wrapf(ErrUnsupportedCompression, "%s", c)
	}
}
