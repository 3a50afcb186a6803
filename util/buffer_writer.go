package util

import "encoding/binary"

// 小端定长写入，追加到buf末尾

func WriteUB4(buf []byte, i uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, i)
}

func WriteUB8(buf []byte, i uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, i)
}

func WriteUB8Long(buf []byte, i int64) []byte {
	return WriteUB8(buf, uint64(i))
}
