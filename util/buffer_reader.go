package util

import "encoding/binary"

// 小端定长读取，返回新的游标位置

func ReadUB4(buff []byte, cursor int) (int, uint32) {
	return cursor + 4, binary.LittleEndian.Uint32(buff[cursor:])
}

func ReadUB8(buff []byte, cursor int) (int, uint64) {
	return cursor + 8, binary.LittleEndian.Uint64(buff[cursor:])
}

func ReadUB8Long(buff []byte, cursor int) (int, int64) {
	cursor, i := ReadUB8(buff, cursor)
	return cursor, int64(i)
}
