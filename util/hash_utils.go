package util

import (
	"github.com/OneOfOne/xxhash"
)

// Checksum32 计算journal负载与头文件使用的32位校验和
func Checksum32(data []byte) uint32 {
	return xxhash.Checksum32(data)
}
