package util

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// EnsureDir 目录不存在时创建
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// ListNumberedFiles 返回目录下形如 <number><suffix> 的文件编号，升序
func ListNumberedFiles(dir string, suffix string) ([]int64, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*"+suffix))
	if err != nil {
		return nil, err
	}
	numbers := make([]int64, 0, len(files))
	for _, file := range files {
		n, err := strconv.ParseInt(strings.TrimSuffix(filepath.Base(file), suffix), 10, 64)
		if err != nil {
			// 不是编号文件，跳过
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers, nil
}

// NumberedFileName 生成固定宽度的编号文件名，保证字典序与数值序一致
func NumberedFileName(number int64, suffix string) string {
	s := strconv.FormatInt(number, 10)
	if len(s) < 19 {
		s = strings.Repeat("0", 19-len(s)) + s
	}
	return s + suffix
}
