//go:build !linux && !darwin && !freebsd && !netbsd

package wasi

import (
	"os"
)

func fileStat(info os.FileInfo) FileStat {
	return fileStatFromTimes(info, info.ModTime(), info.ModTime())
}
