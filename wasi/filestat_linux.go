//go:build linux

package wasi

import (
	"os"
	"syscall"
	"time"
)

func fileStat(info os.FileInfo) FileStat {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fileStatFromTimes(info, info.ModTime(), info.ModTime())
	}

	st := fileStatFromTimes(info, time.Unix(stat.Atim.Unix()), time.Unix(stat.Ctim.Unix()))
	st.Dev, st.Inode, st.LinkCount = uint64(stat.Dev), uint64(stat.Ino), uint64(stat.Nlink)
	return st
}
