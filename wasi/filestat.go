package wasi

import (
	"os"
	"time"
)

// Filetype is the type of a file descriptor or file.
type Filetype uint8

const (
	FiletypeUnknown Filetype = iota
	FiletypeBlockDevice
	FiletypeCharacterDevice
	FiletypeDirectory
	FiletypeRegularFile
	FiletypeSocketDgram
	FiletypeSocketStream
	FiletypeSymbolicLink
)

var filetypeNames = [...]string{
	"unknown",
	"block_device",
	"character_device",
	"directory",
	"regular_file",
	"socket_dgram",
	"socket_stream",
	"symbolic_link",
}

func (t Filetype) String() string {
	if int(t) < len(filetypeNames) {
		return filetypeNames[t]
	}
	return "unknown"
}

// FileStat holds the attributes of a file.
type FileStat struct {
	Dev        uint64
	Inode      uint64
	Filetype   Filetype
	LinkCount  uint64
	Size       uint64
	AccessTime time.Time
	ModTime    time.Time
	ChangeTime time.Time
}

// HostFileTypeToFiletype maps a host file mode onto a WASI filetype.
func HostFileTypeToFiletype(mode os.FileMode) Filetype {
	mode = mode & os.ModeType
	switch {
	case mode == 0:
		return FiletypeRegularFile
	case mode&os.ModeDevice != 0:
		if mode&os.ModeCharDevice == 0 {
			return FiletypeBlockDevice
		}
		return FiletypeCharacterDevice
	case mode&os.ModeCharDevice != 0:
		return FiletypeCharacterDevice
	case mode&os.ModeDir != 0:
		return FiletypeDirectory
	case mode&os.ModeSocket != 0:
		return FiletypeSocketStream
	case mode&os.ModeSymlink != 0:
		return FiletypeSymbolicLink
	default:
		return FiletypeUnknown
	}
}

func fileStatFromTimes(info os.FileInfo, atime, ctime time.Time) FileStat {
	return FileStat{
		Filetype:   HostFileTypeToFiletype(info.Mode()),
		LinkCount:  1,
		Size:       uint64(info.Size()),
		AccessTime: atime,
		ModTime:    info.ModTime(),
		ChangeTime: ctime,
	}
}
