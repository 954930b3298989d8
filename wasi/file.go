package wasi

import (
	"io"
	"time"
)

// File is the I/O capability behind an open descriptor. Close must be
// idempotent: the filesystem may call it from teardown after a descriptor has
// already been closed by the guest.
type File interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Pread(p []byte, offset int64) (int, error)
	Pwrite(p []byte, offset int64) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Stat() (FileStat, error)
	SetSize(size uint64) error
	SetTimes(accessTime, modTime *time.Time) error
	SetFlags(flags Fdflags) error
	Sync() error
	Datasync() error
	Close() error
}

// Pollable is implemented by files backed by a host descriptor whose
// readiness can change over time (pipes, terminals, sockets).
type Pollable interface {
	PollFd() (uintptr, bool)
}

// ErrFile implements every File method by failing. It is meant to be embedded
// by files that only support a subset of the capabilities.
type ErrFile struct{}

var _ = File(ErrFile{})

func (ErrFile) Read(p []byte) (int, error) {
	return 0, ErrnoBadf
}

func (ErrFile) Write(p []byte) (int, error) {
	return 0, ErrnoBadf
}

func (ErrFile) Pread(p []byte, offset int64) (int, error) {
	return 0, ErrnoSpipe
}

func (ErrFile) Pwrite(p []byte, offset int64) (int, error) {
	return 0, ErrnoSpipe
}

func (ErrFile) Seek(offset int64, whence int) (int64, error) {
	return 0, ErrnoSpipe
}

func (ErrFile) Stat() (FileStat, error) {
	return FileStat{}, ErrnoInval
}

func (ErrFile) SetSize(size uint64) error {
	return ErrnoInval
}

func (ErrFile) SetTimes(accessTime, modTime *time.Time) error {
	return ErrnoInval
}

func (ErrFile) SetFlags(flags Fdflags) error {
	return ErrnoInval
}

func (ErrFile) Sync() error {
	return ErrnoInval
}

func (ErrFile) Datasync() error {
	return ErrnoInval
}

func (ErrFile) Close() error {
	return nil
}

func Readv(f File, buffers [][]byte) (int, error) {
	read := 0
	for _, b := range buffers {
		n, err := f.Read(b)
		read += n

		if err != nil {
			if err == io.EOF {
				return read, nil
			}
			return read, err
		}
		if n < len(b) {
			break
		}
	}
	return read, nil
}

func Writev(f File, buffers [][]byte) (int, error) {
	written := 0
	for _, b := range buffers {
		n, err := f.Write(b)
		written += n

		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// resolveSeek computes the new offset of a seek over a file of the given size.
func resolveSeek(pos, size, offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += pos
	case io.SeekEnd:
		offset += size
	default:
		return 0, ErrnoInval
	}
	if offset < 0 {
		return 0, ErrnoInval
	}
	return offset, nil
}
