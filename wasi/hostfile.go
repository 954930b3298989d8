package wasi

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// HostFile is a thin wrapper around an *os.File.
type HostFile struct {
	f     *os.File
	path string

	mu    sync.Mutex
	flags Fdflags

	once     sync.Once
	closeErr error
}

// NewHostFile wraps f. The HostFile takes ownership of f.
func NewHostFile(f *os.File, flags Fdflags) *HostFile {
	return &HostFile{f: f, path: f.Name(), flags: flags}
}

// OpenHostFile opens the host file at path.
func OpenHostFile(path string, oflags Oflags, fdflags Fdflags, write bool) (*HostFile, error) {
	osFlags := os.O_RDONLY
	if write {
		osFlags = os.O_RDWR
	}
	if oflags&O_Creat != 0 {
		osFlags |= os.O_CREATE
	}
	if oflags&O_Excl != 0 {
		osFlags |= os.O_EXCL
	}
	if oflags&O_Trunc != 0 {
		osFlags |= os.O_TRUNC
	}
	if fdflags&F_Append != 0 {
		osFlags |= os.O_APPEND
	}
	if fdflags&(F_Dsync|F_Rsync|F_Sync) != 0 {
		osFlags |= os.O_SYNC
	}

	f, err := os.OpenFile(path, osFlags, 0600)
	if err != nil {
		return nil, hostError("open", path, err)
	}
	return &HostFile{f: f, path: path, flags: fdflags}, nil
}

// Path returns the host path the file was opened from.
func (f *HostFile) Path() string {
	return f.path
}

func (f *HostFile) Read(p []byte) (int, error) {
	n, err := f.f.Read(p)
	if err == io.EOF {
		err = nil
	}
	return n, f.wrap("read", err)
}

func (f *HostFile) Write(p []byte) (int, error) {
	n, err := f.f.Write(p)
	return n, f.wrap("write", err)
}

func (f *HostFile) Pread(p []byte, offset int64) (int, error) {
	n, err := f.f.ReadAt(p, offset)
	if err == io.EOF {
		err = nil
	}
	return n, f.wrap("pread", err)
}

func (f *HostFile) Pwrite(p []byte, offset int64) (int, error) {
	if f.appendMode() {
		// os.File refuses WriteAt in append mode.
		return 0, ErrnoNotsup
	}
	n, err := f.f.WriteAt(p, offset)
	return n, f.wrap("pwrite", err)
}

func (f *HostFile) Seek(offset int64, whence int) (int64, error) {
	pos, err := f.f.Seek(offset, whence)
	return pos, f.wrap("seek", err)
}

func (f *HostFile) Stat() (FileStat, error) {
	info, err := f.f.Stat()
	if err != nil {
		return FileStat{}, f.wrap("stat", err)
	}
	return fileStat(info), nil
}

func (f *HostFile) SetSize(size uint64) error {
	return f.wrap("truncate", f.f.Truncate(int64(size)))
}

func (f *HostFile) SetTimes(accessTime, modTime *time.Time) error {
	info, err := f.f.Stat()
	if err != nil {
		return f.wrap("stat", err)
	}
	st := fileStat(info)
	atime, mtime := st.AccessTime, st.ModTime
	if accessTime != nil {
		atime = *accessTime
	}
	if modTime != nil {
		mtime = *modTime
	}
	return f.wrap("chtimes", os.Chtimes(f.path, atime, mtime))
}

func (f *HostFile) SetFlags(flags Fdflags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if flags&F_Append != f.flags&F_Append {
		return ErrnoNotsup
	}
	f.flags = flags
	return nil
}

func (f *HostFile) appendMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags&F_Append != 0
}

func (f *HostFile) Sync() error {
	return f.wrap("sync", f.f.Sync())
}

func (f *HostFile) Datasync() error {
	return f.wrap("datasync", f.f.Sync())
}

// Close closes the underlying file once. Later calls return the result of the
// first.
func (f *HostFile) Close() error {
	f.once.Do(func() {
		f.closeErr = f.wrap("close", f.f.Close())
	})
	return f.closeErr
}

// PollFd returns the host descriptor for files whose readiness can change.
// Regular files are always ready and are not polled.
func (f *HostFile) PollFd() (uintptr, bool) {
	info, err := f.f.Stat()
	if err != nil || info.Mode().IsRegular() || info.IsDir() {
		return 0, false
	}
	return f.f.Fd(), true
}

func (f *HostFile) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrClosed) {
		return ErrnoBadf
	}
	return hostError(op, f.path, err)
}
