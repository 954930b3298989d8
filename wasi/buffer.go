package wasi

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// maxBufferSize bounds a single in-memory file.
const maxBufferSize = 1 << 30

// Buffer is the content of an in-memory file. It is shared by every
// descriptor opened on the same inode.
type Buffer struct {
	mu    sync.RWMutex
	data  []byte
	atime time.Time
	mtime time.Time
	ctime time.Time
}

func NewBuffer(data []byte) *Buffer {
	now := time.Now()
	return &Buffer{data: append([]byte(nil), data...), atime: now, mtime: now, ctime: now}
}

// Bytes returns a copy of the buffer contents.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]byte(nil), b.data...)
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

func (b *Buffer) readAt(p []byte, off int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.atime = time.Now()
	if off >= int64(len(b.data)) {
		return 0
	}
	return copy(p, b.data[off:])
}

func (b *Buffer) writeAt(p []byte, off int64, appendMode bool) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if appendMode {
		off = int64(len(b.data))
	}
	if off > maxBufferSize-int64(len(p)) {
		return off, ErrNoSpace
	}
	end := off + int64(len(p))
	if end > int64(len(b.data)) {
		b.grow(end)
	}
	copy(b.data[off:], p)
	b.mtime = time.Now()
	b.ctime = b.mtime
	return end, nil
}

func (b *Buffer) truncate(size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size < 0 || size > maxBufferSize {
		return ErrNoSpace
	}
	if size <= int64(len(b.data)) {
		b.data = b.data[:size]
	} else {
		b.grow(size)
	}
	b.mtime = time.Now()
	b.ctime = b.mtime
	return nil
}

func (b *Buffer) grow(size int64) {
	if size <= int64(cap(b.data)) {
		old := len(b.data)
		b.data = b.data[:size]
		for i := old; i < len(b.data); i++ {
			b.data[i] = 0
		}
		return
	}
	data := make([]byte, size, size+size/4)
	copy(data, b.data)
	b.data = data
}

func (b *Buffer) setTimes(atime, mtime *time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if atime != nil {
		b.atime = *atime
	}
	if mtime != nil {
		b.mtime = *mtime
	}
	b.ctime = time.Now()
}

func (b *Buffer) stat() FileStat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return FileStat{
		Filetype:   FiletypeRegularFile,
		LinkCount:  1,
		Size:       uint64(len(b.data)),
		AccessTime: b.atime,
		ModTime:    b.mtime,
		ChangeTime: b.ctime,
	}
}

// BufferFile is an open descriptor on a Buffer with its own offset.
type BufferFile struct {
	buf    *Buffer
	mu     sync.Mutex
	offset int64
	flags  Fdflags
	closed atomic.Bool
}

func NewBufferFile(buf *Buffer, flags Fdflags) *BufferFile {
	return &BufferFile{buf: buf, flags: flags}
}

// Buffer returns the shared content of the file.
func (f *BufferFile) Buffer() *Buffer {
	return f.buf
}

func (f *BufferFile) Read(p []byte) (int, error) {
	if f.closed.Load() {
		return 0, ErrnoBadf
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.buf.readAt(p, f.offset)
	f.offset += int64(n)
	return n, nil
}

func (f *BufferFile) Write(p []byte) (int, error) {
	if f.closed.Load() {
		return 0, ErrnoBadf
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	end, err := f.buf.writeAt(p, f.offset, f.flags&F_Append != 0)
	if err != nil {
		return 0, err
	}
	f.offset = end
	return len(p), nil
}

func (f *BufferFile) Pread(p []byte, offset int64) (int, error) {
	if f.closed.Load() {
		return 0, ErrnoBadf
	}
	if offset < 0 {
		return 0, ErrnoInval
	}
	return f.buf.readAt(p, offset), nil
}

func (f *BufferFile) Pwrite(p []byte, offset int64) (int, error) {
	if f.closed.Load() {
		return 0, ErrnoBadf
	}
	if offset < 0 {
		return 0, ErrnoInval
	}
	if _, err := f.buf.writeAt(p, offset, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *BufferFile) Seek(offset int64, whence int) (int64, error) {
	if f.closed.Load() {
		return 0, ErrnoBadf
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, err := resolveSeek(f.offset, int64(f.buf.Len()), offset, whence)
	if err != nil {
		return 0, err
	}
	f.offset = pos
	return pos, nil
}

func (f *BufferFile) Stat() (FileStat, error) {
	if f.closed.Load() {
		return FileStat{}, ErrnoBadf
	}
	return f.buf.stat(), nil
}

func (f *BufferFile) SetSize(size uint64) error {
	if f.closed.Load() {
		return ErrnoBadf
	}
	if size > maxBufferSize {
		return ErrNoSpace
	}
	return f.buf.truncate(int64(size))
}

func (f *BufferFile) SetTimes(accessTime, modTime *time.Time) error {
	if f.closed.Load() {
		return ErrnoBadf
	}
	f.buf.setTimes(accessTime, modTime)
	return nil
}

func (f *BufferFile) SetFlags(flags Fdflags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = flags
	return nil
}

func (f *BufferFile) Sync() error {
	return nil
}

func (f *BufferFile) Datasync() error {
	return nil
}

func (f *BufferFile) Close() error {
	f.closed.Store(true)
	return nil
}

var _ io.ReadWriteSeeker = (*BufferFile)(nil)
