package wasi

import (
	"io"
	"os"
	"sync/atomic"
	"time"
)

// Stream identifies a standard stream.
type Stream uint8

const (
	StreamStdin Stream = iota
	StreamStdout
	StreamStderr
)

func (s Stream) String() string {
	switch s {
	case StreamStdin:
		return "stdin"
	case StreamStdout:
		return "stdout"
	case StreamStderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// StdioFile wraps a standard stream. Stdin is read-only and stdout/stderr are
// write-only. Closing a StdioFile never closes the wrapped process stream, and
// a snapshot records only which stream it is.
type StdioFile struct {
	ErrFile

	stream Stream
	r      io.Reader
	w      io.Writer
	closed atomic.Bool
}

func NewStdin(r io.Reader) *StdioFile {
	if r == nil {
		r = os.Stdin
	}
	return &StdioFile{stream: StreamStdin, r: r}
}

func NewStdout(w io.Writer) *StdioFile {
	if w == nil {
		w = os.Stdout
	}
	return &StdioFile{stream: StreamStdout, w: w}
}

func NewStderr(w io.Writer) *StdioFile {
	if w == nil {
		w = os.Stderr
	}
	return &StdioFile{stream: StreamStderr, w: w}
}

func (f *StdioFile) Stream() Stream {
	return f.stream
}

func (f *StdioFile) Read(p []byte) (int, error) {
	if f.r == nil || f.closed.Load() {
		return 0, ErrnoBadf
	}
	n, err := f.r.Read(p)
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		return n, hostError("read", f.stream.String(), err)
	}
	return n, nil
}

func (f *StdioFile) Write(p []byte) (int, error) {
	if f.w == nil || f.closed.Load() {
		return 0, ErrnoBadf
	}
	n, err := f.w.Write(p)
	if err != nil {
		return n, hostError("write", f.stream.String(), err)
	}
	return n, nil
}

func (f *StdioFile) Stat() (FileStat, error) {
	if f.closed.Load() {
		return FileStat{}, ErrnoBadf
	}
	now := time.Now()
	return FileStat{
		Filetype:   FiletypeCharacterDevice,
		LinkCount:  1,
		AccessTime: now,
		ModTime:    now,
		ChangeTime: now,
	}, nil
}

func (f *StdioFile) SetFlags(flags Fdflags) error {
	return nil
}

func (f *StdioFile) Sync() error {
	if s, ok := f.w.(interface{ Sync() error }); ok && f.w != os.Stdout && f.w != os.Stderr {
		return hostError("sync", f.stream.String(), s.Sync())
	}
	return nil
}

func (f *StdioFile) Datasync() error {
	return f.Sync()
}

func (f *StdioFile) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *StdioFile) PollFd() (uintptr, bool) {
	var v interface{} = f.w
	if f.stream == StreamStdin {
		v = f.r
	}
	if osf, ok := v.(*os.File); ok {
		info, err := osf.Stat()
		if err == nil && !info.Mode().IsRegular() {
			return osf.Fd(), true
		}
	}
	return 0, false
}
