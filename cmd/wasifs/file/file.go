package file

import (
	"io"

	"github.com/pgavlin/wasifs/cmd/wasifs/mount"
	"github.com/pgavlin/wasifs/wasi"
)

// reader adapts a guest descriptor to io.Reader.
type reader struct {
	fs *wasi.WasiFs
	fd wasi.Fd
}

func (r reader) Read(p []byte) (int, error) {
	n, err := r.fs.Read(r.fd, p)
	if err == nil && n == 0 && len(p) != 0 {
		return 0, io.EOF
	}
	return n, err
}

// writer adapts a guest descriptor to io.Writer.
type writer struct {
	fs *wasi.WasiFs
	fd wasi.Fd
}

func (w writer) Write(p []byte) (int, error) {
	return w.fs.Write(w.fd, p)
}

// Cat copies the guest file at guestPath to w.
func Cat(w io.Writer, fs *wasi.WasiFs, guestPath string) (int64, error) {
	dirFd, rel, err := mount.Resolve(fs, guestPath)
	if err != nil {
		return 0, err
	}
	fd, err := fs.OpenPath(dirFd, wasi.LookupSymlinkFollow, rel, 0, wasi.RightsFdRead, 0, 0)
	if err != nil {
		return 0, err
	}
	defer fs.CloseFd(fd)
	return io.Copy(w, reader{fs: fs, fd: fd})
}

// Put replaces the guest file at guestPath with the contents of r, creating it
// if needed.
func Put(fs *wasi.WasiFs, guestPath string, r io.Reader, appendMode bool) (int64, error) {
	dirFd, rel, err := mount.Resolve(fs, guestPath)
	if err != nil {
		return 0, err
	}

	oflags, fdflags := wasi.O_Creat|wasi.O_Trunc, wasi.Fdflags(0)
	if appendMode {
		oflags, fdflags = wasi.O_Creat, wasi.F_Append
	}
	fd, err := fs.OpenPath(dirFd, wasi.LookupSymlinkFollow, rel, oflags, wasi.RightsFdWrite|wasi.RightsFdSync, 0, fdflags)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(writer{fs: fs, fd: fd}, r)
	if err == nil {
		err = fs.Sync(fd)
	}
	if cerr := fs.CloseFd(fd); err == nil {
		err = cerr
	}
	return n, err
}
