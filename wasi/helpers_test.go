package wasi

import (
	"bytes"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

const sandboxFd = firstPreopenFd

type testFs struct {
	*WasiFs
	stdout bytes.Buffer
}

func newTestFs(t require.TestingT, preopens ...*PreopenDirBuilder) *testFs {
	tfs := &testFs{}
	fs, err := NewWasiFs(NewStdin(strings.NewReader("")), NewStdout(&tfs.stdout), NewStderr(io.Discard), preopens...)
	require.NoError(t, err)
	tfs.WasiFs = fs
	if tt, ok := t.(*testing.T); ok {
		tt.Cleanup(func() { fs.Close() })
	}
	return tfs
}

// memSandbox returns an in-memory preopen with full access.
func memSandbox() *PreopenDirBuilder {
	return NewPreopenDir("").Alias("/sandbox").Read(true).Write(true).Create(true)
}

func hostSandbox(dir string) *PreopenDirBuilder {
	return NewPreopenDir(dir).Alias("/sandbox").Read(true).Write(true).Create(true)
}

func (fs *testFs) writeFile(t *testing.T, path, contents string) {
	fd, err := fs.OpenPath(sandboxFd, 0, path, O_Creat|O_Trunc, RightsFdWrite, 0, 0)
	require.NoError(t, err)
	_, err = fs.Write(fd, []byte(contents))
	require.NoError(t, err)
	require.NoError(t, fs.CloseFd(fd))
}

func (fs *testFs) readFile(t *testing.T, path string) string {
	fd, err := fs.OpenPath(sandboxFd, LookupSymlinkFollow, path, 0, RightsFdRead, 0, 0)
	require.NoError(t, err)
	defer fs.CloseFd(fd)

	var out []byte
	buf := make([]byte, 7)
	for {
		n, err := fs.Read(fd, buf)
		require.NoError(t, err)
		if n == 0 {
			return string(out)
		}
		out = append(out, buf[:n]...)
	}
}

func (fs *testFs) names(t *testing.T, fd Fd) []string {
	dirents, err := fs.Readdir(fd, 0)
	require.NoError(t, err)
	names := make([]string, len(dirents))
	for i, d := range dirents {
		names[i] = d.Name
	}
	return names
}

// countingFile counts calls to Close.
type countingFile struct {
	ErrFile
	closes int32
}

func (f *countingFile) Close() error {
	atomic.AddInt32(&f.closes, 1)
	return nil
}

func (f *countingFile) count() int {
	return int(atomic.LoadInt32(&f.closes))
}
