package wasi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelloWorld(t *testing.T) {
	fs := newTestFs(t)

	n, err := fs.Write(FdStdout, []byte("hello world\n"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, "hello world\n", fs.stdout.String())

	_, err = fs.Read(FdStdout, make([]byte, 1))
	assert.ErrorIs(t, err, ErrNotCapable)
}

func TestHelloWorldFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "a"), 0755))

	fs := newTestFs(t, hostSandbox(dir))

	parent, err := fs.FdstatGet(sandboxFd)
	require.NoError(t, err)

	fd, err := fs.OpenPath(sandboxFd, 0, "a/b.txt", O_Creat, RightsFdWrite, 0, 0)
	require.NoError(t, err)

	stat, err := fs.FdstatGet(fd)
	require.NoError(t, err)
	assert.Equal(t, RightsFdWrite&parent.Inherit, stat.Rights)
	assert.Equal(t, FiletypeRegularFile, stat.Filetype)

	_, err = fs.Write(fd, []byte("hello world\n"))
	require.NoError(t, err)
	require.NoError(t, fs.CloseFd(fd))

	assert.Equal(t, "hello world\n", fs.readFile(t, "a/b.txt"))

	actual, err := os.ReadFile(filepath.Join(dir, "a", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(actual))
}

func TestMemoryFile(t *testing.T) {
	fs := newTestFs(t, memSandbox())

	require.NoError(t, fs.CreateDir(sandboxFd, "a"))
	fs.writeFile(t, "a/b.txt", "hello world\n")
	assert.Equal(t, "hello world\n", fs.readFile(t, "a/b.txt"))

	st, err := fs.PathFilestatGet(sandboxFd, 0, "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), st.Size)
	assert.Equal(t, FiletypeRegularFile, st.Filetype)
}

func TestDemo(t *testing.T) {
	dir := t.TempDir()

	const str = "Hello, world!\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte(str), 0600))

	state, err := NewStateBuilder("demo").
		Args("hello.txt", "world.txt").
		MapDir(".", dir).
		Build()
	require.NoError(t, err)
	defer state.Close()

	assert.Equal(t, []string{"demo", "hello.txt", "world.txt"}, state.Args)

	fs := state.Fs
	src, err := fs.OpenPath(sandboxFd, 0, state.Args[1], 0, RightsFdRead, 0, 0)
	require.NoError(t, err)
	dst, err := fs.OpenPath(sandboxFd, 0, state.Args[2], O_Creat|O_Excl, RightsFdWrite, 0, 0)
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := fs.Read(src, buf)
	require.NoError(t, err)
	_, err = fs.Write(dst, buf[:n])
	require.NoError(t, err)
	require.NoError(t, fs.CloseFd(src))
	require.NoError(t, fs.CloseFd(dst))

	actual, err := os.ReadFile(filepath.Join(dir, "world.txt"))
	require.NoError(t, err)
	assert.Equal(t, str, string(actual))
}
