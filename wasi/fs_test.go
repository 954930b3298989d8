package wasi

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestRightsCheckedBeforeExistence(t *testing.T) {
	fs := newTestFs(t, NewPreopenDir("").Alias("ro").Read(true))

	_, err := fs.OpenPath(sandboxFd, 0, "missing", O_Creat, RightsFdWrite, 0, 0)
	assert.ErrorIs(t, err, ErrNotCapable)
	assert.ErrorIs(t, fs.UnlinkFile(sandboxFd, "missing"), ErrNotCapable)
	assert.ErrorIs(t, fs.RemoveDir(sandboxFd, "missing"), ErrNotCapable)
	assert.ErrorIs(t, fs.CreateDir(sandboxFd, "missing/x"), ErrNotCapable)
	assert.ErrorIs(t, fs.Rename(sandboxFd, "missing", sandboxFd, "other"), ErrNotCapable)
	assert.ErrorIs(t, fs.Symlink("x", sandboxFd, "missing/x"), ErrNotCapable)

	_, err = fs.OpenPath(sandboxFd, 0, "missing", 0, RightsFdRead, 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenFlags(t *testing.T) {
	fs := newTestFs(t, memSandbox())
	require.NoError(t, fs.CreateDir(sandboxFd, "dir"))
	fs.writeFile(t, "file", "contents")

	_, err := fs.OpenPath(sandboxFd, 0, "file", O_Creat|O_Excl, RightsFdWrite, 0, 0)
	assert.ErrorIs(t, err, ErrExist)

	_, err = fs.OpenPath(sandboxFd, 0, "file", O_Directory, RightsFdRead, 0, 0)
	assert.ErrorIs(t, err, ErrNotDir)

	_, err = fs.OpenPath(sandboxFd, 0, "dir", O_Trunc, RightsFdWrite, 0, 0)
	assert.ErrorIs(t, err, ErrIsDir)

	fd, err := fs.OpenPath(sandboxFd, 0, "file", O_Trunc, RightsFdWrite|RightsFdFilestatGet, 0, 0)
	require.NoError(t, err)
	st, err := fs.FdFilestatGet(fd)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Size)
	require.NoError(t, fs.CloseFd(fd))

	dirFd, err := fs.OpenPath(sandboxFd, 0, "dir", O_Directory, RightsFdReaddir, RightsFdRead, 0)
	require.NoError(t, err)
	_, err = fs.Read(dirFd, make([]byte, 1))
	assert.ErrorIs(t, err, ErrNotCapable)
	assert.Equal(t, []string{".", ".."}, fs.names(t, dirFd))

	// Opening through a descriptor without path_open fails.
	_, err = fs.OpenPath(dirFd, 0, "x", O_Creat, RightsFdRead, 0, 0)
	assert.ErrorIs(t, err, ErrNotCapable)
}

func TestAppend(t *testing.T) {
	fs := newTestFs(t, memSandbox())
	fs.writeFile(t, "log", "one\n")

	fd, err := fs.OpenPath(sandboxFd, 0, "log", 0, RightsFdWrite|RightsFdSeek, 0, F_Append)
	require.NoError(t, err)
	_, err = fs.Seek(fd, 0, io.SeekStart)
	require.NoError(t, err)
	_, err = fs.Write(fd, []byte("two\n"))
	require.NoError(t, err)
	require.NoError(t, fs.CloseFd(fd))

	assert.Equal(t, "one\ntwo\n", fs.readFile(t, "log"))
}

func TestSeekTell(t *testing.T) {
	fs := newTestFs(t, memSandbox())
	fs.writeFile(t, "f", "0123456789")

	fd, err := fs.OpenPath(sandboxFd, 0, "f", 0, RightsFdRead|RightsFdTell, 0, 0)
	require.NoError(t, err)

	_, err = fs.Seek(fd, 4, io.SeekStart)
	assert.ErrorIs(t, err, ErrNotCapable)

	buf := make([]byte, 3)
	_, err = fs.Read(fd, buf)
	require.NoError(t, err)
	pos, err := fs.Seek(fd, 0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)
	pos, err = fs.Tell(fd)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)

	_, err = fs.Pread(fd, buf, 0)
	assert.ErrorIs(t, err, ErrNotCapable)
}

func TestVectored(t *testing.T) {
	fs := newTestFs(t, memSandbox())

	fd, err := fs.OpenPath(sandboxFd, 0, "v", O_Creat, RightsFdRead|RightsFdWrite|RightsFdSeek, 0, 0)
	require.NoError(t, err)

	n, err := fs.Writev(fd, [][]byte{[]byte("abc"), nil, []byte("defg")})
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = fs.Seek(fd, 0, io.SeekStart)
	require.NoError(t, err)
	a, b := make([]byte, 2), make([]byte, 8)
	n, err = fs.Readv(fd, [][]byte{a, b})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "ab", string(a))
	assert.Equal(t, "cdefg", string(b[:5]))
}

func TestPreadPwrite(t *testing.T) {
	fs := newTestFs(t, memSandbox())
	fs.writeFile(t, "f", "0123456789")

	fd, err := fs.OpenPath(sandboxFd, 0, "f", 0, RightsFdRead|RightsFdWrite|RightsFdSeek|RightsFdTell, 0, 0)
	require.NoError(t, err)

	_, err = fs.Pwrite(fd, []byte("ab"), 8)
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := fs.Pread(fd, buf, 7)
	require.NoError(t, err)
	assert.Equal(t, "7ab", string(buf[:n]))

	pos, err := fs.Tell(fd)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
}

func TestRemoveNonEmptyDir(t *testing.T) {
	fs := newTestFs(t, memSandbox())
	require.NoError(t, fs.CreateDir(sandboxFd, "d"))
	require.NoError(t, fs.CreateBuffer(sandboxFd, "d/f", []byte("x")))

	before := fs.names(t, sandboxFd)
	assert.ErrorIs(t, fs.RemoveDir(sandboxFd, "d"), ErrNotEmpty)
	assert.Equal(t, before, fs.names(t, sandboxFd))
	assert.Equal(t, "x", fs.readFile(t, "d/f"))

	require.NoError(t, fs.UnlinkFile(sandboxFd, "d/f"))
	require.NoError(t, fs.RemoveDir(sandboxFd, "d"))
	assert.Equal(t, []string{".", ".."}, fs.names(t, sandboxFd))
}

func TestRemoveNonEmptyHostDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "d"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d", "f"), []byte("x"), 0600))

	fs := newTestFs(t, hostSandbox(dir))
	before := fs.names(t, sandboxFd)
	assert.ErrorIs(t, fs.RemoveDir(sandboxFd, "d"), ErrNotEmpty)
	assert.Equal(t, before, fs.names(t, sandboxFd))
	assert.DirExists(t, filepath.Join(dir, "d"))

	assert.ErrorIs(t, fs.UnlinkFile(sandboxFd, "d"), ErrIsDir)
	assert.ErrorIs(t, fs.RemoveDir(sandboxFd, "d/f"), ErrNotDir)

	require.NoError(t, fs.UnlinkFile(sandboxFd, "d/f"))
	require.NoError(t, fs.RemoveDir(sandboxFd, "d"))
	assert.NoDirExists(t, filepath.Join(dir, "d"))
}

func TestRemoveHostDirWithBuffers(t *testing.T) {
	dir := t.TempDir()
	fs := newTestFs(t, hostSandbox(dir))
	require.NoError(t, fs.CreateDir(sandboxFd, "d"))
	require.NoError(t, fs.CreateDir(sandboxFd, "e"))
	require.NoError(t, fs.CreateBuffer(sandboxFd, "d/f", []byte("x")))

	before := fs.names(t, sandboxFd)
	assert.ErrorIs(t, fs.RemoveDir(sandboxFd, "d"), ErrNotEmpty)
	assert.ErrorIs(t, fs.Rename(sandboxFd, "e", sandboxFd, "d"), ErrNotEmpty)
	assert.Equal(t, before, fs.names(t, sandboxFd))
	assert.DirExists(t, filepath.Join(dir, "d"))
	assert.DirExists(t, filepath.Join(dir, "e"))
	assert.Equal(t, "x", fs.readFile(t, "d/f"))

	require.NoError(t, fs.UnlinkFile(sandboxFd, "d/f"))
	require.NoError(t, fs.RemoveDir(sandboxFd, "d"))
	assert.NoDirExists(t, filepath.Join(dir, "d"))
}

func TestBufferLimits(t *testing.T) {
	fs := newTestFs(t, memSandbox())
	fd, err := fs.OpenPath(sandboxFd, 0, "f", O_Creat, RightsFdRead|RightsFdWrite|RightsFdSeek|RightsFdFilestatSetSize|RightsFdFilestatGet, 0, 0)
	require.NoError(t, err)
	_, err = fs.Write(fd, []byte("abc"))
	require.NoError(t, err)

	_, err = fs.Seek(fd, math.MaxInt64-1, io.SeekStart)
	require.NoError(t, err)
	_, err = fs.Write(fd, []byte("abcd"))
	assert.ErrorIs(t, err, ErrNoSpace)
	_, err = fs.Pwrite(fd, []byte("abcd"), math.MaxInt64-1)
	assert.ErrorIs(t, err, ErrNoSpace)
	_, err = fs.Pwrite(fd, []byte("a"), maxBufferSize)
	assert.ErrorIs(t, err, ErrNoSpace)

	assert.ErrorIs(t, fs.FdFilestatSetSize(fd, 1<<63), ErrNoSpace)
	assert.ErrorIs(t, fs.FdFilestatSetSize(fd, maxBufferSize+1), ErrNoSpace)

	stat, err := fs.FdFilestatGet(fd)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stat.Size)
}

func TestOpenWithFullTableLeavesNoEntry(t *testing.T) {
	fs := newTestFs(t, memSandbox())

	var last Fd
	for i := 0; i < maxFiles; i++ {
		fd, err := fs.OpenPath(sandboxFd, 0, ".", 0, 0, 0, 0)
		if err != nil {
			require.ErrorIs(t, err, ErrnoNfile)
			break
		}
		last = fd
	}
	require.NotZero(t, last)

	_, err := fs.OpenPath(sandboxFd, 0, "x", O_Creat, RightsFdWrite, 0, 0)
	assert.ErrorIs(t, err, ErrnoNfile)
	assert.Equal(t, []string{".", ".."}, fs.names(t, sandboxFd))

	require.NoError(t, fs.CloseFd(last))
	_, err = fs.PathFilestatGet(sandboxFd, 0, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHostFileFlagsConcurrent(t *testing.T) {
	fs := newTestFs(t, hostSandbox(t.TempDir()))
	fd, err := fs.OpenPath(sandboxFd, 0, "f", O_Creat, RightsFdWrite|RightsFdSeek|RightsFdFdstatSetFlags, 0, 0)
	require.NoError(t, err)

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 100; i++ {
			flags := Fdflags(0)
			if i%2 == 0 {
				flags = F_Dsync
			}
			if err := fs.FdstatSetFlags(fd, flags); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < 100; i++ {
			if _, err := fs.Pwrite(fd, []byte("x"), int64(i)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
}

func TestPreopensAreFixed(t *testing.T) {
	fs := newTestFs(t, memSandbox())

	assert.ErrorIs(t, fs.RemoveDir(sandboxFd, "."), ErrInvalid)
	assert.ErrorIs(t, fs.RemoveDir(sandboxFd, ".."), ErrInvalid)

	// The virtual root carries no mutation rights.
	assert.ErrorIs(t, fs.RemoveDir(VirtualRootFd, "sandbox"), ErrNotCapable)
	assert.ErrorIs(t, fs.CreateDir(VirtualRootFd, "sandbox/x"), ErrNotCapable)

	// A descriptor reopened on the virtual root gains nothing.
	root, err := fs.OpenPath(VirtualRootFd, 0, ".", 0, AllRights, AllRights, 0)
	require.NoError(t, err)
	stat, err := fs.FdstatGet(root)
	require.NoError(t, err)
	assert.Equal(t, rootRights, stat.Rights)
	assert.ErrorIs(t, fs.CloseFd(VirtualRootFd), ErrnoNotsup)
}

func TestRename(t *testing.T) {
	fs := newTestFs(t, memSandbox())
	require.NoError(t, fs.CreateBuffer(sandboxFd, "x", []byte("x")))
	require.NoError(t, fs.CreateDir(sandboxFd, "d"))
	require.NoError(t, fs.CreateDir(sandboxFd, "d/e"))

	require.NoError(t, fs.Rename(sandboxFd, "x", sandboxFd, "d/y"))
	_, err := fs.PathFilestatGet(sandboxFd, 0, "x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "x", fs.readFile(t, "d/y"))

	assert.ErrorIs(t, fs.Rename(sandboxFd, "d", sandboxFd, "d/e/f"), ErrInvalid)
	assert.ErrorIs(t, fs.Rename(sandboxFd, "d", sandboxFd, "d/f"), ErrInvalid)
	assert.ErrorIs(t, fs.Rename(sandboxFd, "d/y", sandboxFd, "d/e"), ErrIsDir)
	assert.ErrorIs(t, fs.Rename(sandboxFd, "d/e", sandboxFd, "d/y"), ErrNotDir)
	assert.ErrorIs(t, fs.Rename(sandboxFd, "missing", sandboxFd, "z"), ErrNotFound)

	// Replacing a non-empty directory leaves both in place.
	require.NoError(t, fs.CreateDir(sandboxFd, "full"))
	require.NoError(t, fs.CreateBuffer(sandboxFd, "full/f", nil))
	assert.ErrorIs(t, fs.Rename(sandboxFd, "d/e", sandboxFd, "full"), ErrNotEmpty)
	assert.Equal(t, []string{".", "..", "d", "full"}, fs.names(t, sandboxFd))

	// Renaming over a file replaces it.
	require.NoError(t, fs.CreateBuffer(sandboxFd, "a", []byte("a")))
	require.NoError(t, fs.CreateBuffer(sandboxFd, "b", []byte("b")))
	require.NoError(t, fs.Rename(sandboxFd, "a", sandboxFd, "b"))
	assert.Equal(t, "a", fs.readFile(t, "b"))
}

func TestRenameHost(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src", "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "sub", "f"), []byte("f"), 0600))

	fs := newTestFs(t, hostSandbox(dir), NewPreopenDir("").Alias("mem").Read(true).Write(true).Create(true))
	const memFd = sandboxFd + 1

	// Materialize the subtree before moving it.
	assert.Equal(t, "f", fs.readFile(t, "src/sub/f"))

	require.NoError(t, fs.Rename(sandboxFd, "src", sandboxFd, "dst"))
	assert.NoDirExists(t, filepath.Join(dir, "src"))
	assert.FileExists(t, filepath.Join(dir, "dst", "sub", "f"))
	assert.Equal(t, "f", fs.readFile(t, "dst/sub/f"))

	for _, info := range fs.Inodes() {
		if info.Path == "/sandbox/dst/sub/f" {
			assert.Equal(t, filepath.Join(dir, "dst", "sub", "f"), info.HostPath)
		}
	}

	assert.ErrorIs(t, fs.Rename(sandboxFd, "dst", memFd, "dst"), ErrnoXdev)
	assert.DirExists(t, filepath.Join(dir, "dst"))
}

func TestReaddir(t *testing.T) {
	fs := newTestFs(t, memSandbox())
	require.NoError(t, fs.CreateBuffer(sandboxFd, "b", nil))
	require.NoError(t, fs.CreateBuffer(sandboxFd, "a", nil))
	require.NoError(t, fs.CreateDir(sandboxFd, "c"))

	dirents, err := fs.Readdir(sandboxFd, 0)
	require.NoError(t, err)
	require.Len(t, dirents, 5)
	assert.Equal(t, []string{".", "..", "a", "b", "c"}, fs.names(t, sandboxFd))
	assert.Equal(t, FiletypeDirectory, dirents[4].Type)
	assert.Equal(t, FiletypeRegularFile, dirents[2].Type)

	rest, err := fs.Readdir(sandboxFd, dirents[2].Next)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "b", rest[0].Name)

	rest, err = fs.Readdir(sandboxFd, 5)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestReaddirHost(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one"), nil, 0600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "two"), 0755))
	require.NoError(t, os.Symlink("one", filepath.Join(dir, "three")))

	fs := newTestFs(t, hostSandbox(dir))
	dirents, err := fs.Readdir(sandboxFd, 2)
	require.NoError(t, err)
	require.Len(t, dirents, 3)
	assert.Equal(t, Dirent{Next: 3, Inode: dirents[0].Inode, Name: "one", Type: FiletypeRegularFile}, dirents[0])
	assert.Equal(t, FiletypeSymbolicLink, dirents[1].Type)
	assert.Equal(t, FiletypeDirectory, dirents[2].Type)

	// Entries removed behind our back disappear.
	require.NoError(t, os.Remove(filepath.Join(dir, "one")))
	assert.Equal(t, []string{".", "..", "three", "two"}, fs.names(t, sandboxFd))
}

func TestDoubleClose(t *testing.T) {
	fs := newTestFs(t, memSandbox())
	fd, err := fs.OpenPath(sandboxFd, 0, "f", O_Creat, RightsFdWrite, 0, 0)
	require.NoError(t, err)

	f := &countingFile{}
	old, err := fs.SwapFile(fd, f)
	require.NoError(t, err)
	assert.IsType(t, &BufferFile{}, old)

	require.NoError(t, fs.CloseFd(fd))
	assert.ErrorIs(t, fs.CloseFd(fd), ErrBadFd)
	require.NoError(t, fs.Close())
	assert.Equal(t, 1, f.count())
}

func TestTeardownClosesOnce(t *testing.T) {
	stdin, stdout, stderr, extra := &countingFile{}, &countingFile{}, &countingFile{}, &countingFile{}
	fs, err := NewWasiFs(stdin, stdout, stderr, memSandbox())
	require.NoError(t, err)

	fd, err := fs.OpenPath(sandboxFd, 0, "f", O_Creat, RightsFdWrite, 0, 0)
	require.NoError(t, err)
	_, err = fs.SwapFile(fd, extra)
	require.NoError(t, err)

	require.NoError(t, fs.CloseFd(FdStderr))
	assert.Equal(t, 1, stderr.count())

	require.NoError(t, fs.Close())
	require.NoError(t, fs.Close())
	for _, f := range []*countingFile{stdin, stdout, stderr, extra} {
		assert.Equal(t, 1, f.count())
	}

	_, err = fs.Write(fd, []byte("x"))
	assert.ErrorIs(t, err, ErrBadFd)
	_, err = fs.OpenPath(sandboxFd, 0, "f", 0, RightsFdRead, 0, 0)
	assert.ErrorIs(t, err, ErrBadFd)
}

func TestStaleInodeAfterReuse(t *testing.T) {
	fs := newTestFs(t, memSandbox())

	require.NoError(t, fs.CreateBuffer(sandboxFd, "old", []byte("old")))
	st, err := fs.PathFilestatGet(sandboxFd, 0, "old")
	require.NoError(t, err)
	old := inodeFromIno(st.Inode)

	require.NoError(t, fs.UnlinkFile(sandboxFd, "old"))
	require.NoError(t, fs.CreateBuffer(sandboxFd, "new", []byte("new")))
	st, err = fs.PathFilestatGet(sandboxFd, 0, "new")
	require.NoError(t, err)
	reused := inodeFromIno(st.Inode)

	assert.Equal(t, old.Index(), reused.Index())
	assert.NotEqual(t, old.Generation(), reused.Generation())

	_, err = fs.inodes.get(old)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnlinkOpenFile(t *testing.T) {
	fs := newTestFs(t, memSandbox())
	fs.writeFile(t, "f", "data")

	fd, err := fs.OpenPath(sandboxFd, 0, "f", 0, RightsFdRead, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fs.UnlinkFile(sandboxFd, "f"))

	// The inode lives until the last descriptor is closed.
	buf := make([]byte, 4)
	n, err := fs.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "data", string(buf[:n]))

	live := fs.inodes.len()
	require.NoError(t, fs.CloseFd(fd))
	assert.Equal(t, live-1, fs.inodes.len())
}

func TestFdReuse(t *testing.T) {
	fs := newTestFs(t, memSandbox())

	a, err := fs.OpenPath(sandboxFd, 0, "a", O_Creat, RightsFdWrite, 0, 0)
	require.NoError(t, err)
	b, err := fs.OpenPath(sandboxFd, 0, "b", O_Creat, RightsFdWrite, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, sandboxFd+1, a)
	assert.Equal(t, sandboxFd+2, b)

	require.NoError(t, fs.CloseFd(a))
	c, err := fs.OpenPath(sandboxFd, 0, "c", O_Creat, RightsFdWrite, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, a, c)

	// The reused number refers to the new file only.
	_, err = fs.Write(c, []byte("c"))
	require.NoError(t, err)
	assert.Equal(t, "c", fs.readFile(t, "c"))
	assert.Empty(t, fs.readFile(t, "a"))
}

func TestRenumber(t *testing.T) {
	fs := newTestFs(t, memSandbox())
	fs.writeFile(t, "a", "a")
	fs.writeFile(t, "b", "b")

	a, err := fs.OpenPath(sandboxFd, 0, "a", 0, RightsFdRead, 0, 0)
	require.NoError(t, err)
	b, err := fs.OpenPath(sandboxFd, 0, "b", 0, RightsFdRead, 0, 0)
	require.NoError(t, err)

	require.NoError(t, fs.Renumber(a, b))
	_, err = fs.FdstatGet(a)
	assert.ErrorIs(t, err, ErrBadFd)

	buf := make([]byte, 1)
	_, err = fs.Read(b, buf)
	require.NoError(t, err)
	assert.Equal(t, "a", string(buf))

	assert.ErrorIs(t, fs.Renumber(b, sandboxFd), ErrnoNotsup)
	assert.ErrorIs(t, fs.Renumber(b, 100), ErrBadFd)
}

func TestPrestat(t *testing.T) {
	fs := newTestFs(t, memSandbox())

	st, err := fs.PrestatGet(sandboxFd)
	require.NoError(t, err)
	assert.Equal(t, uint32(len("/sandbox")), st.NameLen)
	name, err := fs.PrestatDirName(sandboxFd)
	require.NoError(t, err)
	assert.Equal(t, "/sandbox", name)

	name, err = fs.PrestatDirName(VirtualRootFd)
	require.NoError(t, err)
	assert.Equal(t, "/", name)

	_, err = fs.PrestatGet(FdStdout)
	assert.ErrorIs(t, err, ErrBadFd)
	_, err = fs.PrestatGet(sandboxFd + 1)
	assert.ErrorIs(t, err, ErrBadFd)
}

func TestFdstatSetRights(t *testing.T) {
	fs := newTestFs(t, memSandbox())
	fd, err := fs.OpenPath(sandboxFd, 0, "f", O_Creat, RightsFdRead|RightsFdWrite, 0, 0)
	require.NoError(t, err)

	require.NoError(t, fs.FdstatSetRights(fd, RightsFdRead, 0))
	_, err = fs.Write(fd, []byte("x"))
	assert.ErrorIs(t, err, ErrNotCapable)

	assert.ErrorIs(t, fs.FdstatSetRights(fd, RightsFdRead|RightsFdWrite, 0), ErrNotCapable)
	stat, err := fs.FdstatGet(fd)
	require.NoError(t, err)
	assert.Equal(t, RightsFdRead, stat.Rights)
}

func TestFilestatSetSizeAndTimes(t *testing.T) {
	fs := newTestFs(t, memSandbox())
	fd, err := fs.OpenPath(sandboxFd, 0, "f", O_Creat, RightsFdFilestatSetSize|RightsFdFilestatSetTimes|RightsFdFilestatGet, 0, 0)
	require.NoError(t, err)

	require.NoError(t, fs.FdFilestatSetSize(fd, 10))
	st, err := fs.FdFilestatGet(fd)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), st.Size)

	mtime := st.ModTime.Add(-time.Hour)
	require.NoError(t, fs.FdFilestatSetTimes(fd, nil, &mtime))
	st, err = fs.PathFilestatGet(sandboxFd, 0, "f")
	require.NoError(t, err)
	assert.True(t, mtime.Equal(st.ModTime))

	require.NoError(t, fs.PathFilestatSetTimes(sandboxFd, 0, "f", &mtime, nil))
	st, err = fs.PathFilestatGet(sandboxFd, 0, "f")
	require.NoError(t, err)
	assert.True(t, mtime.Equal(st.AccessTime))
}

func TestSwapStdout(t *testing.T) {
	fs := newTestFs(t, memSandbox())
	fd, err := fs.OpenPath(sandboxFd, 0, "out", O_Creat, RightsFdWrite, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fs.CloseFd(fd))

	buf := NewBuffer(nil)
	old, err := fs.SwapFile(FdStdout, NewBufferFile(buf, 0))
	require.NoError(t, err)
	assert.IsType(t, &StdioFile{}, old)

	_, err = fs.Write(FdStdout, []byte("redirected"))
	require.NoError(t, err)
	assert.Equal(t, "redirected", string(buf.Bytes()))
	assert.Empty(t, fs.stdout.String())
}

func TestConcurrentAccess(t *testing.T) {
	fs := newTestFs(t, memSandbox())

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		i := i
		g.Go(func() error {
			dir := fmt.Sprintf("d%d", i)
			if err := fs.CreateDir(sandboxFd, dir); err != nil {
				return err
			}
			for j := 0; j < 20; j++ {
				path := fmt.Sprintf("%s/f%d", dir, j)
				fd, err := fs.OpenPath(sandboxFd, 0, path, O_Creat, RightsFdWrite|RightsFdRead|RightsFdSeek, 0, 0)
				if err != nil {
					return err
				}
				if _, err := fs.Write(fd, []byte(path)); err != nil {
					return err
				}
				buf := make([]byte, len(path))
				if _, err := fs.Pread(fd, buf, 0); err != nil {
					return err
				}
				if string(buf) != path {
					return fmt.Errorf("read %q from %q", buf, path)
				}
				if err := fs.CloseFd(fd); err != nil {
					return err
				}
				if j%2 == 0 {
					if err := fs.UnlinkFile(sandboxFd, path); err != nil {
						return err
					}
				}
			}
			_, err := fs.Readdir(sandboxFd, 0)
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i := 0; i < 16; i++ {
		dirFd, err := fs.OpenPath(sandboxFd, 0, fmt.Sprintf("d%d", i), O_Directory, RightsFdReaddir, 0, 0)
		require.NoError(t, err)
		dirents, err := fs.Readdir(dirFd, 2)
		require.NoError(t, err)
		assert.Len(t, dirents, 10)
		require.NoError(t, fs.CloseFd(dirFd))
	}
}
