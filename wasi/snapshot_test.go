package wasi

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const memFd = sandboxFd + 1

func memPreopen() *PreopenDirBuilder {
	return NewPreopenDir("").Alias("mem").Read(true).Write(true).Create(true)
}

// roundTrip encodes snap as JSON and restores a filesystem from the result.
func roundTrip(t *testing.T, snap *Snapshot, stdout io.Writer) *WasiFs {
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))

	fs, err := RestoreFs(&decoded, RestoreOptions{Stdin: NewStdin(strings.NewReader("")), Stdout: NewStdout(stdout), Stderr: NewStderr(io.Discard)})
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "host.txt"), []byte("host data"), 0600))

	fs := newTestFs(t, hostSandbox(dir), memPreopen())
	require.NoError(t, fs.CreateDir(memFd, "sub"))
	require.NoError(t, fs.Symlink("../mem.txt", memFd, "sub/link"))

	buf, err := fs.OpenPath(memFd, 0, "mem.txt", O_Creat, RightsFdRead|RightsFdWrite|RightsFdSeek|RightsFdTell, 0, 0)
	require.NoError(t, err)
	_, err = fs.Write(buf, []byte("hello world"))
	require.NoError(t, err)
	_, err = fs.Seek(buf, 6, io.SeekStart)
	require.NoError(t, err)

	host, err := fs.OpenPath(sandboxFd, 0, "host.txt", 0, RightsFdRead|RightsFdTell, 0, 0)
	require.NoError(t, err)
	_, err = fs.Read(host, make([]byte, 4))
	require.NoError(t, err)

	snap, err := fs.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, snap.Version)

	var stdout bytes.Buffer
	restored := roundTrip(t, snap, &stdout)

	again, err := restored.Snapshot()
	require.NoError(t, err)
	if diff := cmp.Diff(snap, again, cmpopts.IgnoreFields(InodeSnapshot{}, "ChangeTime")); diff != "" {
		t.Errorf("restored snapshot differs (-want +got):\n%s", diff)
	}

	rest := make([]byte, 16)
	n, err := restored.Read(buf, rest)
	require.NoError(t, err)
	assert.Equal(t, "world", string(rest[:n]))

	n, err = restored.Read(host, rest)
	require.NoError(t, err)
	assert.Equal(t, " data", string(rest[:n]))

	target, err := restored.Readlink(memFd, "sub/link")
	require.NoError(t, err)
	assert.Equal(t, "../mem.txt", target)

	_, err = restored.Write(FdStdout, []byte("out"))
	require.NoError(t, err)
	assert.Equal(t, "out", stdout.String())

	// Descriptor numbers continue where the snapshot left off.
	fd, err := restored.OpenPath(memFd, 0, "new", O_Creat, RightsFdWrite, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, host+1, fd)
}

func TestSnapshotRestoresAppendOffset(t *testing.T) {
	fs := newTestFs(t, memPreopen())
	fd, err := fs.OpenPath(sandboxFd, 0, "log", O_Creat, RightsFdWrite|RightsFdRead|RightsFdSeek, 0, F_Append)
	require.NoError(t, err)
	_, err = fs.Write(fd, []byte("one"))
	require.NoError(t, err)

	snap, err := fs.Snapshot()
	require.NoError(t, err)
	restored := roundTrip(t, snap, io.Discard)

	_, err = restored.Write(fd, []byte("two"))
	require.NoError(t, err)
	out := make([]byte, 6)
	n, err := restored.Pread(fd, out, 0)
	require.NoError(t, err)
	assert.Equal(t, "onetwo", string(out[:n]))
}

func TestRestoreRejectsEscape(t *testing.T) {
	dir, outside := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("inside"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("secret"), 0600))

	fs := newTestFs(t, hostSandbox(dir))
	_, err := fs.OpenPath(sandboxFd, 0, "f", 0, RightsFdRead, 0, 0)
	require.NoError(t, err)
	snap, err := fs.Snapshot()
	require.NoError(t, err)

	for i := range snap.Inodes {
		if snap.Inodes[i].HostPath == filepath.Join(dir, "f") {
			snap.Inodes[i].HostPath = filepath.Join(outside, "secret")
		}
	}
	_, err = RestoreFs(snap, RestoreOptions{})
	assert.ErrorIs(t, err, ErrNotCapable)
}

func TestRestoreConfinesHostSymlinks(t *testing.T) {
	dir, outside := t.TempDir(), t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("inside"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("secret"), 0600))

	fs := newTestFs(t, hostSandbox(dir))
	_, err := fs.OpenPath(sandboxFd, 0, "f", 0, RightsFdRead, 0, 0)
	require.NoError(t, err)
	snap, err := fs.Snapshot()
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	// Swap the file for a link that points out of the preopen.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret"), path))

	_, err = RestoreFs(snap, RestoreOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestoreFreshFs(t *testing.T) {
	fs := newTestFs(t, memPreopen())
	snap, err := fs.Snapshot()
	require.NoError(t, err)

	restored := roundTrip(t, snap, io.Discard)
	require.Len(t, restored.Preopens(), 1)
	dirents, err := restored.Readdir(VirtualRootFd, 0)
	require.NoError(t, err)
	var names []string
	for _, d := range dirents {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{".", "..", "mem"}, names)
	require.NoError(t, restored.CreateBuffer(sandboxFd, "f", []byte("x")))
}

// swapForLink replaces the host directory at path with a link to target.
func swapForLink(t *testing.T, path, target string) {
	require.NoError(t, os.RemoveAll(path))
	require.NoError(t, os.Symlink(target, path))
}

func TestRestoreDropsSwappedHostDir(t *testing.T) {
	dir, outside := t.TempDir(), t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("host-secret"), 0600))

	fs := newTestFs(t, hostSandbox(dir))
	_, err := fs.PathFilestatGet(sandboxFd, 0, "sub")
	require.NoError(t, err)
	snap, err := fs.Snapshot()
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	swapForLink(t, filepath.Join(dir, "sub"), outside)

	restored := roundTrip(t, snap, io.Discard)
	_, err = restored.OpenPath(sandboxFd, 0, "sub/secret", 0, RightsFdRead, 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = restored.OpenPath(sandboxFd, LookupSymlinkFollow, "sub/secret", 0, RightsFdRead, 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestoreRejectsSwappedOpenDir(t *testing.T) {
	dir, outside := t.TempDir(), t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))

	fs := newTestFs(t, hostSandbox(dir))
	_, err := fs.OpenPath(sandboxFd, 0, "sub", O_Directory, RightsFdReaddir, 0, 0)
	require.NoError(t, err)
	snap, err := fs.Snapshot()
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	swapForLink(t, filepath.Join(dir, "sub"), outside)

	_, err = RestoreFs(snap, RestoreOptions{})
	assert.ErrorIs(t, err, ErrNotCapable)
}

func TestRestoreRejectsBadSnapshots(t *testing.T) {
	fs := newTestFs(t, memPreopen())
	snap, err := fs.Snapshot()
	require.NoError(t, err)

	bad := *snap
	bad.Version = SnapshotVersion + 1
	_, err = RestoreFs(&bad, RestoreOptions{})
	assert.ErrorIs(t, err, ErrInvalid)

	bad = *snap
	bad.Fds = nil
	_, err = RestoreFs(&bad, RestoreOptions{})
	assert.ErrorIs(t, err, ErrInvalid)

	bad = *snap
	bad.Inodes = append([]InodeSnapshot{{Ino: 1 << 40, Kind: "fifo"}}, snap.Inodes...)
	_, err = RestoreFs(&bad, RestoreOptions{})
	assert.ErrorIs(t, err, ErrInvalid)

	require.NoError(t, fs.Close())
	_, err = fs.Snapshot()
	assert.ErrorIs(t, err, ErrBadFd)
}
