package wasi

import (
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Fdstat describes an open descriptor.
type Fdstat struct {
	Filetype Filetype
	Flags    Fdflags
	Rights   Rights
	Inherit  Rights
}

// Prestat describes a preopened directory.
type Prestat struct {
	NameLen uint32
}

// Dirent is a directory entry returned by Readdir. Next is the cookie that
// resumes the listing after this entry.
type Dirent struct {
	Next  uint64
	Inode uint64
	Name  string
	Type  Filetype
}

const (
	rootRights = RightsPathOpen | RightsFdReaddir | RightsPathFilestatGet | RightsFdFilestatGet | RightsPathReadlink

	stdinRights  = RightsFdRead | RightsFdFdstatSetFlags | RightsFdFilestatGet | RightsPollFdReadwrite
	stdoutRights = RightsFdWrite | RightsFdFdstatSetFlags | RightsFdFilestatGet | RightsFdSync | RightsFdDatasync | RightsPollFdReadwrite
)

// WasiFs is the virtual filesystem of a WASI instance. It owns the inode
// arena, the descriptor table and the preopened directories.
//
// A single lock protects the structure. Data operations (read, write, seek,
// sync) validate the descriptor under the lock and perform I/O after
// releasing it.
type WasiFs struct {
	mu sync.RWMutex

	inodes   inodeArena
	fds      fdTable
	root     Inode
	preopens []PreopenDir

	// preopenRoots maps the root inode of each preopen to its index.
	preopenRoots map[Inode]int

	closed bool
}

// NewWasiFs creates a filesystem with the given standard streams and
// preopened directories. Nil streams default to the process streams.
func NewWasiFs(stdin, stdout, stderr File, preopens ...*PreopenDirBuilder) (*WasiFs, error) {
	fs := newWasiFs(stdin, stdout, stderr)
	for _, b := range preopens {
		p, err := b.build()
		if err != nil {
			return nil, err
		}
		if _, err := fs.mountPreopen(p); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

func newWasiFs(stdin, stdout, stderr File) *WasiFs {
	if stdin == nil {
		stdin = NewStdin(nil)
	}
	if stdout == nil {
		stdout = NewStdout(nil)
	}
	if stderr == nil {
		stderr = NewStderr(nil)
	}

	fs := &WasiFs{preopenRoots: map[Inode]int{}}
	fs.fds.init()

	streams := []struct {
		file   File
		rights Rights
	}{
		{stdin, stdinRights},
		{stdout, stdoutRights},
		{stderr, stdoutRights},
	}
	for i, s := range streams {
		now := time.Now()
		ino := fs.inodes.allocate(&InodeVal{
			Kind:    &KindFile{Handle: s.file},
			Name:    Stream(i).String(),
			Stat:    FileStat{Filetype: FiletypeCharacterDevice, LinkCount: 1, AccessTime: now, ModTime: now, ChangeTime: now},
			openFds: 1,
		})
		if err := fs.fds.insertAt(Fd(i), &fdEntry{inode: ino, rights: s.rights, file: s.file}); err != nil {
			panic(err)
		}
	}

	now := time.Now()
	fs.root = fs.inodes.allocate(&InodeVal{
		Kind:        &KindRoot{Entries: map[string]Inode{}},
		Name:        "/",
		Stat:        FileStat{Filetype: FiletypeDirectory, LinkCount: 1, AccessTime: now, ModTime: now, ChangeTime: now},
		sandboxRoot: true,
		linked:      true,
		openFds:     1,
	})
	if err := fs.fds.insertAt(VirtualRootFd, &fdEntry{inode: fs.root, rights: rootRights, inherit: AllRights}); err != nil {
		panic(err)
	}
	return fs
}

// mountPreopen adds a preopened directory. It is only called while the
// filesystem is being constructed.
func (fs *WasiFs) mountPreopen(p PreopenDir) (Fd, error) {
	name := rootEntryName(p.Alias)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, other := range fs.preopens {
		if other.Alias == p.Alias {
			return 0, &StateCreationError{Reason: "duplicate preopen alias " + p.Alias}
		}
	}
	rv, err := fs.inodes.get(fs.root)
	if err != nil {
		return 0, invariant("virtual root is missing")
	}
	root := rv.Kind.(*KindRoot)
	if name != "" {
		if _, exists := root.Entries[name]; exists {
			return 0, &StateCreationError{Reason: "duplicate preopen alias " + p.Alias}
		}
	}

	v := &InodeVal{Name: name, Parent: fs.root, sandboxRoot: true}
	if p.HostPath == "" {
		now := time.Now()
		v.Kind = &KindDir{Entries: map[string]Inode{}}
		v.Stat = FileStat{Filetype: FiletypeDirectory, LinkCount: 1, AccessTime: now, ModTime: now, ChangeTime: now}
	} else {
		hostPath, err := filepath.Abs(p.HostPath)
		if err != nil {
			return 0, &StateCreationError{Reason: "preopen " + p.Alias + ": " + err.Error()}
		}
		info, err := os.Stat(hostPath)
		if err != nil {
			return 0, &StateCreationError{Reason: "could not open preopen dir " + p.HostPath + ": " + err.Error()}
		}
		if !info.IsDir() {
			return 0, &StateCreationError{Reason: "preopen " + p.HostPath + " is not a directory"}
		}
		p.HostPath = hostPath
		v.Kind = &KindDir{Entries: map[string]Inode{}, HostPath: hostPath}
		v.Stat = fileStat(info)
	}

	if name != "" {
		p.Root = fs.link(fs.root, rv, name, v)
	} else {
		p.Root = fs.inodes.allocate(v)
		v.Stat.Inode = p.Root.Ino()
	}

	idx := len(fs.preopens)
	fd, err := fs.newFd(p.Root, v, &fdEntry{rights: p.Rights, inherit: p.Inherit, preopen: idx + 1})
	if err != nil {
		return 0, err
	}
	p.Fd = fd
	fs.preopens = append(fs.preopens, p)
	fs.preopenRoots[p.Root] = idx

	Logger().Debug("mounted preopen",
		zap.String("alias", p.Alias),
		zap.String("host", p.HostPath),
		zap.Uint32("fd", uint32(fd)),
		zap.Stringer("rights", p.Rights))
	return fd, nil
}

// Preopens returns the preopened directories in fd order.
func (fs *WasiFs) Preopens() []PreopenDir {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return append([]PreopenDir(nil), fs.preopens...)
}

// view runs fn under the read lock. If fn needs to add host entries to the
// tree it is run again under the write lock, so fn must not mutate anything
// unless its walker allows materialization.
func (fs *WasiFs) view(fn func(w *walker) error) error {
	fs.mu.RLock()
	err := fn(&walker{fs: fs})
	fs.mu.RUnlock()
	if err != errMaterialize {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fn(&walker{fs: fs, materialize: true})
}

// update runs fn under the write lock.
func (fs *WasiFs) update(fn func(w *walker) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fn(&walker{fs: fs, materialize: true})
}

// link allocates v as the entry name of the directory dir.
func (fs *WasiFs) link(dir Inode, dv *InodeVal, name string, v *InodeVal) Inode {
	entries, _ := dirEntries(dv.Kind)
	v.Name, v.Parent, v.linked = name, dir, true
	ino := fs.inodes.allocate(v)
	v.Stat.Inode = ino.Ino()
	entries[name] = ino
	return ino
}

// unlink removes the entry name from dir and frees the child if nothing else
// refers to it.
func (fs *WasiFs) unlink(dv *InodeVal, name string) error {
	entries, _ := dirEntries(dv.Kind)
	child, ok := entries[name]
	if !ok {
		return ErrNotFound
	}
	delete(entries, name)

	cv, err := fs.inodes.get(child)
	if err != nil {
		return invariant("directory entry %q refers to freed inode %v", name, child)
	}
	cv.linked = false
	return fs.release(child, cv)
}

// release frees an inode that is neither linked nor open. The entries of a
// released directory are unlinked as well. Preopen roots live as long as
// the filesystem.
func (fs *WasiFs) release(ino Inode, v *InodeVal) error {
	if v.linked || v.openFds > 0 {
		return nil
	}
	if _, ok := fs.preopenRoots[ino]; ok {
		return nil
	}
	if entries, ok := dirEntries(v.Kind); ok {
		for name := range entries {
			if err := fs.unlink(v, name); err != nil {
				return err
			}
		}
	}
	return fs.inodes.free(ino)
}

// newFd installs e for ino.
func (fs *WasiFs) newFd(ino Inode, v *InodeVal, e *fdEntry) (Fd, error) {
	e.inode = ino
	fd, err := fs.fds.allocate(e)
	if err != nil {
		return 0, err
	}
	v.openFds++
	Logger().Debug("opened fd", zap.Uint32("fd", uint32(fd)), zap.Stringer("inode", ino), zap.String("name", v.Name))
	return fd, nil
}

// ceiling returns the most rights a descriptor opened on ino may hold. A
// descriptor for the virtual root never gains more than the root descriptor
// itself, so it cannot be used to bypass the rights of a preopen.
func (fs *WasiFs) ceiling(ino Inode) (base, inherit Rights) {
	root, err := fs.sandboxRoot(ino)
	if err != nil {
		return 0, 0
	}
	if i, ok := fs.preopenRoots[root]; ok {
		p := fs.preopens[i]
		return p.Rights | p.Inherit, p.Rights | p.Inherit
	}
	return rootRights, AllRights
}

// hostChild returns the host path of the entry name in dir, or "" if dir is
// not host-backed.
func hostChild(dv *InodeVal, name string) string {
	if d, ok := dv.Kind.(*KindDir); ok && d.HostPath != "" {
		return filepath.Join(d.HostPath, name)
	}
	return ""
}

// mutableDir resolves the directory containing path for a mutation.
func (fs *WasiFs) mutableDir(w *walker, fd Fd, path string, rights Rights) (Inode, *InodeVal, string, error) {
	e, err := fs.fds.acquire(fd, rights)
	if err != nil {
		return Inode{}, nil, "", err
	}
	dir, name, err := w.resolveParent(e.inode, path)
	if err != nil {
		return Inode{}, nil, "", err
	}
	dv, err := fs.inodes.get(dir)
	if err != nil {
		return Inode{}, nil, "", err
	}
	if _, ok := dv.Kind.(*KindRoot); ok {
		// Preopens are fixed at construction.
		return Inode{}, nil, "", ErrnoAcces
	}
	return dir, dv, name, nil
}

// statInode returns the attributes of v, refreshed from the host where
// possible.
func (fs *WasiFs) statInode(ino Inode, v *InodeVal) (FileStat, error) {
	var st FileStat
	switch k := v.Kind.(type) {
	case *KindBuffer:
		st = k.Buffer.stat()
	case *KindFile:
		switch {
		case k.Handle != nil:
			s, err := k.Handle.Stat()
			if err != nil {
				return FileStat{}, err
			}
			st = s
		case k.HostPath != "":
			info, err := os.Stat(k.HostPath)
			if err != nil {
				return FileStat{}, hostError("stat", k.HostPath, err)
			}
			st = fileStat(info)
		default:
			st = v.Stat
		}
	case *KindDir:
		if k.HostPath == "" {
			st = v.Stat
			break
		}
		info, err := os.Stat(k.HostPath)
		if err != nil {
			return FileStat{}, hostError("stat", k.HostPath, err)
		}
		st = fileStat(info)
	case *KindSymlink:
		st = v.Stat
		st.Size = uint64(len(k.Target))
	default:
		st = v.Stat
	}
	st.Inode = ino.Ino()
	if st.Filetype == FiletypeUnknown {
		st.Filetype = v.Kind.Filetype()
	}
	return st, nil
}

type openPlan struct {
	dir     Inode
	name    string
	ino     Inode
	host    string
	write   bool
	rights  Rights
	inherit Rights
	fdflags Fdflags
}

// OpenPath opens path relative to the directory dirFd. The rights of the new
// descriptor are the requested rights narrowed by the inheriting rights of
// dirFd.
func (fs *WasiFs) OpenPath(dirFd Fd, lookup LookupFlags, path string, oflags Oflags, base, inherit Rights, fdflags Fdflags) (Fd, error) {
	required := RightsPathOpen
	if oflags&O_Creat != 0 {
		required |= RightsPathCreateFile
	}
	if oflags&O_Trunc != 0 {
		required |= RightsPathFilestatSetSize
	}

	var (
		fd   Fd
		plan *openPlan
	)
	err := fs.update(func(w *walker) (err error) {
		fd, plan, err = fs.openLocked(w, dirFd, lookup, path, oflags, required, base, inherit, fdflags)
		return err
	})
	if err != nil || plan == nil {
		return fd, err
	}

	// The host open may block, so it runs without the lock.
	f, err := OpenHostFile(plan.host, oflags, fdflags, plan.write)
	if err != nil {
		return 0, err
	}

	err = fs.update(func(w *walker) (err error) {
		fd, err = fs.finishOpen(plan, f)
		return err
	})
	if err != nil {
		f.Close()
		return 0, err
	}
	return fd, nil
}

// openLocked resolves an open request. It returns either a descriptor or a
// plan for a host open that must complete without the lock.
func (fs *WasiFs) openLocked(w *walker, dirFd Fd, lookup LookupFlags, path string, oflags Oflags, required, base, inherit Rights, fdflags Fdflags) (Fd, *openPlan, error) {
	e, err := fs.fds.acquire(dirFd, required)
	if err != nil {
		return 0, nil, err
	}
	if _, err := fs.dirOf(e.inode); err != nil {
		return 0, nil, err
	}
	base &= e.inherit
	inherit &= e.inherit

	ino, err := w.resolve(e.inode, path, lookup&LookupSymlinkFollow != 0)
	switch {
	case err == nil:
		if oflags&(O_Creat|O_Excl) == O_Creat|O_Excl {
			return 0, nil, ErrExist
		}
		cb, ci := fs.ceiling(ino)
		return fs.openExisting(ino, oflags, base&cb, inherit&ci, fdflags)
	case errors.Is(err, ErrNotFound) && oflags&O_Creat != 0:
		// Fall through to creation.
	default:
		return 0, nil, err
	}

	if oflags&O_Directory != 0 {
		return 0, nil, ErrNotFound
	}
	dir, name, err := w.resolveParent(e.inode, path)
	if err != nil {
		return 0, nil, err
	}
	dv, err := fs.inodes.get(dir)
	if err != nil {
		return 0, nil, err
	}
	if _, ok := dv.Kind.(*KindRoot); ok {
		return 0, nil, ErrnoAcces
	}
	if entries, _ := dirEntries(dv.Kind); entries[name] != (Inode{}) {
		// The final component is a dangling symlink.
		return 0, nil, ErrNotFound
	}
	cb, ci := fs.ceiling(dir)
	base, inherit = base&cb, inherit&ci

	if host := hostChild(dv, name); host != "" {
		return 0, &openPlan{dir: dir, name: name, host: host, write: true, rights: base, inherit: inherit, fdflags: fdflags}, nil
	}

	now := time.Now()
	buf := NewBuffer(nil)
	v := &InodeVal{
		Kind: &KindBuffer{Buffer: buf},
		Stat: FileStat{Filetype: FiletypeRegularFile, LinkCount: 1, AccessTime: now, ModTime: now, ChangeTime: now},
	}
	ino = fs.link(dir, dv, name, v)
	fd, err := fs.newFd(ino, v, &fdEntry{rights: base, inherit: inherit, flags: fdflags, file: NewBufferFile(buf, fdflags)})
	if err != nil {
		if uerr := fs.unlink(dv, name); uerr != nil {
			return 0, nil, uerr
		}
		return 0, nil, err
	}
	return fd, nil, nil
}

func (fs *WasiFs) openExisting(ino Inode, oflags Oflags, base, inherit Rights, fdflags Fdflags) (Fd, *openPlan, error) {
	v, err := fs.inodes.get(ino)
	if err != nil {
		return 0, nil, err
	}

	switch v.Kind.(type) {
	case *KindRoot, *KindDir:
		if oflags&O_Trunc != 0 {
			return 0, nil, ErrIsDir
		}
		fd, err := fs.newFd(ino, v, &fdEntry{rights: base, inherit: inherit, flags: fdflags})
		return fd, nil, err
	case *KindSymlink:
		return 0, nil, ErrLoop
	case *KindSpecial:
		return 0, nil, ErrnoNotsup
	}

	if oflags&O_Directory != 0 {
		return 0, nil, ErrNotDir
	}

	switch k := v.Kind.(type) {
	case *KindBuffer:
		if oflags&O_Trunc != 0 {
			if err := k.Buffer.truncate(0); err != nil {
				return 0, nil, err
			}
		}
		fd, err := fs.newFd(ino, v, &fdEntry{rights: base, inherit: inherit, flags: fdflags, file: NewBufferFile(k.Buffer, fdflags)})
		return fd, nil, err
	case *KindFile:
		if k.Handle != nil {
			fd, err := fs.newFd(ino, v, &fdEntry{rights: base, inherit: inherit, flags: fdflags, file: k.Handle})
			return fd, nil, err
		}
		write := base&(RightsFdWrite|RightsFdAllocate|RightsFdFilestatSetSize) != 0 || oflags&O_Trunc != 0
		return 0, &openPlan{ino: ino, host: k.HostPath, write: write, rights: base, inherit: inherit, fdflags: fdflags}, nil
	default:
		return 0, nil, invariant("unexpected kind %T", v.Kind)
	}
}

// finishOpen installs a descriptor for a host file opened without the lock.
// The tree may have changed in the meantime.
func (fs *WasiFs) finishOpen(plan *openPlan, f *HostFile) (Fd, error) {
	if fs.closed {
		return 0, ErrBadFd
	}

	ino := plan.ino
	var created *InodeVal
	if ino.IsZero() {
		dv, err := fs.dirOf(plan.dir)
		if err != nil {
			return 0, err
		}
		entries, _ := dirEntries(dv.Kind)
		if existing, ok := entries[plan.name]; ok {
			ino = existing
		} else {
			now := time.Now()
			created = dv
			ino = fs.link(plan.dir, dv, plan.name, &InodeVal{
				Kind: &KindFile{HostPath: plan.host},
				Stat: FileStat{Filetype: FiletypeRegularFile, LinkCount: 1, AccessTime: now, ModTime: now, ChangeTime: now},
			})
		}
	}

	v, err := fs.inodes.get(ino)
	if err != nil {
		return 0, err
	}
	if k, ok := v.Kind.(*KindFile); !ok || k.HostPath != plan.host {
		return 0, ErrnoAgain
	}
	fd, err := fs.newFd(ino, v, &fdEntry{rights: plan.rights, inherit: plan.inherit, flags: plan.fdflags, file: f})
	if err != nil && created != nil {
		// The host file stays; only the entry this open added is undone.
		if uerr := fs.unlink(created, plan.name); uerr != nil {
			return 0, uerr
		}
	}
	return fd, err
}

// CloseFd closes a descriptor. The inode is freed once it is unlinked and no
// other descriptor refers to it.
func (fs *WasiFs) CloseFd(fd Fd) error {
	fs.mu.Lock()
	if fd == VirtualRootFd {
		fs.mu.Unlock()
		return ErrnoNotsup
	}
	e, err := fs.fds.remove(fd)
	if err != nil {
		fs.mu.Unlock()
		return err
	}

	file := e.file
	v, err := fs.inodes.get(e.inode)
	if err != nil {
		err = invariant("fd %d refers to freed inode %v", fd, e.inode)
	} else {
		v.openFds--
		if k, ok := v.Kind.(*KindFile); ok && k.Handle != nil && k.Handle == file && v.openFds > 0 {
			// Another descriptor still shares the handle.
			file = nil
		}
		err = fs.release(e.inode, v)
	}
	fs.mu.Unlock()

	Logger().Debug("closed fd", zap.Uint32("fd", uint32(fd)), zap.Stringer("inode", e.inode))
	if file != nil {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// file returns the File behind fd after checking rights.
func (fs *WasiFs) file(fd Fd, rights Rights) (File, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	e, err := fs.fds.acquire(fd, rights)
	if err != nil {
		return nil, err
	}
	if e.file == nil {
		return nil, ErrIsDir
	}
	return e.file, nil
}

func (fs *WasiFs) Read(fd Fd, p []byte) (int, error) {
	f, err := fs.file(fd, RightsFdRead)
	if err != nil {
		return 0, err
	}
	return f.Read(p)
}

// Readv reads into each buffer in turn.
func (fs *WasiFs) Readv(fd Fd, buffers [][]byte) (int, error) {
	f, err := fs.file(fd, RightsFdRead)
	if err != nil {
		return 0, err
	}
	return Readv(f, buffers)
}

func (fs *WasiFs) Write(fd Fd, p []byte) (int, error) {
	f, err := fs.file(fd, RightsFdWrite)
	if err != nil {
		return 0, err
	}
	return f.Write(p)
}

// Writev writes each buffer in turn.
func (fs *WasiFs) Writev(fd Fd, buffers [][]byte) (int, error) {
	f, err := fs.file(fd, RightsFdWrite)
	if err != nil {
		return 0, err
	}
	return Writev(f, buffers)
}

func (fs *WasiFs) Pread(fd Fd, p []byte, offset int64) (int, error) {
	f, err := fs.file(fd, RightsFdRead|RightsFdSeek)
	if err != nil {
		return 0, err
	}
	return f.Pread(p, offset)
}

func (fs *WasiFs) Pwrite(fd Fd, p []byte, offset int64) (int, error) {
	f, err := fs.file(fd, RightsFdWrite|RightsFdSeek)
	if err != nil {
		return 0, err
	}
	return f.Pwrite(p, offset)
}

// Seek moves the offset of fd. A zero-length seek relative to the current
// offset only requires the right to tell.
func (fs *WasiFs) Seek(fd Fd, offset int64, whence int) (int64, error) {
	rights := RightsFdSeek
	if offset == 0 && whence == io.SeekCurrent {
		rights = RightsFdTell
	}
	f, err := fs.file(fd, rights)
	if err != nil {
		return 0, err
	}
	return f.Seek(offset, whence)
}

func (fs *WasiFs) Tell(fd Fd) (int64, error) {
	f, err := fs.file(fd, RightsFdTell)
	if err != nil {
		return 0, err
	}
	return f.Seek(0, io.SeekCurrent)
}

func (fs *WasiFs) Sync(fd Fd) error {
	return fs.syncFd(fd, RightsFdSync, File.Sync)
}

func (fs *WasiFs) Datasync(fd Fd) error {
	return fs.syncFd(fd, RightsFdDatasync, File.Datasync)
}

func (fs *WasiFs) syncFd(fd Fd, rights Rights, sync func(File) error) error {
	f, err := fs.file(fd, rights)
	if err == ErrIsDir {
		// Directories have nothing to flush.
		return nil
	}
	if err != nil {
		return err
	}
	return sync(f)
}

func (fs *WasiFs) FdstatGet(fd Fd) (Fdstat, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	e, err := fs.fds.get(fd)
	if err != nil {
		return Fdstat{}, err
	}
	v, err := fs.inodes.get(e.inode)
	if err != nil {
		return Fdstat{}, invariant("fd %d refers to freed inode %v", fd, e.inode)
	}

	filetype := v.Kind.Filetype()
	if k, ok := v.Kind.(*KindFile); ok && k.Handle != nil {
		if st, err := k.Handle.Stat(); err == nil {
			filetype = st.Filetype
		}
	}
	return Fdstat{Filetype: filetype, Flags: e.flags, Rights: e.rights, Inherit: e.inherit}, nil
}

func (fs *WasiFs) FdstatSetFlags(fd Fd, flags Fdflags) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, err := fs.fds.acquire(fd, RightsFdFdstatSetFlags)
	if err != nil {
		return err
	}
	if e.file != nil {
		if err := e.file.SetFlags(flags); err != nil {
			return err
		}
	}
	e.flags = flags
	return nil
}

// FdstatSetRights narrows the rights of fd. Rights can never be regained.
func (fs *WasiFs) FdstatSetRights(fd Fd, base, inherit Rights) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, err := fs.fds.get(fd)
	if err != nil {
		return err
	}
	if !e.rights.Contains(base) || !e.inherit.Contains(inherit) {
		return ErrNotCapable
	}
	e.rights, e.inherit = base, inherit
	return nil
}

func (fs *WasiFs) FdFilestatGet(fd Fd) (FileStat, error) {
	fs.mu.RLock()
	e, err := fs.fds.acquire(fd, RightsFdFilestatGet)
	if err != nil {
		fs.mu.RUnlock()
		return FileStat{}, err
	}
	ino, f := e.inode, e.file
	if f == nil {
		defer fs.mu.RUnlock()
		v, err := fs.inodes.get(ino)
		if err != nil {
			return FileStat{}, invariant("fd %d refers to freed inode %v", fd, ino)
		}
		return fs.statInode(ino, v)
	}
	fs.mu.RUnlock()

	st, err := f.Stat()
	if err != nil {
		return FileStat{}, err
	}
	st.Inode = ino.Ino()
	return st, nil
}

func (fs *WasiFs) FdFilestatSetSize(fd Fd, size uint64) error {
	f, err := fs.file(fd, RightsFdFilestatSetSize)
	if err != nil {
		return err
	}
	return f.SetSize(size)
}

// FdFilestatSetTimes sets the access and modification times of fd. Nil
// times are left unchanged.
func (fs *WasiFs) FdFilestatSetTimes(fd Fd, atime, mtime *time.Time) error {
	fs.mu.Lock()
	e, err := fs.fds.acquire(fd, RightsFdFilestatSetTimes)
	if err != nil {
		fs.mu.Unlock()
		return err
	}
	if e.file == nil {
		defer fs.mu.Unlock()
		v, err := fs.inodes.get(e.inode)
		if err != nil {
			return invariant("fd %d refers to freed inode %v", fd, e.inode)
		}
		return setInodeTimes(v, atime, mtime)
	}
	f := e.file
	fs.mu.Unlock()
	return f.SetTimes(atime, mtime)
}

func setInodeTimes(v *InodeVal, atime, mtime *time.Time) error {
	switch k := v.Kind.(type) {
	case *KindBuffer:
		k.Buffer.setTimes(atime, mtime)
		return nil
	case *KindFile:
		if k.Handle != nil {
			return k.Handle.SetTimes(atime, mtime)
		}
	}

	if host := hostPathOf(v.Kind); host != "" {
		info, err := os.Stat(host)
		if err != nil {
			return hostError("stat", host, err)
		}
		st := fileStat(info)
		a, m := st.AccessTime, st.ModTime
		if atime != nil {
			a = *atime
		}
		if mtime != nil {
			m = *mtime
		}
		return hostError("chtimes", host, os.Chtimes(host, a, m))
	}

	if atime != nil {
		v.Stat.AccessTime = *atime
	}
	if mtime != nil {
		v.Stat.ModTime = *mtime
	}
	v.Stat.ChangeTime = time.Now()
	return nil
}

// Readdir lists the directory fd starting at cookie. The listing starts with
// "." and "..", followed by the entries in name order.
func (fs *WasiFs) Readdir(fd Fd, cookie uint64) ([]Dirent, error) {
	var dirents []Dirent
	err := fs.view(func(w *walker) error {
		e, err := fs.fds.acquire(fd, RightsFdReaddir)
		if err != nil {
			return err
		}
		v, err := fs.dirOf(e.inode)
		if err != nil {
			return err
		}
		if d, ok := v.Kind.(*KindDir); ok && d.HostPath != "" {
			if !w.materialize {
				return errMaterialize
			}
			if err := fs.syncHostDir(e.inode, v, d); err != nil {
				return err
			}
		}

		parent, err := fs.parentClamped(e.inode)
		if err != nil {
			return err
		}
		all := []Dirent{
			{Inode: e.inode.Ino(), Name: ".", Type: FiletypeDirectory},
			{Inode: parent.Ino(), Name: "..", Type: FiletypeDirectory},
		}

		entries, _ := dirEntries(v.Kind)
		names := make([]string, 0, len(entries))
		for name := range entries {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			child := entries[name]
			cv, err := fs.inodes.get(child)
			if err != nil {
				return invariant("directory entry %q refers to freed inode %v", name, child)
			}
			all = append(all, Dirent{Inode: child.Ino(), Name: name, Type: cv.Kind.Filetype()})
		}
		for i := range all {
			all[i].Next = uint64(i + 1)
		}

		dirents = nil
		if cookie < uint64(len(all)) {
			dirents = all[cookie:]
		}
		return nil
	})
	return dirents, err
}

// syncHostDir brings the entries of a host-backed directory in line with the
// host. Entries that vanished from the host are dropped unless they are open
// or live only in memory.
func (fs *WasiFs) syncHostDir(dir Inode, v *InodeVal, d *KindDir) error {
	if !fs.hostDirCurrent(dir, d.HostPath) {
		return ErrNotFound
	}
	hostEntries, err := os.ReadDir(d.HostPath)
	if err != nil {
		return hostError("readdir", d.HostPath, err)
	}

	present := make(map[string]bool, len(hostEntries))
	for _, he := range hostEntries {
		name := he.Name()
		present[name] = true
		if _, ok := d.Entries[name]; ok {
			continue
		}
		info, err := he.Info()
		if err != nil {
			continue
		}
		cv, err := hostInodeVal(filepath.Join(d.HostPath, name), info)
		if err != nil {
			return err
		}
		fs.link(dir, v, name, cv)
	}

	for name, child := range d.Entries {
		if present[name] {
			continue
		}
		cv, err := fs.inodes.get(child)
		if err != nil {
			return invariant("directory entry %q refers to freed inode %v", name, child)
		}
		if _, ok := cv.Kind.(*KindBuffer); ok || cv.openFds > 0 {
			continue
		}
		if err := fs.unlink(v, name); err != nil {
			return err
		}
	}
	return nil
}

// Renumber atomically moves the descriptor from to to, closing to.
func (fs *WasiFs) Renumber(from, to Fd) error {
	fs.mu.Lock()
	ef, err := fs.fds.get(from)
	if err != nil {
		fs.mu.Unlock()
		return err
	}
	et, err := fs.fds.get(to)
	if err != nil {
		fs.mu.Unlock()
		return err
	}
	if from == to {
		fs.mu.Unlock()
		return nil
	}
	if ef.preopen != 0 || et.preopen != 0 || from == VirtualRootFd || to == VirtualRootFd {
		fs.mu.Unlock()
		return ErrnoNotsup
	}

	fs.fds.remove(from)
	fs.fds.entries[to] = ef

	closed := et.file
	v, err := fs.inodes.get(et.inode)
	if err != nil {
		err = invariant("fd %d refers to freed inode %v", to, et.inode)
	} else {
		v.openFds--
		if k, ok := v.Kind.(*KindFile); ok && k.Handle != nil && k.Handle == closed && v.openFds > 0 {
			closed = nil
		}
		err = fs.release(et.inode, v)
	}
	fs.mu.Unlock()

	if closed != nil {
		if cerr := closed.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (fs *WasiFs) preopenEntry(fd Fd) (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	e, err := fs.fds.get(fd)
	if err != nil {
		return "", err
	}
	if fd == VirtualRootFd {
		return "/", nil
	}
	if e.preopen == 0 {
		return "", ErrBadFd
	}
	return fs.preopens[e.preopen-1].Alias, nil
}

// PrestatGet describes the preopened directory fd.
func (fs *WasiFs) PrestatGet(fd Fd) (Prestat, error) {
	alias, err := fs.preopenEntry(fd)
	if err != nil {
		return Prestat{}, err
	}
	return Prestat{NameLen: uint32(len(alias))}, nil
}

// PrestatDirName returns the alias of the preopened directory fd.
func (fs *WasiFs) PrestatDirName(fd Fd) (string, error) {
	return fs.preopenEntry(fd)
}

func (fs *WasiFs) CreateDir(fd Fd, path string) error {
	return fs.update(func(w *walker) error {
		dir, dv, name, err := fs.mutableDir(w, fd, path, RightsPathCreateDirectory)
		if err != nil {
			return err
		}
		if _, err := w.lookupChild(dir, name); err == nil {
			return ErrExist
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := time.Now()
		v := &InodeVal{
			Kind: &KindDir{Entries: map[string]Inode{}},
			Stat: FileStat{Filetype: FiletypeDirectory, LinkCount: 1, AccessTime: now, ModTime: now, ChangeTime: now},
		}
		if host := hostChild(dv, name); host != "" {
			if err := os.Mkdir(host, 0755); err != nil {
				return hostError("mkdir", host, err)
			}
			v.Kind.(*KindDir).HostPath = host
		}
		fs.link(dir, dv, name, v)
		return nil
	})
}

// RemoveDir removes an empty directory. A directory that is not empty is
// left untouched.
func (fs *WasiFs) RemoveDir(fd Fd, path string) error {
	return fs.update(func(w *walker) error {
		dir, dv, name, err := fs.mutableDir(w, fd, path, RightsPathRemoveDirectory)
		if err != nil {
			return err
		}
		child, err := w.lookupChild(dir, name)
		if err != nil {
			return err
		}
		cv, err := fs.inodes.get(child)
		if err != nil {
			return err
		}
		d, ok := cv.Kind.(*KindDir)
		if !ok {
			return ErrNotDir
		}

		if fs.holdsVirtual(d) {
			return ErrNotEmpty
		}
		if d.HostPath != "" {
			if err := os.Remove(d.HostPath); err != nil {
				return hostError("rmdir", d.HostPath, err)
			}
		} else if len(d.Entries) != 0 {
			return ErrNotEmpty
		}
		return fs.unlink(dv, name)
	})
}

// holdsVirtual reports whether a host directory has in-memory entries that
// the host does not know about.
func (fs *WasiFs) holdsVirtual(d *KindDir) bool {
	if d.HostPath == "" {
		return false
	}
	for _, child := range d.Entries {
		cv, err := fs.inodes.get(child)
		if err != nil {
			continue
		}
		switch k := cv.Kind.(type) {
		case *KindBuffer:
			return true
		case *KindDir:
			if k.HostPath == "" {
				return true
			}
		}
	}
	return false
}

func (fs *WasiFs) UnlinkFile(fd Fd, path string) error {
	return fs.update(func(w *walker) error {
		dir, dv, name, err := fs.mutableDir(w, fd, path, RightsPathUnlinkFile)
		if err != nil {
			return err
		}
		child, err := w.lookupChild(dir, name)
		if err != nil {
			return err
		}
		cv, err := fs.inodes.get(child)
		if err != nil {
			return err
		}

		switch cv.Kind.(type) {
		case *KindDir, *KindRoot:
			return ErrIsDir
		case *KindBuffer:
		default:
			if host := hostChild(dv, name); host != "" {
				if err := os.Remove(host); err != nil {
					return hostError("unlink", host, err)
				}
			}
		}
		return fs.unlink(dv, name)
	})
}

// Rename moves oldPath under oldFd to newPath under newFd, replacing the
// target if it exists. Both ends are validated before anything changes, and
// the tree is only updated once the host rename has succeeded.
func (fs *WasiFs) Rename(oldFd Fd, oldPath string, newFd Fd, newPath string) error {
	return fs.update(func(w *walker) error {
		if _, err := fs.fds.acquire(newFd, RightsPathRenameTarget); err != nil {
			return err
		}
		oldDir, odv, oldName, err := fs.mutableDir(w, oldFd, oldPath, RightsPathRenameSource)
		if err != nil {
			return err
		}
		newDir, ndv, newName, err := fs.mutableDir(w, newFd, newPath, RightsPathRenameTarget)
		if err != nil {
			return err
		}

		src, err := w.lookupChild(oldDir, oldName)
		if err != nil {
			return err
		}
		sv, err := fs.inodes.get(src)
		if err != nil {
			return err
		}
		dst, err := w.lookupChild(newDir, newName)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound):
			dst = Inode{}
		default:
			return err
		}
		if dst == src {
			return nil
		}

		_, srcIsDir := sv.Kind.(*KindDir)
		if srcIsDir && fs.isAncestor(src, newDir) {
			return ErrInvalid
		}
		if !dst.IsZero() {
			dv, err := fs.inodes.get(dst)
			if err != nil {
				return err
			}
			d, dstIsDir := dv.Kind.(*KindDir)
			switch {
			case srcIsDir && !dstIsDir:
				return ErrNotDir
			case !srcIsDir && dstIsDir:
				return ErrIsDir
			case dstIsDir && (fs.holdsVirtual(d) || d.HostPath == "" && len(d.Entries) != 0):
				return ErrNotEmpty
			}
		}

		oldHost, newHost := hostChild(odv, oldName), hostChild(ndv, newName)
		_, isBuffer := sv.Kind.(*KindBuffer)
		switch {
		case isBuffer:
		case oldHost != "" && newHost != "":
			if err := os.Rename(oldHost, newHost); err != nil {
				return hostError("rename", oldHost, err)
			}
		case oldHost != "" || newHost != "":
			return ErrnoXdev
		}

		if !dst.IsZero() {
			if err := fs.unlink(ndv, newName); err != nil {
				return err
			}
		}
		oldEntries, _ := dirEntries(odv.Kind)
		newEntries, _ := dirEntries(ndv.Kind)
		delete(oldEntries, oldName)
		newEntries[newName] = src
		sv.Name, sv.Parent = newName, newDir
		sv.Stat.ChangeTime = time.Now()
		if !isBuffer && newHost != "" {
			fs.rehost(sv, newHost)
		}
		return nil
	})
}

// rehost rewrites the host paths of v and everything below it after a
// rename.
func (fs *WasiFs) rehost(v *InodeVal, host string) {
	switch k := v.Kind.(type) {
	case *KindFile:
		k.HostPath = host
	case *KindDir:
		k.HostPath = host
		for name, child := range k.Entries {
			if cv, err := fs.inodes.get(child); err == nil {
				fs.rehost(cv, filepath.Join(host, name))
			}
		}
	}
}

// Symlink creates a symbolic link at path whose target is the guest path
// target.
func (fs *WasiFs) Symlink(target string, fd Fd, path string) error {
	return fs.update(func(w *walker) error {
		dir, dv, name, err := fs.mutableDir(w, fd, path, RightsPathSymlink)
		if err != nil {
			return err
		}
		if err := checkPath(target); err != nil {
			return err
		}
		if _, err := w.lookupChild(dir, name); err == nil {
			return ErrExist
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		if host := hostChild(dv, name); host != "" {
			if err := os.Symlink(target, host); err != nil {
				return hostError("symlink", host, err)
			}
		}
		now := time.Now()
		fs.link(dir, dv, name, &InodeVal{
			Kind: &KindSymlink{Target: target},
			Stat: FileStat{Filetype: FiletypeSymbolicLink, LinkCount: 1, Size: uint64(len(target)), AccessTime: now, ModTime: now, ChangeTime: now},
		})
		return nil
	})
}

func (fs *WasiFs) Readlink(fd Fd, path string) (string, error) {
	var target string
	err := fs.view(func(w *walker) error {
		e, err := fs.fds.acquire(fd, RightsPathReadlink)
		if err != nil {
			return err
		}
		ino, err := w.resolve(e.inode, path, false)
		if err != nil {
			return err
		}
		v, err := fs.inodes.get(ino)
		if err != nil {
			return err
		}
		link, ok := v.Kind.(*KindSymlink)
		if !ok {
			return ErrInvalid
		}
		target = link.Target
		return nil
	})
	return target, err
}

func (fs *WasiFs) PathFilestatGet(fd Fd, lookup LookupFlags, path string) (FileStat, error) {
	var st FileStat
	err := fs.view(func(w *walker) error {
		e, err := fs.fds.acquire(fd, RightsPathFilestatGet)
		if err != nil {
			return err
		}
		ino, err := w.resolve(e.inode, path, lookup&LookupSymlinkFollow != 0)
		if err != nil {
			return err
		}
		v, err := fs.inodes.get(ino)
		if err != nil {
			return err
		}
		st, err = fs.statInode(ino, v)
		return err
	})
	return st, err
}

func (fs *WasiFs) PathFilestatSetTimes(fd Fd, lookup LookupFlags, path string, atime, mtime *time.Time) error {
	return fs.update(func(w *walker) error {
		e, err := fs.fds.acquire(fd, RightsPathFilestatSetTimes)
		if err != nil {
			return err
		}
		ino, err := w.resolve(e.inode, path, lookup&LookupSymlinkFollow != 0)
		if err != nil {
			return err
		}
		v, err := fs.inodes.get(ino)
		if err != nil {
			return err
		}
		return setInodeTimes(v, atime, mtime)
	})
}

// SwapFile replaces the File behind fd and returns the previous one, which
// the caller now owns. It is used to redirect the standard streams.
func (fs *WasiFs) SwapFile(fd Fd, f File) (File, error) {
	if f == nil {
		return nil, ErrInvalid
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, err := fs.fds.get(fd)
	if err != nil {
		return nil, err
	}
	if e.file == nil {
		return nil, ErrIsDir
	}
	old := e.file
	e.file = f
	if v, err := fs.inodes.get(e.inode); err == nil {
		if k, ok := v.Kind.(*KindFile); ok && k.Handle == old {
			k.Handle = f
		}
	}
	return old, nil
}

// CreateBuffer creates an in-memory file holding a copy of data at path
// relative to the directory fd.
func (fs *WasiFs) CreateBuffer(fd Fd, path string, data []byte) error {
	return fs.update(func(w *walker) error {
		dir, dv, name, err := fs.mutableDir(w, fd, path, RightsPathCreateFile)
		if err != nil {
			return err
		}
		if _, err := w.lookupChild(dir, name); err == nil {
			return ErrExist
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if len(data) > maxBufferSize {
			return ErrNoSpace
		}

		now := time.Now()
		fs.link(dir, dv, name, &InodeVal{
			Kind: &KindBuffer{Buffer: NewBuffer(data)},
			Stat: FileStat{Filetype: FiletypeRegularFile, LinkCount: 1, AccessTime: now, ModTime: now, ChangeTime: now},
		})
		return nil
	})
}

// InodeInfo summarizes a live inode.
type InodeInfo struct {
	Inode    string `csv:"inode"`
	Type     string `csv:"type"`
	Path     string `csv:"path"`
	HostPath string `csv:"host_path,omitempty"`
	Size     uint64 `csv:"size"`
	OpenFds  int    `csv:"open_fds"`
	Linked   bool   `csv:"linked"`
}

// Inodes lists every live inode in slot order.
func (fs *WasiFs) Inodes() []InodeInfo {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var infos []InodeInfo
	fs.inodes.each(func(ino Inode, v *InodeVal) bool {
		info := InodeInfo{
			Inode:    ino.String(),
			Type:     v.Kind.Filetype().String(),
			Path:     fs.guestPath(ino, v),
			HostPath: hostPathOf(v.Kind),
			Size:     v.Stat.Size,
			OpenFds:  v.openFds,
			Linked:   v.linked,
		}
		switch k := v.Kind.(type) {
		case *KindBuffer:
			info.Size = uint64(k.Buffer.Len())
		case *KindSymlink:
			info.Size = uint64(len(k.Target))
		}
		infos = append(infos, info)
		return true
	})
	return infos
}

// Fds lists the open descriptors in ascending order.
func (fs *WasiFs) Fds() []Fd {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	fds := make([]Fd, 0, len(fs.fds.entries))
	for fd := range fs.fds.entries {
		fds = append(fds, fd)
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i] < fds[j] })
	return fds
}

// guestPath returns the absolute guest path of v as seen from the virtual
// root.
func (fs *WasiFs) guestPath(ino Inode, v *InodeVal) string {
	if ino == fs.root {
		return "/"
	}
	if !v.linked {
		if i, ok := fs.preopenRoots[ino]; ok {
			return fs.preopens[i].Alias
		}
		return v.Name
	}

	var parts []string
	for !ino.IsZero() && ino != fs.root {
		parts = append(parts, v.Name)
		ino = v.Parent
		next, err := fs.inodes.get(ino)
		if err != nil {
			break
		}
		v = next
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return path.Join(append([]string{"/"}, parts...)...)
}

// Close releases every open file exactly once and clears the filesystem.
// Later operations fail with ErrBadFd.
func (fs *WasiFs) Close() error {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return nil
	}
	fs.closed = true

	var files []File
	handles := map[File]bool{}
	fs.inodes.each(func(ino Inode, v *InodeVal) bool {
		if k, ok := v.Kind.(*KindFile); ok && k.Handle != nil && !handles[k.Handle] {
			handles[k.Handle] = true
			files = append(files, k.Handle)
		}
		return true
	})
	for _, e := range fs.fds.entries {
		if e.file != nil && !handles[e.file] {
			files = append(files, e.file)
		}
	}

	fs.fds.init()
	fs.inodes.reset()
	fs.preopens, fs.preopenRoots = nil, map[Inode]int{}
	fs.mu.Unlock()

	var errs []error
	for _, f := range files {
		if err := f.Close(); err != nil {
			Logger().Warn("error closing file during teardown", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
