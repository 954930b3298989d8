package wasi

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/moby/sys/symlink"
	"go.uber.org/zap"
)

// SnapshotVersion is the version of the snapshot layout written by Snapshot.
const SnapshotVersion = 1

// Snapshot is the persistent form of a WasiFs. It records the inode tree and
// the descriptor table. Host files are recorded by path, buffers by content,
// and standard streams by identity only.
type Snapshot struct {
	Version  int               `json:"version"`
	Inodes   []InodeSnapshot   `json:"inodes"`
	Fds      []FdSnapshot      `json:"fds"`
	Preopens []PreopenSnapshot `json:"preopens"`
}

// Snapshot kinds.
const (
	snapRoot    = "root"
	snapDir     = "dir"
	snapFile    = "file"
	snapSymlink = "symlink"
	snapBuffer  = "buffer"
	snapSpecial = "special"
	snapStdio   = "stdio"
)

type InodeSnapshot struct {
	Ino         uint64    `json:"ino"`
	Kind        string    `json:"kind"`
	Name        string    `json:"name"`
	Parent      uint64    `json:"parent,omitempty"`
	Linked      bool      `json:"linked,omitempty"`
	SandboxRoot bool      `json:"sandbox_root,omitempty"`
	HostPath    string    `json:"host_path,omitempty"`
	Target      string    `json:"target,omitempty"`
	Data        []byte    `json:"data,omitempty"`
	Stream      string    `json:"stream,omitempty"`
	Filetype    Filetype  `json:"filetype"`
	AccessTime  time.Time `json:"atime"`
	ModTime     time.Time `json:"mtime"`
	ChangeTime  time.Time `json:"ctime"`
}

type FdSnapshot struct {
	Fd      Fd      `json:"fd"`
	Ino     uint64  `json:"ino"`
	Rights  Rights  `json:"rights"`
	Inherit Rights  `json:"inherit"`
	Flags   Fdflags `json:"flags"`
	Offset  int64   `json:"offset,omitempty"`
	Preopen int     `json:"preopen,omitempty"`
}

type PreopenSnapshot struct {
	Alias    string `json:"alias"`
	HostPath string `json:"host_path,omitempty"`
	Root     uint64 `json:"root"`
	Fd       Fd     `json:"fd"`
	Rights   Rights `json:"rights"`
	Inherit  Rights `json:"inherit"`
}

// Snapshot captures the state of the filesystem.
func (fs *WasiFs) Snapshot() (*Snapshot, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.closed {
		return nil, ErrBadFd
	}

	snap := &Snapshot{Version: SnapshotVersion}
	var err error
	fs.inodes.each(func(ino Inode, v *InodeVal) bool {
		var s InodeSnapshot
		if s, err = snapshotInode(ino, v); err != nil {
			return false
		}
		snap.Inodes = append(snap.Inodes, s)
		return true
	})
	if err != nil {
		return nil, err
	}

	for fd, e := range fs.fds.entries {
		s := FdSnapshot{
			Fd:      fd,
			Ino:     e.inode.Ino(),
			Rights:  e.rights,
			Inherit: e.inherit,
			Flags:   e.flags,
			Preopen: e.preopen,
		}
		switch f := e.file.(type) {
		case *BufferFile, *HostFile:
			if s.Offset, err = f.Seek(0, io.SeekCurrent); err != nil {
				return nil, err
			}
		}
		snap.Fds = append(snap.Fds, s)
	}
	sort.Slice(snap.Fds, func(i, j int) bool { return snap.Fds[i].Fd < snap.Fds[j].Fd })

	for _, p := range fs.preopens {
		snap.Preopens = append(snap.Preopens, PreopenSnapshot{
			Alias:    p.Alias,
			HostPath: p.HostPath,
			Root:     p.Root.Ino(),
			Fd:       p.Fd,
			Rights:   p.Rights,
			Inherit:  p.Inherit,
		})
	}
	return snap, nil
}

func snapshotInode(ino Inode, v *InodeVal) (InodeSnapshot, error) {
	s := InodeSnapshot{
		Ino:         ino.Ino(),
		Name:        v.Name,
		Parent:      v.Parent.Ino(),
		Linked:      v.linked,
		SandboxRoot: v.sandboxRoot,
		Filetype:    v.Kind.Filetype(),
		AccessTime:  v.Stat.AccessTime,
		ModTime:     v.Stat.ModTime,
		ChangeTime:  v.Stat.ChangeTime,
	}

	switch k := v.Kind.(type) {
	case *KindRoot:
		s.Kind = snapRoot
	case *KindDir:
		s.Kind, s.HostPath = snapDir, k.HostPath
	case *KindSymlink:
		s.Kind, s.Target = snapSymlink, k.Target
	case *KindBuffer:
		st := k.Buffer.stat()
		s.Kind, s.Data = snapBuffer, k.Buffer.Bytes()
		s.AccessTime, s.ModTime, s.ChangeTime = st.AccessTime, st.ModTime, st.ChangeTime
	case *KindSpecial:
		s.Kind, s.Filetype = snapSpecial, k.Type
	case *KindFile:
		switch h := k.Handle.(type) {
		case nil:
			s.Kind, s.HostPath = snapFile, k.HostPath
		case *StdioFile:
			s.Kind, s.Stream = snapStdio, h.Stream().String()
		case *HostFile:
			s.Kind, s.HostPath = snapFile, h.Path()
		case *BufferFile:
			s.Kind, s.Data = snapBuffer, h.Buffer().Bytes()
		default:
			return InodeSnapshot{}, fmt.Errorf("snapshot: inode %v: cannot record a %T handle: %w", ino, h, ErrnoNotsup)
		}
	default:
		return InodeSnapshot{}, invariant("unexpected kind %T", v.Kind)
	}
	return s, nil
}

// RestoreOptions supplies the resources a snapshot cannot record.
type RestoreOptions struct {
	Stdin  File
	Stdout File
	Stderr File
}

// RestoreFs rebuilds a filesystem from a snapshot. Host files are reopened by
// path; a path that resolves outside its preopen fails the restore.
func RestoreFs(snap *Snapshot, opts RestoreOptions) (*WasiFs, error) {
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("snapshot: unsupported version %d: %w", snap.Version, ErrInvalid)
	}

	fs := &WasiFs{preopenRoots: map[Inode]int{}}
	fs.fds.init()

	r := restorer{fs: fs, opts: opts, scopes: map[Inode]string{}}
	if err := r.restore(snap); err != nil {
		fs.Close()
		return nil, err
	}
	return fs, nil
}

type restorer struct {
	fs     *WasiFs
	opts   RestoreOptions
	scopes map[Inode]string
}

func (r *restorer) restore(snap *Snapshot) error {
	fs := r.fs

	for _, s := range snap.Inodes {
		v, err := r.inodeVal(s)
		if err != nil {
			return err
		}
		ino := inodeFromIno(s.Ino)
		if err := fs.inodes.place(ino, v); err != nil {
			return fmt.Errorf("snapshot: inode %v: %w", ino, err)
		}
		if _, ok := v.Kind.(*KindRoot); ok {
			fs.root = ino
		}
	}
	if fs.root.IsZero() {
		return fmt.Errorf("snapshot: no virtual root: %w", ErrInvalid)
	}

	// Rebuild the directory entries from the parent references.
	var err error
	fs.inodes.each(func(ino Inode, v *InodeVal) bool {
		if !v.linked || ino == fs.root {
			return true
		}
		pv, perr := fs.inodes.get(v.Parent)
		if perr != nil {
			err = fmt.Errorf("snapshot: inode %v has a missing parent: %w", ino, ErrInvalid)
			return false
		}
		entries, ok := dirEntries(pv.Kind)
		if !ok {
			err = fmt.Errorf("snapshot: parent of inode %v is not a directory: %w", ino, ErrInvalid)
			return false
		}
		if _, dup := entries[v.Name]; dup {
			err = fmt.Errorf("snapshot: duplicate entry %q: %w", v.Name, ErrInvalid)
			return false
		}
		entries[v.Name] = ino
		return true
	})
	if err != nil {
		return err
	}

	for i, p := range snap.Preopens {
		root := inodeFromIno(p.Root)
		if _, err := fs.dirOf(root); err != nil {
			return fmt.Errorf("snapshot: preopen %v: %w", p.Alias, err)
		}
		if p.HostPath != "" {
			info, err := os.Stat(p.HostPath)
			if err != nil {
				return fmt.Errorf("snapshot: preopen %v: %w", p.Alias, hostError("stat", p.HostPath, err))
			}
			if !info.IsDir() {
				return fmt.Errorf("snapshot: preopen %v: %w", p.Alias, ErrNotDir)
			}
			r.scopes[root] = p.HostPath
		}
		fs.preopens = append(fs.preopens, PreopenDir{
			Alias:    p.Alias,
			HostPath: p.HostPath,
			Root:     root,
			Fd:       p.Fd,
			Rights:   p.Rights,
			Inherit:  p.Inherit,
		})
		fs.preopenRoots[root] = i
	}

	for _, s := range snap.Fds {
		if err := r.fd(s); err != nil {
			return err
		}
	}
	if _, err := fs.fds.get(VirtualRootFd); err != nil {
		return fmt.Errorf("snapshot: no virtual root descriptor: %w", ErrInvalid)
	}
	if err := r.revalidate(); err != nil {
		return err
	}

	Logger().Debug("restored filesystem", zap.Int("inodes", fs.inodes.len()), zap.Int("fds", fs.fds.len()))
	return nil
}

func (r *restorer) inodeVal(s InodeSnapshot) (*InodeVal, error) {
	v := &InodeVal{
		Name:        s.Name,
		Parent:      inodeFromIno(s.Parent),
		linked:      s.Linked,
		sandboxRoot: s.SandboxRoot,
		Stat: FileStat{
			Inode:      s.Ino,
			Filetype:   s.Filetype,
			LinkCount:  1,
			AccessTime: s.AccessTime,
			ModTime:    s.ModTime,
			ChangeTime: s.ChangeTime,
		},
	}

	switch s.Kind {
	case snapRoot:
		v.Kind = &KindRoot{Entries: map[string]Inode{}}
	case snapDir:
		v.Kind = &KindDir{Entries: map[string]Inode{}, HostPath: s.HostPath}
	case snapFile:
		if s.HostPath == "" {
			return nil, fmt.Errorf("snapshot: file inode %v has no host path: %w", inodeFromIno(s.Ino), ErrInvalid)
		}
		v.Kind = &KindFile{HostPath: s.HostPath}
	case snapSymlink:
		v.Kind = &KindSymlink{Target: s.Target}
	case snapBuffer:
		buf := NewBuffer(s.Data)
		buf.setTimes(&s.AccessTime, &s.ModTime)
		v.Kind = &KindBuffer{Buffer: buf}
	case snapSpecial:
		v.Kind = &KindSpecial{Type: s.Filetype}
	case snapStdio:
		var h File
		switch s.Stream {
		case StreamStdin.String():
			h = r.opts.Stdin
			if h == nil {
				h = NewStdin(nil)
			}
		case StreamStdout.String():
			h = r.opts.Stdout
			if h == nil {
				h = NewStdout(nil)
			}
		case StreamStderr.String():
			h = r.opts.Stderr
			if h == nil {
				h = NewStderr(nil)
			}
		default:
			return nil, fmt.Errorf("snapshot: unknown stream %q: %w", s.Stream, ErrInvalid)
		}
		v.Kind = &KindFile{Handle: h}
	default:
		return nil, fmt.Errorf("snapshot: unknown inode kind %q: %w", s.Kind, ErrInvalid)
	}
	return v, nil
}

func (r *restorer) fd(s FdSnapshot) error {
	fs := r.fs
	ino := inodeFromIno(s.Ino)
	v, err := fs.inodes.get(ino)
	if err != nil {
		return fmt.Errorf("snapshot: fd %d: %w", s.Fd, err)
	}

	e := &fdEntry{inode: ino, rights: s.Rights, inherit: s.Inherit, flags: s.Flags, preopen: s.Preopen}
	if e.preopen > len(fs.preopens) {
		return fmt.Errorf("snapshot: fd %d: unknown preopen: %w", s.Fd, ErrInvalid)
	}

	switch k := v.Kind.(type) {
	case *KindBuffer:
		e.file = NewBufferFile(k.Buffer, s.Flags)
	case *KindFile:
		if k.Handle != nil {
			e.file = k.Handle
			break
		}
		path, err := r.confine(ino, k.HostPath)
		if err != nil {
			return fmt.Errorf("snapshot: fd %d: %w", s.Fd, err)
		}
		write := s.Rights&(RightsFdWrite|RightsFdAllocate|RightsFdFilestatSetSize) != 0
		f, err := OpenHostFile(path, 0, s.Flags, write)
		if err != nil {
			return fmt.Errorf("snapshot: fd %d: %w", s.Fd, err)
		}
		e.file = f
	}

	if e.file != nil && s.Offset != 0 && s.Flags&F_Append == 0 {
		if _, err := e.file.Seek(s.Offset, io.SeekStart); err != nil {
			e.file.Close()
			return fmt.Errorf("snapshot: fd %d: %w", s.Fd, err)
		}
	}
	if err := fs.fds.insertAt(s.Fd, e); err != nil {
		if e.file != nil {
			e.file.Close()
		}
		return err
	}
	v.openFds++
	return nil
}

// revalidate checks the recorded host path of every materialized entry
// against the host. Entries that no longer match, because they were removed,
// changed type or now pass through a symlink, are dropped from the tree and
// materialized again on their next lookup. A stale directory that is still
// open cannot be dropped and fails the restore.
func (r *restorer) revalidate() error {
	fs := r.fs

	var stale []Inode
	var err error
	fs.inodes.each(func(ino Inode, v *InodeVal) bool {
		hostPath := hostPathOf(v.Kind)
		if hostPath == "" || !v.linked {
			return true
		}
		if _, ok := fs.preopenRoots[ino]; ok {
			return true
		}
		ok, cerr := r.current(ino, v, hostPath)
		if cerr != nil {
			err = cerr
			return false
		}
		if !ok {
			stale = append(stale, ino)
		}
		return true
	})
	if err != nil {
		return err
	}

	for _, ino := range stale {
		v, err := fs.inodes.get(ino)
		if err != nil || !v.linked {
			// Already dropped along with its parent.
			continue
		}
		if _, isDir := v.Kind.(*KindDir); isDir && v.openFds != 0 {
			return fmt.Errorf("snapshot: open directory %v no longer matches the host: %w", hostPathOf(v.Kind), ErrNotCapable)
		}
		pv, err := fs.inodes.get(v.Parent)
		if err != nil {
			return invariant("inode %v has a dangling parent %v", ino, v.Parent)
		}
		Logger().Debug("dropped stale host entry", zap.String("path", hostPathOf(v.Kind)), zap.Stringer("inode", ino))
		if err := fs.unlink(pv, v.Name); err != nil {
			return err
		}
	}
	return nil
}

// current reports whether the host entry recorded for ino is still the one
// the tree would materialize. Paths outside the preopen are rejected.
func (r *restorer) current(ino Inode, v *InodeVal, hostPath string) (bool, error) {
	scope, err := r.scope(ino, hostPath)
	if err != nil {
		return false, err
	}
	resolved, err := symlink.FollowSymlinkInScope(hostPath, scope)
	if err != nil || resolved != filepath.Clean(hostPath) {
		return false, nil
	}
	info, err := os.Lstat(hostPath)
	if err != nil {
		return false, nil
	}
	_, isDir := v.Kind.(*KindDir)
	return info.IsDir() == isDir && (isDir || info.Mode().IsRegular()), nil
}

// scope returns the host directory of the preopen enclosing ino after
// checking that hostPath lies inside it.
func (r *restorer) scope(ino Inode, hostPath string) (string, error) {
	root, err := r.fs.sandboxRoot(ino)
	if err != nil {
		return "", err
	}
	scope, ok := r.scopes[root]
	if !ok {
		return "", fmt.Errorf("host file %v is not under a host preopen: %w", hostPath, ErrNotCapable)
	}
	rel, err := filepath.Rel(scope, hostPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("host file %v escapes %v: %w", hostPath, scope, ErrNotCapable)
	}
	return scope, nil
}

// confine resolves the host path of ino inside the host directory of its
// preopen, following host symlinks only within that directory.
func (r *restorer) confine(ino Inode, hostPath string) (string, error) {
	if v, err := r.fs.inodes.get(ino); err == nil && !v.linked && v.Parent.IsZero() {
		// A redirected standard stream, configured by the host.
		return hostPath, nil
	}
	scope, err := r.scope(ino, hostPath)
	if err != nil {
		return "", err
	}
	return symlink.FollowSymlinkInScope(hostPath, scope)
}
