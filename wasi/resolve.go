package wasi

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/symlink"
	"go.uber.org/zap"
)

// MaxSymlinks bounds the number of symlink expansions performed while
// resolving a single path.
const MaxSymlinks = 128

// errMaterialize is returned by a read-only walk that reached a host entry
// which is not yet part of the inode tree.
var errMaterialize = errors.New("wasi: host entry needs materialization")

// walker resolves guest paths. A walker is only valid while the filesystem
// lock is held, and it may only add inodes when materialize is set, which
// requires the write lock.
type walker struct {
	fs          *WasiFs
	materialize bool
	links       int
}

func checkPath(path string) error {
	if path == "" || strings.IndexByte(path, 0) >= 0 {
		return ErrInvalid
	}
	return nil
}

// resolve walks path from base.
func (w *walker) resolve(base Inode, path string, follow bool) (Inode, error) {
	if err := checkPath(path); err != nil {
		return Inode{}, err
	}
	return w.walk(base, path, follow)
}

func (w *walker) walk(cur Inode, path string, follow bool) (Inode, error) {
	if strings.HasPrefix(path, "/") {
		root, err := w.fs.sandboxRoot(cur)
		if err != nil {
			return Inode{}, err
		}
		cur = root
	}

	// A trailing slash requires a directory, so the final symlink is followed.
	if strings.HasSuffix(path, "/") {
		follow = true
	}

	components := strings.Split(path, "/")
	last := len(components) - 1
	for last >= 0 && components[last] == "" {
		last--
	}

	for i, name := range components {
		switch name {
		case "", ".":
			if _, err := w.fs.dirOf(cur); err != nil {
				return Inode{}, err
			}
			continue
		case "..":
			parent, err := w.fs.parentClamped(cur)
			if err != nil {
				return Inode{}, err
			}
			cur = parent
			continue
		}

		child, err := w.lookupChild(cur, name)
		if err != nil {
			return Inode{}, err
		}
		cv, err := w.fs.inodes.get(child)
		if err != nil {
			return Inode{}, invariant("directory entry %q refers to freed inode %v", name, child)
		}

		if link, ok := cv.Kind.(*KindSymlink); ok && (i < last || follow) {
			w.links++
			if w.links > MaxSymlinks {
				return Inode{}, ErrLoop
			}
			if link.Target == "" {
				return Inode{}, ErrNotFound
			}
			target, err := w.walk(cur, link.Target, true)
			if err != nil {
				return Inode{}, err
			}
			cur = target
			continue
		}
		cur = child
	}
	return cur, nil
}

// resolveParent resolves every component of path but the last and returns the
// containing directory and the final name.
func (w *walker) resolveParent(base Inode, path string) (Inode, string, error) {
	if err := checkPath(path); err != nil {
		return Inode{}, "", err
	}

	dir, name := base, path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		dirPath := path[:i]
		if dirPath == "" {
			dirPath = "/"
		}
		name = path[i+1:]

		var err error
		if dir, err = w.walk(base, dirPath, true); err != nil {
			return Inode{}, "", err
		}
	}
	if name == "" || name == "." || name == ".." {
		return Inode{}, "", ErrInvalid
	}
	if _, err := w.fs.dirOf(dir); err != nil {
		return Inode{}, "", err
	}
	return dir, name, nil
}

// lookupChild returns the entry name of the directory dir, materializing it
// from the host when dir is host-backed.
func (w *walker) lookupChild(dir Inode, name string) (Inode, error) {
	dv, err := w.fs.inodes.get(dir)
	if err != nil {
		return Inode{}, err
	}
	entries, ok := dirEntries(dv.Kind)
	if !ok {
		return Inode{}, ErrNotDir
	}
	if child, ok := entries[name]; ok {
		return child, nil
	}

	d, ok := dv.Kind.(*KindDir)
	if !ok || d.HostPath == "" {
		return Inode{}, ErrNotFound
	}
	if !w.materialize {
		return Inode{}, errMaterialize
	}

	if !w.fs.hostDirCurrent(dir, d.HostPath) {
		Logger().Debug("host directory changed under the tree", zap.String("path", d.HostPath))
		return Inode{}, ErrNotFound
	}
	hostPath := filepath.Join(d.HostPath, name)
	info, err := os.Lstat(hostPath)
	if err != nil {
		return Inode{}, hostError("lstat", hostPath, err)
	}
	v, err := hostInodeVal(hostPath, info)
	if err != nil {
		return Inode{}, err
	}

	child := w.fs.link(dir, dv, name, v)
	Logger().Debug("materialized host entry",
		zap.String("path", hostPath),
		zap.Stringer("inode", child),
		zap.Stringer("type", v.Kind.Filetype()))
	return child, nil
}

// hostInodeVal builds the inode for a host directory entry. Host symlinks
// become virtual symlinks so their targets resolve inside the sandbox.
func hostInodeVal(hostPath string, info os.FileInfo) (*InodeVal, error) {
	v := &InodeVal{Stat: fileStat(info)}
	switch mode := info.Mode(); {
	case mode.IsDir():
		v.Kind = &KindDir{Entries: map[string]Inode{}, HostPath: hostPath}
	case mode.IsRegular():
		v.Kind = &KindFile{HostPath: hostPath}
	case mode&os.ModeSymlink != 0:
		target, err := os.Readlink(hostPath)
		if err != nil {
			return nil, hostError("readlink", hostPath, err)
		}
		v.Kind = &KindSymlink{Target: target}
	default:
		v.Kind = &KindSpecial{Type: HostFileTypeToFiletype(mode)}
	}
	return v, nil
}

// hostDirCurrent reports whether the host directory backing dir is still
// reached from its preopen without passing through a symlink.
func (fs *WasiFs) hostDirCurrent(dir Inode, hostPath string) bool {
	root, err := fs.sandboxRoot(dir)
	if err != nil {
		return false
	}
	i, ok := fs.preopenRoots[root]
	if !ok || fs.preopens[i].HostPath == "" {
		return false
	}
	resolved, err := symlink.FollowSymlinkInScope(hostPath, fs.preopens[i].HostPath)
	if err != nil || resolved != hostPath {
		return false
	}
	info, err := os.Lstat(hostPath)
	return err == nil && info.IsDir()
}

// dirOf returns the value of ino if it is a directory.
func (fs *WasiFs) dirOf(ino Inode) (*InodeVal, error) {
	v, err := fs.inodes.get(ino)
	if err != nil {
		return nil, err
	}
	if _, ok := dirEntries(v.Kind); !ok {
		return nil, ErrNotDir
	}
	return v, nil
}

// parentClamped returns the parent of ino. Sandbox roots are their own parent.
func (fs *WasiFs) parentClamped(ino Inode) (Inode, error) {
	v, err := fs.dirOf(ino)
	if err != nil {
		return Inode{}, err
	}
	if v.sandboxRoot {
		return ino, nil
	}
	if _, err := fs.inodes.get(v.Parent); err != nil {
		return Inode{}, invariant("inode %v has a dangling parent %v", ino, v.Parent)
	}
	return v.Parent, nil
}

// sandboxRoot returns the preopen root (or the virtual root) that encloses
// ino.
func (fs *WasiFs) sandboxRoot(ino Inode) (Inode, error) {
	for {
		v, err := fs.inodes.get(ino)
		if err != nil {
			return Inode{}, err
		}
		if v.sandboxRoot {
			return ino, nil
		}
		if v.Parent.IsZero() {
			return Inode{}, ErrNotFound
		}
		ino = v.Parent
	}
}

// isAncestor reports whether dir is ino or one of its ancestors.
func (fs *WasiFs) isAncestor(dir, ino Inode) bool {
	for {
		if ino == dir {
			return true
		}
		v, err := fs.inodes.get(ino)
		if err != nil || v.sandboxRoot || v.Parent.IsZero() {
			return false
		}
		ino = v.Parent
	}
}
