package wasi

// Kind is the payload of an inode. The set of kinds is closed: *KindRoot,
// *KindDir, *KindFile, *KindSymlink, *KindBuffer and *KindSpecial.
type Kind interface {
	Filetype() Filetype
	isKind()
}

// KindRoot is the synthetic root directory. Its entries are the preopened
// directories.
type KindRoot struct {
	Entries map[string]Inode
}

// KindDir is a directory. When HostPath is empty the directory exists only in
// memory and files created inside it are buffers.
type KindDir struct {
	Entries  map[string]Inode
	HostPath string
}

// KindFile is a file. Host-backed files carry the HostPath they are opened
// from; files with a Handle (such as the standard streams) share that handle
// between every descriptor opened on them.
type KindFile struct {
	HostPath string
	Handle   File
}

// KindSymlink is a symbolic link whose Target is a guest path.
type KindSymlink struct {
	Target string
}

// KindBuffer is an in-memory file without host backing.
type KindBuffer struct {
	Buffer *Buffer
}

// KindSpecial marks sockets and devices. It carries no host resource.
type KindSpecial struct {
	Type Filetype
}

func (*KindRoot) Filetype() Filetype    { return FiletypeDirectory }
func (*KindDir) Filetype() Filetype     { return FiletypeDirectory }
func (*KindFile) Filetype() Filetype    { return FiletypeRegularFile }
func (*KindSymlink) Filetype() Filetype { return FiletypeSymbolicLink }
func (*KindBuffer) Filetype() Filetype  { return FiletypeRegularFile }
func (k *KindSpecial) Filetype() Filetype {
	return k.Type
}

func (*KindRoot) isKind()    {}
func (*KindDir) isKind()     {}
func (*KindFile) isKind()    {}
func (*KindSymlink) isKind() {}
func (*KindBuffer) isKind()  {}
func (*KindSpecial) isKind() {}

// dirEntries returns the entry mapping of a directory kind.
func dirEntries(k Kind) (map[string]Inode, bool) {
	switch k := k.(type) {
	case *KindRoot:
		return k.Entries, true
	case *KindDir:
		return k.Entries, true
	default:
		return nil, false
	}
}

// hostPathOf returns the host path backing a kind, if any.
func hostPathOf(k Kind) string {
	switch k := k.(type) {
	case *KindDir:
		return k.HostPath
	case *KindFile:
		return k.HostPath
	default:
		return ""
	}
}
