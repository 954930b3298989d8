package wasi

import (
	"path"
	"strings"
)

// PreopenDir is a directory made available to the guest at startup. It is
// immutable once the filesystem has been built.
type PreopenDir struct {
	// Alias is the guest-visible name reported by fd_prestat_dir_name.
	Alias string
	// HostPath is the absolute host directory, or empty for an in-memory
	// directory.
	HostPath string

	Root    Inode
	Fd      Fd
	Rights  Rights
	Inherit Rights
}

// PreopenDirBuilder configures a preopened directory.
type PreopenDirBuilder struct {
	path   string
	alias  string
	read   bool
	write  bool
	create bool

	rights  *Rights
	inherit *Rights
}

// NewPreopenDir starts the configuration of a preopen of the host directory
// at hostPath. An empty hostPath mounts an empty in-memory directory.
func NewPreopenDir(hostPath string) *PreopenDirBuilder {
	return &PreopenDirBuilder{path: hostPath}
}

// Alias sets the guest-visible name. It defaults to the host path.
func (b *PreopenDirBuilder) Alias(alias string) *PreopenDirBuilder {
	b.alias = alias
	return b
}

func (b *PreopenDirBuilder) Read(v bool) *PreopenDirBuilder {
	b.read = v
	return b
}

func (b *PreopenDirBuilder) Write(v bool) *PreopenDirBuilder {
	b.write = v
	return b
}

func (b *PreopenDirBuilder) Create(v bool) *PreopenDirBuilder {
	b.create = v
	return b
}

// Rights overrides the rights computed from the read/write/create flags.
func (b *PreopenDirBuilder) Rights(base, inherit Rights) *PreopenDirBuilder {
	b.rights, b.inherit = &base, &inherit
	return b
}

func (b *PreopenDirBuilder) build() (PreopenDir, error) {
	alias := b.alias
	if alias == "" {
		alias = b.path
	}
	if alias == "" {
		return PreopenDir{}, &StateCreationError{Reason: "preopen needs a host path or an alias"}
	}
	if strings.IndexByte(alias, 0) >= 0 {
		return PreopenDir{}, &StateCreationError{Reason: "preopen alias contains a nul byte"}
	}

	var rights Rights
	if b.read {
		rights |= ReadOnlyRights
	}
	if b.write {
		rights |= WriteRights
	}
	if b.create {
		rights |= CreateRights
	}
	if !b.read && !b.write && !b.create && b.rights == nil {
		return PreopenDir{}, &StateCreationError{Reason: "preopen " + alias + " must be readable, writable or creatable"}
	}

	p := PreopenDir{Alias: alias, HostPath: b.path, Rights: rights, Inherit: rights}
	if b.rights != nil {
		p.Rights, p.Inherit = *b.rights, *b.inherit
	}
	return p, nil
}

// rootEntryName returns the name under which a preopen appears in the virtual
// root. Aliases that name the root itself ("/", ".") or span several
// components ("/tmp/data") are not linked into the virtual root and are only
// reachable through their own descriptor.
func rootEntryName(alias string) string {
	name := strings.Trim(path.Clean("/"+alias), "/")
	if strings.Contains(name, "/") {
		return ""
	}
	return name
}
