package wasi

import (
	"fmt"
	"strings"
)

// Rights is a set of capabilities attached to a file descriptor.
type Rights uint64

const (
	FileRights      = RightsFdAdvise | RightsFdAllocate | RightsFdDatasync | RightsFdFdstatSetFlags | RightsFdFilestatGet | RightsFdFilestatSetSize | RightsFdFilestatSetTimes | RightsFdRead | RightsFdSeek | RightsFdSync | RightsFdTell | RightsFdWrite | RightsPollFdReadwrite | RightsSockShutdown
	DirectoryRights = RightsFdReaddir | RightsPathCreateDirectory | RightsPathCreateFile | RightsPathFilestatGet | RightsPathFilestatSetSize | RightsPathFilestatSetTimes | RightsPathLinkSource | RightsPathLinkTarget | RightsPathOpen | RightsPathReadlink | RightsPathRemoveDirectory | RightsPathRenameSource | RightsPathRenameTarget | RightsPathSymlink | RightsPathUnlinkFile
	AllRights       = FileRights | DirectoryRights

	ReadOnlyRights = RightsFdRead | RightsFdSeek | RightsFdTell | RightsFdAdvise | RightsPathOpen | RightsFdReaddir | RightsPathReadlink | RightsPathFilestatGet | RightsFdFilestatGet | RightsPollFdReadwrite

	// WriteRights are granted by a preopen marked writable.
	WriteRights = RightsFdWrite | RightsFdDatasync | RightsFdSync | RightsFdAllocate | RightsFdFdstatSetFlags | RightsFdFilestatSetSize | RightsFdFilestatSetTimes | RightsPathFilestatSetSize | RightsPathFilestatSetTimes | RightsPathRenameSource | RightsPathRenameTarget | RightsPathUnlinkFile | RightsPathRemoveDirectory | RightsPathSymlink | RightsPathLinkSource | RightsPathLinkTarget

	// CreateRights are granted by a preopen marked creatable.
	CreateRights = RightsPathCreateDirectory | RightsPathCreateFile

	// The right to invoke `fd_datasync`.
	// If `path_open` is set, includes the right to invoke
	// `path_open` with `fdflags::dsync`.
	RightsFdDatasync Rights = 1 << 0

	// The right to invoke `fd_read` and `sock_recv`.
	// If `rights::fd_seek` is set, includes the right to invoke `fd_pread`.
	RightsFdRead Rights = 1 << 1

	// The right to invoke `fd_seek`. This flag implies `rights::fd_tell`.
	RightsFdSeek Rights = 1 << 2

	// The right to invoke `fd_fdstat_set_flags`.
	RightsFdFdstatSetFlags Rights = 1 << 3

	// The right to invoke `fd_sync`.
	RightsFdSync Rights = 1 << 4

	// The right to invoke `fd_seek` in such a way that the file offset
	// remains unaltered (i.e., `whence::cur` with offset zero), or to
	// invoke `fd_tell`.
	RightsFdTell Rights = 1 << 5

	// The right to invoke `fd_write` and `sock_send`.
	// If `rights::fd_seek` is set, includes the right to invoke `fd_pwrite`.
	RightsFdWrite Rights = 1 << 6

	// The right to invoke `fd_advise`.
	RightsFdAdvise Rights = 1 << 7

	// The right to invoke `fd_allocate`.
	RightsFdAllocate Rights = 1 << 8

	// The right to invoke `path_create_directory`.
	RightsPathCreateDirectory Rights = 1 << 9

	// If `path_open` is set, the right to invoke `path_open` with `oflags::creat`.
	RightsPathCreateFile Rights = 1 << 10

	// The right to invoke `path_link` with the file descriptor as the
	// source directory.
	RightsPathLinkSource Rights = 1 << 11

	// The right to invoke `path_link` with the file descriptor as the
	// target directory.
	RightsPathLinkTarget Rights = 1 << 12

	// The right to invoke `path_open`.
	RightsPathOpen Rights = 1 << 13

	// The right to invoke `fd_readdir`.
	RightsFdReaddir Rights = 1 << 14

	// The right to invoke `path_readlink`.
	RightsPathReadlink Rights = 1 << 15

	// The right to invoke `path_rename` with the file descriptor as the source directory.
	RightsPathRenameSource Rights = 1 << 16

	// The right to invoke `path_rename` with the file descriptor as the target directory.
	RightsPathRenameTarget Rights = 1 << 17

	// The right to invoke `path_filestat_get`.
	RightsPathFilestatGet Rights = 1 << 18

	// The right to change a file's size (there is no `path_filestat_set_size`).
	// If `path_open` is set, includes the right to invoke `path_open` with `oflags::trunc`.
	RightsPathFilestatSetSize Rights = 1 << 19

	// The right to invoke `path_filestat_set_times`.
	RightsPathFilestatSetTimes Rights = 1 << 20

	// The right to invoke `fd_filestat_get`.
	RightsFdFilestatGet Rights = 1 << 21

	// The right to invoke `fd_filestat_set_size`.
	RightsFdFilestatSetSize Rights = 1 << 22

	// The right to invoke `fd_filestat_set_times`.
	RightsFdFilestatSetTimes Rights = 1 << 23

	// The right to invoke `path_symlink`.
	RightsPathSymlink Rights = 1 << 24

	// The right to invoke `path_remove_directory`.
	RightsPathRemoveDirectory Rights = 1 << 25

	// The right to invoke `path_unlink_file`.
	RightsPathUnlinkFile Rights = 1 << 26

	// If `rights::fd_read` is set, includes the right to invoke `poll_oneoff` to subscribe to `eventtype::fd_read`.
	// If `rights::fd_write` is set, includes the right to invoke `poll_oneoff` to subscribe to `eventtype::fd_write`.
	RightsPollFdReadwrite Rights = 1 << 27

	// The right to invoke `sock_shutdown`.
	RightsSockShutdown Rights = 1 << 28
)

var rightNames = [...]string{
	"fd_datasync",
	"fd_read",
	"fd_seek",
	"fd_fdstat_set_flags",
	"fd_sync",
	"fd_tell",
	"fd_write",
	"fd_advise",
	"fd_allocate",
	"path_create_directory",
	"path_create_file",
	"path_link_source",
	"path_link_target",
	"path_open",
	"fd_readdir",
	"path_readlink",
	"path_rename_source",
	"path_rename_target",
	"path_filestat_get",
	"path_filestat_set_size",
	"path_filestat_set_times",
	"fd_filestat_get",
	"fd_filestat_set_size",
	"fd_filestat_set_times",
	"path_symlink",
	"path_remove_directory",
	"path_unlink_file",
	"poll_fd_readwrite",
	"sock_shutdown",
}

// Contains reports whether every right in o is present in r.
func (r Rights) Contains(o Rights) bool {
	return r&o == o
}

func (r Rights) Intersect(o Rights) Rights {
	return r & o
}

func (r Rights) Union(o Rights) Rights {
	return r | o
}

func (r Rights) Remove(o Rights) Rights {
	return r &^ o
}

func (r Rights) String() string {
	if r == 0 {
		return "none"
	}
	if r == AllRights {
		return "all"
	}

	var names []string
	for i, name := range rightNames {
		if r&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if extra := r &^ AllRights; extra != 0 {
		names = append(names, fmt.Sprintf("%#x", uint64(extra)))
	}
	return strings.Join(names, "|")
}

// RightByName returns the single right with the given WASI name.
func RightByName(name string) (Rights, bool) {
	for i, n := range rightNames {
		if n == name {
			return 1 << i, true
		}
	}
	return 0, false
}

// ParseRights applies a list of rights flags to base and inherit. Each flag is
// either a right name or one of the groups "all", "dir" and "file", optionally
// prefixed with "=" (assign), "-" (remove) and "inherit:" (target the
// inheriting set). "=ro" assigns the read-only group.
func ParseRights(flags []string, base, inherit *Rights) error {
	for _, f := range flags {
		if f == "" {
			continue
		}

		r := base
		if strings.HasPrefix(f, "inherit:") {
			r, f = inherit, f[len("inherit:"):]
		}

		op := byte('+')
		if len(f) > 0 && (f[0] == '=' || f[0] == '-') {
			op, f = f[0], f[1:]
		}

		var v Rights
		switch f {
		case "all":
			v = AllRights
		case "dir":
			v = DirectoryRights
		case "file":
			v = FileRights
		case "ro":
			if op != '=' {
				return fmt.Errorf("unknown rights flag '%v'", f)
			}
			v = ReadOnlyRights
		default:
			right, ok := RightByName(f)
			if !ok {
				return fmt.Errorf("unknown rights flag '%v'", f)
			}
			v = right
		}

		switch op {
		case '=':
			*r = v
		case '-':
			*r &^= v
		default:
			*r |= v
		}
	}
	return nil
}
