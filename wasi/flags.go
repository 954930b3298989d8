package wasi

// Oflags are the open flags of path_open.
type Oflags uint16

// Fdflags are the flags attached to a file descriptor.
type Fdflags uint16

// LookupFlags control path resolution.
type LookupFlags uint32

const (
	// Create file if it does not exist.
	O_Creat Oflags = 1 << 0
	// Fail if not a directory.
	O_Directory Oflags = 1 << 1
	// Fail if file already exists.
	O_Excl Oflags = 1 << 2
	// Truncate file to size 0.
	O_Trunc Oflags = 1 << 3

	// Append mode: Data written to the file is always appended to the file's end.
	F_Append Fdflags = 1 << 0
	// Write according to synchronized I/O data integrity completion. Only the data stored in the file is synchronized.
	F_Dsync Fdflags = 1 << 1
	// Non-blocking mode.
	F_Nonblock Fdflags = 1 << 2
	// Synchronized read I/O operations.
	F_Rsync Fdflags = 1 << 3
	// Write according to synchronized I/O file integrity completion. In
	// addition to synchronizing the data stored in the file, the implementation
	// may also synchronously update the file's metadata.
	F_Sync Fdflags = 1 << 4

	// As long as the resolved path corresponds to a symbolic link, it is
	// expanded.
	LookupSymlinkFollow LookupFlags = 1 << 0
)
