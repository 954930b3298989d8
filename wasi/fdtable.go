package wasi

import (
	"github.com/willf/bitset"
)

// Fd is a guest file descriptor.
type Fd uint32

const (
	FdStdin Fd = iota
	FdStdout
	FdStderr

	// VirtualRootFd always refers to the synthetic root directory whose
	// entries are the preopened directories.
	VirtualRootFd

	// firstPreopenFd is the descriptor of the first preopened directory.
	firstPreopenFd
)

const (
	maxFiles = 4096
)

type fdEntry struct {
	inode Inode

	rights  Rights
	inherit Rights
	flags   Fdflags

	// file is nil for directories.
	file File

	// preopen is the index of the preopen plus one, or zero.
	preopen int
}

// fdTable maps descriptors to entries. Closed descriptors are recorded in a
// free set and reused lowest-first; next is the first never-used descriptor.
type fdTable struct {
	entries map[Fd]*fdEntry
	free    bitset.BitSet
	next    Fd
}

func (t *fdTable) init() {
	t.entries = map[Fd]*fdEntry{}
	t.free.ClearAll()
	t.next = 0
}

func (t *fdTable) allocate(e *fdEntry) (Fd, error) {
	if len(t.entries) >= maxFiles {
		return 0, ErrnoNfile
	}

	fd := t.next
	if i, ok := t.free.NextSet(0); ok {
		t.free.Clear(i)
		fd = Fd(i)
	} else {
		t.next++
	}
	t.entries[fd] = e
	return fd, nil
}

// insertAt places e at fd, which must not be open.
func (t *fdTable) insertAt(fd Fd, e *fdEntry) error {
	if _, ok := t.entries[fd]; ok {
		return invariant("fd %d is already open", fd)
	}
	if fd >= t.next {
		for i := t.next; i < fd; i++ {
			t.free.Set(uint(i))
		}
		t.next = fd + 1
	} else {
		t.free.Clear(uint(fd))
	}
	t.entries[fd] = e
	return nil
}

func (t *fdTable) get(fd Fd) (*fdEntry, error) {
	e, ok := t.entries[fd]
	if !ok {
		return nil, ErrBadFd
	}
	return e, nil
}

// acquire returns the entry for fd after checking that it holds every right
// in rights.
func (t *fdTable) acquire(fd Fd, rights Rights) (*fdEntry, error) {
	e, err := t.get(fd)
	if err != nil {
		return nil, err
	}
	if !e.rights.Contains(rights) {
		return nil, ErrNotCapable
	}
	return e, nil
}

// remove deletes the mapping for fd. The number becomes reusable only after
// the entry is gone.
func (t *fdTable) remove(fd Fd) (*fdEntry, error) {
	e, ok := t.entries[fd]
	if !ok {
		return nil, ErrBadFd
	}
	delete(t.entries, fd)
	t.free.Set(uint(fd))
	return e, nil
}

func (t *fdTable) len() int {
	return len(t.entries)
}
