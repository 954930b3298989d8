package wasi

import (
	"fmt"

	"github.com/willf/bitset"
)

// Inode identifies a slot in the inode arena. The generation changes every
// time the slot is freed, so a retained Inode never aliases a newer object.
// The zero Inode is never valid.
type Inode struct {
	index      uint32
	generation uint32
}

func (i Inode) Index() uint32 {
	return i.index
}

func (i Inode) Generation() uint32 {
	return i.generation
}

func (i Inode) IsZero() bool {
	return i.generation == 0
}

// Ino is the inode number reported to the guest.
func (i Inode) Ino() uint64 {
	return uint64(i.generation)<<32 | uint64(i.index)
}

func (i Inode) String() string {
	return fmt.Sprintf("%d.%d", i.index, i.generation)
}

func inodeFromIno(ino uint64) Inode {
	return Inode{index: uint32(ino), generation: uint32(ino >> 32)}
}

// InodeVal is a file the filesystem knows about, open or not.
type InodeVal struct {
	Kind Kind
	Stat FileStat
	Name string

	// Parent is a lookup-only back reference to the containing directory.
	Parent Inode

	// sandboxRoot marks preopen roots and the virtual root: ".." never moves
	// above them.
	sandboxRoot bool

	// linked is true while a directory entry refers to the inode.
	linked  bool
	openFds int
}

func (v *InodeVal) OpenFds() int {
	return v.openFds
}

func (v *InodeVal) Linked() bool {
	return v.linked
}

type inodeSlot struct {
	generation uint32
	val        *InodeVal
}

type inodeArena struct {
	slots  []inodeSlot
	vacant bitset.BitSet
	live   int
}

func (a *inodeArena) allocate(v *InodeVal) Inode {
	if i, ok := a.vacant.NextSet(0); ok {
		a.vacant.Clear(i)
		slot := &a.slots[i]
		slot.val = v
		a.live++
		return Inode{index: uint32(i), generation: slot.generation}
	}

	a.slots = append(a.slots, inodeSlot{generation: 1, val: v})
	a.live++
	return Inode{index: uint32(len(a.slots) - 1), generation: 1}
}

func (a *inodeArena) get(ino Inode) (*InodeVal, error) {
	if int(ino.index) >= len(a.slots) {
		return nil, ErrNotFound
	}
	slot := &a.slots[ino.index]
	if slot.val == nil || slot.generation != ino.generation {
		return nil, ErrNotFound
	}
	return slot.val, nil
}

// free releases a slot. The caller must have checked that no directory entry
// and no fd refers to the inode.
func (a *inodeArena) free(ino Inode) error {
	v, err := a.get(ino)
	if err != nil {
		return err
	}
	if v.linked || v.openFds != 0 {
		return invariant("free of referenced inode %v (linked=%v, fds=%d)", ino, v.linked, v.openFds)
	}

	slot := &a.slots[ino.index]
	slot.val = nil
	slot.generation++
	if slot.generation == 0 {
		slot.generation = 1
	}
	a.vacant.Set(uint(ino.index))
	a.live--
	return nil
}

func (a *inodeArena) len() int {
	return a.live
}

// each calls fn for every live inode in slot order.
func (a *inodeArena) each(fn func(ino Inode, v *InodeVal) bool) {
	for i := range a.slots {
		slot := &a.slots[i]
		if slot.val == nil {
			continue
		}
		if !fn(Inode{index: uint32(i), generation: slot.generation}, slot.val) {
			return
		}
	}
}

func (a *inodeArena) reset() {
	a.slots, a.live = nil, 0
	a.vacant.ClearAll()
}

// place installs v at the slot named by ino while an arena is rebuilt from a
// snapshot. Slots that are never placed stay free.
func (a *inodeArena) place(ino Inode, v *InodeVal) error {
	if ino.IsZero() {
		return ErrInvalid
	}
	for len(a.slots) <= int(ino.index) {
		a.slots = append(a.slots, inodeSlot{generation: 1})
		a.vacant.Set(uint(len(a.slots) - 1))
	}
	slot := &a.slots[ino.index]
	if slot.val != nil {
		return ErrExist
	}
	slot.generation, slot.val = ino.generation, v
	a.vacant.Clear(uint(ino.index))
	a.live++
	return nil
}
