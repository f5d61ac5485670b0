package kvengine

import (
	"encoding/binary"
	"fmt"
)

// freeListHeaderSize is the size in bytes of the two length-prefix fields
// written ahead of the released page numbers: max_page (u64) and count
// (u64). spec.md describes these as u16; SPEC_FULL.md §4.2d widens them to
// u64 so a long-lived file isn't capped at 65535 allocations — a
// deliberate, documented format break from the narrower on-disk scheme.
const freeListHeaderSize = 8 + 8

// FreeList allocates and reuses page numbers. Page 0 is reserved for Meta,
// so the first call to GetNextPage on a fresh list returns 1. Reuse is
// LIFO: the most recently released page is the next one handed out, which
// keeps file growth bounded and favors whatever locality the host's page
// cache already has for recently touched pages.
type FreeList struct {
	maxPage  PageNum
	released []PageNum
}

func newFreeList() *FreeList {
	return &FreeList{}
}

// GetNextPage returns the tail of the released list if one is available,
// else grows maxPage and returns the new high-water page.
func (fl *FreeList) GetNextPage() PageNum {
	if n := len(fl.released); n > 0 {
		p := fl.released[n-1]
		fl.released = fl.released[:n-1]
		return p
	}
	fl.maxPage++
	return fl.maxPage
}

// ReleasePage returns p to the pool, to be handed out again before the
// file is grown any further.
func (fl *FreeList) ReleasePage(p PageNum) {
	fl.released = append(fl.released, p)
}

// serialize writes the free list's wire form into buf: big-endian
// max_page, count, then count big-endian page numbers.
func (fl *FreeList) serialize(buf []byte) error {
	need := freeListHeaderSize + 8*len(fl.released)
	if need > len(buf) {
		return fmt.Errorf("kvengine: free list with %d released pages does not fit in one page", len(fl.released))
	}
	binary.BigEndian.PutUint64(buf[0:8], uint64(fl.maxPage))
	binary.BigEndian.PutUint64(buf[8:16], uint64(len(fl.released)))
	off := freeListHeaderSize
	for _, p := range fl.released {
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(p))
		off += 8
	}
	for i := off; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// deserializeFreeList reads a free list previously written by serialize.
func deserializeFreeList(buf []byte) (*FreeList, error) {
	if len(buf) < freeListHeaderSize {
		return nil, fmt.Errorf("%w: free list page too short", ErrCorrupt)
	}
	maxPage := PageNum(binary.BigEndian.Uint64(buf[0:8]))
	count := binary.BigEndian.Uint64(buf[8:16])
	need := freeListHeaderSize + 8*int(count)
	if need > len(buf) {
		return nil, fmt.Errorf("%w: free list declares %d entries, page too small", ErrCorrupt, count)
	}
	released := make([]PageNum, count)
	off := freeListHeaderSize
	for i := uint64(0); i < count; i++ {
		released[i] = PageNum(binary.BigEndian.Uint64(buf[off : off+8]))
		off += 8
	}
	return &FreeList{maxPage: maxPage, released: released}, nil
}
