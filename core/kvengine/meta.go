package kvengine

import (
	"encoding/binary"
	"fmt"
)

// metaMagic identifies a valid database file. A mismatch is a fatal,
// unrecoverable condition: the DAL refuses to proceed rather than guess at
// a layout it can't verify.
const metaMagic uint32 = 0xD00DB00D

const metaSize = 4 + 8 + 8 // magic, root, free_list_page

// Meta is the fixed root page of the store: the page of the top-level
// collections tree (the "collection of collections") and the page holding
// the free list. Persisted at page number 0.
type Meta struct {
	Root         PageNum
	FreeListPage PageNum
}

func (m *Meta) serialize(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], metaMagic)
	binary.BigEndian.PutUint64(buf[4:12], uint64(m.Root))
	binary.BigEndian.PutUint64(buf[12:20], uint64(m.FreeListPage))
	for i := metaSize; i < len(buf); i++ {
		buf[i] = 0
	}
}

// deserializeMeta reads a Meta record. Unlike the DBFileHeader round trip
// this is adapted from, it never writes into buf — spec.md §9 flags that
// behavior as a bug in the source it was distilled from, not an intended
// contract.
func deserializeMeta(buf []byte) (*Meta, error) {
	if len(buf) < metaSize {
		return nil, fmt.Errorf("%w: meta page too short", ErrCorrupt)
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != metaMagic {
		return nil, fmt.Errorf("%w: bad meta magic 0x%x", ErrCorrupt, magic)
	}
	return &Meta{
		Root:         PageNum(binary.BigEndian.Uint64(buf[4:12])),
		FreeListPage: PageNum(binary.BigEndian.Uint64(buf[12:20])),
	}, nil
}
