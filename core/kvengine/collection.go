package kvengine

import (
	"encoding/binary"
	"fmt"
)

// collectionRecordSize is the fixed wire size of a Collection's value in
// the top-level collections tree: its root page number and ID counter,
// both big-endian u64.
const collectionRecordSize = 8 + 8

// Collection is a named B-tree sharing the database file's page space
// with every other collection. Values returned by a Collection are
// defensive copies; Collection instances, like Node instances, live
// strictly within the Transaction that produced them.
type Collection struct {
	Name []byte

	root    PageNum
	counter uint64

	tx *Transaction
}

func (c *Collection) serialize() []byte {
	buf := make([]byte, collectionRecordSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(c.root))
	binary.BigEndian.PutUint64(buf[8:16], c.counter)
	return buf
}

func deserializeCollection(buf []byte) (*Collection, error) {
	if len(buf) < collectionRecordSize {
		return nil, fmt.Errorf("%w: collection record too short", ErrCorrupt)
	}
	return &Collection{
		root:    PageNum(binary.BigEndian.Uint64(buf[0:8])),
		counter: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// Put inserts or overwrites key with value in the collection.
func (c *Collection) Put(key, value []byte) error {
	if c.tx.state != TxRunning {
		return ErrTxFinished
	}
	newRoot, err := c.tx.treePut(c.root, key, value)
	if err != nil {
		return err
	}
	c.root = newRoot
	return c.tx.persistCollection(c)
}

// Find returns a defensive copy of the value stored under key, or
// ErrNotFound.
func (c *Collection) Find(key []byte) ([]byte, error) {
	if c.tx.state != TxRunning {
		return nil, ErrTxFinished
	}
	return c.tx.treeFind(c.root, key)
}

// Remove deletes key from the collection. Removing an absent key is a
// no-op.
func (c *Collection) Remove(key []byte) error {
	if c.tx.state != TxRunning {
		return ErrTxFinished
	}
	newRoot, err := c.tx.treeRemove(c.root, key)
	if err != nil {
		return err
	}
	c.root = newRoot
	return c.tx.persistCollection(c)
}

// ID mints a fresh, monotonically increasing identifier scoped to this
// collection. It is a write-transaction-only operation; called on a
// read transaction it returns 0 without minting anything.
func (c *Collection) ID() (uint64, error) {
	if c.tx.state != TxRunning {
		return 0, ErrTxFinished
	}
	if !c.tx.write {
		return 0, nil
	}
	id := c.counter
	c.counter++
	if err := c.tx.persistCollection(c); err != nil {
		c.counter--
		return 0, err
	}
	return id, nil
}
