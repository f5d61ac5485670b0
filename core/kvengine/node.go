package kvengine

import (
	"encoding/binary"
	"fmt"

	"github.com/cellkv/cellkv/internal/bytesutil"
)

// nodeHeaderSize is the 3-byte slotted-page header: a leaf flag and a
// big-endian item count.
const nodeHeaderSize = 1 + 2

// Item is a key/value pair stored in a Node. Keys are strictly increasing
// within a node, compared as unsigned bytes. Both key and value must fit
// in a single byte of length — the wire format's one-byte length prefix is
// enforced by the tree-level put, not here.
type Item struct {
	Key   []byte
	Value []byte
}

func cloneItem(it *Item) *Item {
	return &Item{Key: bytesutil.Clone(it.Key), Value: bytesutil.Clone(it.Value)}
}

// Node is a B-tree node. It is a leaf iff Children is empty; for an
// internal node with k Items, len(Children) == k+1. The tx field is a
// non-owning back-reference used to fault sibling and child nodes — Node
// instances live strictly within the Transaction that produced them.
type Node struct {
	pageNum  PageNum
	items    []*Item
	children []PageNum
	tx       *Transaction
}

func (n *Node) isLeaf() bool {
	return len(n.children) == 0
}

// elementSize is the serialized footprint of items[i]: its length-prefixed
// key and value, the two-byte cell offset that locates it, and the
// eight-byte child pointer slot every item carries room for in the wire
// format, per spec.md §4.3.
func (n *Node) elementSize(i int) int {
	it := n.items[i]
	return 1 + len(it.Key) + 1 + len(it.Value) + 2 + 8
}

// size is the total serialized footprint of the node: header, every
// item's element size, and the trailing child pointer.
func (n *Node) size() int {
	total := nodeHeaderSize
	for i := range n.items {
		total += n.elementSize(i)
	}
	return total + 8
}

// findKeyInNode does a linear scan for key within this node's items.
// Binary search is a valid refinement over strictly-ordered items; linear
// scan is the contract this implementation keeps, matching how small a
// single node's item count stays relative to scan cost.
func (n *Node) findKeyInNode(key []byte) (found bool, idx int) {
	for i, it := range n.items {
		c := bytesutil.Compare(key, it.Key)
		if c == 0 {
			return true, i
		}
		if c < 0 {
			return false, i
		}
	}
	return false, len(n.items)
}

// findKey walks down from n looking for key, faulting child nodes through
// the owning Transaction as needed. With exact=false a not-found result in
// a leaf still returns the insertion slot; with exact=true it returns
// ErrNotFound instead.
func (n *Node) findKey(key []byte, exact bool) (idx int, found bool, target *Node, ancestors []int, err error) {
	current := n
	for {
		f, i := current.findKeyInNode(key)
		if f {
			return i, true, current, ancestors, nil
		}
		if current.isLeaf() {
			if exact {
				return 0, false, nil, nil, ErrNotFound
			}
			return i, false, current, ancestors, nil
		}
		ancestors = append(ancestors, i)
		child, err := current.tx.getNode(current.children[i])
		if err != nil {
			return 0, false, nil, nil, err
		}
		current = child
	}
}

// split splits nodeToSplit, a child of n at position indexInParent, in
// two, promoting the middle item into n. It is a sanity failure for a
// node flagged over-populated to have no split index.
func (n *Node) split(nodeToSplit *Node, indexInParent int) error {
	s, ok := n.tx.dal.getSplitIndex(nodeToSplit)
	if !ok {
		return ErrSplitIndexNotFound
	}
	mid := nodeToSplit.items[s]
	wasInternal := !nodeToSplit.isLeaf()

	newNode := n.tx.newNode(append([]*Item{}, nodeToSplit.items[s+1:]...), nil)
	if wasInternal {
		newNode.children = append([]PageNum{}, nodeToSplit.children[s+1:]...)
	}
	if _, err := n.tx.writeNode(newNode); err != nil {
		return err
	}

	nodeToSplit.items = nodeToSplit.items[:s]
	if wasInternal {
		nodeToSplit.children = nodeToSplit.children[:s+1]
	}

	n.items = insertItemAt(n.items, indexInParent, mid)
	n.children = insertPageAt(n.children, indexInParent+1, newNode.pageNum)

	if _, err := n.tx.writeNode(n); err != nil {
		return err
	}
	if _, err := n.tx.writeNode(nodeToSplit); err != nil {
		return err
	}
	return nil
}

// rebalanceRemove restores min-fill on unbalanced, a child of n at
// position index, by rotating an element from a sibling that can spare
// one, or merging with a sibling otherwise. Right-rotate is tried before
// left-rotate; merge is the last resort.
func (n *Node) rebalanceRemove(unbalanced *Node, index int) error {
	if index != 0 {
		left, err := n.tx.getNode(n.children[index-1])
		if err != nil {
			return err
		}
		if _, ok := n.tx.dal.getSplitIndex(left); ok {
			return n.rotateRight(left, unbalanced, index)
		}
	}
	if index != len(n.children)-1 {
		right, err := n.tx.getNode(n.children[index+1])
		if err != nil {
			return err
		}
		if _, ok := n.tx.dal.getSplitIndex(right); ok {
			return n.rotateLeft(unbalanced, right, index)
		}
	}
	if index == 0 {
		return n.mergeChildren(0, 1)
	}
	return n.mergeChildren(index-1, index)
}

// rotateRight moves left's last item up through the separator at
// items[index-1] and down into unbalanced's front.
func (n *Node) rotateRight(left, unbalanced *Node, index int) error {
	sepIdx := index - 1
	borrowed := left.items[len(left.items)-1]
	left.items = left.items[:len(left.items)-1]

	oldSep := n.items[sepIdx]
	n.items[sepIdx] = borrowed
	unbalanced.items = insertItemAt(unbalanced.items, 0, oldSep)

	if !left.isLeaf() {
		lastChild := left.children[len(left.children)-1]
		left.children = left.children[:len(left.children)-1]
		unbalanced.children = insertPageAt(unbalanced.children, 0, lastChild)
	}

	return n.writeTrio(left, unbalanced)
}

// rotateLeft moves right's first item up through the separator at
// items[index] and down into unbalanced's back.
func (n *Node) rotateLeft(unbalanced, right *Node, index int) error {
	sepIdx := index
	borrowed := right.items[0]
	right.items = right.items[1:]

	oldSep := n.items[sepIdx]
	n.items[sepIdx] = borrowed
	unbalanced.items = append(unbalanced.items, oldSep)

	if !right.isLeaf() {
		firstChild := right.children[0]
		right.children = right.children[1:]
		unbalanced.children = append(unbalanced.children, firstChild)
	}

	return n.writeTrio(unbalanced, right)
}

func (n *Node) writeTrio(a, b *Node) error {
	if _, err := n.tx.writeNode(n); err != nil {
		return err
	}
	if _, err := n.tx.writeNode(a); err != nil {
		return err
	}
	if _, err := n.tx.writeNode(b); err != nil {
		return err
	}
	return nil
}

// mergeChildren folds children[rightIdx] into children[leftIdx] through
// the separator n.items[leftIdx], then drops the separator and the right
// child from n and returns the right child's page to the free list.
func (n *Node) mergeChildren(leftIdx, rightIdx int) error {
	left, err := n.tx.getNode(n.children[leftIdx])
	if err != nil {
		return err
	}
	right, err := n.tx.getNode(n.children[rightIdx])
	if err != nil {
		return err
	}

	left.items = append(left.items, n.items[leftIdx])
	left.items = append(left.items, right.items...)
	if !left.isLeaf() {
		left.children = append(left.children, right.children...)
	}

	n.items = removeItemAt(n.items, leftIdx)
	n.children = removePageAt(n.children, rightIdx)
	n.tx.deleteNode(right.pageNum)

	if _, err := n.tx.writeNode(n); err != nil {
		return err
	}
	if _, err := n.tx.writeNode(left); err != nil {
		return err
	}
	return nil
}

func insertItemAt(items []*Item, idx int, it *Item) []*Item {
	out := make([]*Item, 0, len(items)+1)
	out = append(out, items[:idx]...)
	out = append(out, it)
	out = append(out, items[idx:]...)
	return out
}

func removeItemAt(items []*Item, idx int) []*Item {
	out := make([]*Item, 0, len(items)-1)
	out = append(out, items[:idx]...)
	out = append(out, items[idx+1:]...)
	return out
}

func insertPageAt(pages []PageNum, idx int, p PageNum) []PageNum {
	out := make([]PageNum, 0, len(pages)+1)
	out = append(out, pages[:idx]...)
	out = append(out, p)
	out = append(out, pages[idx:]...)
	return out
}

func removePageAt(pages []PageNum, idx int) []PageNum {
	out := make([]PageNum, 0, len(pages)-1)
	out = append(out, pages[:idx]...)
	out = append(out, pages[idx+1:]...)
	return out
}

// serialize lays the node out as a slotted page: the header and per-item
// (child pointer, cell offset) entries grow from the left; key/value
// cells grow from the right, toward the left.
func (n *Node) serialize(buf []byte) error {
	leaf := n.isLeaf()
	left := nodeHeaderSize
	right := len(buf)

	if leaf {
		buf[0] = 1
	} else {
		buf[0] = 0
	}
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(n.items)))

	for i, it := range n.items {
		if !leaf {
			binary.BigEndian.PutUint64(buf[left:left+8], uint64(n.children[i]))
			left += 8
		}
		cellSize := 1 + len(it.Key) + 1 + len(it.Value)
		right -= cellSize
		if right < left+2 {
			return fmt.Errorf("kvengine: node (page %d) does not fit in a %d byte page", n.pageNum, len(buf))
		}
		cell := buf[right : right+cellSize]
		cell[0] = byte(len(it.Key))
		copy(cell[1:], it.Key)
		cell[1+len(it.Key)] = byte(len(it.Value))
		copy(cell[2+len(it.Key):], it.Value)

		binary.BigEndian.PutUint16(buf[left:left+2], uint16(right))
		left += 2
	}

	if !leaf {
		if left+8 > right {
			return fmt.Errorf("kvengine: node (page %d) does not fit in a %d byte page", n.pageNum, len(buf))
		}
		binary.BigEndian.PutUint64(buf[left:left+8], uint64(n.children[len(n.children)-1]))
		left += 8
	}

	for i := left; i < right; i++ {
		buf[i] = 0
	}
	return nil
}

// deserializeNode reverses serialize: read the header, then for each item an
// optional child pointer and a cell offset, then the cell itself.
func deserializeNode(buf []byte) (*Node, error) {
	if len(buf) < nodeHeaderSize {
		return nil, fmt.Errorf("%w: node page too short", ErrCorrupt)
	}
	leaf := buf[0] == 1
	itemCount := int(binary.BigEndian.Uint16(buf[1:3]))

	n := &Node{items: make([]*Item, 0, itemCount)}
	if !leaf {
		n.children = make([]PageNum, 0, itemCount+1)
	}

	left := nodeHeaderSize
	for i := 0; i < itemCount; i++ {
		if !leaf {
			if left+8 > len(buf) {
				return nil, fmt.Errorf("%w: truncated child pointer", ErrCorrupt)
			}
			n.children = append(n.children, PageNum(binary.BigEndian.Uint64(buf[left:left+8])))
			left += 8
		}
		if left+2 > len(buf) {
			return nil, fmt.Errorf("%w: truncated cell offset", ErrCorrupt)
		}
		cellOffset := int(binary.BigEndian.Uint16(buf[left : left+2]))
		left += 2

		if cellOffset >= len(buf) {
			return nil, fmt.Errorf("%w: cell offset out of range", ErrCorrupt)
		}
		keyLen := int(buf[cellOffset])
		valLenPos := cellOffset + 1 + keyLen
		if valLenPos >= len(buf) {
			return nil, fmt.Errorf("%w: truncated cell", ErrCorrupt)
		}
		valLen := int(buf[valLenPos])
		valStart := valLenPos + 1
		if valStart+valLen > len(buf) {
			return nil, fmt.Errorf("%w: truncated cell value", ErrCorrupt)
		}
		n.items = append(n.items, &Item{
			Key:   bytesutil.Clone(buf[cellOffset+1 : cellOffset+1+keyLen]),
			Value: bytesutil.Clone(buf[valStart : valStart+valLen]),
		})
	}

	if !leaf {
		if left+8 > len(buf) {
			return nil, fmt.Errorf("%w: truncated trailing child pointer", ErrCorrupt)
		}
		n.children = append(n.children, PageNum(binary.BigEndian.Uint64(buf[left:left+8])))
	}

	return n, nil
}
