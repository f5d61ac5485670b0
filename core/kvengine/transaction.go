package kvengine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cellkv/cellkv/internal/bytesutil"
)

// TxState is the lifecycle state of a Transaction. The two terminal
// states, Committed and RolledBack, each release the DB's reader-writer
// lock exactly once.
type TxState int

const (
	TxRunning TxState = iota
	TxCommitted
	TxRolledBack
)

// Transaction is a reader or writer view over a DAL. A write transaction
// buffers every node it touches in dirtyNodes until commit, tracks pages
// it allocated (to hand back to the free list on rollback) and pages it
// wants deleted (to release on commit). Node and Collection values handed
// out by a Transaction live strictly within it and become invalid once it
// reaches a terminal state.
type Transaction struct {
	id    uuid.UUID
	db    *DB
	dal   *DAL
	write bool
	state TxState

	meta *Meta

	dirtyNodes        map[PageNum]*Node
	allocatedPageNums []PageNum
	pagesToDelete     []PageNum

	logger *zap.Logger
}

func newTransaction(db *DB, write bool) *Transaction {
	id := uuid.New()
	return &Transaction{
		id:    id,
		db:    db,
		dal:   db.dal,
		write: write,
		meta: &Meta{
			Root:         db.dal.meta.Root,
			FreeListPage: db.dal.meta.FreeListPage,
		},
		dirtyNodes: make(map[PageNum]*Node),
		logger:     db.logger.Named("txn").With(zap.String("txn_id", id.String()), zap.Bool("write", write)),
	}
}

// newNode creates an in-memory node, immediately obtains a page number
// from the free list, and records it as allocated by this transaction so
// a rollback can hand it back.
func (tx *Transaction) newNode(items []*Item, children []PageNum) *Node {
	n := &Node{items: items, children: children, tx: tx}
	n.pageNum = tx.dal.freeList.GetNextPage()
	tx.allocatedPageNums = append(tx.allocatedPageNums, n.pageNum)
	return n
}

// getNode returns the dirty (already-written-this-transaction) copy of
// page n if one exists, else faults it fresh through the DAL.
func (tx *Transaction) getNode(n PageNum) (*Node, error) {
	if node, ok := tx.dirtyNodes[n]; ok {
		return node, nil
	}
	node, err := tx.dal.getNode(n)
	if err != nil {
		return nil, err
	}
	node.tx = tx
	return node, nil
}

// getNodes resolves a path of child indices, starting at root, into the
// actual Node chain, root included.
func (tx *Transaction) getNodes(root PageNum, ancestors []int) ([]*Node, error) {
	rootNode, err := tx.getNode(root)
	if err != nil {
		return nil, err
	}
	nodes := []*Node{rootNode}
	cur := rootNode
	for _, idx := range ancestors {
		child, err := tx.getNode(cur.children[idx])
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, child)
		cur = child
	}
	return nodes, nil
}

// writeNode buffers node in the transaction's dirty map, keyed by page
// number, to be flushed through the DAL on commit.
func (tx *Transaction) writeNode(node *Node) (*Node, error) {
	node.tx = tx
	tx.dirtyNodes[node.pageNum] = node
	return node, nil
}

// deleteNode marks n to be returned to the free list on commit.
func (tx *Transaction) deleteNode(n PageNum) {
	tx.pagesToDelete = append(tx.pagesToDelete, n)
}

// treePut inserts or overwrites key/value in the tree rooted at root,
// splitting nodes bottom-up as needed, and returns the (possibly new)
// root page number.
func (tx *Transaction) treePut(root PageNum, key, value []byte) (PageNum, error) {
	if !tx.write {
		return 0, ErrWriteInsideReadTx
	}
	if len(key) > 255 {
		return 0, ErrKeyTooLarge
	}
	if len(value) > 255 {
		return 0, ErrValueTooLarge
	}
	item := &Item{Key: bytesutil.Clone(key), Value: bytesutil.Clone(value)}

	if root == 0 {
		leaf := tx.newNode([]*Item{item}, nil)
		written, err := tx.writeNode(leaf)
		if err != nil {
			return 0, err
		}
		return written.pageNum, nil
	}

	rootNode, err := tx.getNode(root)
	if err != nil {
		return 0, err
	}
	idx, found, target, ancestors, err := rootNode.findKey(key, false)
	if err != nil {
		return 0, err
	}
	if found {
		target.items[idx] = item
	} else {
		target.items = insertItemAt(target.items, idx, item)
	}
	if _, err := tx.writeNode(target); err != nil {
		return 0, err
	}

	nodes, err := tx.getNodes(root, ancestors)
	if err != nil {
		return 0, err
	}
	for i := len(ancestors) - 1; i >= 0; i-- {
		parent, child := nodes[i], nodes[i+1]
		if tx.dal.isOverPopulated(child) {
			if err := parent.split(child, ancestors[i]); err != nil {
				return 0, err
			}
		}
	}

	newRoot := nodes[0].pageNum
	finalRoot, err := tx.getNode(newRoot)
	if err != nil {
		return 0, err
	}
	if tx.dal.isOverPopulated(finalRoot) {
		newRootNode := tx.newNode(nil, []PageNum{finalRoot.pageNum})
		if err := newRootNode.split(finalRoot, 0); err != nil {
			return 0, err
		}
		written, err := tx.writeNode(newRootNode)
		if err != nil {
			return 0, err
		}
		newRoot = written.pageNum
	}
	return newRoot, nil
}

// treeFind returns a defensive copy of the value stored under key in the
// tree rooted at root, or ErrNotFound.
func (tx *Transaction) treeFind(root PageNum, key []byte) ([]byte, error) {
	if root == 0 {
		return nil, ErrNotFound
	}
	rootNode, err := tx.getNode(root)
	if err != nil {
		return nil, err
	}
	idx, _, target, _, err := rootNode.findKey(key, true)
	if err != nil {
		return nil, err
	}
	return bytesutil.Clone(target.items[idx].Value), nil
}

// treeRemove deletes key from the tree rooted at root if present,
// rebalancing bottom-up, and returns the (possibly new) root page number.
// Removing an absent key is a no-op.
func (tx *Transaction) treeRemove(root PageNum, key []byte) (PageNum, error) {
	if !tx.write {
		return 0, ErrWriteInsideReadTx
	}
	if root == 0 {
		return 0, nil
	}
	rootNode, err := tx.getNode(root)
	if err != nil {
		return 0, err
	}
	idx, _, target, ancestors, err := rootNode.findKey(key, true)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return root, nil
		}
		return 0, err
	}

	if target.isLeaf() {
		target.items = removeItemAt(target.items, idx)
		if _, err := tx.writeNode(target); err != nil {
			return 0, err
		}
	} else {
		ancestors = append(ancestors, idx)
		a, err := tx.getNode(target.children[idx])
		if err != nil {
			return 0, err
		}
		for !a.isLeaf() {
			lastIdx := len(a.children) - 1
			ancestors = append(ancestors, lastIdx)
			a, err = tx.getNode(a.children[lastIdx])
			if err != nil {
				return 0, err
			}
		}
		predecessor := a.items[len(a.items)-1]
		target.items[idx] = predecessor
		a.items = a.items[:len(a.items)-1]
		if _, err := tx.writeNode(target); err != nil {
			return 0, err
		}
		if _, err := tx.writeNode(a); err != nil {
			return 0, err
		}
	}

	nodes, err := tx.getNodes(root, ancestors)
	if err != nil {
		return 0, err
	}
	for i := len(ancestors) - 1; i >= 0; i-- {
		parent, child := nodes[i], nodes[i+1]
		if tx.dal.isUnderPopulated(child) {
			if err := parent.rebalanceRemove(child, ancestors[i]); err != nil {
				return 0, err
			}
		}
	}

	newRoot := root
	finalRoot, err := tx.getNode(newRoot)
	if err != nil {
		return 0, err
	}
	if len(finalRoot.items) == 0 && len(finalRoot.children) >= 1 {
		newRoot = finalRoot.children[0]
	}
	return newRoot, nil
}

// persistCollection writes c's serialized record back into the top-level
// collections tree, updating the transaction's working copy of the
// collections-tree root.
func (tx *Transaction) persistCollection(c *Collection) error {
	newRoot, err := tx.treePut(tx.meta.Root, c.Name, c.serialize())
	if err != nil {
		return err
	}
	tx.meta.Root = newRoot
	return nil
}

// GetCollection looks up a named collection in the top-level collections
// tree.
func (tx *Transaction) GetCollection(name []byte) (*Collection, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	val, err := tx.treeFind(tx.meta.Root, name)
	if err != nil {
		return nil, err
	}
	c, err := deserializeCollection(val)
	if err != nil {
		return nil, err
	}
	c.Name = bytesutil.Clone(name)
	c.tx = tx
	return c, nil
}

// ListCollections returns every collection name currently registered in
// the top-level collections tree, in lexicographic order.
func (tx *Transaction) ListCollections() ([][]byte, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	if tx.meta.Root == 0 {
		return nil, nil
	}
	var names [][]byte
	if err := tx.collectNames(tx.meta.Root, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (tx *Transaction) collectNames(root PageNum, out *[][]byte) error {
	node, err := tx.getNode(root)
	if err != nil {
		return err
	}
	for i, it := range node.items {
		if !node.isLeaf() {
			if err := tx.collectNames(node.children[i], out); err != nil {
				return err
			}
		}
		*out = append(*out, bytesutil.Clone(it.Key))
	}
	if !node.isLeaf() {
		if err := tx.collectNames(node.children[len(node.children)-1], out); err != nil {
			return err
		}
	}
	return nil
}

// CreateCollection allocates a fresh, empty leaf as a new collection's
// root and registers it in the top-level collections tree.
func (tx *Transaction) CreateCollection(name []byte) (*Collection, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	if !tx.write {
		return nil, ErrWriteInsideReadTx
	}
	if _, err := tx.treeFind(tx.meta.Root, name); err == nil {
		return nil, ErrCollectionExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	leaf := tx.newNode(nil, nil)
	written, err := tx.writeNode(leaf)
	if err != nil {
		return nil, err
	}
	c := &Collection{Name: bytesutil.Clone(name), root: written.pageNum, tx: tx}
	if err := tx.persistCollection(c); err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteCollection removes name from the top-level collections tree. The
// collection's own pages are not reclaimed — spec.md's free-list and
// node-deletion machinery walks a single tree's nodes, not a whole
// collection's subtree; this matches the page-space-sharing model in
// spec.md §1, which never mentions a collection-drop sweep.
func (tx *Transaction) DeleteCollection(name []byte) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if !tx.write {
		return ErrWriteInsideReadTx
	}
	newRoot, err := tx.treeRemove(tx.meta.Root, name)
	if err != nil {
		return err
	}
	tx.meta.Root = newRoot
	return nil
}

func (tx *Transaction) checkOpen() error {
	if tx.state != TxRunning {
		return ErrTxFinished
	}
	return nil
}

// Commit flushes every dirty node, releases deleted pages back to the
// free list, and persists the free list and meta pages. A read
// transaction's commit is a no-op beyond releasing the DB lock.
func (tx *Transaction) Commit() error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if tx.write {
		for _, node := range tx.dirtyNodes {
			if _, err := tx.dal.writeNode(node); err != nil {
				tx.release()
				tx.state = TxRolledBack
				return fmt.Errorf("kvengine: commit: %w", err)
			}
		}
		for _, p := range tx.pagesToDelete {
			tx.dal.deleteNode(p)
		}
		if err := tx.dal.writeFreeList(); err != nil {
			tx.release()
			tx.state = TxRolledBack
			return fmt.Errorf("kvengine: commit: %w", err)
		}
		tx.dal.meta.Root = tx.meta.Root
		if err := tx.dal.writeMeta(tx.dal.meta); err != nil {
			tx.release()
			tx.state = TxRolledBack
			return fmt.Errorf("kvengine: commit: %w", err)
		}
		tx.logger.Debug("committed", zap.Int("dirty_nodes", len(tx.dirtyNodes)), zap.Int("deleted_pages", len(tx.pagesToDelete)))
	}
	tx.release()
	tx.state = TxCommitted
	return nil
}

// Rollback discards every dirty node and hands every page this
// transaction allocated back to the free list, in LIFO order, so the
// next allocations after a rollback exactly replay the ones this
// transaction consumed.
func (tx *Transaction) Rollback() error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if tx.write {
		for i := len(tx.allocatedPageNums) - 1; i >= 0; i-- {
			tx.dal.freeList.ReleasePage(tx.allocatedPageNums[i])
		}
		tx.dirtyNodes = nil
		tx.logger.Debug("rolled back", zap.Int("released_pages", len(tx.allocatedPageNums)))
	}
	tx.release()
	tx.state = TxRolledBack
	return nil
}

func (tx *Transaction) release() {
	if tx.write {
		tx.db.lock.Unlock()
	} else {
		tx.db.lock.RUnlock()
	}
}
