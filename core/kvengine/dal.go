package kvengine

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

const (
	// DefaultMinFillPercent is the under-population threshold applied
	// when Options.MinFillPercent is zero.
	DefaultMinFillPercent = 0.5
	// DefaultMaxFillPercent is the over-population threshold applied
	// when Options.MaxFillPercent is zero.
	DefaultMaxFillPercent = 0.9
)

// Options configures a store on Open. Zero-value fields fall back to the
// documented defaults, the way the teacher's NewBTreeFile takes an
// explicit page size and degree with no separate defaulting step — here
// that defaulting happens once, in Open.
type Options struct {
	PageSize       int
	MinFillPercent float64
	MaxFillPercent float64
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = os.Getpagesize()
	}
	if o.MinFillPercent == 0 {
		o.MinFillPercent = DefaultMinFillPercent
	}
	if o.MaxFillPercent == 0 {
		o.MaxFillPercent = DefaultMaxFillPercent
	}
	return o
}

// DAL (data access layer) owns the backing file and the fill-threshold
// parameters. It reads and writes pages, and (de)serializes nodes, the
// meta page, and the free list.
type DAL struct {
	file *os.File
	path string

	pageSize       int
	minFillPercent float64
	maxFillPercent float64

	meta     *Meta
	freeList *FreeList

	logger *zap.Logger
}

func openDAL(path string, opts Options, logger *zap.Logger) (*DAL, error) {
	opts = opts.withDefaults()
	dal := &DAL{
		path:           path,
		pageSize:       opts.PageSize,
		minFillPercent: opts.MinFillPercent,
		maxFillPercent: opts.MaxFillPercent,
		logger:         logger.Named("dal"),
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := dal.create(); err != nil {
			return nil, err
		}
		return dal, nil
	} else if err != nil {
		return nil, fmt.Errorf("kvengine: stat %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("kvengine: open %s: %w", path, err)
	}
	dal.file = f

	meta, err := dal.readMeta()
	if err != nil {
		dal.file.Close()
		return nil, err
	}
	dal.meta = meta

	freeList, err := dal.readFreeList()
	if err != nil {
		dal.file.Close()
		return nil, err
	}
	dal.freeList = freeList

	dal.logger.Info("opened existing store", zap.String("path", path), zap.Uint64("root", uint64(meta.Root)))
	return dal, nil
}

// create builds a fresh, empty database file: an empty free list, an
// empty root node for the collections tree, and the meta page pointing at
// both.
func (dal *DAL) create() error {
	f, err := os.OpenFile(dal.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("kvengine: create %s: %w", dal.path, err)
	}
	dal.file = f

	dal.freeList = newFreeList()
	freeListPageNum := dal.freeList.GetNextPage()
	// writeFreeList serializes dal.freeList at whatever page dal.meta
	// points to, so meta must exist first.
	dal.meta = &Meta{FreeListPage: freeListPageNum}
	if err := dal.writeFreeList(); err != nil {
		return err
	}

	rootNode := &Node{}
	written, err := dal.writeNode(rootNode)
	if err != nil {
		return err
	}
	dal.meta.Root = written.pageNum

	if err := dal.writeFreeList(); err != nil {
		return err
	}
	if err := dal.writeMeta(dal.meta); err != nil {
		return err
	}

	dal.logger.Info("created new store", zap.String("path", dal.path), zap.Int("page_size", dal.pageSize))
	return nil
}

func (dal *DAL) close() error {
	if dal.file == nil {
		return nil
	}
	err := dal.file.Close()
	dal.file = nil
	return err
}

// readPage allocates a zeroed, page-sized buffer and reads page n into it.
func (dal *DAL) readPage(n PageNum) (*Page, error) {
	p := newPage(n, dal.pageSize)
	offset := int64(n) * int64(dal.pageSize)
	if _, err := dal.file.ReadAt(p.Data, offset); err != nil {
		return nil, fmt.Errorf("kvengine: read page %d: %w", n, err)
	}
	return p, nil
}

// writePage writes a full page-sized buffer at its page's offset.
func (dal *DAL) writePage(p *Page) error {
	offset := int64(p.Num) * int64(dal.pageSize)
	if _, err := dal.file.WriteAt(p.Data, offset); err != nil {
		return fmt.Errorf("kvengine: write page %d: %w", p.Num, err)
	}
	return nil
}

func (dal *DAL) getNode(n PageNum) (*Node, error) {
	page, err := dal.readPage(n)
	if err != nil {
		return nil, err
	}
	node, err := deserializeNode(page.Data)
	if err != nil {
		return nil, fmt.Errorf("kvengine: decode node at page %d: %w", n, err)
	}
	node.pageNum = n
	return node, nil
}

// writeNode assigns a fresh page from the free list when node.pageNum is
// unset (0), serializes, and writes. It returns the node with a valid
// page number.
func (dal *DAL) writeNode(node *Node) (*Node, error) {
	page := newPage(node.pageNum, dal.pageSize)
	if node.pageNum == 0 {
		page.Num = dal.freeList.GetNextPage()
		node.pageNum = page.Num
	}
	if err := node.serialize(page.Data); err != nil {
		return nil, err
	}
	if err := dal.writePage(page); err != nil {
		return nil, err
	}
	return node, nil
}

func (dal *DAL) deleteNode(n PageNum) {
	dal.freeList.ReleasePage(n)
}

func (dal *DAL) readMeta() (*Meta, error) {
	page, err := dal.readPage(0)
	if err != nil {
		return nil, err
	}
	meta, err := deserializeMeta(page.Data)
	if err != nil {
		return nil, fmt.Errorf("kvengine: decode meta: %w", err)
	}
	return meta, nil
}

func (dal *DAL) writeMeta(m *Meta) error {
	page := newPage(0, dal.pageSize)
	m.serialize(page.Data)
	return dal.writePage(page)
}

func (dal *DAL) readFreeList() (*FreeList, error) {
	page, err := dal.readPage(dal.meta.FreeListPage)
	if err != nil {
		return nil, err
	}
	fl, err := deserializeFreeList(page.Data)
	if err != nil {
		return nil, fmt.Errorf("kvengine: decode free list: %w", err)
	}
	return fl, nil
}

func (dal *DAL) writeFreeList() error {
	page := newPage(dal.meta.FreeListPage, dal.pageSize)
	if err := dal.freeList.serialize(page.Data); err != nil {
		return err
	}
	return dal.writePage(page)
}

func (dal *DAL) maxThreshold() float64 {
	return dal.maxFillPercent * float64(dal.pageSize)
}

func (dal *DAL) minThreshold() float64 {
	return dal.minFillPercent * float64(dal.pageSize)
}

func (dal *DAL) isOverPopulated(n *Node) bool {
	return float64(n.size()) > dal.maxThreshold()
}

func (dal *DAL) isUnderPopulated(n *Node) bool {
	return float64(n.size()) < dal.minThreshold()
}

// getSplitIndex walks n's element sizes and returns the first index i+1
// at which the running prefix exceeds minThreshold, provided i isn't the
// last item. It returns (0, false) when no such index exists — used both
// to locate the split point for an over-populated node and, by the
// rebalance logic, as the "can this sibling spare an element" test.
func (dal *DAL) getSplitIndex(n *Node) (int, bool) {
	size := nodeHeaderSize
	for i := range n.items {
		size += n.elementSize(i)
		if float64(size) > dal.minThreshold() && i != len(n.items)-1 {
			return i + 1, true
		}
	}
	return 0, false
}
