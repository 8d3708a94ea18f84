package cowdb

import (
	"bytes"
	"fmt"
	"sort"
)

// Cursor iterates over a bucket's keys in lexicographic byte order. It keeps
// an explicit stack of (page-or-node, slot) frames from the bucket root down
// to the current position.
//
// Cursors observe the owning transaction's view: write-transaction cursors
// see in-progress mutations. A cursor is only valid while its transaction is
// open.
type Cursor struct {
	bucket *Bucket
	stack  []elemRef
}

// Bucket returns the bucket the cursor was created from.
func (c *Cursor) Bucket() *Bucket { return c.bucket }

// First positions the cursor at the first key and returns it. Returns
// (nil, nil) for an empty bucket. Bucket entries yield a nil value.
func (c *Cursor) First() (key, value []byte) {
	if c.bucket.tx.db == nil {
		panic("cursor on closed tx")
	}
	c.stack = c.stack[:0]
	p, n := c.bucket.pageNode(c.bucket.header.root)
	c.stack = append(c.stack, elemRef{page: p, node: n, index: 0})
	c.first()

	// Skip an empty leftmost leaf (possible after deletes).
	if c.stack[len(c.stack)-1].count() == 0 {
		c.next()
	}

	k, v, flags := c.keyValue()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Last positions the cursor at the last key and returns it.
func (c *Cursor) Last() (key, value []byte) {
	if c.bucket.tx.db == nil {
		panic("cursor on closed tx")
	}
	c.stack = c.stack[:0]
	p, n := c.bucket.pageNode(c.bucket.header.root)
	ref := elemRef{page: p, node: n}
	ref.index = ref.count() - 1
	c.stack = append(c.stack, ref)
	c.last()
	k, v, flags := c.keyValue()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Next advances to the following key. Returns (nil, nil) past the end.
func (c *Cursor) Next() (key, value []byte) {
	if c.bucket.tx.db == nil {
		panic("cursor on closed tx")
	}
	k, v, flags := c.next()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Prev steps back to the preceding key. Returns (nil, nil) before the start.
func (c *Cursor) Prev() (key, value []byte) {
	if c.bucket.tx.db == nil {
		panic("cursor on closed tx")
	}

	// Walk up until a frame has room to move left.
	for i := len(c.stack) - 1; i >= 0; i-- {
		elem := &c.stack[i]
		if elem.index > 0 {
			elem.index--
			break
		}
		c.stack = c.stack[:i]
	}

	if len(c.stack) == 0 {
		return nil, nil
	}

	// Descend to the rightmost leaf under the new position.
	c.last()
	k, v, flags := c.keyValue()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Seek positions the cursor at the smallest key >= the given key and returns
// it. Returns (nil, nil) when no such key exists.
func (c *Cursor) Seek(seek []byte) (key, value []byte) {
	k, v, flags := c.seek(seek)

	// Landing one past the end of a leaf means the target lives in the next
	// one over.
	if ref := &c.stack[len(c.stack)-1]; ref.index >= ref.count() {
		k, v, flags = c.next()
	}

	if k == nil {
		return nil, nil
	}
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Delete removes the key under the cursor. Fails on read-only transactions
// and on bucket entries.
func (c *Cursor) Delete() error {
	if c.bucket.tx.db == nil {
		return ErrTxClosed
	} else if !c.bucket.Writable() {
		return ErrTxNotWritable
	}

	key, _, flags := c.keyValue()
	if (flags & bucketLeafFlag) != 0 {
		return ErrIncompatibleValue
	}
	c.node().del(key)

	return nil
}

// seek is the raw search: it fills the stack for the given key and returns
// the entry at the final position without the >=-adjustment Seek applies.
func (c *Cursor) seek(seek []byte) (key, value []byte, flags uint32) {
	if c.bucket.tx.db == nil {
		panic("cursor on closed tx")
	}

	c.stack = c.stack[:0]
	c.search(seek, c.bucket.header.root)
	ref := &c.stack[len(c.stack)-1]

	if ref.index >= ref.count() {
		return nil, nil, 0
	}

	return c.keyValue()
}

// first descends to the leftmost leaf beneath the current frame.
func (c *Cursor) first() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			break
		}

		var id pgid
		if ref.node != nil {
			id = ref.node.inodes[ref.index].pgid
		} else {
			id = ref.page.branchPageElement(uint16(ref.index)).pgid
		}

		p, n := c.bucket.pageNode(id)
		c.stack = append(c.stack, elemRef{page: p, node: n, index: 0})
	}
}

// last descends to the rightmost leaf beneath the current frame.
func (c *Cursor) last() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			break
		}

		var id pgid
		if ref.node != nil {
			id = ref.node.inodes[ref.index].pgid
		} else {
			id = ref.page.branchPageElement(uint16(ref.index)).pgid
		}

		p, n := c.bucket.pageNode(id)
		nextRef := elemRef{page: p, node: n}
		nextRef.index = nextRef.count() - 1
		c.stack = append(c.stack, nextRef)
	}
}

// next moves to the next leaf entry, ascending and descending across leaf
// boundaries, skipping empty pages.
func (c *Cursor) next() (key, value []byte, flags uint32) {
	for {
		// Climb until a frame has a right sibling.
		var i int
		for i = len(c.stack) - 1; i >= 0; i-- {
			elem := &c.stack[i]
			if elem.index < elem.count()-1 {
				elem.index++
				break
			}
		}

		if i == -1 {
			return nil, nil, 0
		}

		c.stack = c.stack[:i+1]
		c.first()

		// Deletions can leave empty leaves in the write tx's view.
		if c.stack[len(c.stack)-1].count() == 0 {
			continue
		}

		return c.keyValue()
	}
}

// search recursively positions the stack for key starting at page id.
func (c *Cursor) search(key []byte, id pgid) {
	p, n := c.bucket.pageNode(id)
	if p != nil && (p.flags()&(branchPageFlag|leafPageFlag)) == 0 {
		panic(fmt.Sprintf("invalid page type: %d: %x", p.id(), p.flags()))
	}
	e := elemRef{page: p, node: n}
	c.stack = append(c.stack, e)

	if e.isLeaf() {
		c.nsearch(key)
		return
	}

	if n != nil {
		c.searchNode(key, n)
		return
	}
	c.searchPage(key, p)
}

func (c *Cursor) searchNode(key []byte, n *node) {
	index := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, key) != -1
	})
	exact := index < len(n.inodes) && bytes.Equal(n.inodes[index].key, key)
	if !exact && index > 0 {
		index--
	}
	c.stack[len(c.stack)-1].index = index

	c.search(key, n.inodes[index].pgid)
}

func (c *Cursor) searchPage(key []byte, p page) {
	count := int(p.count())
	index := sort.Search(count, func(i int) bool {
		return bytes.Compare(p.branchKey(uint16(i)), key) != -1
	})
	exact := index < count && bytes.Equal(p.branchKey(uint16(index)), key)
	if !exact && index > 0 {
		index--
	}
	c.stack[len(c.stack)-1].index = index

	c.search(key, p.branchPageElement(uint16(index)).pgid)
}

// nsearch positions the index within the current leaf frame.
func (c *Cursor) nsearch(key []byte) {
	e := &c.stack[len(c.stack)-1]
	p, n := e.page, e.node

	if n != nil {
		e.index = sort.Search(len(n.inodes), func(i int) bool {
			return bytes.Compare(n.inodes[i].key, key) != -1
		})
		return
	}

	count := int(p.count())
	e.index = sort.Search(count, func(i int) bool {
		_, k, _ := p.leafKeyValue(uint16(i))
		return bytes.Compare(k, key) != -1
	})
}

// keyValue returns the entry at the current cursor position.
func (c *Cursor) keyValue() ([]byte, []byte, uint32) {
	ref := &c.stack[len(c.stack)-1]
	if ref.count() == 0 || ref.index >= ref.count() {
		return nil, nil, 0
	}

	if ref.node != nil {
		in := &ref.node.inodes[ref.index]
		return in.key, in.value, in.flags
	}

	flags, k, v := ref.page.leafKeyValue(uint16(ref.index))
	return k, v, flags
}

// node materializes (for the write tx) the node under the cursor, reusing
// the stack to wire parents.
func (c *Cursor) node() *node {
	if len(c.stack) == 0 {
		panic("accessing a node with a zero-length cursor stack")
	}

	// Top of the stack may already be a materialized leaf.
	if ref := &c.stack[len(c.stack)-1]; ref.node != nil && ref.isLeaf() {
		return ref.node
	}

	var n = c.stack[0].node
	if n == nil {
		n = c.bucket.node(c.stack[0].page.id(), nil)
	}
	for _, ref := range c.stack[:len(c.stack)-1] {
		if n.isLeaf {
			panic("expected branch node")
		}
		n = n.childAt(ref.index)
	}
	if !n.isLeaf {
		panic("expected leaf node")
	}
	return n
}

// elemRef is one frame of the cursor stack: a page or its in-memory node,
// plus the slot index at that level.
type elemRef struct {
	page  page
	node  *node
	index int
}

func (r *elemRef) isLeaf() bool {
	if r.node != nil {
		return r.node.isLeaf
	}
	return (r.page.flags() & leafPageFlag) != 0
}

func (r *elemRef) count() int {
	if r.node != nil {
		return len(r.node.inodes)
	}
	return int(r.page.count())
}
