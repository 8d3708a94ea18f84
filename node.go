package cowdb

import (
	"bytes"
	"fmt"
	"sort"
)

// node is the mutable in-memory image of a branch or leaf page. Nodes exist
// only inside a write transaction; at commit they are serialized back into
// pages by spill and discarded.
type node struct {
	bucket     *Bucket
	isLeaf     bool
	unbalanced bool
	spilled    bool
	key        []byte
	pgid       pgid
	parent     *node
	children   nodes
	inodes     inodes
}

// inode is one entry within a node. Leaf inodes carry key/value (and flags);
// branch inodes carry key/child-pgid.
type inode struct {
	flags uint32
	pgid  pgid
	key   []byte
	value []byte
}

type inodes []inode

// root walks parent pointers to the top of the subtree.
func (n *node) root() *node {
	if n.parent == nil {
		return n
	}
	return n.parent.root()
}

// minKeys returns the minimum entry count before the node is merge-eligible.
func (n *node) minKeys() int {
	if n.isLeaf {
		return 1
	}
	return 2
}

// size returns the byte size of the node once serialized.
func (n *node) size() int {
	sz, elsz := pageHeaderSize, n.pageElementSize()
	for i := 0; i < len(n.inodes); i++ {
		item := &n.inodes[i]
		sz += elsz + len(item.key) + len(item.value)
	}
	return sz
}

// sizeLessThan reports whether the serialized node stays under v, bailing
// out early for large nodes.
func (n *node) sizeLessThan(v int) bool {
	sz, elsz := pageHeaderSize, n.pageElementSize()
	for i := 0; i < len(n.inodes); i++ {
		item := &n.inodes[i]
		sz += elsz + len(item.key) + len(item.value)
		if sz >= v {
			return false
		}
	}
	return true
}

func (n *node) pageElementSize() int {
	if n.isLeaf {
		return leafPageElementSize
	}
	return branchPageElementSize
}

// childAt returns the materialized child node at the given branch index.
func (n *node) childAt(index int) *node {
	if n.isLeaf {
		panic(fmt.Sprintf("invalid childAt(%d) on a leaf node", index))
	}
	return n.bucket.node(n.inodes[index].pgid, n)
}

// childIndex returns the slot of the given child within this node.
func (n *node) childIndex(child *node) int {
	return sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, child.key) != -1
	})
}

func (n *node) numChildren() int { return len(n.inodes) }

// nextSibling returns the node to the right under the same parent, or nil.
func (n *node) nextSibling() *node {
	if n.parent == nil {
		return nil
	}
	index := n.parent.childIndex(n)
	if index >= n.parent.numChildren()-1 {
		return nil
	}
	return n.parent.childAt(index + 1)
}

// prevSibling returns the node to the left under the same parent, or nil.
func (n *node) prevSibling() *node {
	if n.parent == nil {
		return nil
	}
	index := n.parent.childIndex(n)
	if index == 0 {
		return nil
	}
	return n.parent.childAt(index - 1)
}

// put inserts or replaces an entry. oldKey locates the slot; newKey is what
// gets stored (they differ only when a separator key moves during spill).
func (n *node) put(oldKey, newKey, value []byte, id pgid, flags uint32) {
	if id >= n.bucket.tx.meta.pgid {
		panic(fmt.Sprintf("pgid (%d) above high water mark (%d)", id, n.bucket.tx.meta.pgid))
	} else if len(oldKey) <= 0 {
		panic("put: zero-length old key")
	} else if len(newKey) <= 0 {
		panic("put: zero-length new key")
	}

	index := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, oldKey) != -1
	})

	// Grow the slice only when inserting a new slot.
	exact := len(n.inodes) > 0 && index < len(n.inodes) && bytes.Equal(n.inodes[index].key, oldKey)
	if !exact {
		n.inodes = append(n.inodes, inode{})
		copy(n.inodes[index+1:], n.inodes[index:])
	}

	in := &n.inodes[index]
	in.flags = flags
	in.key = newKey
	in.value = value
	in.pgid = id
}

// del removes the entry with the given key, if present, and marks the node
// for rebalance at commit.
func (n *node) del(key []byte) {
	index := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, key) != -1
	})

	if index >= len(n.inodes) || !bytes.Equal(n.inodes[index].key, key) {
		return
	}

	n.inodes = append(n.inodes[:index], n.inodes[index+1:]...)
	n.unbalanced = true
}

// read initializes the node from an on-disk page.
func (n *node) read(p page) {
	n.pgid = p.id()
	n.isLeaf = (p.flags() & leafPageFlag) != 0
	n.inodes = make(inodes, int(p.count()))

	for i := 0; i < int(p.count()); i++ {
		in := &n.inodes[i]
		if n.isLeaf {
			flags, key, value := p.leafKeyValue(uint16(i))
			in.flags = flags
			in.key = key
			in.value = value
		} else {
			e := p.branchPageElement(uint16(i))
			in.pgid = e.pgid
			in.key = p.branchKey(uint16(i))
		}
		if len(in.key) == 0 {
			panic("read: zero-length inode key")
		}
	}

	// Save the first key for parent lookups after the page is dropped.
	if len(n.inodes) > 0 {
		n.key = n.inodes[0].key
	} else {
		n.key = nil
	}
}

// write serializes the node onto one page buffer (plus overflow space the
// caller allocated).
func (n *node) write(p page) {
	if n.isLeaf {
		p.setFlags(leafPageFlag)
	} else {
		p.setFlags(branchPageFlag)
	}

	if len(n.inodes) >= 0xFFFF {
		panic(fmt.Sprintf("inode overflow: %d (pgid=%d)", len(n.inodes), p.id()))
	}
	p.setCount(uint16(len(n.inodes)))
	if p.count() == 0 {
		return
	}

	// Element headers up front, keys and values packed behind them.
	off := pageHeaderSize + len(n.inodes)*n.pageElementSize()
	for i, item := range n.inodes {
		if len(item.key) == 0 {
			panic("write: zero-length inode key")
		}
		elemOff := pageHeaderSize + i*n.pageElementSize()
		pos := uint32(off - elemOff)
		if n.isLeaf {
			p.writeLeafElement(uint16(i), item.flags, pos, uint32(len(item.key)), uint32(len(item.value)))
		} else {
			p.writeBranchElement(uint16(i), pos, uint32(len(item.key)), item.pgid)
		}
		off += copy(p[off:], item.key)
		off += copy(p[off:], item.value)
	}
}

// split chops the node into pieces no larger than a threshold derived from
// pageSize and the bucket's fill percent. Only the commit-time spill calls
// this.
func (n *node) split(pageSize int) []*node {
	var nodes []*node

	node := n
	for {
		a, b := node.splitTwo(pageSize)
		nodes = append(nodes, a)
		if b == nil {
			break
		}
		node = b
	}

	return nodes
}

// splitTwo performs one split step, keeping the left node at or just below
// the fill threshold. Returns (n, nil) when no split is needed.
func (n *node) splitTwo(pageSize int) (*node, *node) {
	// Splitting needs at least twice the minimum entries and an oversized
	// payload.
	if len(n.inodes) <= (minKeysPerPage*2) || n.sizeLessThan(pageSize) {
		return n, nil
	}

	fillPercent := n.bucket.FillPercent
	if fillPercent < minFillPercent {
		fillPercent = minFillPercent
	} else if fillPercent > maxFillPercent {
		fillPercent = maxFillPercent
	}
	threshold := int(float64(pageSize) * fillPercent)

	splitIndex, _ := n.splitIndex(threshold)

	// Splitting a root requires a fresh parent.
	if n.parent == nil {
		n.parent = &node{bucket: n.bucket, children: []*node{n}}
	}

	next := &node{bucket: n.bucket, isLeaf: n.isLeaf, parent: n.parent}
	n.parent.children = append(n.parent.children, next)

	next.inodes = n.inodes[splitIndex:]
	n.inodes = n.inodes[:splitIndex]

	return n, next
}

// splitIndex finds the slot where a split keeps the left side at or just
// under threshold, honoring the two-key minimum on both sides.
func (n *node) splitIndex(threshold int) (index, sz int) {
	sz = pageHeaderSize

	for i := 0; i < len(n.inodes)-minKeysPerPage; i++ {
		index = i
		in := n.inodes[i]
		elsize := n.pageElementSize() + len(in.key) + len(in.value)

		if i >= minKeysPerPage && sz+elsize > threshold {
			break
		}

		sz += elsize
	}

	return
}

// spill writes this node's subtree to dirty pages, splitting oversized nodes
// along the way. New separator keys bubble into parents, which spill later.
func (n *node) spill() error {
	var tx = n.bucket.tx
	if n.spilled {
		return nil
	}

	// Children spill first. The child list can grow during the loop, so no
	// range here; sorting keeps page writes ordered by key.
	sort.Sort(n.children)
	for i := 0; i < len(n.children); i++ {
		if err := n.children[i].spill(); err != nil {
			return err
		}
	}
	n.children = nil

	for _, node := range n.split(tx.db.pageSize) {
		// Pages this node previously occupied go back to the freelist.
		if node.pgid > 0 {
			tx.db.freelist.free(tx.meta.txid, tx.page(node.pgid))
			node.pgid = 0
		}

		p, err := tx.allocate((node.size() / tx.db.pageSize) + 1)
		if err != nil {
			return err
		}

		if p.id() >= tx.meta.pgid {
			panic(fmt.Sprintf("pgid (%d) above high water mark (%d)", p.id(), tx.meta.pgid))
		}
		node.pgid = p.id()
		node.write(p)
		node.spilled = true

		// Insert the node's new separator into its parent.
		if node.parent != nil {
			key := node.key
			if key == nil {
				key = node.inodes[0].key
			}
			node.parent.put(key, node.inodes[0].key, nil, node.pgid, 0)
			node.key = node.inodes[0].key
		}
	}

	// A split may have created a brand-new root; spill it too.
	if n.parent != nil && n.parent.pgid == 0 {
		n.children = nil
		return n.parent.spill()
	}

	return nil
}

// rebalance merges the node with a sibling when it falls below a quarter
// page or its minimum key count. Runs before spill at commit.
func (n *node) rebalance() {
	if !n.unbalanced {
		return
	}
	n.unbalanced = false

	threshold := n.bucket.tx.db.pageSize / 4
	if n.size() > threshold && len(n.inodes) > n.minKeys() {
		return
	}

	if n.parent == nil {
		// A root branch with a single child collapses into that child.
		if !n.isLeaf && len(n.inodes) == 1 {
			child := n.bucket.node(n.inodes[0].pgid, n)
			n.isLeaf = child.isLeaf
			n.inodes = child.inodes[:]
			n.children = child.children

			// Adopt the grandchildren.
			for _, inode := range n.inodes {
				if c, ok := n.bucket.nodes[inode.pgid]; ok {
					c.parent = n
				}
			}

			child.parent = nil
			delete(n.bucket.nodes, child.pgid)
			child.free()
		}
		return
	}

	// An empty node is removed outright.
	if n.numChildren() == 0 {
		n.parent.del(n.key)
		n.parent.removeChild(n)
		delete(n.bucket.nodes, n.pgid)
		n.free()
		n.parent.rebalance()
		return
	}

	if n.parent.numChildren() <= 1 {
		panic("parent must have at least 2 children")
	}

	// Merge with the left sibling when one exists, else pull the right
	// sibling in. The surviving node is always the left one.
	if n.parent.childIndex(n) == 0 {
		target := n.nextSibling()

		for _, inode := range target.inodes {
			if child, ok := n.bucket.nodes[inode.pgid]; ok {
				child.parent.removeChild(child)
				child.parent = n
				child.parent.children = append(child.parent.children, child)
			}
		}
		n.inodes = append(n.inodes, target.inodes...)
		n.parent.del(target.key)
		n.parent.removeChild(target)
		delete(n.bucket.nodes, target.pgid)
		target.free()
	} else {
		target := n.prevSibling()

		for _, inode := range n.inodes {
			if child, ok := n.bucket.nodes[inode.pgid]; ok {
				child.parent.removeChild(child)
				child.parent = target
				child.parent.children = append(child.parent.children, child)
			}
		}
		target.inodes = append(target.inodes, n.inodes...)
		n.parent.del(n.key)
		n.parent.removeChild(n)
		delete(n.bucket.nodes, n.pgid)
		n.free()
	}

	// The parent lost an entry; it may need merging as well.
	n.parent.rebalance()
}

// removeChild drops a node from the in-memory child list without touching
// the inodes.
func (n *node) removeChild(target *node) {
	for i, child := range n.children {
		if child == target {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// dereference copies keys and values out of the mmap so the node survives a
// remap. Called before the mapping is replaced.
func (n *node) dereference() {
	if n.key != nil {
		key := make([]byte, len(n.key))
		copy(key, n.key)
		n.key = key
		if n.pgid > 0 && len(n.key) == 0 {
			panic("dereference: zero-length node key on existing node")
		}
	}

	for i := range n.inodes {
		in := &n.inodes[i]

		key := make([]byte, len(in.key))
		copy(key, in.key)
		in.key = key
		if len(in.key) == 0 {
			panic("dereference: zero-length inode key")
		}

		value := make([]byte, len(in.value))
		copy(value, in.value)
		in.value = value
	}

	for _, child := range n.children {
		child.dereference()
	}
}

// free releases the node's backing page into the freelist.
func (n *node) free() {
	if n.pgid != 0 {
		tx := n.bucket.tx
		tx.db.freelist.free(tx.meta.txid, tx.page(n.pgid))
		n.pgid = 0
	}
}

type nodes []*node

func (s nodes) Len() int      { return len(s) }
func (s nodes) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s nodes) Less(i, j int) bool {
	return bytes.Compare(s[i].inodes[0].key, s[j].inodes[0].key) == -1
}
