package cowdb

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	// bucketHeaderSize is the serialized size of a bucket header:
	// {root:u64, sequence:u64}, little-endian.
	bucketHeaderSize = 16

	minFillPercent = 0.1
	maxFillPercent = 1.0

	// DefaultFillPercent is the node fill threshold used at split time.
	DefaultFillPercent = 0.5
)

// bucketHeader is the persistent part of a bucket: the page id of its
// subtree root and its sequence counter. root == 0 marks an inline bucket
// whose entire content is serialized after the header.
type bucketHeader struct {
	root     pgid
	sequence uint64
}

func (h *bucketHeader) read(b []byte) {
	h.root = pgid(binary.LittleEndian.Uint64(b[0:8]))
	h.sequence = binary.LittleEndian.Uint64(b[8:16])
}

func (h *bucketHeader) write(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(h.root))
	binary.LittleEndian.PutUint64(b[8:16], h.sequence)
}

// Bucket is a named collection of key/value pairs inside a transaction.
// Buckets nest: a leaf entry flagged with bucketLeafFlag stores a child
// bucket's header (or, for inline buckets, header plus a serialized leaf
// page).
type Bucket struct {
	header   bucketHeader
	tx       *Tx
	buckets  map[string]*Bucket // subbucket cache
	page     page               // inline page reference, when root == 0
	rootNode *node              // materialized root of this bucket
	nodes    map[pgid]*node     // node cache for the write tx

	// FillPercent sets the split threshold for nodes in this bucket.
	// Raising it helps append-only workloads pack pages tighter.
	FillPercent float64
}

func newBucket(tx *Tx) Bucket {
	b := Bucket{tx: tx, FillPercent: DefaultFillPercent}
	if tx.writable {
		b.buckets = make(map[string]*Bucket)
		b.nodes = make(map[pgid]*node)
	}
	return b
}

// Tx returns the transaction that owns the bucket.
func (b *Bucket) Tx() *Tx { return b.tx }

// Root returns the page id of the bucket's subtree root.
func (b *Bucket) Root() pgid { return b.header.root }

// Writable reports whether the owning transaction can mutate the bucket.
func (b *Bucket) Writable() bool { return b.tx.writable }

// Cursor creates a cursor over the bucket's keyspace.
func (b *Bucket) Cursor() *Cursor {
	b.tx.stats.CursorCount++
	return &Cursor{
		bucket: b,
		stack:  make([]elemRef, 0),
	}
}

// Bucket returns a nested bucket by name, or nil if the name is absent or
// refers to a plain key.
func (b *Bucket) Bucket(name []byte) *Bucket {
	if b.buckets != nil {
		if child := b.buckets[string(name)]; child != nil {
			return child
		}
	}

	c := b.Cursor()
	k, v, flags := c.seek(name)
	if !bytes.Equal(name, k) || (flags&bucketLeafFlag) == 0 {
		return nil
	}

	child := b.openBucket(v)
	if b.buckets != nil {
		b.buckets[string(name)] = child
	}
	return child
}

// openBucket materializes a child bucket from a leaf value.
func (b *Bucket) openBucket(value []byte) *Bucket {
	child := newBucket(b.tx)
	child.header.read(value)

	// Inline buckets keep their single leaf page right after the header.
	if child.header.root == 0 {
		child.page = page(value[bucketHeaderSize:])
	}

	return &child
}

// CreateBucket creates a new bucket under the given name and returns it.
// Fails with ErrBucketExists if the name is taken, ErrIncompatibleValue if
// the name collides with a plain key.
func (b *Bucket) CreateBucket(name []byte) (*Bucket, error) {
	if b.tx.db == nil {
		return nil, ErrTxClosed
	} else if !b.tx.writable {
		return nil, ErrTxNotWritable
	} else if len(name) == 0 {
		return nil, ErrBucketNameRequired
	}

	c := b.Cursor()
	k, _, flags := c.seek(name)

	if bytes.Equal(name, k) {
		if (flags & bucketLeafFlag) != 0 {
			return nil, ErrBucketExists
		}
		return nil, ErrIncompatibleValue
	}

	// A new bucket starts life inline: header with root 0 followed by an
	// empty leaf page.
	var child = newBucket(b.tx)
	child.rootNode = &node{isLeaf: true}
	value := child.write()

	name = cloneBytes(name)
	c.node().put(name, name, value, 0, bucketLeafFlag)

	// A nested value page is no longer valid once the entry above it turned
	// into a bucket.
	b.page = nil

	return b.Bucket(name), nil
}

// CreateBucketIfNotExists returns the named bucket, creating it first when
// needed.
func (b *Bucket) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	child, err := b.CreateBucket(name)
	if err == ErrBucketExists {
		return b.Bucket(name), nil
	} else if err != nil {
		return nil, err
	}
	return child, nil
}

// DeleteBucket removes the named bucket, recursively freeing every page of
// every nested bucket.
func (b *Bucket) DeleteBucket(name []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.seek(name)

	if !bytes.Equal(name, k) {
		return ErrBucketNotFound
	} else if (flags & bucketLeafFlag) == 0 {
		return ErrIncompatibleValue
	}

	// Children first.
	child := b.Bucket(name)
	err := child.ForEach(func(k, v []byte) error {
		if v == nil {
			if err := child.DeleteBucket(k); err != nil {
				return errors.Wrap(err, "delete bucket")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	delete(b.buckets, string(name))

	child.nodes = nil
	child.rootNode = nil
	child.free()

	c.node().del(name)

	return nil
}

// Get returns the value stored under key, or nil when absent or when the key
// names a nested bucket. The returned slice is only valid for the life of
// the transaction.
func (b *Bucket) Get(key []byte) []byte {
	k, v, flags := b.Cursor().seek(key)
	if (flags & bucketLeafFlag) != 0 {
		return nil
	}
	if !bytes.Equal(key, k) {
		return nil
	}
	return v
}

// Put stores a value under key, replacing any prior value.
func (b *Bucket) Put(key, value []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	} else if len(key) == 0 {
		return ErrKeyRequired
	} else if len(key) > b.tx.db.maxEntrySize() {
		return ErrKeyTooLarge
	} else if len(value) > b.tx.db.maxEntrySize() {
		return ErrValueTooLarge
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	// A bucket entry cannot be shadowed by a plain value.
	if bytes.Equal(key, k) && (flags&bucketLeafFlag) != 0 {
		return ErrIncompatibleValue
	}

	key = cloneBytes(key)
	c.node().put(key, key, value, 0, 0)

	return nil
}

// Delete removes the entry under key. Deleting an absent key is a no-op;
// deleting a bucket entry fails (use DeleteBucket).
func (b *Bucket) Delete(key []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if !bytes.Equal(key, k) {
		return nil
	}
	if (flags & bucketLeafFlag) != 0 {
		return ErrIncompatibleValue
	}

	c.node().del(key)

	return nil
}

// Sequence returns the bucket's current sequence counter.
func (b *Bucket) Sequence() uint64 { return b.header.sequence }

// SetSequence updates the sequence counter.
func (b *Bucket) SetSequence(v uint64) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	// Materialize the root so the header is rewritten at commit.
	if b.rootNode == nil {
		_ = b.node(b.header.root, nil)
	}

	b.header.sequence = v
	return nil
}

// NextSequence increments and returns the bucket's sequence counter.
func (b *Bucket) NextSequence() (uint64, error) {
	if b.tx.db == nil {
		return 0, ErrTxClosed
	} else if !b.Writable() {
		return 0, ErrTxNotWritable
	}

	if b.rootNode == nil {
		_ = b.node(b.header.root, nil)
	}

	b.header.sequence++
	return b.header.sequence, nil
}

// ForEach calls fn for every key in the bucket in ascending order. Nested
// bucket entries are passed with a nil value. Returning an error stops the
// walk.
func (b *Bucket) ForEach(fn func(k, v []byte) error) error {
	if b.tx.db == nil {
		return ErrTxClosed
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// forEachPage walks every page of the bucket's subtree, skipping inline
// content.
func (b *Bucket) forEachPage(fn func(p page, depth int)) {
	if b.page != nil {
		fn(b.page, 0)
		return
	}
	b.tx.forEachPage(b.header.root, 0, fn)
}

// forEachPageNode walks pages or their in-memory node replacements,
// whichever is current for this transaction.
func (b *Bucket) forEachPageNode(fn func(p page, n *node, depth int)) {
	if b.page != nil {
		fn(b.page, nil, 0)
		return
	}
	b._forEachPageNode(b.header.root, 0, fn)
}

func (b *Bucket) _forEachPageNode(id pgid, depth int, fn func(p page, n *node, depth int)) {
	p, n := b.pageNode(id)

	fn(p, n, depth)

	if n != nil {
		if !n.isLeaf {
			for _, in := range n.inodes {
				b._forEachPageNode(in.pgid, depth+1, fn)
			}
		}
		return
	}
	if (p.flags() & branchPageFlag) != 0 {
		for i := uint16(0); i < p.count(); i++ {
			b._forEachPageNode(p.branchPageElement(i).pgid, depth+1, fn)
		}
	}
}

// spill writes all dirty nodes of this bucket and its children to pages and
// rewrites parent entries with the new headers.
func (b *Bucket) spill() error {
	// Children first so their new headers land in this bucket's nodes.
	for name, child := range b.buckets {
		var value []byte
		if child.inlineable() {
			child.free()
			value = child.write()
		} else {
			if err := child.spill(); err != nil {
				return err
			}
			value = make([]byte, bucketHeaderSize)
			child.header.write(value)
		}

		// Nothing materialized, nothing to update.
		if child.rootNode == nil {
			continue
		}

		c := b.Cursor()
		k, _, flags := c.seek([]byte(name))
		if !bytes.Equal([]byte(name), k) {
			panic(fmt.Sprintf("misplaced bucket header: %x -> %x", name, k))
		}
		if flags&bucketLeafFlag == 0 {
			panic(fmt.Sprintf("unexpected bucket header flag: %x", flags))
		}
		c.node().put([]byte(name), []byte(name), value, 0, bucketLeafFlag)
	}

	if b.rootNode == nil {
		return nil
	}

	if err := b.rootNode.spill(); err != nil {
		return err
	}
	b.rootNode = b.rootNode.root()

	if b.rootNode.pgid >= b.tx.meta.pgid {
		panic(fmt.Sprintf("pgid (%d) above high water mark (%d)", b.rootNode.pgid, b.tx.meta.pgid))
	}
	b.header.root = b.rootNode.pgid

	return nil
}

// inlineable reports whether the bucket is small enough to serialize inline
// into its parent leaf: a single leaf node, no nested buckets, under a
// quarter page.
func (b *Bucket) inlineable() bool {
	n := b.rootNode
	if n == nil || !n.isLeaf {
		return false
	}

	size := pageHeaderSize
	for _, inode := range n.inodes {
		size += leafPageElementSize + len(inode.key) + len(inode.value)

		if inode.flags&bucketLeafFlag != 0 {
			return false
		}
		if size > b.maxInlineBucketSize() {
			return false
		}
	}

	return true
}

// maxInlineBucketSize is the serialized ceiling for an inline bucket.
func (b *Bucket) maxInlineBucketSize() int {
	return b.tx.db.pageSize / 4
}

// write serializes the bucket as an inline value: header followed by a
// fake leaf page.
func (b *Bucket) write() []byte {
	n := b.rootNode
	value := make([]byte, bucketHeaderSize+n.size())

	b.header.write(value)

	p := page(value[bucketHeaderSize:])
	n.write(p)

	return value
}

// rebalance runs the delete-side fix-up on every cached node.
func (b *Bucket) rebalance() {
	for _, n := range b.nodes {
		n.rebalance()
	}
	for _, child := range b.buckets {
		child.rebalance()
	}
}

// node returns (creating if needed) the in-memory node for a page id,
// wired to the given parent.
func (b *Bucket) node(id pgid, parent *node) *node {
	if b.nodes == nil {
		panic("nodes map expected (read-only bucket?)")
	}

	if n := b.nodes[id]; n != nil {
		return n
	}

	n := &node{bucket: b, parent: parent}
	if parent == nil {
		b.rootNode = n
	} else {
		parent.children = append(parent.children, n)
	}

	// Inline buckets read from their stashed page; everything else from the
	// transaction view.
	var p = b.page
	if p == nil {
		p = b.tx.page(id)
	}

	n.read(p)
	b.nodes[id] = n

	b.tx.stats.NodeCount++

	return n
}

// free releases every page of the bucket's subtree into the freelist.
func (b *Bucket) free() {
	if b.header.root == 0 {
		return
	}

	tx := b.tx
	b.forEachPageNode(func(p page, n *node, _ int) {
		if n != nil {
			n.free()
		} else {
			tx.db.freelist.free(tx.meta.txid, p)
		}
	})
	b.header.root = 0
}

// dereference copies all cached node data out of the mmap ahead of a remap.
func (b *Bucket) dereference() {
	if b.rootNode != nil {
		b.rootNode.root().dereference()
	}
	for _, child := range b.buckets {
		child.dereference()
	}
}

// pageNode resolves a page id to the write transaction's node when one is
// materialized, else to the underlying page.
func (b *Bucket) pageNode(id pgid) (page, *node) {
	// Inline buckets have a zero root and a stashed page; they may also have
	// been materialized into a root node.
	if b.header.root == 0 {
		if id != 0 {
			panic(fmt.Sprintf("inline bucket non-zero page access: %d", id))
		}
		if b.rootNode != nil {
			return nil, b.rootNode
		}
		return b.page, nil
	}

	if b.nodes != nil {
		if n := b.nodes[id]; n != nil {
			return nil, n
		}
	}

	return b.tx.page(id), nil
}

// cloneBytes returns a copy of b backed by fresh memory.
func cloneBytes(v []byte) []byte {
	var clone = make([]byte, len(v))
	copy(clone, v)
	return clone
}
