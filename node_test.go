package cowdb

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

// testNode builds a leaf node wired to a throwaway write tx so put/split can
// consult page size and the high water mark.
func testNode(pageSize int) *node {
	tx := &Tx{
		writable: true,
		meta:     &meta{pgid: 1},
		db:       &DB{pageSize: pageSize},
	}
	b := &Bucket{tx: tx, FillPercent: DefaultFillPercent, nodes: make(map[pgid]*node)}
	return &node{bucket: b, isLeaf: true}
}

func TestNodePut(t *testing.T) {
	assert := assertion.New(t)
	n := testNode(4096)

	n.put([]byte("baz"), []byte("baz"), []byte("2"), 0, 0)
	n.put([]byte("foo"), []byte("foo"), []byte("0"), 0, 0)
	n.put([]byte("bar"), []byte("bar"), []byte("1"), 0, 0)

	// Sorted insert regardless of arrival order.
	assert.Equal([]byte("bar"), n.inodes[0].key)
	assert.Equal([]byte("baz"), n.inodes[1].key)
	assert.Equal([]byte("foo"), n.inodes[2].key)

	// Replacement, not duplication.
	n.put([]byte("foo"), []byte("foo"), []byte("3"), 0, 0)
	assert.Len(n.inodes, 3)
	assert.Equal([]byte("3"), n.inodes[2].value)
}

func TestNodeDel(t *testing.T) {
	assert := assertion.New(t)
	n := testNode(4096)

	n.put([]byte("a"), []byte("a"), []byte("1"), 0, 0)
	n.put([]byte("b"), []byte("b"), []byte("2"), 0, 0)

	n.del([]byte("a"))
	assert.Len(n.inodes, 1)
	assert.True(n.unbalanced)

	// Deleting an absent key changes nothing.
	n.unbalanced = false
	n.del([]byte("zz"))
	assert.Len(n.inodes, 1)
	assert.False(n.unbalanced)
}

func TestNodeReadWriteLeaf(t *testing.T) {
	assert := assertion.New(t)
	n := testNode(4096)

	n.put([]byte("susy"), []byte("susy"), []byte("que"), 0, 0)
	n.put([]byte("ricki"), []byte("ricki"), []byte("lake"), 0, 0)
	n.put([]byte("john"), []byte("john"), []byte("johnson"), 0, 0)

	p := make(page, 4096)
	n.write(p)

	var m node
	m.bucket = n.bucket
	m.read(p)

	assert.True(m.isLeaf)
	assert.Len(m.inodes, 3)
	assert.Equal([]byte("john"), m.inodes[0].key)
	assert.Equal([]byte("johnson"), m.inodes[0].value)
	assert.Equal([]byte("ricki"), m.inodes[1].key)
	assert.Equal([]byte("lake"), m.inodes[1].value)
	assert.Equal([]byte("susy"), m.inodes[2].key)
	assert.Equal([]byte("que"), m.inodes[2].value)
}

func TestNodeSizeLessThan(t *testing.T) {
	assert := assertion.New(t)
	n := testNode(4096)
	n.put([]byte("key"), []byte("key"), make([]byte, 100), 0, 0)

	assert.True(n.sizeLessThan(n.size()+1))
	assert.False(n.sizeLessThan(n.size()))
}

func TestNodeSplitTwo(t *testing.T) {
	assert := assertion.New(t)
	n := testNode(4096)
	for _, k := range []string{"00000001", "00000002", "00000003", "00000004", "00000005"} {
		n.put([]byte(k), []byte(k), make([]byte, 100), 0, 0)
	}

	// Small enough for one page: no split.
	a, b := n.splitTwo(4096)
	assert.Equal(n, a)
	assert.Nil(b)

	// Tiny threshold forces a split at the minimum boundary.
	a, b = n.splitTwo(100)
	assert.NotNil(b)
	assert.Len(a.inodes, 2)
	assert.Len(b.inodes, 3)
	assert.Equal(a.parent, b.parent)
	assert.NotNil(a.parent)
}

func TestNodeSplitMinKeys(t *testing.T) {
	assert := assertion.New(t)
	n := testNode(4096)
	n.put([]byte("a"), []byte("a"), make([]byte, 4000), 0, 0)
	n.put([]byte("b"), []byte("b"), make([]byte, 4000), 0, 0)

	// Two oversized keys still stay together: a page keeps at least two.
	nodes := n.split(4096)
	assert.Len(nodes, 1)
}

func TestNodeSplitMany(t *testing.T) {
	assert := assertion.New(t)
	n := testNode(4096)
	for i := 0; i < 100; i++ {
		k := []byte{'k', byte(i/10 + '0'), byte(i%10 + '0')}
		n.put(k, k, make([]byte, 100), 0, 0)
	}

	nodes := n.split(1000)
	assert.Greater(len(nodes), 1)

	total := 0
	for _, m := range nodes {
		assert.GreaterOrEqual(len(m.inodes), minKeysPerPage)
		total += len(m.inodes)
	}
	assert.Equal(100, total)
}
