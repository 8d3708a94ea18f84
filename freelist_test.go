package cowdb

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestFreelistAllocate(t *testing.T) {
	assert := assertion.New(t)
	f := newFreelist()
	f.ids = []pgid{3, 4, 5, 6, 7, 9, 12, 13, 18}
	f.reindex()

	// Runs are taken lowest-first.
	assert.Equal(pgid(3), f.allocate(3))
	assert.Equal(pgid(6), f.allocate(1))
	assert.Equal(pgid(12), f.allocate(2))

	// No run of this length left.
	assert.Equal(pgid(0), f.allocate(3))

	assert.Equal(pgid(7), f.allocate(1))
	assert.Equal(pgid(9), f.allocate(1))
	assert.Equal(pgid(18), f.allocate(1))
	assert.Empty(f.ids)
	assert.Equal(pgid(0), f.allocate(1))
}

func TestFreelistFreeOverflow(t *testing.T) {
	assert := assertion.New(t)
	f := newFreelist()

	// Freeing a page includes its overflow run.
	p := make(page, pageHeaderSize)
	p.setID(12)
	p.setOverflow(3)
	f.free(100, p)

	assert.Equal([]pgid{12, 13, 14, 15}, f.pending[100])
	assert.True(f.freed(13))
	assert.Zero(f.freeCount())
	assert.Equal(4, f.pendingCount())
}

func TestFreelistReleaseFloor(t *testing.T) {
	assert := assertion.New(t)
	f := newFreelist()

	p := make(page, pageHeaderSize)
	p.setID(9)
	f.free(100, p)
	p2 := make(page, pageHeaderSize)
	p2.setID(5)
	f.free(102, p2)

	// Only txids at or below the floor are released.
	f.release(100)
	assert.Equal([]pgid{9}, f.ids)
	assert.Equal(1, f.pendingCount())

	f.release(102)
	assert.Equal([]pgid{5, 9}, f.ids)
	assert.Zero(f.pendingCount())
}

func TestFreelistRollback(t *testing.T) {
	assert := assertion.New(t)
	f := newFreelist()

	p := make(page, pageHeaderSize)
	p.setID(7)
	f.free(50, p)
	f.rollback(50)

	assert.Zero(f.count())
	assert.False(f.freed(7))
}

func TestFreelistSerde(t *testing.T) {
	assert := assertion.New(t)
	f := newFreelist()
	f.ids = []pgid{3, 5, 9}
	f.reindex()
	p := make(page, pageHeaderSize)
	p.setID(11)
	f.free(77, p)

	buf := make(page, 4096)
	assert.NoError(f.write(buf))
	assert.Equal(uint16(4), buf.count())

	// Pending pages are persisted alongside free ones.
	g := newFreelist()
	g.read(buf)
	assert.Equal([]pgid{3, 5, 9, 11}, g.ids)
	assert.True(g.freed(11))
}

func TestFreelistSerdeEmpty(t *testing.T) {
	assert := assertion.New(t)
	f := newFreelist()
	buf := make(page, 4096)
	assert.NoError(f.write(buf))

	g := newFreelist()
	g.read(buf)
	assert.Zero(g.count())
}

func TestFreelistReload(t *testing.T) {
	assert := assertion.New(t)

	// Serialize a committed state of {3,5,9}.
	f := newFreelist()
	f.ids = []pgid{3, 5, 9}
	f.reindex()
	buf := make(page, 4096)
	assert.NoError(f.write(buf))

	// A tx allocates 3 and frees 20, then rolls back: reload must restore 3
	// and drop the rolled-back pending page.
	assert.Equal(pgid(3), f.allocate(1))
	p := make(page, pageHeaderSize)
	p.setID(20)
	f.free(88, p)
	f.rollback(88)
	f.reload(buf)

	assert.Equal([]pgid{3, 5, 9}, f.ids)
	assert.Zero(f.pendingCount())
}
