package cowdb

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// freelist tracks pages that may be reused. ids holds pages free for
// immediate allocation; pending holds pages released by a transaction that
// must stay intact until no reader can still observe them; cache indexes
// both sets for O(1) membership tests.
type freelist struct {
	ids     []pgid
	pending map[txid][]pgid
	cache   map[pgid]bool
}

func newFreelist() *freelist {
	return &freelist{
		pending: make(map[txid][]pgid),
		cache:   make(map[pgid]bool),
	}
}

// size returns the serialized byte size of the freelist page, including
// the page header and, when the count overflows uint16, the leading
// element that carries the true count.
func (f *freelist) size() int {
	n := f.count()
	if n >= 0xFFFF {
		n++
	}
	return pageHeaderSize + 8*n
}

// count returns the total number of tracked pages, free plus pending.
func (f *freelist) count() int {
	return f.freeCount() + f.pendingCount()
}

func (f *freelist) freeCount() int { return len(f.ids) }

func (f *freelist) pendingCount() int {
	var n int
	for _, ids := range f.pending {
		n += len(ids)
	}
	return n
}

// copyall copies a sorted union of the free and pending ids into dst.
func (f *freelist) copyall(dst []pgid) {
	m := make(pgids, 0, f.pendingCount())
	for _, ids := range f.pending {
		m = append(m, ids...)
	}
	sort.Sort(m)
	copy(dst, pgids(f.ids).merge(m))
}

// allocate returns the starting page id of a contiguous run of n free pages,
// or 0 when no such run exists and the caller must grow the file. Runs are
// picked lowest-first.
func (f *freelist) allocate(n int) pgid {
	if len(f.ids) == 0 {
		return 0
	}

	var initial, previd pgid
	for i, id := range f.ids {
		if id <= 1 {
			panic(fmt.Sprintf("invalid page allocation: %d", id))
		}

		// Reset the run on a gap.
		if previd == 0 || id-previd != 1 {
			initial = id
		}

		if (id-initial)+1 == pgid(n) {
			// Cut the run out of the sorted list. The run is almost always at
			// the front, so shifting beats re-appending.
			if (i + 1) == n {
				f.ids = f.ids[i+1:]
			} else {
				copy(f.ids[i-n+1:], f.ids[i+1:])
				f.ids = f.ids[:len(f.ids)-n]
			}

			for i := pgid(0); i < pgid(n); i++ {
				delete(f.cache, initial+i)
			}
			return initial
		}

		previd = id
	}
	return 0
}

// free marks a page (and its overflow tail) as released by txid. The pages
// stay pending until release moves them into the free set.
func (f *freelist) free(txid txid, p page) {
	if p.id() <= 1 {
		panic(fmt.Sprintf("cannot free page 0 or 1: %d", p.id()))
	}

	ids := f.pending[txid]
	for id := p.id(); id <= p.id()+pgid(p.overflow()); id++ {
		if f.cache[id] {
			panic(fmt.Sprintf("page %d already freed", id))
		}
		ids = append(ids, id)
		f.cache[id] = true
	}
	f.pending[txid] = ids
}

// release moves every pending set with txid <= floor into the free list.
func (f *freelist) release(floor txid) {
	m := make(pgids, 0)
	for tid, ids := range f.pending {
		if tid <= floor {
			m = append(m, ids...)
			delete(f.pending, tid)
		}
	}
	sort.Sort(m)
	f.ids = pgids(f.ids).merge(m)
}

// rollback discards the pages pending under txid without freeing them.
func (f *freelist) rollback(txid txid) {
	for _, id := range f.pending[txid] {
		delete(f.cache, id)
	}
	delete(f.pending, txid)
}

// freed reports whether the given page is in the free or pending sets.
func (f *freelist) freed(id pgid) bool {
	return f.cache[id]
}

// read rebuilds the freelist from a freelist page. A count of 0xFFFF means
// the true count is stored as the first element of the body.
func (f *freelist) read(p page) {
	idx, count := 0, int(p.count())
	if count == 0xFFFF {
		idx = 1
		count = int(pgid(binary.LittleEndian.Uint64(p[pageHeaderSize : pageHeaderSize+8])))
	}

	if count == 0 {
		f.ids = nil
	} else {
		f.ids = make([]pgid, count)
		for i := 0; i < count; i++ {
			off := pageHeaderSize + (idx+i)*8
			f.ids[i] = pgid(binary.LittleEndian.Uint64(p[off : off+8]))
		}
		sort.Sort(pgids(f.ids))
	}

	f.reindex()
}

// write serializes the freelist (free plus pending, so a crash between
// commits never loses a pending page) onto the given page buffer.
func (f *freelist) write(p page) error {
	p.setFlags(freelistPageFlag)

	lenids := f.count()
	switch {
	case lenids == 0:
		p.setCount(0)
	case lenids < 0xFFFF:
		p.setCount(uint16(lenids))
		ids := make([]pgid, lenids)
		f.copyall(ids)
		for i, id := range ids {
			off := pageHeaderSize + i*8
			binary.LittleEndian.PutUint64(p[off:off+8], uint64(id))
		}
	default:
		p.setCount(0xFFFF)
		binary.LittleEndian.PutUint64(p[pageHeaderSize:pageHeaderSize+8], uint64(lenids))
		ids := make([]pgid, lenids)
		f.copyall(ids)
		for i, id := range ids {
			off := pageHeaderSize + (i+1)*8
			binary.LittleEndian.PutUint64(p[off:off+8], uint64(id))
		}
	}
	return nil
}

// reload reads the freelist from a page and filters out pending items still
// tracked in memory. Used after a write transaction rolls back, when ids
// handed out during the transaction must be restored.
func (f *freelist) reload(p page) {
	f.read(p)

	pcache := make(map[pgid]bool)
	for _, ids := range f.pending {
		for _, id := range ids {
			pcache[id] = true
		}
	}

	a := f.ids[:0]
	for _, id := range f.ids {
		if !pcache[id] {
			a = append(a, id)
		}
	}
	f.ids = a

	f.reindex()
}

// reindex rebuilds the membership cache from ids and pending.
func (f *freelist) reindex() {
	f.cache = make(map[pgid]bool, len(f.ids))
	for _, id := range f.ids {
		f.cache[id] = true
	}
	for _, ids := range f.pending {
		for _, id := range ids {
			f.cache[id] = true
		}
	}
}
