package cowdb

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// pgid is a 64-bit page identifier. Pages 0 and 1 are the meta pair.
type pgid uint64

// txid is a monotonic transaction sequence number.
type txid uint64

const (
	// pageHeaderSize is the fixed header at the start of every page:
	// {id:u64, flags:u16, count:u16, overflow:u32}, little-endian.
	pageHeaderSize = 16

	branchPageElementSize = 16
	leafPageElementSize   = 16

	minKeysPerPage = 2
)

const (
	branchPageFlag   = uint16(0x01)
	leafPageFlag     = uint16(0x02)
	metaPageFlag     = uint16(0x04)
	freelistPageFlag = uint16(0x10)
)

// bucketLeafFlag marks a leaf element whose value is a bucket header.
const bucketLeafFlag = uint32(0x01)

// page is a raw on-disk page, possibly followed by its overflow pages.
// All multi-byte fields are fixed little-endian so files move between
// architectures. Accessors return sub-slices of the backing bytes; nothing
// here copies.
type page []byte

func (p page) id() pgid         { return pgid(binary.LittleEndian.Uint64(p[0:8])) }
func (p page) flags() uint16    { return binary.LittleEndian.Uint16(p[8:10]) }
func (p page) count() uint16    { return binary.LittleEndian.Uint16(p[10:12]) }
func (p page) overflow() uint32 { return binary.LittleEndian.Uint32(p[12:16]) }

func (p page) setID(id pgid)        { binary.LittleEndian.PutUint64(p[0:8], uint64(id)) }
func (p page) setFlags(f uint16)    { binary.LittleEndian.PutUint16(p[8:10], f) }
func (p page) setCount(n uint16)    { binary.LittleEndian.PutUint16(p[10:12], n) }
func (p page) setOverflow(n uint32) { binary.LittleEndian.PutUint32(p[12:16], n) }

// typ returns a human-readable page kind.
func (p page) typ() string {
	switch {
	case p.flags()&branchPageFlag != 0:
		return "branch"
	case p.flags()&leafPageFlag != 0:
		return "leaf"
	case p.flags()&metaPageFlag != 0:
		return "meta"
	case p.flags()&freelistPageFlag != 0:
		return "freelist"
	}
	return fmt.Sprintf("unknown<%02x>", p.flags())
}

// branchPageElement is one decoded entry of a branch page. pos is relative
// to the element's own offset, pointing into the packed key heap.
type branchPageElement struct {
	pos   uint32
	ksize uint32
	pgid  pgid
}

// leafPageElement is one decoded entry of a leaf page.
type leafPageElement struct {
	flags uint32
	pos   uint32
	ksize uint32
	vsize uint32
}

// branchPageElement decodes the entry at index.
func (p page) branchPageElement(index uint16) branchPageElement {
	off := pageHeaderSize + int(index)*branchPageElementSize
	return branchPageElement{
		pos:   binary.LittleEndian.Uint32(p[off : off+4]),
		ksize: binary.LittleEndian.Uint32(p[off+4 : off+8]),
		pgid:  pgid(binary.LittleEndian.Uint64(p[off+8 : off+16])),
	}
}

// branchKey returns the key bytes of the branch entry at index.
func (p page) branchKey(index uint16) []byte {
	off := pageHeaderSize + int(index)*branchPageElementSize
	e := p.branchPageElement(index)
	start := off + int(e.pos)
	return p[start : start+int(e.ksize)]
}

// leafPageElement decodes the entry at index.
func (p page) leafPageElement(index uint16) leafPageElement {
	off := pageHeaderSize + int(index)*leafPageElementSize
	return leafPageElement{
		flags: binary.LittleEndian.Uint32(p[off : off+4]),
		pos:   binary.LittleEndian.Uint32(p[off+4 : off+8]),
		ksize: binary.LittleEndian.Uint32(p[off+8 : off+12]),
		vsize: binary.LittleEndian.Uint32(p[off+12 : off+16]),
	}
}

// leafKeyValue returns the flags, key and value of the leaf entry at index.
func (p page) leafKeyValue(index uint16) (flags uint32, key, value []byte) {
	off := pageHeaderSize + int(index)*leafPageElementSize
	e := p.leafPageElement(index)
	start := off + int(e.pos)
	return e.flags, p[start : start+int(e.ksize)], p[start+int(e.ksize) : start+int(e.ksize)+int(e.vsize)]
}

// writeBranchElement encodes one branch entry header at index.
func (p page) writeBranchElement(index uint16, pos, ksize uint32, id pgid) {
	off := pageHeaderSize + int(index)*branchPageElementSize
	binary.LittleEndian.PutUint32(p[off:off+4], pos)
	binary.LittleEndian.PutUint32(p[off+4:off+8], ksize)
	binary.LittleEndian.PutUint64(p[off+8:off+16], uint64(id))
}

// writeLeafElement encodes one leaf entry header at index.
func (p page) writeLeafElement(index uint16, flags, pos, ksize, vsize uint32) {
	off := pageHeaderSize + int(index)*leafPageElementSize
	binary.LittleEndian.PutUint32(p[off:off+4], flags)
	binary.LittleEndian.PutUint32(p[off+4:off+8], pos)
	binary.LittleEndian.PutUint32(p[off+8:off+12], ksize)
	binary.LittleEndian.PutUint32(p[off+12:off+16], vsize)
}

type pgids []pgid

func (s pgids) Len() int           { return len(s) }
func (s pgids) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s pgids) Less(i, j int) bool { return s[i] < s[j] }

// merge combines two sorted pgid slices into one sorted slice.
func (s pgids) merge(b pgids) pgids {
	dst := make(pgids, 0, len(s)+len(b))
	dst = append(dst, s...)
	dst = append(dst, b...)
	sort.Sort(dst)
	return dst
}
