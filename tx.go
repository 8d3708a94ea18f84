package cowdb

import (
	"io"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Tx is a transaction over the database: either a read-only snapshot or the
// single writable mutation unit. Read transactions see exactly the meta that
// was active when they began; write transactions build dirty nodes in memory
// and publish them atomically by flipping the active meta page at commit.
//
// A Tx must end with Commit or Rollback (read-only transactions always
// Rollback). Transactions are not safe for concurrent use by multiple
// goroutines.
type Tx struct {
	writable bool
	managed  bool
	db       *DB
	meta     *meta
	root     Bucket
	pages    map[pgid]page
	stats    TxStats
}

// TxStats counts work done by a transaction.
type TxStats struct {
	PageCount   int // pages allocated
	PageAlloc   int // bytes allocated for pages
	CursorCount int // cursors created
	NodeCount   int // nodes materialized
	Spill       int // nodes spilled
	Write       int // pages written
	WriteTime   time.Duration
}

func (tx *Tx) init(db *DB) {
	tx.db = db
	tx.pages = nil

	// Private copy of the active meta.
	tx.meta = &meta{}
	db.meta().copy(tx.meta)

	tx.root = newBucket(tx)
	tx.root.header = tx.meta.root

	if tx.writable {
		tx.pages = make(map[pgid]page)
		tx.meta.txid++
	}
}

// ID returns the transaction id.
func (tx *Tx) ID() uint64 { return uint64(tx.meta.txid) }

// DB returns the database the transaction belongs to.
func (tx *Tx) DB() *DB { return tx.db }

// Size returns the database size in bytes as seen by this transaction.
func (tx *Tx) Size() int64 {
	return int64(tx.meta.pgid) * int64(tx.db.pageSize)
}

// Writable reports whether the transaction can mutate the database.
func (tx *Tx) Writable() bool { return tx.writable }

// Cursor creates a cursor over the root bucket: keys are bucket names and
// values are nil.
func (tx *Tx) Cursor() *Cursor { return tx.root.Cursor() }

// Bucket returns a top-level bucket by name, or nil.
func (tx *Tx) Bucket(name []byte) *Bucket { return tx.root.Bucket(name) }

// CreateBucket creates a top-level bucket.
func (tx *Tx) CreateBucket(name []byte) (*Bucket, error) { return tx.root.CreateBucket(name) }

// CreateBucketIfNotExists creates a top-level bucket if absent.
func (tx *Tx) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	return tx.root.CreateBucketIfNotExists(name)
}

// DeleteBucket removes a top-level bucket and all of its pages.
func (tx *Tx) DeleteBucket(name []byte) error { return tx.root.DeleteBucket(name) }

// ForEach calls fn for every top-level bucket.
func (tx *Tx) ForEach(fn func(name []byte, b *Bucket) error) error {
	return tx.root.ForEach(func(k, v []byte) error {
		return fn(k, tx.root.Bucket(k))
	})
}

// Commit publishes the transaction's changes: rebalance, spill, rewrite the
// freelist, write dirty pages, fsync, write the next meta page, fsync. After
// the meta write the new state is what a reopen observes; before it, the
// previous meta still wins by txid/checksum.
func (tx *Tx) Commit() error {
	if tx.managed {
		panic("managed tx commit not allowed")
	}
	if tx.db == nil {
		return ErrTxClosed
	} else if !tx.writable {
		return ErrTxNotWritable
	}

	// Delete-side fix-up first, so spill sees final shapes.
	tx.root.rebalance()

	if err := tx.root.spill(); err != nil {
		tx.rollback()
		return err
	}

	tx.meta.root.root = tx.root.header.root
	tx.meta.root.sequence = tx.root.header.sequence

	opgid := tx.meta.pgid

	// The previous freelist page is replaced wholesale.
	tx.db.freelist.free(tx.meta.txid, tx.db.page(tx.meta.freelist))
	p, err := tx.allocate((tx.db.freelist.size() / tx.db.pageSize) + 1)
	if err != nil {
		tx.rollback()
		return err
	}
	if err := tx.db.freelist.write(p); err != nil {
		tx.rollback()
		return err
	}
	tx.meta.freelist = p.id()

	// Extend the file when the high water mark moved past it.
	if tx.meta.pgid > opgid {
		if err := tx.db.grow(int(tx.meta.pgid+1) * tx.db.pageSize); err != nil {
			tx.rollback()
			return err
		}
	}

	// Dirty data pages, then fsync.
	if err := tx.write(); err != nil {
		tx.rollback()
		return err
	}

	// Consistency check before the new state becomes reachable.
	switch tx.db.CheckMode {
	case CheckStrict:
		if errs := tx.Check(); len(errs) > 0 {
			tx.rollback()
			return errors.Wrap(errs[0], "strict check failed")
		}
	case CheckForce:
		for _, err := range tx.Check() {
			log.WithError(err).Warn("consistency check")
		}
	}

	// Meta page, then fsync. This is the commit point.
	if err := tx.writeMeta(); err != nil {
		tx.rollback()
		return err
	}

	tx.close()
	return nil
}

// Rollback discards the transaction.
func (tx *Tx) Rollback() error {
	if tx.managed {
		panic("managed tx rollback not allowed")
	}
	if tx.db == nil {
		return ErrTxClosed
	}
	tx.rollback()
	return nil
}

func (tx *Tx) rollback() {
	if tx.db == nil {
		return
	}
	if tx.writable {
		tx.db.freelist.rollback(tx.meta.txid)
		// Allocations made during the tx must come back; reload from the
		// committed freelist page.
		tx.db.freelist.reload(tx.db.page(tx.db.meta().freelist))
	}
	tx.close()
}

func (tx *Tx) close() {
	if tx.db == nil {
		return
	}
	if tx.writable {
		tx.db.rwtx = nil
		tx.db.rwlock.Unlock()
	} else {
		tx.db.removeTx(tx)
	}

	tx.db = nil
	tx.meta = nil
	tx.root = Bucket{tx: tx}
	tx.pages = nil
}

// WriteTo streams a consistent copy of the database to w. Intended to run on
// a read transaction for online backup. Returns the number of bytes written.
func (tx *Tx) WriteTo(w io.Writer) (n int64, err error) {
	f, err := os.OpenFile(tx.db.path, os.O_RDONLY, 0)
	if err != nil {
		return 0, errors.Wrap(err, "open for backup")
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "close backup source")
		}
	}()

	// Regenerate both meta pages from this transaction's snapshot so the
	// copy is self-consistent regardless of later commits. The snapshot meta
	// lands in its parity slot, the other slot gets txid-1 so the next
	// commit in the copy keeps alternating correctly.
	buf := make([]byte, tx.db.pageSize)
	for slot := pgid(0); slot < 2; slot++ {
		for j := range buf {
			buf[j] = 0
		}
		m := *tx.meta
		if pgid(uint64(m.txid)%2) != slot {
			m.txid--
		}
		m.write(page(buf), slot)
		nn, werr := w.Write(buf)
		n += int64(nn)
		if werr != nil {
			return n, werr
		}
	}

	// Data pages come straight from the file.
	if _, err := f.Seek(int64(tx.db.pageSize)*2, io.SeekStart); err != nil {
		return n, err
	}
	wn, err := io.CopyN(w, f, tx.Size()-int64(tx.db.pageSize)*2)
	n += wn
	return n, err
}

// CopyFile writes a consistent copy of the database to a new file at path.
func (tx *Tx) CopyFile(path string, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := tx.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// allocate returns a zeroed page buffer spanning count pages, registered as
// dirty under its new id.
func (tx *Tx) allocate(count int) (page, error) {
	p, err := tx.db.allocate(count)
	if err != nil {
		return nil, err
	}

	tx.pages[p.id()] = p

	tx.stats.PageCount++
	tx.stats.PageAlloc += count * tx.db.pageSize

	return p, nil
}

// write flushes all dirty pages to the file with positional writes (never
// through the read-only mmap) and fsyncs.
func (tx *Tx) write() error {
	started := time.Now()

	// Sorted by position for sequential I/O.
	pages := make(pgids, 0, len(tx.pages))
	for id := range tx.pages {
		pages = append(pages, id)
	}
	sort.Sort(pages)

	for _, id := range pages {
		p := tx.pages[id]
		offset := int64(id) * int64(tx.db.pageSize)

		// Large runs are written in maxAllocSize chunks.
		buf := []byte(p)
		for len(buf) > 0 {
			sz := len(buf)
			if sz > maxAllocSize-1 {
				sz = maxAllocSize - 1
			}
			if _, err := tx.db.ops.writeAt(buf[:sz], offset); err != nil {
				return errors.Wrap(err, "write dirty page")
			}
			offset += int64(sz)
			buf = buf[sz:]
			tx.stats.Write++
		}
	}

	if !tx.db.NoSync || IgnoreNoSync {
		if err := fdatasync(tx.db); err != nil {
			return errors.Wrap(err, "fsync data pages")
		}
	}

	tx.pages = make(map[pgid]page)
	tx.stats.WriteTime += time.Since(started)

	return nil
}

// writeMeta writes the transaction's meta to the slot selected by txid
// parity and fsyncs.
func (tx *Tx) writeMeta() error {
	buf := make([]byte, tx.db.pageSize)
	p := page(buf)
	id := pgid(uint64(tx.meta.txid) % 2)
	tx.meta.write(p, id)

	if _, err := tx.db.ops.writeAt(buf, int64(id)*int64(tx.db.pageSize)); err != nil {
		return errors.Wrap(err, "write meta page")
	}
	if !tx.db.NoSync || IgnoreNoSync {
		if err := fdatasync(tx.db); err != nil {
			return errors.Wrap(err, "fsync meta page")
		}
	}
	tx.stats.Write++

	tx.db.updateMeta(tx.meta, id)

	return nil
}

// page resolves a page id to this transaction's dirty buffer when present,
// else to the mmap.
func (tx *Tx) page(id pgid) page {
	if tx.pages != nil {
		if p, ok := tx.pages[id]; ok {
			return p
		}
	}
	return tx.db.page(id)
}

// forEachPage walks the subtree rooted at a page id depth-first.
func (tx *Tx) forEachPage(id pgid, depth int, fn func(p page, depth int)) {
	p := tx.page(id)

	fn(p, depth)

	if (p.flags() & branchPageFlag) != 0 {
		for i := uint16(0); i < p.count(); i++ {
			tx.forEachPage(p.branchPageElement(i).pgid, depth+1, fn)
		}
	}
}
