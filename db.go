package cowdb

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// Magic identifies a database file. First meta field, little-endian.
	Magic uint32 = 0xED0CDAED

	// Version is the on-disk format version this package reads and writes.
	Version uint32 = 2

	// IgnoreNoSync forces fsync on platforms where skipping it is unsafe.
	IgnoreNoSync = runtime.GOOS == "openbsd"

	// maxMapSize is the largest supported mmap (256TB).
	maxMapSize = 0xFFFFFFFFFFFF

	// maxAllocSize caps a single allocation / write chunk.
	maxAllocSize = 0x7FFFFFFF

	// maxMmapStep is the growth increment once doubling stops (1GB).
	maxMmapStep = 1 << 30

	minPageSize = 512
)

const (
	// DefaultMaxBatchSize caps operations coalesced into one batch.
	DefaultMaxBatchSize = 1000

	// DefaultMaxBatchDelay is how long a batch waits for more calls.
	DefaultMaxBatchDelay = 10 * time.Second
)

// metaSize is the serialized meta body: magic, version, pageSize, flags,
// root bucket header, freelist, pgid high water, txid, checksum.
const metaSize = 4 + 4 + 4 + 4 + bucketHeaderSize + 8 + 8 + 8 + 8

// meta is a decoded meta page body. Two meta pages alternate at pgids 0 and
// 1; the active one is the highest valid txid whose checksum matches.
type meta struct {
	magic    uint32
	version  uint32
	pageSize uint32
	flags    uint32
	root     bucketHeader
	freelist pgid
	pgid     pgid // high water mark: total pages allocated
	txid     txid
	checksum uint64
}

// validate checks magic, version and checksum.
func (m *meta) validate() error {
	if m.magic != Magic {
		return ErrInvalid
	} else if m.version != Version {
		return ErrVersionMismatch
	} else if m.checksum != 0 && m.checksum != m.sum64() {
		return ErrChecksum
	}
	return nil
}

// copy duplicates the meta into dst.
func (m *meta) copy(dst *meta) { *dst = *m }

// sum64 computes the checksum over every field preceding the checksum.
func (m *meta) sum64() uint64 {
	var buf [metaSize - 8]byte
	m.encodeBody(buf[:])
	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

func (m *meta) encodeBody(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], m.magic)
	binary.LittleEndian.PutUint32(b[4:8], m.version)
	binary.LittleEndian.PutUint32(b[8:12], m.pageSize)
	binary.LittleEndian.PutUint32(b[12:16], m.flags)
	m.root.write(b[16:32])
	binary.LittleEndian.PutUint64(b[32:40], uint64(m.freelist))
	binary.LittleEndian.PutUint64(b[40:48], uint64(m.pgid))
	binary.LittleEndian.PutUint64(b[48:56], uint64(m.txid))
}

// write serializes the meta (with freshly computed checksum) onto a page
// buffer and stamps the page header for the given slot.
func (m *meta) write(p page, id pgid) {
	if m.root.root >= m.pgid {
		panic(fmt.Sprintf("root bucket pgid (%d) above high water mark (%d)", m.root.root, m.pgid))
	} else if m.freelist >= m.pgid {
		panic(fmt.Sprintf("freelist pgid (%d) above high water mark (%d)", m.freelist, m.pgid))
	}

	p.setID(id)
	p.setFlags(metaPageFlag)

	m.checksum = m.sum64()
	body := p[pageHeaderSize:]
	m.encodeBody(body)
	binary.LittleEndian.PutUint64(body[56:64], m.checksum)
}

// readMeta decodes the meta body of a meta page.
func readMeta(p page) *meta {
	b := p[pageHeaderSize:]
	m := &meta{
		magic:    binary.LittleEndian.Uint32(b[0:4]),
		version:  binary.LittleEndian.Uint32(b[4:8]),
		pageSize: binary.LittleEndian.Uint32(b[8:12]),
		flags:    binary.LittleEndian.Uint32(b[12:16]),
		freelist: pgid(binary.LittleEndian.Uint64(b[32:40])),
		pgid:     pgid(binary.LittleEndian.Uint64(b[40:48])),
		txid:     txid(binary.LittleEndian.Uint64(b[48:56])),
		checksum: binary.LittleEndian.Uint64(b[56:64]),
	}
	m.root.read(b[16:32])
	return m
}

// CheckMode selects the consistency policy applied after each commit.
type CheckMode int

const (
	// CheckNone skips post-commit checking.
	CheckNone CheckMode = iota
	// CheckStrict fails the commit on any anomaly.
	CheckStrict
	// CheckForce reports every anomaly through the logger but never aborts.
	CheckForce
)

// Options configures Open. The zero value gives usable defaults; see
// DefaultOptions.
type Options struct {
	// ReadOnly opens the file read-only with a shared lock.
	ReadOnly bool

	// IgnoreFlock skips advisory locking entirely. Concurrent writers can
	// then corrupt the file; only useful when a stale lock is known safe.
	IgnoreFlock bool

	// NoGrowSync skips the fsync after extending the file.
	NoGrowSync bool

	// NoSync skips all fsyncs after commits. Unsafe outside bulk loads.
	NoSync bool

	// InitialMmapSize is the minimum bytes to map at open. Large values let
	// long read transactions coexist with writers without remap stalls.
	// Values smaller than the current file take no effect; the mapping
	// never shrinks.
	InitialMmapSize int

	// Autoremove deletes the file when a writable handle closes.
	Autoremove bool

	// PageSize is used when creating a new database. For an existing
	// database a non-zero value must match the size recorded in the meta,
	// otherwise Open fails with ErrPageSizeMismatch. 0 means OS page size.
	PageSize int

	// CheckMode selects the post-commit consistency policy.
	CheckMode CheckMode

	// MaxBatchDelay is the window Batch waits to coalesce calls.
	MaxBatchDelay time.Duration

	// MaxBatchSize caps calls per batch; 0 means unlimited.
	MaxBatchSize int

	// MmapFlags is OR'd into the mmap syscall flags (e.g. MAP_POPULATE).
	MmapFlags int

	// FileMode is the mode used when creating the file.
	FileMode os.FileMode
}

// DefaultOptions are the options used when Open receives nil.
var DefaultOptions = &Options{
	MaxBatchDelay: DefaultMaxBatchDelay,
	MaxBatchSize:  DefaultMaxBatchSize,
	FileMode:      0600,
}

// DB is an open database handle. It is safe for concurrent use by multiple
// goroutines: many read transactions run in parallel with at most one write
// transaction.
type DB struct {
	// NoSync skips fsync after commits. See Options.NoSync.
	NoSync bool

	// NoGrowSync skips fsync after file extension. See Options.NoGrowSync.
	NoGrowSync bool

	// CheckMode is the post-commit consistency policy.
	CheckMode CheckMode

	// MaxBatchSize and MaxBatchDelay tune Batch coalescing.
	MaxBatchSize  int
	MaxBatchDelay time.Duration

	// MmapFlags is passed through to the mmap syscall.
	MmapFlags int

	path       string
	file       *os.File
	data       []byte // read-only mapping; writing through it faults
	datasz     int
	filesz     int
	pageSize   int
	opened     bool
	readOnly   bool
	autoremove bool
	flocked    bool

	meta0 *meta
	meta1 *meta

	freelist *freelist
	rwtx     *Tx
	txs      []*Tx

	rwlock   sync.Mutex   // one writer at a time
	metalock sync.Mutex   // guards meta pair and txs set
	mmaplock sync.RWMutex // readers hold R during their life; remap takes W

	batchMu sync.Mutex
	batch   *batch

	ops struct {
		writeAt func(b []byte, off int64) (int, error)
	}
}

// Open opens (creating if necessary) a database file and returns a handle.
func Open(path string, options *Options) (*DB, error) {
	if options == nil {
		options = DefaultOptions
	}

	db := &DB{
		NoSync:        options.NoSync,
		NoGrowSync:    options.NoGrowSync,
		CheckMode:     options.CheckMode,
		MaxBatchSize:  options.MaxBatchSize,
		MaxBatchDelay: options.MaxBatchDelay,
		MmapFlags:     options.MmapFlags,
		readOnly:      options.ReadOnly,
		autoremove:    options.Autoremove,
		path:          path,
	}
	if db.MaxBatchSize == 0 && db.MaxBatchDelay == 0 {
		db.MaxBatchSize = DefaultMaxBatchSize
		db.MaxBatchDelay = DefaultMaxBatchDelay
	}

	mode := options.FileMode
	if mode == 0 {
		mode = 0600
	}

	flag := os.O_RDWR
	if db.readOnly {
		flag = os.O_RDONLY
	} else {
		flag |= os.O_CREATE
	}

	var err error
	if db.file, err = os.OpenFile(path, flag, mode); err != nil {
		_ = db.close()
		return nil, errors.Wrap(err, "open database file")
	}
	db.opened = true

	// Shared lock for read-only handles, exclusive otherwise. Two writers
	// on one file would shred the meta pair and the freelist.
	if !options.IgnoreFlock {
		if err := flock(db); err != nil {
			_ = db.close()
			return nil, err
		}
		db.flocked = true
	}

	db.ops.writeAt = db.file.WriteAt

	if info, err := db.file.Stat(); err != nil {
		_ = db.close()
		return nil, errors.Wrap(err, "stat database file")
	} else if info.Size() == 0 {
		if db.readOnly {
			_ = db.close()
			return nil, ErrInvalid
		}
		if err := db.init(options.PageSize); err != nil {
			_ = db.close()
			return nil, err
		}
	} else {
		// Existing file: the page size lives in meta 0. Only the first page
		// is needed and the file may be smaller than 4KB.
		sz := info.Size()
		if sz > 0x1000 {
			sz = 0x1000
		}
		if sz < pageHeaderSize+metaSize {
			_ = db.close()
			return nil, ErrInvalid
		}
		buf := make([]byte, sz)
		if _, err := db.file.ReadAt(buf, 0); err != nil {
			_ = db.close()
			return nil, errors.Wrap(err, "read meta page")
		}
		m := readMeta(page(buf))
		if err := m.validate(); err != nil {
			db.pageSize = os.Getpagesize()
		} else {
			db.pageSize = int(m.pageSize)
		}
		if options.PageSize != 0 && options.PageSize != db.pageSize {
			_ = db.close()
			return nil, ErrPageSizeMismatch
		}
	}

	if err := db.mmap(options.InitialMmapSize); err != nil {
		_ = db.close()
		return nil, err
	}

	db.freelist = newFreelist()
	db.freelist.read(db.page(db.meta().freelist))

	return db, nil
}

// init writes a fresh database: two meta pages, an empty freelist page and
// an empty root leaf page.
func (db *DB) init(pageSize int) error {
	db.pageSize = pageSize
	if db.pageSize == 0 {
		db.pageSize = os.Getpagesize()
	}
	if db.pageSize < minPageSize {
		db.pageSize = minPageSize
	}
	// Round up to a power of two.
	for ps := minPageSize; ; ps *= 2 {
		if ps >= db.pageSize {
			db.pageSize = ps
			break
		}
	}

	buf := make([]byte, db.pageSize*4)

	// Meta pages at 0 and 1 (txids 0 and 1), freelist at 2, root leaf at 3.
	for i := 0; i < 2; i++ {
		m := &meta{
			magic:    Magic,
			version:  Version,
			pageSize: uint32(db.pageSize),
			root:     bucketHeader{root: 3},
			freelist: 2,
			pgid:     4,
			txid:     txid(i),
		}
		m.write(page(buf[i*db.pageSize:(i+1)*db.pageSize]), pgid(i))
	}

	p := page(buf[2*db.pageSize : 3*db.pageSize])
	p.setID(2)
	p.setFlags(freelistPageFlag)

	p = page(buf[3*db.pageSize : 4*db.pageSize])
	p.setID(3)
	p.setFlags(leafPageFlag)

	if _, err := db.ops.writeAt(buf, 0); err != nil {
		return errors.Wrap(err, "write initial pages")
	}
	if err := fdatasync(db); err != nil {
		return errors.Wrap(err, "fsync initial pages")
	}
	db.filesz = len(buf)

	return nil
}

// mmap (re)maps the data file with room for at least minsz bytes, then
// revalidates the meta pair against the new mapping.
func (db *DB) mmap(minsz int) error {
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	info, err := db.file.Stat()
	if err != nil {
		return errors.Wrap(err, "mmap stat")
	}
	if int(info.Size()) < db.pageSize*2 {
		return ErrInvalid
	}
	db.filesz = int(info.Size())

	// Never map less than the file, the requested floor, or four pages.
	size := int(info.Size())
	if size < minsz {
		size = minsz
	}
	if min := db.pageSize * 4; size < min {
		size = min
	}
	size, err = db.mmapSize(size)
	if err != nil {
		return err
	}

	// Write tx nodes hold slices into the old mapping; detach them first.
	if db.rwtx != nil {
		db.rwtx.root.dereference()
	}

	if err := munmap(db); err != nil {
		return err
	}
	if err := mmap(db, size); err != nil {
		return err
	}

	db.meta0 = readMeta(db.page(0))
	db.meta1 = readMeta(db.page(1))

	// One torn meta is survivable (a crash mid meta-write); two is not.
	err0 := db.meta0.validate()
	err1 := db.meta1.validate()
	if err0 != nil && err1 != nil {
		return err0
	}

	return nil
}

// mmapSize rounds the requested size up the growth ladder: double until
// 1GB, then 1GB increments aligned to the page size.
func (db *DB) mmapSize(size int) (int, error) {
	for i := uint(15); i <= 30; i++ {
		if size <= 1<<i {
			return 1 << i, nil
		}
	}

	if size > maxMapSize {
		return 0, errors.New("mmap too large")
	}

	sz := int64(size)
	if remainder := sz % int64(maxMmapStep); remainder > 0 {
		sz += int64(maxMmapStep) - remainder
	}

	// Keep aligned to the page size.
	pageSize := int64(db.pageSize)
	if (sz % pageSize) != 0 {
		sz = ((sz / pageSize) + 1) * pageSize
	}

	if sz > maxMapSize {
		sz = maxMapSize
	}

	return int(sz), nil
}

// grow extends the file to at least sz bytes, fsyncing the extension unless
// NoGrowSync is set.
func (db *DB) grow(sz int) error {
	if sz <= db.filesz {
		return nil
	}

	// Grow to the mapped size so repeated small commits don't truncate
	// over and over.
	if sz < db.datasz {
		sz = db.datasz
	}

	if err := db.file.Truncate(int64(sz)); err != nil {
		return errors.Wrap(err, "file resize")
	}
	if !db.NoGrowSync && !db.readOnly {
		if err := db.file.Sync(); err != nil {
			return errors.Wrap(err, "file sync after grow")
		}
	}

	db.filesz = sz
	return nil
}

// Path returns the path of the open database file.
func (db *DB) Path() string { return db.path }

// String returns a printable representation of the handle.
func (db *DB) String() string { return fmt.Sprintf("DB<%q>", db.path) }

// Close waits for the writer and all readers to finish, unmaps, unlocks and
// closes the file. With Autoremove set on a writable handle the file is
// deleted afterwards.
func (db *DB) Close() error {
	db.rwlock.Lock()
	defer db.rwlock.Unlock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	// Blocks until every read transaction drops its R-lock.
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	return db.close()
}

func (db *DB) close() error {
	if !db.opened {
		return nil
	}
	db.opened = false

	db.freelist = nil
	db.ops.writeAt = nil

	if err := munmap(db); err != nil {
		return err
	}

	if db.file != nil {
		if db.flocked && !db.readOnly {
			if err := funlock(db); err != nil {
				log.WithError(err).Error("funlock on close")
			}
			db.flocked = false
		}
		if err := db.file.Close(); err != nil {
			return errors.Wrap(err, "close database file")
		}
		db.file = nil
	}

	if db.autoremove && !db.readOnly && db.path != "" {
		if err := os.Remove(db.path); err != nil {
			return errors.Wrap(err, "autoremove database file")
		}
	}

	db.path = ""
	return nil
}

// Begin starts a transaction. A writable transaction blocks until the writer
// slot frees; multiple read-only transactions run concurrently.
//
// Transactions should not depend on one another inside a single goroutine: a
// writable transaction that needs to grow the mapping will wait for all read
// transactions to finish, so opening both in one goroutine can deadlock.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if writable {
		return db.beginRWTx()
	}
	return db.beginTx()
}

func (db *DB) beginTx() (*Tx, error) {
	// Lock order: metalock first, then the shared mmap lock. Remap takes
	// mmaplock.W without metalock, so this order cannot invert.
	db.metalock.Lock()

	// Held (shared) for the life of the transaction; remap waits for it.
	db.mmaplock.RLock()

	if !db.opened {
		db.mmaplock.RUnlock()
		db.metalock.Unlock()
		return nil, ErrDatabaseNotOpen
	}

	t := &Tx{}
	t.init(db)
	db.txs = append(db.txs, t)

	db.metalock.Unlock()

	return t, nil
}

func (db *DB) beginRWTx() (*Tx, error) {
	if db.readOnly {
		return nil, ErrDatabaseReadOnly
	}

	// The writer slot. Released by Commit/Rollback via tx.close.
	db.rwlock.Lock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	if !db.opened {
		db.rwlock.Unlock()
		return nil, ErrDatabaseNotOpen
	}

	t := &Tx{writable: true}
	t.init(db)
	db.rwtx = t

	// Pages pending under a txid older than every live reader can be
	// reused now.
	var minid txid = 0xFFFFFFFFFFFFFFFF
	for _, t := range db.txs {
		if t.meta.txid < minid {
			minid = t.meta.txid
		}
	}
	if minid > 0 {
		db.freelist.release(minid - 1)
	}

	return t, nil
}

// removeTx drops a finished read transaction from the live set.
func (db *DB) removeTx(tx *Tx) {
	// The mapping must be released before metalock: Close blocks on
	// mmaplock.Lock while holding metalock, so the reverse order wedges
	// both sides.
	db.mmaplock.RUnlock()

	db.metalock.Lock()

	for i, t := range db.txs {
		if t == tx {
			last := len(db.txs) - 1
			db.txs[i] = db.txs[last]
			db.txs[last] = nil
			db.txs = db.txs[:last]
			break
		}
	}

	db.metalock.Unlock()
}

// Update runs fn inside a managed write transaction: committed when fn
// returns nil, rolled back otherwise.
func (db *DB) Update(fn func(*Tx) error) error {
	t, err := db.Begin(true)
	if err != nil {
		return err
	}

	// A panic inside fn must still release the writer slot.
	defer func() {
		if t.db != nil {
			t.managed = false
			t.rollback()
		}
	}()

	t.managed = true
	err = fn(t)
	t.managed = false
	if err != nil {
		t.rollback()
		return err
	}

	return t.Commit()
}

// View runs fn inside a managed read-only transaction.
func (db *DB) View(fn func(*Tx) error) error {
	t, err := db.Begin(false)
	if err != nil {
		return err
	}

	defer func() {
		if t.db != nil {
			t.managed = false
			t.rollback()
		}
	}()

	t.managed = true
	err = fn(t)
	t.managed = false
	if err != nil {
		t.rollback()
		return err
	}

	t.rollback()
	return nil
}

// Sync fsyncs the database file. Useful to flush a NoSync bulk load.
func (db *DB) Sync() error { return fdatasync(db) }

// IsReadOnly reports whether the handle was opened read-only.
func (db *DB) IsReadOnly() bool { return db.readOnly }

// page returns the page at id from the mapping, spanning its overflow run.
func (db *DB) page(id pgid) page {
	pos := int(id) * db.pageSize
	if pos+pageHeaderSize > db.datasz {
		panic(fmt.Sprintf("page %d beyond mapped region", id))
	}
	p := page(db.data[pos:])
	end := db.pageSize * (1 + int(p.overflow()))
	return p[:end]
}

// meta returns the valid meta with the highest txid. The pair can only both
// be invalid if validation at open was bypassed, so failure here is fatal.
func (db *DB) meta() *meta {
	metaA, metaB := db.meta0, db.meta1
	if db.meta1.txid > db.meta0.txid {
		metaA, metaB = db.meta1, db.meta0
	}
	if err := metaA.validate(); err == nil {
		return metaA
	}
	if err := metaB.validate(); err == nil {
		return metaB
	}
	panic("both meta pages invalid")
}

// updateMeta installs a freshly committed meta into the in-memory pair.
// Called by the writer after the meta page hits disk; readers copy the pair
// under metalock at begin.
func (db *DB) updateMeta(m *meta, slot pgid) {
	db.metalock.Lock()
	cp := &meta{}
	m.copy(cp)
	if slot == 0 {
		db.meta0 = cp
	} else {
		db.meta1 = cp
	}
	db.metalock.Unlock()
}

// allocate returns a zeroed buffer of count contiguous pages with its id
// assigned, reusing freelist runs or claiming pages past the high water
// mark (remapping when the claim exceeds the mapping).
func (db *DB) allocate(count int) (page, error) {
	buf := make([]byte, count*db.pageSize)
	p := page(buf)
	p.setOverflow(uint32(count - 1))

	if id := db.freelist.allocate(count); id != 0 {
		p.setID(id)
		return p, nil
	}

	// Past the end of the file: bump the high water mark and make sure the
	// mapping can address it.
	p.setID(db.rwtx.meta.pgid)
	minsz := (int(p.id()) + count + 1) * db.pageSize
	if minsz >= db.datasz {
		if err := db.mmap(minsz); err != nil {
			return nil, errors.Wrap(err, "mmap allocate")
		}
	}
	db.rwtx.meta.pgid += pgid(count)

	return p, nil
}

// maxEntrySize is the per-key and per-value ceiling: a quarter page minus
// the element header.
func (db *DB) maxEntrySize() int {
	return db.pageSize/4 - leafPageElementSize
}

// fdatasync flushes file data to stable storage.
func fdatasync(db *DB) error {
	return db.file.Sync()
}

// Info describes the open handle.
type Info struct {
	Path     string
	PageSize int
	ReadOnly bool
}

// Info returns basic information about the database.
func (db *DB) Info() Info {
	return Info{Path: db.path, PageSize: db.pageSize, ReadOnly: db.readOnly}
}
