package cowdb

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// flock acquires an advisory lock on the database file: shared for read-only
// handles, exclusive otherwise. Non-blocking; contention maps to ErrLocked.
func flock(db *DB) error {
	flag := unix.LOCK_EX
	if db.readOnly {
		flag = unix.LOCK_SH
	}
	err := unix.Flock(int(db.file.Fd()), flag|unix.LOCK_NB)
	if err == nil {
		return nil
	}
	if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		return ErrLocked
	}
	return errors.Wrap(err, "flock")
}

// funlock releases the advisory lock on the database file.
func funlock(db *DB) error {
	return unix.Flock(int(db.file.Fd()), unix.LOCK_UN)
}

// mmap installs a read-only shared mapping of the first sz bytes of the
// database file and advises the kernel the access pattern is random.
func mmap(db *DB, sz int) error {
	b, err := unix.Mmap(int(db.file.Fd()), 0, sz, unix.PROT_READ, unix.MAP_SHARED|db.MmapFlags)
	if err != nil {
		return errors.Wrap(err, "mmap")
	}
	if err := unix.Madvise(b, unix.MADV_RANDOM); err != nil {
		_ = unix.Munmap(b)
		return errors.Wrap(err, "madvise")
	}
	db.data = b
	db.datasz = sz
	return nil
}

// munmap releases the current mapping, if any.
func munmap(db *DB) error {
	if db.data == nil {
		return nil
	}
	err := unix.Munmap(db.data)
	db.data = nil
	db.datasz = 0
	return errors.Wrap(err, "munmap")
}
