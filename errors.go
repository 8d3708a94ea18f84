package cowdb

import "github.com/pkg/errors"

// Errors returned when opening or closing a database.
var (
	// ErrDatabaseNotOpen is returned when a DB instance is accessed before it
	// is opened or after it is closed.
	ErrDatabaseNotOpen = errors.New("database not open")

	// ErrDatabaseOpen is returned when opening a database that is
	// already open.
	ErrDatabaseOpen = errors.New("database already open")

	// ErrLocked is returned when the database file is locked exclusively by
	// another process and the open was not configured to ignore the lock.
	ErrLocked = errors.New("database locked by another process")

	// ErrInvalid is returned when both meta pages fail validation on open.
	ErrInvalid = errors.New("invalid database")

	// ErrVersionMismatch is returned when the on-disk format version differs
	// from the version this package writes.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrChecksum is returned when a meta page checksum does not match its
	// recorded value.
	ErrChecksum = errors.New("checksum error")

	// ErrPageSizeMismatch is returned when an explicitly configured page size
	// disagrees with the page size recorded in an existing database file.
	ErrPageSizeMismatch = errors.New("page size mismatch")
)

// Errors returned by transactions.
var (
	// ErrTxNotWritable is returned when a mutation is attempted on a
	// read-only transaction.
	ErrTxNotWritable = errors.New("tx not writable")

	// ErrTxClosed is returned when an operation is attempted on a transaction
	// that has already committed or rolled back.
	ErrTxClosed = errors.New("tx closed")

	// ErrDatabaseReadOnly is returned when a write transaction is started on
	// a database opened with ReadOnly.
	ErrDatabaseReadOnly = errors.New("database is in read-only mode")
)

// Errors returned by bucket and key/value operations.
var (
	// ErrBucketNotFound is returned when a named bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrBucketExists is returned when creating a bucket whose name is taken.
	ErrBucketExists = errors.New("bucket already exists")

	// ErrBucketNameRequired is returned when creating a bucket with an empty
	// name.
	ErrBucketNameRequired = errors.New("bucket name required")

	// ErrKeyRequired is returned when an empty key is inserted.
	ErrKeyRequired = errors.New("key required")

	// ErrKeyTooLarge is returned when a key exceeds the per-entry limit.
	ErrKeyTooLarge = errors.New("key too large")

	// ErrValueTooLarge is returned when a value exceeds the per-entry limit.
	ErrValueTooLarge = errors.New("value too large")

	// ErrIncompatibleValue is returned when a key/value operation collides
	// with a bucket entry or vice versa.
	ErrIncompatibleValue = errors.New("incompatible value")
)
