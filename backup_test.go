package cowdb

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedBackupData(t *testing.T, db *DB) {
	t.Helper()
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for i := 0; i < 500; i++ {
			if err := b.Put([]byte(fmt.Sprintf("key-%04d", i)), []byte(fmt.Sprintf("value-%04d", i))); err != nil {
				return err
			}
		}
		sub, err := b.CreateBucket([]byte("nested"))
		if err != nil {
			return err
		}
		if err := sub.Put([]byte("inner"), []byte("pearl")); err != nil {
			return err
		}
		_, err = tx.CreateBucket([]byte("empty"))
		return err
	}))
}

func verifyBackupData(t *testing.T, db *DB) {
	assert := assertion.New(t)
	assert.NoError(db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.NotNil(t, b)
		for i := 0; i < 500; i++ {
			assert.Equal([]byte(fmt.Sprintf("value-%04d", i)), b.Get([]byte(fmt.Sprintf("key-%04d", i))))
		}
		sub := b.Bucket([]byte("nested"))
		require.NotNil(t, sub)
		assert.Equal([]byte("pearl"), sub.Get([]byte("inner")))
		assert.NotNil(tx.Bucket([]byte("empty")))
		assert.Empty(tx.Check())
		return nil
	}))
}

func TestRecordCodec(t *testing.T) {
	assert := assertion.New(t)

	prev := []byte("user:0001")
	key := []byte("user:0002")
	value := bytes.Repeat([]byte("abcdefgh"), 64)

	for _, algo := range []CompressAlgorithm{CompNone, CompSnappy, CompLz4} {
		comp, err := algo.compressor()
		require.NoError(t, err)
		decomp, err := algo.decompressor()
		require.NoError(t, err)

		var buf bytes.Buffer
		marshalRecord(&buf, recPair, prev, key, value, comp)

		// Prefix delta keeps the encoded key shorter than the full key.
		assert.Less(buf.Len(), len(key)+len(value)+16)

		kind, k, v, err := unmarshalRecord(bufio.NewReader(&buf), prev, decomp)
		require.NoError(t, err)
		assert.Equal(recPair, kind)
		assert.Equal(key, k)
		assert.Equal(value, v)
	}
}

func TestRecordCodecNoPrev(t *testing.T) {
	assert := assertion.New(t)

	var buf bytes.Buffer
	marshalRecord(&buf, recPair, nil, []byte("solo"), []byte("v"), nil)

	kind, k, v, err := unmarshalRecord(bufio.NewReader(&buf), nil, nil)
	require.NoError(t, err)
	assert.Equal(recPair, kind)
	assert.Equal([]byte("solo"), k)
	assert.Equal([]byte("v"), v)
}

func TestCopyFile(t *testing.T) {
	db := mustOpen(t, nil)
	seedBackupData(t, db)

	dst := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, db.View(func(tx *Tx) error {
		return tx.CopyFile(dst, 0600)
	}))

	copied, err := Open(dst, nil)
	require.NoError(t, err)
	defer copied.Close()
	verifyBackupData(t, copied)

	// The copy remains writable: commits keep alternating metas.
	require.NoError(t, copied.Update(func(tx *Tx) error {
		return tx.Bucket([]byte("widgets")).Put([]byte("new"), []byte("entry"))
	}))
}

func TestWriteToSnapshot(t *testing.T) {
	assert := assertion.New(t)
	db := mustOpen(t, nil)
	seedBackupData(t, db)

	// Start the backup tx, then commit more data; the stream must not
	// include it.
	tx, err := db.Begin(false)
	require.NoError(t, err)

	require.NoError(t, db.Update(func(tx *Tx) error {
		return tx.Bucket([]byte("widgets")).Put([]byte("late"), []byte("write"))
	}))

	var buf bytes.Buffer
	n, err := tx.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(tx.Size(), n)
	require.NoError(t, tx.Rollback())

	dst := filepath.Join(t.TempDir(), "snap.db")
	require.NoError(t, os.WriteFile(dst, buf.Bytes(), 0600))
	snap, err := Open(dst, nil)
	require.NoError(t, err)
	defer snap.Close()

	assert.NoError(snap.View(func(tx *Tx) error {
		assert.Nil(tx.Bucket([]byte("widgets")).Get([]byte("late")))
		assert.Empty(tx.Check())
		return nil
	}))
}

func TestDumpRestore(t *testing.T) {
	for _, algo := range []CompressAlgorithm{CompNone, CompSnappy, CompLz4} {
		algo := algo
		t.Run(algo.String(), func(t *testing.T) {
			db := mustOpen(t, nil)
			seedBackupData(t, db)

			var buf bytes.Buffer
			require.NoError(t, db.Dump(&buf, algo))

			restored := mustOpen(t, nil)
			require.NoError(t, restored.Restore(&buf))
			verifyBackupData(t, restored)
		})
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	assert := assertion.New(t)
	db := mustOpen(t, nil)

	assert.Error(db.Restore(bytes.NewReader([]byte("definitely not a dump"))))
	assert.Error(db.Restore(bytes.NewReader(nil)))
}

func TestCompactTo(t *testing.T) {
	assert := assertion.New(t)
	db := mustOpen(t, nil)
	seedBackupData(t, db)

	// Churn to grow the freelist.
	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		for i := 0; i < 400; i++ {
			if err := b.Delete([]byte(fmt.Sprintf("key-%04d", i))); err != nil {
				return err
			}
		}
		return nil
	}))

	dst := mustOpen(t, nil)
	require.NoError(t, db.CompactTo(dst, CompSnappy))

	assert.NoError(dst.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.NotNil(t, b)
		assert.Nil(b.Get([]byte("key-0000")))
		assert.Equal([]byte("value-0499"), b.Get([]byte("key-0499")))
		assert.Empty(tx.Check())
		return nil
	}))
}
