package cowdb

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketCRUD(t *testing.T) {
	assert := assertion.New(t)
	db := mustOpen(t, nil)

	assert.NoError(db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}

		assert.NoError(b.Put([]byte("k"), []byte("v1")))
		assert.Equal([]byte("v1"), b.Get([]byte("k")))

		// Overwrite keeps the last value.
		assert.NoError(b.Put([]byte("k"), []byte("v2")))
		assert.Equal([]byte("v2"), b.Get([]byte("k")))

		assert.NoError(b.Delete([]byte("k")))
		assert.Nil(b.Get([]byte("k")))

		// Deleting an absent key is a no-op.
		assert.NoError(b.Delete([]byte("missing")))
		return nil
	}))
}

func TestBucketPutBoundaries(t *testing.T) {
	assert := assertion.New(t)
	db := mustOpen(t, nil)

	assert.NoError(db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}

		assert.True(errors.Is(b.Put([]byte{}, []byte("v")), ErrKeyRequired))
		assert.True(errors.Is(b.Put(nil, []byte("v")), ErrKeyRequired))

		limit := db.maxEntrySize()
		assert.NoError(b.Put(make([]byte, limit), []byte("v")))
		assert.True(errors.Is(b.Put(make([]byte, limit+1), []byte("v")), ErrKeyTooLarge))
		assert.NoError(b.Put([]byte("k"), make([]byte, limit)))
		assert.True(errors.Is(b.Put([]byte("k2"), make([]byte, limit+1)), ErrValueTooLarge))
		return nil
	}))
}

func TestBucketCreateErrors(t *testing.T) {
	assert := assertion.New(t)
	db := mustOpen(t, nil)

	assert.NoError(db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket(nil)
		assert.True(errors.Is(err, ErrBucketNameRequired))

		_, err = tx.CreateBucket([]byte("widgets"))
		assert.NoError(err)
		_, err = tx.CreateBucket([]byte("widgets"))
		assert.True(errors.Is(err, ErrBucketExists))

		b, err := tx.CreateBucketIfNotExists([]byte("widgets"))
		assert.NoError(err)
		assert.NotNil(b)

		// A plain key cannot be shadowed by a bucket, nor the reverse.
		assert.NoError(b.Put([]byte("k"), []byte("v")))
		_, err = b.CreateBucket([]byte("k"))
		assert.True(errors.Is(err, ErrIncompatibleValue))

		_, err = b.CreateBucket([]byte("sub"))
		assert.NoError(err)
		assert.True(errors.Is(b.Put([]byte("sub"), []byte("v")), ErrIncompatibleValue))
		assert.True(errors.Is(b.Delete([]byte("sub")), ErrIncompatibleValue))
		assert.Nil(b.Get([]byte("sub")))
		return nil
	}))
}

func TestBucketNotFound(t *testing.T) {
	assert := assertion.New(t)
	db := mustOpen(t, nil)

	assert.NoError(db.Update(func(tx *Tx) error {
		assert.Nil(tx.Bucket([]byte("nope")))
		assert.True(errors.Is(tx.DeleteBucket([]byte("nope")), ErrBucketNotFound))
		return nil
	}))
}

func TestBucketNested(t *testing.T) {
	assert := assertion.New(t)
	db := mustOpen(t, nil)

	require.NoError(t, db.Update(func(tx *Tx) error {
		a, err := tx.CreateBucket([]byte("a"))
		if err != nil {
			return err
		}
		if err := a.Put([]byte("ka"), []byte("va")); err != nil {
			return err
		}
		b, err := a.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		if err := b.Put([]byte("kb"), []byte("vb")); err != nil {
			return err
		}
		c, err := b.CreateBucket([]byte("c"))
		if err != nil {
			return err
		}
		return c.Put([]byte("kc"), []byte("vc"))
	}))

	assert.NoError(db.View(func(tx *Tx) error {
		a := tx.Bucket([]byte("a"))
		require.NotNil(t, a)
		assert.Equal([]byte("va"), a.Get([]byte("ka")))
		b := a.Bucket([]byte("b"))
		require.NotNil(t, b)
		assert.Equal([]byte("vb"), b.Get([]byte("kb")))
		c := b.Bucket([]byte("c"))
		require.NotNil(t, c)
		assert.Equal([]byte("vc"), c.Get([]byte("kc")))
		return nil
	}))

	// Deleting the top bucket takes every descendant with it and the check
	// finds no dangling pages.
	require.NoError(t, db.Update(func(tx *Tx) error {
		return tx.DeleteBucket([]byte("a"))
	}))
	assert.NoError(db.View(func(tx *Tx) error {
		assert.Nil(tx.Bucket([]byte("a")))
		assert.Empty(tx.Check())
		return nil
	}))
}

func TestBucketInlinePromotion(t *testing.T) {
	assert := assertion.New(t)
	db := mustOpen(t, nil)

	// Small bucket stays inline (root pgid 0).
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("small"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v"))
	}))
	assert.NoError(db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("small"))
		assert.Equal(pgid(0), b.Root())
		assert.Equal([]byte("v"), b.Get([]byte("k")))
		return nil
	}))

	// Growing past a quarter page promotes it to its own root page.
	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("small"))
		for i := 0; i < 64; i++ {
			if err := b.Put([]byte(fmt.Sprintf("key-%02d", i)), make([]byte, 64)); err != nil {
				return err
			}
		}
		return nil
	}))
	assert.NoError(db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("small"))
		assert.NotEqual(pgid(0), b.Root())
		assert.Equal([]byte("v"), b.Get([]byte("k")))
		assert.Empty(tx.Check())
		return nil
	}))
}

func TestBucketSequence(t *testing.T) {
	assert := assertion.New(t)
	db := mustOpen(t, nil)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("seq"))
		if err != nil {
			return err
		}
		for want := uint64(1); want <= 10; want++ {
			got, err := b.NextSequence()
			if err != nil {
				return err
			}
			assert.Equal(want, got)
		}
		return b.SetSequence(100)
	}))

	// The counter persists across transactions.
	assert.NoError(db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("seq"))
		assert.Equal(uint64(100), b.Sequence())
		got, err := b.NextSequence()
		assert.NoError(err)
		assert.Equal(uint64(101), got)
		return nil
	}))
}

func TestBucketForEach(t *testing.T) {
	assert := assertion.New(t)
	db := mustOpen(t, nil)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		for _, k := range []string{"c", "a", "b"} {
			if err := b.Put([]byte(k), []byte("v-"+k)); err != nil {
				return err
			}
		}
		_, err = b.CreateBucket([]byte("nested"))
		return err
	}))

	var keys []string
	assert.NoError(db.View(func(tx *Tx) error {
		return tx.Bucket([]byte("b")).ForEach(func(k, v []byte) error {
			keys = append(keys, string(k))
			if string(k) == "nested" {
				assert.Nil(v)
			} else {
				assert.Equal([]byte("v-"+string(k)), v)
			}
			return nil
		})
	}))
	assert.Equal([]string{"a", "b", "c", "nested"}, keys)
}

func TestBucketDeleteCollapse(t *testing.T) {
	assert := assertion.New(t)
	db := mustOpen(t, nil)

	keys := make([][]byte, 0, 2000)
	for i := 0; i < 2000; i++ {
		keys = append(keys, []byte(fmt.Sprintf("k%05d", i)))
	}

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Put(k, bytes.Repeat([]byte("x"), 100)); err != nil {
				return err
			}
		}
		return nil
	}))

	// Deleting every key collapses the tree but keeps the bucket.
	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	}))

	assert.NoError(db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		require.NotNil(t, b)
		k, _ := b.Cursor().First()
		assert.Nil(k)
		assert.Empty(tx.Check())
		return nil
	}))
}

func TestBucketDeleteRangePersists(t *testing.T) {
	assert := assertion.New(t)
	path := tempPath(t)

	db, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		for i := 0; i < 10000; i++ {
			if err := b.Put([]byte(fmt.Sprintf("k%05d", i)), []byte(fmt.Sprintf("v%05d", i))); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		for i := 0; i < 5000; i++ {
			if err := b.Delete([]byte(fmt.Sprintf("k%05d", i))); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, db.Close())

	// Reopen: the survivors, their order, and the freed pages all come back
	// from disk.
	db, err = Open(path, nil)
	require.NoError(t, err)
	defer db.Close()

	assert.Greater(db.freelist.count(), 0)

	assert.NoError(db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		require.NotNil(t, b)
		assert.Nil(b.Get([]byte("k04999")))

		count := 0
		var prev []byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			want := fmt.Sprintf("k%05d", 5000+count)
			assert.Equal([]byte(want), k)
			assert.Equal([]byte("v"+want[1:]), v)
			if prev != nil {
				assert.True(bytes.Compare(prev, k) < 0)
			}
			prev = append(prev[:0], k...)
			count++
		}
		assert.Equal(5000, count)
		assert.Empty(tx.Check())
		return nil
	}))
}

func TestBucketDeleteFreesPages(t *testing.T) {
	assert := assertion.New(t)
	db := mustOpen(t, nil)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("bulk"))
		if err != nil {
			return err
		}
		for i := 0; i < 5000; i++ {
			if err := b.Put([]byte(fmt.Sprintf("k%05d", i)), []byte(fmt.Sprintf("v%05d", i))); err != nil {
				return err
			}
		}
		return nil
	}))

	before := db.freelist.count()
	require.NoError(t, db.Update(func(tx *Tx) error {
		return tx.DeleteBucket([]byte("bulk"))
	}))
	assert.Greater(db.freelist.count(), before)

	assert.NoError(db.View(func(tx *Tx) error {
		assert.Empty(tx.Check())
		return nil
	}))
}
