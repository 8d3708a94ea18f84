package cowdb

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchCoalesces(t *testing.T) {
	assert := assertion.New(t)
	db := mustOpen(t, &Options{MaxBatchSize: 4, MaxBatchDelay: 50 * time.Millisecond})

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("b"))
		return err
	}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(db.Batch(func(tx *Tx) error {
				return tx.Bucket([]byte("b")).Put([]byte{byte(i)}, []byte{byte(i)})
			}))
		}()
	}
	wg.Wait()

	assert.NoError(db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		for i := 0; i < 16; i++ {
			assert.Equal([]byte{byte(i)}, b.Get([]byte{byte(i)}))
		}
		return nil
	}))
}

func TestBatchFailureIsolated(t *testing.T) {
	assert := assertion.New(t)
	db := mustOpen(t, &Options{MaxBatchSize: 3, MaxBatchDelay: 20 * time.Millisecond})

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("b"))
		return err
	}))

	boom := errors.New("boom")

	var wg sync.WaitGroup
	results := make([]error, 3)
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = db.Batch(func(tx *Tx) error {
				if i == 1 {
					return boom
				}
				return tx.Bucket([]byte("b")).Put([]byte{byte(i)}, []byte("ok"))
			})
		}()
	}
	wg.Wait()

	// The failing call gets its own error; the others still commit.
	assert.NoError(results[0])
	assert.Equal(boom, results[1])
	assert.NoError(results[2])

	assert.NoError(db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		assert.Equal([]byte("ok"), b.Get([]byte{0}))
		assert.Nil(b.Get([]byte{1}))
		assert.Equal([]byte("ok"), b.Get([]byte{2}))
		return nil
	}))
}

func TestBatchPanicContained(t *testing.T) {
	assert := assertion.New(t)
	db := mustOpen(t, &Options{MaxBatchSize: 1, MaxBatchDelay: 10 * time.Millisecond})

	// The panic is trapped inside the batch, then surfaces from the solo
	// retry, where nothing shields the caller.
	assert.Panics(func() {
		_ = db.Batch(func(tx *Tx) error {
			panic("kaboom")
		})
	})

	// The writer slot survived the panic.
	assert.NoError(db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("after"))
		return err
	}))
}
