package cowdb

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Batch runs fn as part of a coalesced write transaction shared with other
// concurrent Batch callers, amortizing commit fsyncs across them. The batch
// commits when MaxBatchSize calls have queued or MaxBatchDelay has elapsed,
// whichever is first.
//
// fn may run multiple times (alone, after a batch-mate fails), so it must be
// idempotent and side effects should be deferred until after a nil return.
// Blocking in fn stalls the whole batch; plain Update suits long writes
// better.
func (db *DB) Batch(fn func(*Tx) error) error {
	errCh := make(chan error, 1)

	db.batchMu.Lock()
	if (db.batch == nil) || (db.batch != nil && len(db.batch.calls) >= db.MaxBatchSize && db.MaxBatchSize > 0) {
		// No batch open, or the open one is full: start a fresh one.
		db.batch = &batch{db: db}
		db.batch.timer = time.AfterFunc(db.MaxBatchDelay, db.batch.trigger)
	}
	db.batch.calls = append(db.batch.calls, call{fn: fn, err: errCh})
	if db.MaxBatchSize > 0 && len(db.batch.calls) >= db.MaxBatchSize {
		// Full batch: kick it off without waiting for the timer.
		go db.batch.trigger()
	}
	db.batchMu.Unlock()

	err := <-errCh
	if err == trySolo {
		err = db.Update(fn)
	}
	return err
}

type call struct {
	fn  func(*Tx) error
	err chan<- error
}

type batch struct {
	db    *DB
	timer *time.Timer
	start sync.Once
	calls []call
}

// trigger runs the batch if it hasn't already run.
func (b *batch) trigger() {
	b.start.Do(b.run)
}

// run performs the transactions in the batch and communicates results back
// to DB.Batch.
func (b *batch) run() {
	b.db.batchMu.Lock()
	b.timer.Stop()
	// Detach from the DB; new Batch calls open a new batch.
	if b.db.batch == b {
		b.db.batch = nil
	}
	b.db.batchMu.Unlock()

retry:
	for len(b.calls) > 0 {
		var failIdx = -1
		err := b.db.Update(func(tx *Tx) error {
			for i, c := range b.calls {
				if err := safelyCall(c.fn, tx); err != nil {
					failIdx = i
					return err
				}
			}
			return nil
		})

		if failIdx >= 0 {
			// The offender retries solo; everyone else re-runs batched.
			c := b.calls[failIdx]
			b.calls[failIdx], b.calls = b.calls[len(b.calls)-1], b.calls[:len(b.calls)-1]
			c.err <- trySolo
			continue retry
		}

		for _, c := range b.calls {
			c.err <- err
		}
		break retry
	}
}

// trySolo is a sentinel passed through a call's error channel to request a
// standalone retry. Never surfaced to callers.
var trySolo = errors.New("batch function returned an error and should be re-run solo")

type panicked struct {
	reason interface{}
}

func (p panicked) Error() string {
	if err, ok := p.reason.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("panic: %v", p.reason)
}

// safelyCall traps a panic in a batch function so one caller cannot take
// down its batch-mates.
func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.WithField("panic", p).Error("batch function panicked")
			err = panicked{p}
		}
	}()
	return fn(tx)
}
