package cowdb

import (
	"fmt"

	"github.com/pkg/errors"
)

// Check verifies database consistency from this transaction's snapshot:
// every page below the high water mark is reachable from the meta exactly
// once or sits in the freelist, never both; freed pages are never
// referenced; all leaves of a bucket sit at the same depth.
//
// It returns every anomaly found; an empty slice means the database is
// consistent. Run it on a read transaction (or let CheckMode do it after
// each commit) so the writer is not stalled.
func (tx *Tx) Check() []error {
	var errs []error

	// Freelist integrity first: no duplicates, nothing below page 2.
	freed := make(map[pgid]bool)
	all := make([]pgid, tx.db.freelist.count())
	tx.db.freelist.copyall(all)
	for _, id := range all {
		if freed[id] {
			errs = append(errs, errors.Errorf("page %d: already freed", id))
		}
		if id < 2 {
			errs = append(errs, errors.Errorf("page %d: meta page in freelist", id))
		}
		freed[id] = true
	}

	// Meta pages and the freelist page are reachable by definition.
	reachable := make(map[pgid]bool)
	reachable[0] = true
	reachable[1] = true
	flp := tx.page(tx.meta.freelist)
	for i := uint32(0); i <= flp.overflow(); i++ {
		reachable[tx.meta.freelist+pgid(i)] = true
	}

	tx.checkBucket(&tx.root, reachable, freed, &errs)

	// Everything below the high water mark must be accounted for.
	for i := pgid(0); i < tx.meta.pgid; i++ {
		if !reachable[i] && !freed[i] {
			errs = append(errs, errors.Errorf("page %d: unreachable unfreed", i))
		}
	}

	return errs
}

func (tx *Tx) checkBucket(b *Bucket, reachable, freed map[pgid]bool, errs *[]error) {
	// Inline buckets have no pages of their own.
	if b.header.root == 0 {
		return
	}

	var leafDepth = -1

	b.tx.forEachPage(b.header.root, 0, func(p page, depth int) {
		if p.id() > tx.meta.pgid {
			*errs = append(*errs, errors.Errorf("page %d: out of bounds: %d", p.id(), tx.meta.pgid))
		}

		// Every page and its overflow run may be referenced once.
		for i := pgid(0); i <= pgid(p.overflow()); i++ {
			id := p.id() + i
			if reachable[id] {
				*errs = append(*errs, errors.Errorf("page %d: multiple references", id))
			}
			reachable[id] = true
		}

		if freed[p.id()] {
			*errs = append(*errs, errors.Errorf("page %d: reachable freed", p.id()))
		} else if (p.flags()&branchPageFlag) == 0 && (p.flags()&leafPageFlag) == 0 {
			*errs = append(*errs, fmt.Errorf("page %d: invalid type: %s", p.id(), p.typ()))
		}

		// All leaves of one bucket sit at one depth.
		if (p.flags() & leafPageFlag) != 0 {
			if leafDepth == -1 {
				leafDepth = depth
			} else if depth != leafDepth {
				*errs = append(*errs, errors.Errorf("page %d: leaf at depth %d, expected %d", p.id(), depth, leafDepth))
			}
		}
	})

	// Recurse into nested buckets.
	_ = b.ForEach(func(k, v []byte) error {
		if child := b.Bucket(k); child != nil {
			tx.checkBucket(child, reachable, freed, errs)
		}
		return nil
	})
}
