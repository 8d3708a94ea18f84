package cowdb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Logical dump/restore. Unlike Tx.WriteTo, which copies pages verbatim, Dump
// streams the live records: buckets open/close markers and key/value pairs,
// depth-first, keys in order. The stream compresses well because keys are
// delta-encoded against their predecessor and payloads optionally pass
// through snappy or lz4. Restoring into a fresh file also compacts away
// freelist slack.

// dumpMagic opens a dump stream, followed by a version byte and the
// algorithm as uint16 little-endian.
var dumpMagic = [4]byte{'C', 'W', 'D', 'P'}

const dumpVersion = 1

// Record kinds.
const (
	recPair        byte = 1
	recBucketBegin byte = 2
	recBucketEnd   byte = 3
	recEnd         byte = 4
)

// Record flags.
const (
	recKeyPrefixed byte = 1 << iota
	recKeyCompressed
	recValueCompressed
)

// marshalRecord encodes one record: kind, flags, optional shared-prefix
// length against prevKey, then uvarint-length key and value.
func marshalRecord(buf *bytes.Buffer, kind byte, prevKey, key, value []byte, comp Compressor) {
	var flags byte

	prefixLen := commonPrefix(prevKey, key)
	if prefixLen > 0 {
		flags |= recKeyPrefixed
	}
	k := key[prefixLen:]
	v := value

	if comp != nil {
		if kc := comp(k); len(kc) < len(k) {
			k = kc
			flags |= recKeyCompressed
		}
		if vc := comp(v); len(vc) < len(v) {
			v = vc
			flags |= recValueCompressed
		}
	}

	buf.WriteByte(kind)
	buf.WriteByte(flags)
	if prefixLen > 0 {
		buf.WriteByte(prefixLen)
	}

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(k)))
	buf.Write(lenBuf[:n])
	buf.Write(k)
	n = binary.PutUvarint(lenBuf[:], uint64(len(v)))
	buf.Write(lenBuf[:n])
	buf.Write(v)
}

// unmarshalRecord reads one record, reconstructing the key against prevKey.
func unmarshalRecord(r *bufio.Reader, prevKey []byte, decomp DeCompressor) (kind byte, key, value []byte, err error) {
	kind, err = r.ReadByte()
	if err != nil {
		return 0, nil, nil, err
	}
	if kind == recEnd {
		return kind, nil, nil, nil
	}

	flagByte, err := r.ReadByte()
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "read record flags")
	}

	var prefix []byte
	if flagByte&recKeyPrefixed != 0 {
		pl, err := r.ReadByte()
		if err != nil {
			return 0, nil, nil, errors.Wrap(err, "read prefix length")
		}
		if int(pl) > len(prevKey) {
			return 0, nil, nil, errors.New("record prefix longer than previous key")
		}
		prefix = prevKey[:pl]
	}

	if decomp == nil && flagByte&(recKeyCompressed|recValueCompressed) != 0 {
		return 0, nil, nil, errors.New("compressed record but no decompressor")
	}

	k, err := readSized(r)
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "read record key")
	}
	v, err := readSized(r)
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "read record value")
	}

	if flagByte&recKeyCompressed != 0 {
		if k, err = decomp(k); err != nil {
			return 0, nil, nil, errors.Wrap(err, "decompress key")
		}
	}
	if flagByte&recValueCompressed != 0 {
		if v, err = decomp(v); err != nil {
			return 0, nil, nil, errors.Wrap(err, "decompress value")
		}
	}

	key = make([]byte, 0, len(prefix)+len(k))
	key = append(key, prefix...)
	key = append(key, k...)
	return kind, key, v, nil
}

func readSized(r *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// commonPrefix returns the length (capped at 255) of the shared prefix.
func commonPrefix(a, b []byte) (length uint8) {
	if a == nil || b == nil {
		return
	}
	for i, v := range b {
		if i >= len(a) || v != a[i] {
			return
		}
		length++
		if length >= 255 {
			return
		}
	}
	return
}

// Dump streams a logical snapshot of the database to w.
func (db *DB) Dump(w io.Writer, algo CompressAlgorithm) error {
	return db.View(func(tx *Tx) error {
		return tx.Dump(w, algo)
	})
}

// Dump streams the transaction's snapshot to w as a record stream.
func (tx *Tx) Dump(w io.Writer, algo CompressAlgorithm) error {
	comp, err := algo.compressor()
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(dumpMagic[:]); err != nil {
		return err
	}
	if err := bw.WriteByte(dumpVersion); err != nil {
		return err
	}
	var algoBuf [2]byte
	binary.LittleEndian.PutUint16(algoBuf[:], uint16(algo))
	if _, err := bw.Write(algoBuf[:]); err != nil {
		return err
	}

	var scratch bytes.Buffer
	err = tx.root.ForEach(func(name, v []byte) error {
		return dumpBucket(bw, &scratch, tx.root.Bucket(name), name, comp)
	})
	if err != nil {
		return err
	}

	if err := bw.WriteByte(recEnd); err != nil {
		return err
	}
	return bw.Flush()
}

func dumpBucket(w *bufio.Writer, scratch *bytes.Buffer, b *Bucket, name []byte, comp Compressor) error {
	scratch.Reset()
	marshalRecord(scratch, recBucketBegin, nil, name, nil, comp)
	if _, err := w.Write(scratch.Bytes()); err != nil {
		return err
	}

	var prevKey []byte
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if v == nil {
			// Nested bucket: its records are bracketed by their own
			// begin/end markers, so no prefix chain crosses it.
			if err := dumpBucket(w, scratch, b.Bucket(k), k, comp); err != nil {
				return err
			}
			prevKey = nil
			continue
		}
		scratch.Reset()
		marshalRecord(scratch, recPair, prevKey, k, v, comp)
		if _, err := w.Write(scratch.Bytes()); err != nil {
			return err
		}
		prevKey = k
	}

	scratch.Reset()
	marshalRecord(scratch, recBucketEnd, nil, nil, nil, nil)
	_, err := w.Write(scratch.Bytes())
	return err
}

// Restore replays a dump stream produced by Dump into the database inside a
// single write transaction. Existing buckets are merged into.
func (db *DB) Restore(r io.Reader) error {
	br := bufio.NewReader(r)

	var header [7]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return errors.Wrap(err, "read dump header")
	}
	if !bytes.Equal(header[:4], dumpMagic[:]) {
		return errors.New("not a dump stream")
	}
	if header[4] != dumpVersion {
		return errors.Errorf("unsupported dump version: %d", header[4])
	}
	algo := CompressAlgorithm(binary.LittleEndian.Uint16(header[5:7]))
	decomp, err := algo.decompressor()
	if err != nil {
		return err
	}

	return db.Update(func(tx *Tx) error {
		// Stack of open buckets; nil sentinel at the bottom for the root.
		var stack []*Bucket
		var prevKey []byte

		for {
			kind, key, value, err := unmarshalRecord(br, prevKey, decomp)
			if err != nil {
				return errors.Wrap(err, "read record")
			}

			switch kind {
			case recEnd:
				if len(stack) != 0 {
					return errors.New("dump stream truncated: unclosed bucket")
				}
				return nil

			case recBucketBegin:
				var b *Bucket
				if len(stack) == 0 {
					b, err = tx.CreateBucketIfNotExists(key)
				} else {
					b, err = stack[len(stack)-1].CreateBucketIfNotExists(key)
				}
				if err != nil {
					return err
				}
				stack = append(stack, b)
				prevKey = nil

			case recBucketEnd:
				if len(stack) == 0 {
					return errors.New("unbalanced bucket end record")
				}
				stack = stack[:len(stack)-1]
				prevKey = nil

			case recPair:
				if len(stack) == 0 {
					return errors.New("pair record outside any bucket")
				}
				if err := stack[len(stack)-1].Put(key, value); err != nil {
					return err
				}
				prevKey = key

			default:
				return errors.Errorf("unknown record kind: %d", kind)
			}
		}
	})
}

// CompactTo dumps this database and restores it into dst, producing a file
// without freelist slack. dst should be a fresh database.
func (db *DB) CompactTo(dst *DB, algo CompressAlgorithm) error {
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		err := db.Dump(pw, algo)
		_ = pw.CloseWithError(err)
		errCh <- err
	}()
	if err := dst.Restore(pr); err != nil {
		_ = pr.CloseWithError(err)
		<-errCh
		return err
	}
	return <-errCh
}
