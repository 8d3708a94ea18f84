package cowdb

import (
	"bytes"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

// CompressAlgorithm selects how Dump compresses record payloads.
type CompressAlgorithm uint16

const (
	// CompNone stores payloads raw.
	CompNone CompressAlgorithm = iota
	// CompSnappy uses snappy block encoding (default for Dump).
	CompSnappy
	// CompLz4 uses lz4 frame encoding.
	CompLz4
)

func (a CompressAlgorithm) String() string {
	switch a {
	case CompNone:
		return "none"
	case CompSnappy:
		return "snappy"
	case CompLz4:
		return "lz4"
	}
	return "unknown"
}

// Compressor shrinks a payload; used only when the result is smaller.
type Compressor func([]byte) []byte

// DeCompressor reverses a Compressor.
type DeCompressor func([]byte) ([]byte, error)

var snappyCompress Compressor = func(in []byte) []byte {
	return snappy.Encode(nil, in)
}

var snappyDeCompress DeCompressor = func(in []byte) ([]byte, error) {
	return snappy.Decode(nil, in)
}

var lz4Compress Compressor = func(in []byte) []byte {
	buf := &bytes.Buffer{}
	writer := lz4.NewWriter(buf)
	writer.NoChecksum = true
	_, err := writer.Write(in)
	if err != nil {
		panic(err)
	}
	if err := writer.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

var lz4DeCompress DeCompressor = func(in []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	reader := lz4.NewReader(bytes.NewReader(in))
	_, err := buf.ReadFrom(reader)
	return buf.Bytes(), err
}

// compressor returns the encoder for the algorithm, nil for CompNone.
func (a CompressAlgorithm) compressor() (Compressor, error) {
	switch a {
	case CompNone:
		return nil, nil
	case CompSnappy:
		return snappyCompress, nil
	case CompLz4:
		return lz4Compress, nil
	}
	return nil, errors.Errorf("unknown compression algorithm: %d", a)
}

// decompressor returns the decoder for the algorithm, nil for CompNone.
func (a CompressAlgorithm) decompressor() (DeCompressor, error) {
	switch a {
	case CompNone:
		return nil, nil
	case CompSnappy:
		return snappyDeCompress, nil
	case CompLz4:
		return lz4DeCompress, nil
	}
	return nil, errors.Errorf("unknown compression algorithm: %d", a)
}
