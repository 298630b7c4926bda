package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algo selects the compression codec used by CompressedStore.
type Algo string

const (
	AlgoLZ4  Algo = "lz4"
	AlgoZstd Algo = "zstd" // default level
)

// ZstdAlgo builds an Algo pinned to a specific zstd compression level
// (spec's "zstd:N" notation).
func ZstdAlgo(level int) Algo {
	return Algo(fmt.Sprintf("zstd:%d", level))
}

const (
	headerMagicRaw        byte = 0
	headerMagicCompressed byte = 1
)

// CompressedStore transparently compresses payloads at or above MinSize
// before delegating to Inner. A small header identifies the algorithm and
// raw size so reads can detect and skip pass-through (uncompressed)
// objects.
type CompressedStore struct {
	Inner   Store
	Algo    Algo
	MinSize int
}

// NewCompressedStore wraps inner with transparent compression.
func NewCompressedStore(inner Store, algo Algo, minSize int) *CompressedStore {
	return &CompressedStore{Inner: inner, Algo: algo, MinSize: minSize}
}

func (c *CompressedStore) Put(ctx context.Context, path string, data []byte) error {
	if len(data) < c.MinSize {
		return c.Inner.Put(ctx, path, passthroughHeader(data))
	}

	compressed, err := compress(c.Algo, data)
	if err != nil {
		return fmt.Errorf("compress %q: %w", path, err)
	}

	var buf bytes.Buffer
	buf.WriteByte(headerMagicCompressed)
	buf.WriteByte(algoTag(c.Algo))
	var rawSize [8]byte
	binary.BigEndian.PutUint64(rawSize[:], uint64(len(data)))
	buf.Write(rawSize[:])
	buf.Write(compressed)

	return c.Inner.Put(ctx, path, buf.Bytes())
}

func (c *CompressedStore) Get(ctx context.Context, path string) ([]byte, error) {
	raw, err := c.Inner.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeCompressed(raw)
}

func (c *CompressedStore) Delete(ctx context.Context, path string) error {
	return c.Inner.Delete(ctx, path)
}

func (c *CompressedStore) Exists(ctx context.Context, path string) (bool, error) {
	return c.Inner.Exists(ctx, path)
}

func (c *CompressedStore) List(ctx context.Context, prefix string) ([]ListEntry, error) {
	return c.Inner.List(ctx, prefix)
}

func passthroughHeader(data []byte) []byte {
	out := make([]byte, 1+len(data))
	out[0] = headerMagicRaw
	copy(out[1:], data)
	return out
}

func decodeCompressed(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	switch raw[0] {
	case headerMagicRaw:
		return raw[1:], nil
	case headerMagicCompressed:
		if len(raw) < 10 {
			return nil, fmt.Errorf("compressed blob truncated header")
		}
		algoByte := raw[1]
		rawSize := binary.BigEndian.Uint64(raw[2:10])
		body := raw[10:]
		algo := algoFromTag(algoByte)
		return decompress(algo, body, int(rawSize))
	default:
		// Objects written before compression was layered in, or by a
		// pass-through layer: treat as raw.
		return raw, nil
	}
}

func algoTag(a Algo) byte {
	if len(a) >= 4 && a[:4] == "zstd" {
		return 1
	}
	return 2 // lz4
}

func algoFromTag(b byte) Algo {
	if b == 1 {
		return AlgoZstd
	}
	return AlgoLZ4
}

func compress(algo Algo, data []byte) ([]byte, error) {
	if len(algo) >= 4 && algo[:4] == "zstd" {
		var opts []zstd.EOption
		var level int
		if _, err := fmt.Sscanf(string(algo), "zstd:%d", &level); err == nil {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		}
		enc, err := zstd.NewWriter(nil, opts...)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	}

	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(algo Algo, data []byte, rawSize int) ([]byte, error) {
	if algo == AlgoZstd {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, make([]byte, 0, rawSize))
	}

	r := lz4.NewReader(bytes.NewReader(data))
	out := make([]byte, rawSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
