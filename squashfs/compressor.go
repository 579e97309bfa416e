// SPDX-License-Identifier: MPL-2.0
/*
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package squashfs

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Compression identifies the codec declared in the superblock.
type Compression uint16

const (
	CompressionGzip Compression = 1
	CompressionLzma Compression = 2
	CompressionLzo  Compression = 3
	CompressionXz   Compression = 4
	CompressionLz4  Compression = 5
	CompressionZstd Compression = 6
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionLzma:
		return "lzma"
	case CompressionLzo:
		return "lzo"
	case CompressionXz:
		return "xz"
	case CompressionLz4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(c))
	}
}

// A Codec inflates and deflates blocks for one compression id. Decompress
// must not return more than maxSize bytes; maxSize is always known from
// context (block size for data, MetadataBlockSize for metadata). Compress
// is only needed by the writer and may return an error for read-only
// codecs.
type Codec interface {
	Decompress(src []byte, maxSize int) ([]byte, error)
	Compress(src []byte) ([]byte, error)
}

// Registry maps compression ids to codecs. The zero value is empty; a
// lookup miss surfaces as UnsupportedCodecError at first block access,
// never at registration time.
type Registry struct {
	codecs map[Compression]Codec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[Compression]Codec)}
}

// Register installs a codec for an id, replacing any previous one.
func (r *Registry) Register(id Compression, c Codec) {
	r.codecs[id] = c
}

// Lookup returns the codec for an id.
func (r *Registry) Lookup(id Compression) (Codec, error) {
	c, ok := r.codecs[id]
	if !ok {
		return nil, &UnsupportedCodecError{Codec: id}
	}
	return c, nil
}

// DefaultRegistry returns a registry with every supported codec
// installed: gzip, lzma, xz, lz4 and zstd. LZO is deliberately absent and
// images compressed with it fail with UnsupportedCodecError.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(CompressionGzip, gzipCodec{})
	r.Register(CompressionLzma, lzmaCodec{})
	r.Register(CompressionXz, xzCodec{})
	r.Register(CompressionLz4, lz4Codec{})
	r.Register(CompressionZstd, zstdCodec{})
	return r
}

// readAll inflates from a stream decoder into a buffer capped at maxSize.
// A payload that inflates beyond maxSize is corrupt; the cap keeps a bad
// size field from ballooning memory.
func readAll(src io.Reader, maxSize int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, maxSize))
	n, err := io.Copy(buf, io.LimitReader(src, int64(maxSize)+1))
	if err != nil {
		return nil, err
	}
	if n > int64(maxSize) {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", maxSize)
	}
	return buf.Bytes(), nil
}

// gzipCodec handles compression id 1. Despite the name the payloads are
// zlib streams, not gzip files.
type gzipCodec struct{}

func (gzipCodec) Decompress(src []byte, maxSize int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return readAll(zr, maxSize)
}

func (gzipCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type lzmaCodec struct{}

func (lzmaCodec) Decompress(src []byte, maxSize int) ([]byte, error) {
	lr, err := lzma.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	return readAll(lr, maxSize)
}

func (lzmaCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	lw, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := lw.Write(src); err != nil {
		return nil, err
	}
	if err := lw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type xzCodec struct{}

func (xzCodec) Decompress(src []byte, maxSize int) ([]byte, error) {
	xr, err := xz.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	return readAll(xr, maxSize)
}

func (xzCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := xw.Write(src); err != nil {
		return nil, err
	}
	if err := xw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// lz4Codec handles compression id 5 using lz4 block mode, which is what
// the on-disk format stores (no frame header).
type lz4Codec struct{}

func (lz4Codec) Decompress(src []byte, maxSize int) ([]byte, error) {
	dst := make([]byte, maxSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

func (lz4Codec) Compress(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Incompressible input; the caller stores it raw.
		return nil, fmt.Errorf("incompressible block")
	}
	return dst[:n], nil
}

type zstdCodec struct{}

func (zstdCodec) Decompress(src []byte, maxSize int) ([]byte, error) {
	zr, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	dst, err := zr.DecodeAll(src, make([]byte, 0, maxSize))
	if err != nil {
		return nil, err
	}
	if len(dst) > maxSize {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", maxSize)
	}
	return dst, nil
}

func (zstdCodec) Compress(src []byte) ([]byte, error) {
	zw, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer zw.Close()
	return zw.EncodeAll(src, nil), nil
}
