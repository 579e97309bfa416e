// SPDX-License-Identifier: MPL-2.0
/*
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package squashfs

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// defaultCacheBlocks is the number of decompressed metadata blocks the
// store keeps around. Metadata access patterns are heavily repetitive
// (directory walks revisit the same few blocks) so a small cache covers
// almost all hits.
const defaultCacheBlocks = 32

// blockStore reads and caches metadata blocks. Every metadata table in
// the image (inodes, directories, ids, fragments) is a sequence of these
// blocks: a 2-byte little-endian header whose bit 15 says the payload is
// stored raw and whose low 15 bits give the on-disk payload size,
// followed by the payload. Decompressed content is at most
// MetadataBlockSize bytes.
//
// The cache is keyed by absolute image offset and is transparent: callers
// cannot observe whether a block came from disk or from cache.
type blockStore struct {
	src io.ReaderAt
	reg *Registry
	id  Compression

	mu    sync.Mutex
	cap   int
	order *list.List // front = most recently used
	cache map[int64]*list.Element
}

type cachedBlock struct {
	offset  int64
	data    []byte
	diskLen int64 // header plus on-disk payload
}

func newBlockStore(src io.ReaderAt, reg *Registry, id Compression, cacheBlocks int) *blockStore {
	if cacheBlocks <= 0 {
		cacheBlocks = defaultCacheBlocks
	}
	return &blockStore{
		src:   src,
		reg:   reg,
		id:    id,
		cap:   cacheBlocks,
		order: list.New(),
		cache: make(map[int64]*list.Element),
	}
}

// block returns the decompressed content of the metadata block at the
// given absolute image offset, along with the block's on-disk length so
// callers can locate the next block.
func (s *blockStore) block(offset int64) ([]byte, int64, error) {
	s.mu.Lock()
	if el, ok := s.cache[offset]; ok {
		s.order.MoveToFront(el)
		cb := el.Value.(*cachedBlock)
		s.mu.Unlock()
		return cb.data, cb.diskLen, nil
	}
	s.mu.Unlock()

	data, diskLen, err := s.readBlock(offset)
	if err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.cache[offset]; ok {
		// Raced with another reader; keep the resident copy.
		s.order.MoveToFront(el)
		cb := el.Value.(*cachedBlock)
		return cb.data, cb.diskLen, nil
	}
	s.cache[offset] = s.order.PushFront(&cachedBlock{offset: offset, data: data, diskLen: diskLen})
	if s.order.Len() > s.cap {
		el := s.order.Back()
		s.order.Remove(el)
		delete(s.cache, el.Value.(*cachedBlock).offset)
	}
	return data, diskLen, nil
}

func (s *blockStore) readBlock(offset int64) ([]byte, int64, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(io.NewSectionReader(s.src, offset, 2), hdr[:]); err != nil {
		return nil, 0, fmt.Errorf("%w: metadata block header at offset %d", ErrTruncatedImage, offset)
	}

	word := binary.LittleEndian.Uint16(hdr[:])
	size := int64(word & metaSizeMask)
	stored := word&metaUncompressedBit != 0

	if size == 0 || size > MetadataBlockSize {
		return nil, 0, &CorruptBlockError{
			Offset: offset,
			Err:    fmt.Errorf("metadata payload size %d out of range", size),
		}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(s.src, offset+2, size), payload); err != nil {
		return nil, 0, fmt.Errorf("%w: metadata block payload at offset %d", ErrTruncatedImage, offset)
	}

	if stored {
		return payload, 2 + size, nil
	}

	codec, err := s.reg.Lookup(s.id)
	if err != nil {
		return nil, 0, err
	}
	data, err := codec.Decompress(payload, MetadataBlockSize)
	if err != nil {
		return nil, 0, &CorruptBlockError{Offset: offset, Err: err}
	}
	return data, 2 + size, nil
}

// metaCursor reads a metadata table as one continuous byte stream,
// crossing block boundaries transparently. base is the absolute image
// offset of the table's first block.
type metaCursor struct {
	store *blockStore
	base  int64

	blockOff int64 // next block's offset relative to base
	buf      []byte
	pos      int
}

// cursorAt positions a cursor at a (block offset, intra-block offset)
// pair relative to base, the addressing scheme of inode references and
// directory entry locations.
func (s *blockStore) cursorAt(base, blockOff int64, intra uint16) (*metaCursor, error) {
	c := &metaCursor{store: s, base: base, blockOff: blockOff}
	if err := c.advance(); err != nil {
		return nil, err
	}
	if int(intra) > len(c.buf) {
		return nil, &CorruptBlockError{
			Offset: base + blockOff,
			Err:    fmt.Errorf("offset %d beyond block content of %d bytes", intra, len(c.buf)),
		}
	}
	c.pos = int(intra)
	return c, nil
}

// advance loads the next block in the table.
func (c *metaCursor) advance() error {
	data, diskLen, err := c.store.block(c.base + c.blockOff)
	if err != nil {
		return err
	}
	c.buf = data
	c.pos = 0
	c.blockOff += diskLen
	return nil
}

func (c *metaCursor) Read(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if c.pos == len(c.buf) {
			if err := c.advance(); err != nil {
				if total > 0 {
					return total, nil
				}
				return 0, err
			}
		}
		n := copy(p, c.buf[c.pos:])
		c.pos += n
		p = p[n:]
		total += n
	}
	return total, nil
}

// read fills p completely or fails; short tables surface the underlying
// block error rather than io.ErrUnexpectedEOF.
func (c *metaCursor) read(p []byte) error {
	_, err := io.ReadFull(c, p)
	return err
}

func (c *metaCursor) uint16() (uint16, error) {
	var b [2]byte
	if err := c.read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (c *metaCursor) uint32() (uint32, error) {
	var b [4]byte
	if err := c.read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (c *metaCursor) uint64() (uint64, error) {
	var b [8]byte
	if err := c.read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
