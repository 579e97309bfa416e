// SPDX-License-Identifier: MPL-2.0
/*
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package squashfs

import (
	"fmt"
	"io"
)

// readDataBlock reads one data or fragment block from the image. Unlike
// metadata blocks there is no inline header; the size word comes from the
// inode block list or the fragment table.
func (img *Image) readDataBlock(offset int64, sz DataBlockSize, maxSize int) ([]byte, error) {
	onDisk := int64(sz.OnDiskSize())
	if onDisk > int64(maxSize) {
		return nil, &CorruptBlockError{
			Offset: offset,
			Err:    fmt.Errorf("on-disk block size %d exceeds %d", onDisk, maxSize),
		}
	}

	payload := make([]byte, onDisk)
	if _, err := io.ReadFull(io.NewSectionReader(img.src, offset, onDisk), payload); err != nil {
		return nil, fmt.Errorf("%w: data block at offset %d", ErrTruncatedImage, offset)
	}

	if sz.StoredUncompressed() {
		return payload, nil
	}

	codec, err := img.reg.Lookup(img.sb.Compression)
	if err != nil {
		return nil, err
	}
	data, err := codec.Decompress(payload, maxSize)
	if err != nil {
		return nil, &CorruptBlockError{Offset: offset, Err: err}
	}
	return data, nil
}

// fragmentContent returns the decompressed content of the fragment block
// holding fragment idx.
func (img *Image) fragmentContent(idx uint32) ([]byte, error) {
	frags, err := img.fragsOnce()
	if err != nil {
		return nil, err
	}
	if int(idx) >= len(frags) {
		return nil, fmt.Errorf("fragment index %d out of range (%d entries)", idx, len(frags))
	}
	e := frags[idx]
	return img.readDataBlock(int64(e.Start), e.Size, int(img.sb.BlockSize))
}

// fileReader streams the content of a regular file inode: the listed
// data blocks in order, then the fragment tail if the inode has one.
// Blocks are loaded one at a time, so memory use is bounded by the block
// size regardless of file size.
type fileReader struct {
	img *Image
	in  *Inode

	diskOff   int64  // offset of the next listed block's payload
	nextBlock int    // index into in.BlockSizes
	remaining uint64 // decompressed bytes still owed to the caller

	buf []byte
	pos int
}

// Reader returns a streaming reader over the content of a regular file
// inode.
func (img *Image) Reader(in *Inode) (io.Reader, error) {
	if err := img.ready(); err != nil {
		return nil, err
	}
	if base := in.Type.Base(); base != TypeFile {
		return nil, fmt.Errorf("inode %d is a %s, not a file", in.Number, in.Type)
	}
	return &fileReader{
		img:       img,
		in:        in,
		diskOff:   int64(in.StartBlock),
		remaining: in.Size,
	}, nil
}

func (r *fileReader) Read(p []byte) (int, error) {
	for r.pos == len(r.buf) {
		if r.remaining == 0 {
			return 0, io.EOF
		}
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	return n, nil
}

// fill loads the next block or the fragment tail into the buffer.
func (r *fileReader) fill() error {
	blockSize := uint64(r.img.sb.BlockSize)

	if r.nextBlock < len(r.in.BlockSizes) {
		want := blockSize
		if r.remaining < want {
			want = r.remaining
		}

		sz := r.in.BlockSizes[r.nextBlock]
		r.nextBlock++

		var data []byte
		if sz.Sparse() {
			data = make([]byte, want)
		} else {
			var err error
			data, err = r.img.readDataBlock(r.diskOff, sz, int(blockSize))
			if err != nil {
				return err
			}
			r.diskOff += int64(sz.OnDiskSize())
			if uint64(len(data)) != want {
				return fmt.Errorf("%w: block %d of inode %d decoded to %d bytes, want %d",
					ErrTruncatedFile, r.nextBlock-1, r.in.Number, len(data), want)
			}
		}

		r.buf = data
		r.pos = 0
		r.remaining -= want
		return nil
	}

	if !r.in.HasFragment() {
		return fmt.Errorf("%w: inode %d is missing %d bytes past its block list",
			ErrTruncatedFile, r.in.Number, r.remaining)
	}

	frag, err := r.img.fragmentContent(r.in.FragIndex)
	if err != nil {
		return err
	}
	start := uint64(r.in.FragOffset)
	if start+r.remaining > uint64(len(frag)) {
		return fmt.Errorf("%w: fragment %d holds %d bytes, inode %d needs [%d:%d]",
			ErrTruncatedFile, r.in.FragIndex, len(frag), r.in.Number, start, start+r.remaining)
	}

	r.buf = frag[start : start+r.remaining]
	r.pos = 0
	r.remaining = 0
	return nil
}

// ReadInode returns the full content of a regular file inode. The result
// is always exactly in.Size bytes or an error.
func (img *Image) ReadInode(in *Inode) ([]byte, error) {
	r, err := img.Reader(in)
	if err != nil {
		return nil, err
	}
	data := make([]byte, in.Size)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: inode %d", ErrTruncatedFile, in.Number)
		}
		return nil, err
	}
	return data, nil
}
