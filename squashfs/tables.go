// SPDX-License-Identifier: MPL-2.0
/*
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package squashfs

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FragmentEntry locates one fragment block: a shared data block holding
// the tails of several small files.
type FragmentEntry struct {
	Start uint64        // absolute image offset of the fragment block
	Size  DataBlockSize // stored-size word, data block convention
}

// readTableIndex reads the array of absolute metadata block offsets that
// indexes a lookup table. The array itself lives outside any metadata
// block.
func readTableIndex(src io.ReaderAt, start uint64, blocks int) ([]uint64, error) {
	raw := make([]byte, blocks*8)
	if _, err := io.ReadFull(io.NewSectionReader(src, int64(start), int64(len(raw))), raw); err != nil {
		return nil, fmt.Errorf("%w: table index at offset %d", ErrTruncatedImage, start)
	}
	index := make([]uint64, blocks)
	for i := range index {
		index[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return index, nil
}

// readIDTable loads the uid/gid table eagerly. Entries are 32-bit ids
// packed 2048 per metadata block; the superblock's id_table_start points
// at the index array, not at the blocks themselves.
func readIDTable(src io.ReaderAt, store *blockStore, sb *Superblock) ([]uint32, error) {
	count := int(sb.IDCount)
	if count == 0 {
		return nil, nil
	}
	blocks := (count + idsPerMetaBlock - 1) / idsPerMetaBlock

	index, err := readTableIndex(src, sb.IDTableStart, blocks)
	if err != nil {
		return nil, err
	}

	ids := make([]uint32, 0, count)
	for i, off := range index {
		data, _, err := store.block(int64(off))
		if err != nil {
			return nil, err
		}
		want := count - i*idsPerMetaBlock
		if want > idsPerMetaBlock {
			want = idsPerMetaBlock
		}
		if len(data) < want*idEntrySize {
			return nil, &CorruptBlockError{
				Offset: int64(off),
				Err:    fmt.Errorf("id table block holds %d bytes, need %d", len(data), want*idEntrySize),
			}
		}
		for j := 0; j < want; j++ {
			ids = append(ids, binary.LittleEndian.Uint32(data[j*idEntrySize:]))
		}
	}
	return ids, nil
}

// readFragmentTable loads the fragment lookup table eagerly. Entries are
// 16 bytes (start u64, size word u32, 4 unused bytes) packed 512 per
// metadata block, indexed the same way as the id table. Returns nil when
// the image has no fragments.
func readFragmentTable(src io.ReaderAt, store *blockStore, sb *Superblock) ([]FragmentEntry, error) {
	if !sb.HasFragments() || sb.FragmentCount == 0 {
		return nil, nil
	}
	count := int(sb.FragmentCount)
	blocks := (count + fragmentsPerMetaBlock - 1) / fragmentsPerMetaBlock

	index, err := readTableIndex(src, sb.FragmentTableStart, blocks)
	if err != nil {
		return nil, err
	}

	entries := make([]FragmentEntry, 0, count)
	for i, off := range index {
		data, _, err := store.block(int64(off))
		if err != nil {
			return nil, err
		}
		want := count - i*fragmentsPerMetaBlock
		if want > fragmentsPerMetaBlock {
			want = fragmentsPerMetaBlock
		}
		if len(data) < want*fragmentEntrySize {
			return nil, &CorruptBlockError{
				Offset: int64(off),
				Err:    fmt.Errorf("fragment table block holds %d bytes, need %d", len(data), want*fragmentEntrySize),
			}
		}
		for j := 0; j < want; j++ {
			e := data[j*fragmentEntrySize:]
			entries = append(entries, FragmentEntry{
				Start: binary.LittleEndian.Uint64(e[0:8]),
				Size:  DataBlockSize(binary.LittleEndian.Uint32(e[8:12])),
			})
		}
	}
	return entries, nil
}
