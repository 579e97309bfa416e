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
)

// InodeRef is an address into the inode table: a 48-bit offset of a
// metadata block relative to the inode table start, packed with a 16-bit
// byte offset into that block's decompressed content.
type InodeRef uint64

// NewInodeRef packs a block offset and an intra-block offset.
func NewInodeRef(block int64, offset uint16) InodeRef {
	return InodeRef(uint64(block)<<16 | uint64(offset))
}

// Block returns the metadata block offset relative to the inode table
// start.
func (r InodeRef) Block() int64 {
	return int64(r >> 16)
}

// Offset returns the byte offset into the decompressed metadata block.
func (r InodeRef) Offset() uint16 {
	return uint16(r & 0xffff)
}

func (r InodeRef) String() string {
	return fmt.Sprintf("0x%x:%d", r.Block(), r.Offset())
}

// Flags is the superblock flag bitfield.
type Flags uint16

const (
	FlagUncompressedInodes    Flags = 0x0001
	FlagUncompressedData      Flags = 0x0002
	FlagCheck                 Flags = 0x0004
	FlagUncompressedFragments Flags = 0x0008
	FlagNoFragments           Flags = 0x0010
	FlagAlwaysFragments       Flags = 0x0020
	FlagDuplicates            Flags = 0x0040
	FlagExportable            Flags = 0x0080
	FlagUncompressedXattrs    Flags = 0x0100
	FlagNoXattrs              Flags = 0x0200
	FlagCompressorOptions     Flags = 0x0400
	FlagUncompressedIDs       Flags = 0x0800
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagUncompressedInodes, "UNCOMPRESSED_INODES"},
	{FlagUncompressedData, "UNCOMPRESSED_DATA"},
	{FlagCheck, "CHECK"},
	{FlagUncompressedFragments, "UNCOMPRESSED_FRAGMENTS"},
	{FlagNoFragments, "NO_FRAGMENTS"},
	{FlagAlwaysFragments, "ALWAYS_FRAGMENTS"},
	{FlagDuplicates, "DUPLICATES"},
	{FlagExportable, "EXPORTABLE"},
	{FlagUncompressedXattrs, "UNCOMPRESSED_XATTRS"},
	{FlagNoXattrs, "NO_XATTRS"},
	{FlagCompressorOptions, "COMPRESSOR_OPTIONS"},
	{FlagUncompressedIDs, "UNCOMPRESSED_IDS"},
}

// Names returns the symbolic names of all set flags.
func (f Flags) Names() []string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return names
}

// Superblock is the parsed 96-byte header of a SquashFS 4.0 image. It is
// immutable once parsed.
type Superblock struct {
	InodeCount         uint32 // Total number of inodes
	ModTime            uint32 // Creation time, seconds since epoch
	BlockSize          uint32 // Data block size in bytes
	FragmentCount      uint32 // Number of fragment table entries
	Compression        Compression
	BlockLog           uint16 // log2(BlockSize)
	Flags              Flags
	IDCount            uint16 // Number of uid/gid table entries
	VersionMajor       uint16
	VersionMinor       uint16
	RootInodeRef       InodeRef
	BytesUsed          uint64 // Bytes of the image actually in use
	IDTableStart       uint64
	XattrIDTableStart  uint64 // tableAbsent if not present
	InodeTableStart    uint64
	DirTableStart      uint64
	FragmentTableStart uint64 // tableAbsent if not present
	ExportTableStart   uint64 // tableAbsent if not present
}

// ParseSuperblock parses and validates the first 96 bytes of an image.
//
// A bad magic number yields ErrNotAnImage before any field is
// interpreted. Versions other than 4.x yield ErrUnsupportedVersion; there
// is no best-effort path for them. A block_log that does not match
// block_size yields ErrCorruptSuperblock because every downstream block
// computation would silently misbehave.
func ParseSuperblock(b []byte) (*Superblock, error) {
	if len(b) < SuperblockSize {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrNotAnImage, len(b), SuperblockSize)
	}

	if magic := binary.LittleEndian.Uint32(b[0:4]); magic != Magic {
		return nil, fmt.Errorf("%w: magic 0x%08x", ErrNotAnImage, magic)
	}

	sb := &Superblock{
		InodeCount:         binary.LittleEndian.Uint32(b[4:8]),
		ModTime:            binary.LittleEndian.Uint32(b[8:12]),
		BlockSize:          binary.LittleEndian.Uint32(b[12:16]),
		FragmentCount:      binary.LittleEndian.Uint32(b[16:20]),
		Compression:        Compression(binary.LittleEndian.Uint16(b[20:22])),
		BlockLog:           binary.LittleEndian.Uint16(b[22:24]),
		Flags:              Flags(binary.LittleEndian.Uint16(b[24:26])),
		IDCount:            binary.LittleEndian.Uint16(b[26:28]),
		VersionMajor:       binary.LittleEndian.Uint16(b[28:30]),
		VersionMinor:       binary.LittleEndian.Uint16(b[30:32]),
		RootInodeRef:       InodeRef(binary.LittleEndian.Uint64(b[32:40])),
		BytesUsed:          binary.LittleEndian.Uint64(b[40:48]),
		IDTableStart:       binary.LittleEndian.Uint64(b[48:56]),
		XattrIDTableStart:  binary.LittleEndian.Uint64(b[56:64]),
		InodeTableStart:    binary.LittleEndian.Uint64(b[64:72]),
		DirTableStart:      binary.LittleEndian.Uint64(b[72:80]),
		FragmentTableStart: binary.LittleEndian.Uint64(b[80:88]),
		ExportTableStart:   binary.LittleEndian.Uint64(b[88:96]),
	}

	if sb.VersionMajor != 4 {
		return nil, fmt.Errorf("%w: %d.%d", ErrUnsupportedVersion, sb.VersionMajor, sb.VersionMinor)
	}

	if sb.BlockSize < MinBlockSize || sb.BlockSize > MaxBlockSize {
		return nil, fmt.Errorf("%w: block size %d out of range", ErrCorruptSuperblock, sb.BlockSize)
	}
	if sb.BlockLog > 63 || uint32(1)<<sb.BlockLog != sb.BlockSize {
		return nil, fmt.Errorf("%w: block_log %d does not match block_size %d",
			ErrCorruptSuperblock, sb.BlockLog, sb.BlockSize)
	}

	return sb, nil
}

// HasFragments reports whether the image has a fragment table.
func (sb *Superblock) HasFragments() bool {
	return sb.FragmentTableStart != tableAbsent
}

// HasXattrs reports whether the image records an xattr id table. The
// table's contents are not interpreted by this package.
func (sb *Superblock) HasXattrs() bool {
	return sb.XattrIDTableStart != tableAbsent
}

// HasExportTable reports whether the image records an NFS export table.
// The table's contents are not interpreted by this package.
func (sb *Superblock) HasExportTable() bool {
	return sb.ExportTableStart != tableAbsent
}

func (sb *Superblock) toBytes() []byte {
	b := make([]byte, SuperblockSize)
	binary.LittleEndian.PutUint32(b[0:4], Magic)
	binary.LittleEndian.PutUint32(b[4:8], sb.InodeCount)
	binary.LittleEndian.PutUint32(b[8:12], sb.ModTime)
	binary.LittleEndian.PutUint32(b[12:16], sb.BlockSize)
	binary.LittleEndian.PutUint32(b[16:20], sb.FragmentCount)
	binary.LittleEndian.PutUint16(b[20:22], uint16(sb.Compression))
	binary.LittleEndian.PutUint16(b[22:24], sb.BlockLog)
	binary.LittleEndian.PutUint16(b[24:26], uint16(sb.Flags))
	binary.LittleEndian.PutUint16(b[26:28], sb.IDCount)
	binary.LittleEndian.PutUint16(b[28:30], sb.VersionMajor)
	binary.LittleEndian.PutUint16(b[30:32], sb.VersionMinor)
	binary.LittleEndian.PutUint64(b[32:40], uint64(sb.RootInodeRef))
	binary.LittleEndian.PutUint64(b[40:48], sb.BytesUsed)
	binary.LittleEndian.PutUint64(b[48:56], sb.IDTableStart)
	binary.LittleEndian.PutUint64(b[56:64], sb.XattrIDTableStart)
	binary.LittleEndian.PutUint64(b[64:72], sb.InodeTableStart)
	binary.LittleEndian.PutUint64(b[72:80], sb.DirTableStart)
	binary.LittleEndian.PutUint64(b[80:88], sb.FragmentTableStart)
	binary.LittleEndian.PutUint64(b[88:96], sb.ExportTableStart)
	return b
}
