// SPDX-License-Identifier: MPL-2.0
/*
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package squashfs

import (
	"io/fs"
)

const (
	// Magic is the little-endian magic number at the start of every
	// SquashFS image ("hsqs" in ASCII).
	Magic = 0x73717368

	// SuperblockSize is the fixed on-disk size of the superblock.
	SuperblockSize = 96

	// MetadataBlockSize is the maximum decompressed size of a metadata
	// block backing the inode, directory, id and fragment tables.
	MetadataBlockSize = 8192

	// MinBlockSize and MaxBlockSize bound the data block size.
	MinBlockSize = 4 * 1024
	MaxBlockSize = 1024 * 1024

	// MaxNameLen is the maximum directory entry name length.
	MaxNameLen = 256

	// MaxSymlinkTargetLen is the maximum symlink target length. The
	// on-disk field is 32 bits but targets beyond 16 bits mark a corrupt
	// inode.
	MaxSymlinkTargetLen = 65535
)

// Table sentinels and per-inode markers.
const (
	// tableAbsent marks an optional table (xattr, fragment, export) as
	// not present in the superblock.
	tableAbsent = 0xffffffffffffffff

	// fragmentAbsent marks a file inode as having no fragment tail.
	fragmentAbsent = 0xffffffff

	// xattrAbsent marks an extended inode as having no xattr entries.
	xattrAbsent = 0xffffffff
)

// Metadata block header: bit 15 set means the payload is stored
// uncompressed, bits 0-14 are the on-disk payload size.
const (
	metaUncompressedBit = 0x8000
	metaSizeMask        = 0x7fff
)

// Data block size word: bit 31 set means the block is stored
// uncompressed, bits 0-30 are the on-disk size. A zero word is a sparse
// block of all zero bytes with no on-disk payload.
const (
	dataUncompressedBit = 1 << 31
	dataSizeMask        = 1<<31 - 1
)

// ID and fragment table packing.
const (
	idsPerMetaBlock       = 2048
	fragmentsPerMetaBlock = 512
	fragmentEntrySize     = 16
	idEntrySize           = 4
)

const (
	inodeHeaderSize = 16
	dirHeaderSize   = 12
	dirEntrySize    = 8
	maxDirEntries   = 256
)

// Values for mode_t.
const (
	S_IFMT   = 0170000
	S_IFSOCK = 0140000
	S_IFLNK  = 0120000
	S_IFREG  = 0100000
	S_IFBLK  = 060000
	S_IFDIR  = 040000
	S_IFCHR  = 020000
	S_IFIFO  = 010000
	S_ISUID  = 04000
	S_ISGID  = 02000
	S_ISVTX  = 01000
)

func statModeFromFileMode(mode fs.FileMode) uint16 {
	stMode := uint16(mode.Perm())

	// Char devices carry ModeDevice|ModeCharDevice, so test bits rather
	// than switching on the whole type field.
	switch {
	case mode.IsDir():
		stMode |= S_IFDIR
	case mode&fs.ModeSymlink != 0:
		stMode |= S_IFLNK
	case mode&fs.ModeCharDevice != 0:
		stMode |= S_IFCHR
	case mode&fs.ModeDevice != 0:
		stMode |= S_IFBLK
	case mode&fs.ModeNamedPipe != 0:
		stMode |= S_IFIFO
	case mode&fs.ModeSocket != 0:
		stMode |= S_IFSOCK
	default:
		stMode |= S_IFREG
	}

	// Handle setuid, setgid and sticky bits.
	if mode&fs.ModeSetuid != 0 {
		stMode |= S_ISUID
	}
	if mode&fs.ModeSetgid != 0 {
		stMode |= S_ISGID
	}
	if mode&fs.ModeSticky != 0 {
		stMode |= S_ISVTX
	}

	return stMode
}
