// SPDX-License-Identifier: MPL-2.0
/*
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package squashfs

import (
	"fmt"
	"io/fs"
	"time"
)

// InodeType is the on-disk inode type tag. Tags 1-7 are the basic
// variants, 8-14 the extended ones carrying xattr indexes and wider
// fields.
type InodeType uint16

const (
	TypeDir        InodeType = 1
	TypeFile       InodeType = 2
	TypeSymlink    InodeType = 3
	TypeBlockDev   InodeType = 4
	TypeCharDev    InodeType = 5
	TypeFifo       InodeType = 6
	TypeSocket     InodeType = 7
	TypeExtDir     InodeType = 8
	TypeExtFile    InodeType = 9
	TypeExtSymlink InodeType = 10
	TypeExtBlock   InodeType = 11
	TypeExtChar    InodeType = 12
	TypeExtFifo    InodeType = 13
	TypeExtSocket  InodeType = 14
)

// Base folds an extended tag onto its basic counterpart.
func (t InodeType) Base() InodeType {
	if t >= TypeExtDir && t <= TypeExtSocket {
		return t - 7
	}
	return t
}

// Extended reports whether the tag is one of the extended variants.
func (t InodeType) Extended() bool {
	return t >= TypeExtDir && t <= TypeExtSocket
}

func (t InodeType) String() string {
	switch t.Base() {
	case TypeDir:
		return "directory"
	case TypeFile:
		return "file"
	case TypeSymlink:
		return "symlink"
	case TypeBlockDev:
		return "block device"
	case TypeCharDev:
		return "character device"
	case TypeFifo:
		return "fifo"
	case TypeSocket:
		return "socket"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

// DataBlockSize is the stored-size word of one data or fragment block.
// Bit 31 set means the payload is stored uncompressed, bits 0-30 give the
// on-disk byte count. A zero word is a sparse block with no payload.
type DataBlockSize uint32

// StoredUncompressed reports whether the block bytes are raw on disk.
func (s DataBlockSize) StoredUncompressed() bool {
	return s&dataUncompressedBit != 0
}

// OnDiskSize returns the number of bytes the block occupies in the image.
func (s DataBlockSize) OnDiskSize() uint32 {
	return uint32(s & dataSizeMask)
}

// Sparse reports whether the block is a hole of zero bytes.
func (s DataBlockSize) Sparse() bool {
	return s == 0
}

// Inode is one decoded inode. All variants share the flat header fields;
// the remaining fields are populated according to Type. Fields that a
// variant does not carry are zero (XattrIdx is xattrAbsent for basic
// variants, which never store one).
type Inode struct {
	Ref  InodeRef
	Type InodeType

	Perm    uint16 // permission bits including setuid/setgid/sticky
	UIDIdx  uint16 // index into the id table
	GIDIdx  uint16
	ModTime uint32
	Number  uint32

	NLink    uint32
	XattrIdx uint32

	// Directories and files.
	Size       uint64
	StartBlock uint64
	Offset     uint16 // directory start offset within its metadata block

	// Directories.
	ParentNumber uint32
	IndexCount   uint16

	// Files.
	FragIndex  uint32
	FragOffset uint32
	Sparse     uint64
	BlockSizes []DataBlockSize

	// Symlinks.
	SymlinkTarget []byte

	// Devices.
	Device uint32
}

// HasFragment reports whether a file inode ends in a fragment tail.
func (in *Inode) HasFragment() bool {
	return in.Type.Base() == TypeFile && in.FragIndex != fragmentAbsent
}

// IsDir reports whether the inode is a directory.
func (in *Inode) IsDir() bool {
	return in.Type.Base() == TypeDir
}

// Mode returns the io/fs mode bits for the inode.
func (in *Inode) Mode() fs.FileMode {
	mode := fs.FileMode(in.Perm & 0777)

	switch in.Type.Base() {
	case TypeDir:
		mode |= fs.ModeDir
	case TypeSymlink:
		mode |= fs.ModeSymlink
	case TypeBlockDev:
		mode |= fs.ModeDevice
	case TypeCharDev:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case TypeFifo:
		mode |= fs.ModeNamedPipe
	case TypeSocket:
		mode |= fs.ModeSocket
	}

	if in.Perm&S_ISUID != 0 {
		mode |= fs.ModeSetuid
	}
	if in.Perm&S_ISGID != 0 {
		mode |= fs.ModeSetgid
	}
	if in.Perm&S_ISVTX != 0 {
		mode |= fs.ModeSticky
	}

	return mode
}

// ModTimeUTC returns the inode's modification time.
func (in *Inode) ModTimeUTC() time.Time {
	return time.Unix(int64(in.ModTime), 0).UTC()
}

// decodeInode reads one inode from the cursor, which must be positioned
// at its 16-byte common header. blockSize is the image's data block size,
// needed to size file block lists.
func decodeInode(c *metaCursor, ref InodeRef, blockSize uint32) (*Inode, error) {
	in := &Inode{Ref: ref, XattrIdx: xattrAbsent}

	tag, err := c.uint16()
	if err != nil {
		return nil, err
	}
	if tag < uint16(TypeDir) || tag > uint16(TypeExtSocket) {
		return nil, &UnknownInodeTypeError{Tag: tag}
	}
	in.Type = InodeType(tag)

	if in.Perm, err = c.uint16(); err != nil {
		return nil, err
	}
	if in.UIDIdx, err = c.uint16(); err != nil {
		return nil, err
	}
	if in.GIDIdx, err = c.uint16(); err != nil {
		return nil, err
	}
	if in.ModTime, err = c.uint32(); err != nil {
		return nil, err
	}
	if in.Number, err = c.uint32(); err != nil {
		return nil, err
	}

	switch in.Type {
	case TypeDir:
		err = decodeBasicDir(c, in)
	case TypeExtDir:
		err = decodeExtDir(c, in)
	case TypeFile:
		err = decodeBasicFile(c, in, blockSize)
	case TypeExtFile:
		err = decodeExtFile(c, in, blockSize)
	case TypeSymlink, TypeExtSymlink:
		err = decodeSymlink(c, in)
	case TypeBlockDev, TypeCharDev, TypeExtBlock, TypeExtChar:
		err = decodeDevice(c, in)
	case TypeFifo, TypeSocket, TypeExtFifo, TypeExtSocket:
		err = decodeIPC(c, in)
	}
	if err != nil {
		return nil, err
	}
	return in, nil
}

func decodeBasicDir(c *metaCursor, in *Inode) error {
	start, err := c.uint32()
	if err != nil {
		return err
	}
	if in.NLink, err = c.uint32(); err != nil {
		return err
	}
	size, err := c.uint16()
	if err != nil {
		return err
	}
	if in.Offset, err = c.uint16(); err != nil {
		return err
	}
	if in.ParentNumber, err = c.uint32(); err != nil {
		return err
	}
	in.StartBlock = uint64(start)
	in.Size = uint64(size)
	return nil
}

func decodeExtDir(c *metaCursor, in *Inode) error {
	var err error
	if in.NLink, err = c.uint32(); err != nil {
		return err
	}
	size, err := c.uint32()
	if err != nil {
		return err
	}
	start, err := c.uint32()
	if err != nil {
		return err
	}
	if in.ParentNumber, err = c.uint32(); err != nil {
		return err
	}
	if in.IndexCount, err = c.uint16(); err != nil {
		return err
	}
	if in.Offset, err = c.uint16(); err != nil {
		return err
	}
	if in.XattrIdx, err = c.uint32(); err != nil {
		return err
	}
	in.StartBlock = uint64(start)
	in.Size = uint64(size)
	return nil
}

// blockCount returns the number of entries in a file inode's block list.
// Files ending in a fragment only list their full blocks.
func blockCount(size uint64, blockSize uint32, hasFragment bool) uint64 {
	if hasFragment {
		return size / uint64(blockSize)
	}
	return (size + uint64(blockSize) - 1) / uint64(blockSize)
}

// readBlockSizes grows the list as it reads. The count comes from the
// inode's size field, which is untrusted: preallocating it would let a
// corrupt inode drive an arbitrarily large allocation, whereas an
// overstated count here just runs the cursor off the end of the table
// and fails with ErrTruncatedImage.
func readBlockSizes(c *metaCursor, n uint64) ([]DataBlockSize, error) {
	sizes := make([]DataBlockSize, 0, min(n, 1024))
	for i := uint64(0); i < n; i++ {
		w, err := c.uint32()
		if err != nil {
			return nil, err
		}
		sizes = append(sizes, DataBlockSize(w))
	}
	return sizes, nil
}

func decodeBasicFile(c *metaCursor, in *Inode, blockSize uint32) error {
	start, err := c.uint32()
	if err != nil {
		return err
	}
	if in.FragIndex, err = c.uint32(); err != nil {
		return err
	}
	if in.FragOffset, err = c.uint32(); err != nil {
		return err
	}
	size, err := c.uint32()
	if err != nil {
		return err
	}
	in.StartBlock = uint64(start)
	in.Size = uint64(size)

	in.BlockSizes, err = readBlockSizes(c, blockCount(in.Size, blockSize, in.FragIndex != fragmentAbsent))
	return err
}

func decodeExtFile(c *metaCursor, in *Inode, blockSize uint32) error {
	var err error
	if in.StartBlock, err = c.uint64(); err != nil {
		return err
	}
	if in.Size, err = c.uint64(); err != nil {
		return err
	}
	if in.Sparse, err = c.uint64(); err != nil {
		return err
	}
	if in.NLink, err = c.uint32(); err != nil {
		return err
	}
	if in.FragIndex, err = c.uint32(); err != nil {
		return err
	}
	if in.FragOffset, err = c.uint32(); err != nil {
		return err
	}
	if in.XattrIdx, err = c.uint32(); err != nil {
		return err
	}

	in.BlockSizes, err = readBlockSizes(c, blockCount(in.Size, blockSize, in.FragIndex != fragmentAbsent))
	return err
}

func decodeSymlink(c *metaCursor, in *Inode) error {
	var err error
	if in.NLink, err = c.uint32(); err != nil {
		return err
	}
	targetSize, err := c.uint32()
	if err != nil {
		return err
	}
	if targetSize > MaxSymlinkTargetLen {
		return &CorruptBlockError{
			Offset: c.base + c.blockOff,
			Err:    fmt.Errorf("symlink target of %d bytes exceeds %d", targetSize, MaxSymlinkTargetLen),
		}
	}
	in.SymlinkTarget = make([]byte, targetSize)
	if err := c.read(in.SymlinkTarget); err != nil {
		return err
	}
	in.Size = uint64(targetSize)

	if in.Type == TypeExtSymlink {
		if in.XattrIdx, err = c.uint32(); err != nil {
			return err
		}
	}
	return nil
}

func decodeDevice(c *metaCursor, in *Inode) error {
	var err error
	if in.NLink, err = c.uint32(); err != nil {
		return err
	}
	if in.Device, err = c.uint32(); err != nil {
		return err
	}
	if in.Type.Extended() {
		if in.XattrIdx, err = c.uint32(); err != nil {
			return err
		}
	}
	return nil
}

func decodeIPC(c *metaCursor, in *Inode) error {
	var err error
	if in.NLink, err = c.uint32(); err != nil {
		return err
	}
	if in.Type.Extended() {
		if in.XattrIdx, err = c.uint32(); err != nil {
			return err
		}
	}
	return nil
}
