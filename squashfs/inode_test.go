// SPDX-License-Identifier: MPL-2.0
/*
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package squashfs

import (
	"bytes"
	"encoding/binary"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func inodeCursor(t *testing.T, raw []byte) *metaCursor {
	t.Helper()

	store := newBlockStore(bytes.NewReader(storedBlock(t, raw)), DefaultRegistry(), CompressionGzip, 0)
	c, err := store.cursorAt(0, 0, 0)
	require.NoError(t, err)
	return c
}

func inodeHeaderBytes(typ InodeType, perm uint16, number uint32) []byte {
	hdr := make([]byte, inodeHeaderSize)
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(typ))
	binary.LittleEndian.PutUint16(hdr[2:4], perm)
	binary.LittleEndian.PutUint16(hdr[4:6], 0)
	binary.LittleEndian.PutUint16(hdr[6:8], 0)
	binary.LittleEndian.PutUint32(hdr[8:12], 1700000000)
	binary.LittleEndian.PutUint32(hdr[12:16], number)
	return hdr
}

func TestDecodeInode(t *testing.T) {
	t.Run("CharDevice", func(t *testing.T) {
		raw := inodeHeaderBytes(TypeCharDev, 0o600, 7)
		body := make([]byte, 8)
		binary.LittleEndian.PutUint32(body[0:4], 1)      // link count
		binary.LittleEndian.PutUint32(body[4:8], 0x0103) // device number
		raw = append(raw, body...)

		in, err := decodeInode(inodeCursor(t, raw), NewInodeRef(0, 0), 131072)
		require.NoError(t, err)

		require.Equal(t, TypeCharDev, in.Type)
		require.Equal(t, uint32(7), in.Number)
		require.Equal(t, uint32(0x0103), in.Device)
		require.Equal(t, uint32(xattrAbsent), in.XattrIdx)
		require.True(t, in.Mode()&fs.ModeCharDevice != 0)
	})

	t.Run("ExtBlockDevice", func(t *testing.T) {
		raw := inodeHeaderBytes(TypeExtBlock, 0o660, 9)
		body := make([]byte, 12)
		binary.LittleEndian.PutUint32(body[0:4], 1)
		binary.LittleEndian.PutUint32(body[4:8], 0x0800)
		binary.LittleEndian.PutUint32(body[8:12], 5) // xattr index
		raw = append(raw, body...)

		in, err := decodeInode(inodeCursor(t, raw), NewInodeRef(0, 0), 131072)
		require.NoError(t, err)

		require.Equal(t, TypeExtBlock, in.Type)
		require.Equal(t, TypeBlockDev, in.Type.Base())
		require.Equal(t, uint32(0x0800), in.Device)
		require.Equal(t, uint32(5), in.XattrIdx)
		require.True(t, in.Mode()&fs.ModeDevice != 0)
		require.True(t, in.Mode()&fs.ModeCharDevice == 0)
	})

	t.Run("Fifo", func(t *testing.T) {
		raw := inodeHeaderBytes(TypeFifo, 0o644, 3)
		body := make([]byte, 4)
		binary.LittleEndian.PutUint32(body, 1)
		raw = append(raw, body...)

		in, err := decodeInode(inodeCursor(t, raw), NewInodeRef(0, 0), 131072)
		require.NoError(t, err)

		require.Equal(t, TypeFifo, in.Type)
		require.True(t, in.Mode()&fs.ModeNamedPipe != 0)
	})

	t.Run("ExtSocket", func(t *testing.T) {
		raw := inodeHeaderBytes(TypeExtSocket, 0o755, 4)
		body := make([]byte, 8)
		binary.LittleEndian.PutUint32(body[0:4], 2)
		binary.LittleEndian.PutUint32(body[4:8], xattrAbsent)
		raw = append(raw, body...)

		in, err := decodeInode(inodeCursor(t, raw), NewInodeRef(0, 0), 131072)
		require.NoError(t, err)

		require.Equal(t, TypeSocket, in.Type.Base())
		require.True(t, in.Mode()&fs.ModeSocket != 0)
	})

	t.Run("SetuidBits", func(t *testing.T) {
		raw := inodeHeaderBytes(TypeFifo, 0o4755|0o2000|0o1000, 5)
		body := make([]byte, 4)
		binary.LittleEndian.PutUint32(body, 1)
		raw = append(raw, body...)

		in, err := decodeInode(inodeCursor(t, raw), NewInodeRef(0, 0), 131072)
		require.NoError(t, err)

		mode := in.Mode()
		require.True(t, mode&fs.ModeSetuid != 0)
		require.True(t, mode&fs.ModeSetgid != 0)
		require.True(t, mode&fs.ModeSticky != 0)
		require.Equal(t, fs.FileMode(0o755), mode.Perm())
	})

	t.Run("ExtFile", func(t *testing.T) {
		raw := inodeHeaderBytes(TypeExtFile, 0o644, 6)
		body := make([]byte, 40)
		binary.LittleEndian.PutUint64(body[0:8], 96)      // start block
		binary.LittleEndian.PutUint64(body[8:16], 200000) // file size
		binary.LittleEndian.PutUint64(body[16:24], 0)     // sparse bytes
		binary.LittleEndian.PutUint32(body[24:28], 1)     // link count
		binary.LittleEndian.PutUint32(body[28:32], fragmentAbsent)
		binary.LittleEndian.PutUint32(body[32:36], 0)
		binary.LittleEndian.PutUint32(body[36:40], xattrAbsent)
		// Two blocks at 131072 bytes each cover 200000 bytes.
		for i := 0; i < 2; i++ {
			var word [4]byte
			binary.LittleEndian.PutUint32(word[:], 100|dataUncompressedBit)
			body = append(body, word[:]...)
		}
		raw = append(raw, body...)

		in, err := decodeInode(inodeCursor(t, raw), NewInodeRef(0, 0), 131072)
		require.NoError(t, err)

		require.Equal(t, uint64(200000), in.Size)
		require.Len(t, in.BlockSizes, 2)
		require.False(t, in.HasFragment())
		require.True(t, in.BlockSizes[0].StoredUncompressed())
		require.Equal(t, uint32(100), in.BlockSizes[0].OnDiskSize())
	})

	t.Run("ExtFileOverstatedSize", func(t *testing.T) {
		raw := inodeHeaderBytes(TypeExtFile, 0o644, 8)
		body := make([]byte, 40)
		binary.LittleEndian.PutUint64(body[0:8], 96)
		binary.LittleEndian.PutUint64(body[8:16], 1<<60) // size far beyond the block list
		binary.LittleEndian.PutUint32(body[24:28], 1)
		binary.LittleEndian.PutUint32(body[28:32], fragmentAbsent)
		binary.LittleEndian.PutUint32(body[36:40], xattrAbsent)
		raw = append(raw, body...)

		_, err := decodeInode(inodeCursor(t, raw), NewInodeRef(0, 0), 131072)
		require.ErrorIs(t, err, ErrTruncatedImage)
	})

	t.Run("SymlinkOverstatedTarget", func(t *testing.T) {
		raw := inodeHeaderBytes(TypeSymlink, 0o777, 9)
		body := make([]byte, 8)
		binary.LittleEndian.PutUint32(body[0:4], 1)
		binary.LittleEndian.PutUint32(body[4:8], 1<<30) // target length
		raw = append(raw, body...)

		_, err := decodeInode(inodeCursor(t, raw), NewInodeRef(0, 0), 131072)

		var blockErr *CorruptBlockError
		require.ErrorAs(t, err, &blockErr)
	})

	t.Run("UnknownType", func(t *testing.T) {
		for _, tag := range []uint16{0, 15, 99} {
			raw := inodeHeaderBytes(InodeType(tag), 0o644, 1)

			_, err := decodeInode(inodeCursor(t, raw), NewInodeRef(0, 0), 131072)

			var typeErr *UnknownInodeTypeError
			require.ErrorAs(t, err, &typeErr)
			require.Equal(t, tag, typeErr.Tag)
		}
	})
}

func TestDataBlockSize(t *testing.T) {
	require.True(t, DataBlockSize(0).Sparse())
	require.False(t, DataBlockSize(0).StoredUncompressed())

	word := DataBlockSize(4096 | dataUncompressedBit)
	require.False(t, word.Sparse())
	require.True(t, word.StoredUncompressed())
	require.Equal(t, uint32(4096), word.OnDiskSize())

	compressed := DataBlockSize(1234)
	require.False(t, compressed.StoredUncompressed())
	require.Equal(t, uint32(1234), compressed.OnDiskSize())
}

func TestInodeTypeString(t *testing.T) {
	require.Equal(t, "directory", TypeDir.String())
	require.Equal(t, "directory", TypeExtDir.String())
	require.Equal(t, "symlink", TypeExtSymlink.String())
	require.Equal(t, "unknown(99)", InodeType(99).String())
}
