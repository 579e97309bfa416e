// SPDX-License-Identifier: MPL-2.0
/*
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package squashfs

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrNotAnImage is returned when the first four bytes of the file are
	// not the SquashFS magic number.
	ErrNotAnImage = errors.New("not a squashfs image")

	// ErrUnsupportedVersion is returned for images that are not SquashFS 4.x.
	ErrUnsupportedVersion = errors.New("unsupported squashfs version")

	// ErrCorruptSuperblock is returned when superblock fields are
	// internally inconsistent, e.g. block_log does not match block_size.
	ErrCorruptSuperblock = errors.New("corrupt superblock")

	// ErrTruncatedImage is returned when a read runs past the end of the
	// image file.
	ErrTruncatedImage = errors.New("truncated image")

	// ErrTruncatedFile is returned when the reassembled content of a file
	// falls short of the size declared by its inode.
	ErrTruncatedFile = errors.New("truncated file content")

	// ErrNoSuperblock is returned by operations that need a parsed
	// superblock on a session opened in force mode without one.
	ErrNoSuperblock = errors.New("no valid superblock")

	// ErrSymlinkLoop is returned by path resolution when following
	// symbolic links exceeds the hop limit.
	ErrSymlinkLoop = errors.New("too many levels of symbolic links")
)

// UnsupportedCodecError is returned when the image declares a compression
// codec that has no registered decompressor.
type UnsupportedCodecError struct {
	Codec Compression
}

func (e *UnsupportedCodecError) Error() string {
	return fmt.Sprintf("unsupported compression codec %s", e.Codec)
}

// CorruptBlockError is returned when a metadata or data block cannot be
// decoded. Offset is the byte offset of the block within the image.
type CorruptBlockError struct {
	Offset int64
	Err    error
}

func (e *CorruptBlockError) Error() string {
	return fmt.Sprintf("corrupt block at offset %d: %v", e.Offset, e.Err)
}

func (e *CorruptBlockError) Unwrap() error {
	return e.Err
}

// UnknownInodeTypeError is returned when an inode carries a type tag
// outside the known range 1-14.
type UnknownInodeTypeError struct {
	Tag uint16
}

func (e *UnknownInodeTypeError) Error() string {
	return fmt.Sprintf("unknown inode type %d", e.Tag)
}

// NotFoundError is returned by path resolution when a component has no
// matching directory entry. It satisfies errors.Is(err, fs.ErrNotExist).
type NotFoundError struct {
	Component string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no such file or directory: %q", e.Component)
}

func (e *NotFoundError) Is(target error) bool {
	return target == fs.ErrNotExist
}

// NotADirectoryError is returned by path resolution when an intermediate
// component resolves to a non-directory inode.
type NotADirectoryError struct {
	Component string
}

func (e *NotADirectoryError) Error() string {
	return fmt.Sprintf("not a directory: %q", e.Component)
}

func (e *NotADirectoryError) Is(target error) bool {
	return target == fs.ErrInvalid
}
