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
	"os"
	"strings"
	"sync"
)

// Image is an opened SquashFS image. All methods are safe for concurrent
// use. The underlying reader is never written to.
type Image struct {
	src io.ReaderAt
	reg *Registry
	sb  *Superblock

	// sbErr records why the superblock failed to parse when the image was
	// opened in force mode. Structural methods return it wrapped in
	// ErrNoSuperblock.
	sbErr error

	meta *blockStore

	// The id and fragment tables load on first use so that an image with
	// an unregistered codec can still be opened and its superblock
	// inspected. The codec gap surfaces on the first block that needs it.
	idsOnce   func() ([]uint32, error)
	fragsOnce func() ([]FragmentEntry, error)
}

type imageOptions struct {
	force       bool
	reg         *Registry
	cacheBlocks int
}

// Option adjusts how an image is opened.
type Option func(*imageOptions)

// WithForce opens the image even when the superblock fails validation.
// Structural methods on such an image return ErrNoSuperblock; RawHeader
// still works, which is what forensic inspection of a damaged image
// needs.
func WithForce() Option {
	return func(o *imageOptions) { o.force = true }
}

// WithRegistry substitutes the codec registry. The default is
// DefaultRegistry.
func WithRegistry(reg *Registry) Option {
	return func(o *imageOptions) { o.reg = reg }
}

// WithCacheBlocks sets how many decompressed metadata blocks are cached.
func WithCacheBlocks(n int) Option {
	return func(o *imageOptions) { o.cacheBlocks = n }
}

// NewImage opens a SquashFS image from a random-access reader.
func NewImage(src io.ReaderAt, opts ...Option) (*Image, error) {
	o := imageOptions{reg: DefaultRegistry()}
	for _, opt := range opts {
		opt(&o)
	}

	img := &Image{src: src, reg: o.reg}

	hdr := make([]byte, SuperblockSize)
	n, err := io.ReadFull(io.NewSectionReader(src, 0, SuperblockSize), hdr)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}

	sb, sbErr := ParseSuperblock(hdr[:n])
	if sbErr != nil {
		if !o.force {
			return nil, sbErr
		}
		img.sbErr = sbErr
		return img, nil
	}
	img.sb = sb

	img.meta = newBlockStore(src, o.reg, sb.Compression, o.cacheBlocks)
	img.idsOnce = sync.OnceValues(func() ([]uint32, error) {
		return readIDTable(src, img.meta, sb)
	})
	img.fragsOnce = sync.OnceValues(func() ([]FragmentEntry, error) {
		return readFragmentTable(src, img.meta, sb)
	})

	return img, nil
}

// ImageFile is an Image that owns the file backing it.
type ImageFile struct {
	*Image
	f *os.File
}

// Close releases the underlying file.
func (x *ImageFile) Close() error {
	return x.f.Close()
}

// OpenImage opens a SquashFS image by path.
func OpenImage(path string, opts ...Option) (*ImageFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	img, err := NewImage(f, opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &ImageFile{Image: img, f: f}, nil
}

// Superblock returns the parsed superblock, or ErrNoSuperblock (wrapping
// the parse failure) for an image opened in force mode past a bad header.
func (img *Image) Superblock() (*Superblock, error) {
	if img.sb == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSuperblock, img.sbErr)
	}
	return img.sb, nil
}

// RawHeader returns up to n bytes from the start of the image, fewer if
// the file is shorter. It works regardless of whether the superblock
// parsed, so damaged images can still be inspected byte by byte.
func (img *Image) RawHeader(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative byte count %d", n)
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(io.NewSectionReader(img.src, 0, int64(n)), buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf[:read], nil
}

// ready gates methods that need a parsed superblock.
func (img *Image) ready() error {
	if img.sb == nil {
		return fmt.Errorf("%w: %v", ErrNoSuperblock, img.sbErr)
	}
	return nil
}

// Inode decodes the inode at ref.
func (img *Image) Inode(ref InodeRef) (*Inode, error) {
	if err := img.ready(); err != nil {
		return nil, err
	}
	c, err := img.meta.cursorAt(int64(img.sb.InodeTableStart), ref.Block(), ref.Offset())
	if err != nil {
		return nil, err
	}
	return decodeInode(c, ref, img.sb.BlockSize)
}

// Root decodes the root directory inode.
func (img *Image) Root() (*Inode, error) {
	if err := img.ready(); err != nil {
		return nil, err
	}
	root, err := img.Inode(img.sb.RootInodeRef)
	if err != nil {
		return nil, err
	}
	if !root.IsDir() {
		return nil, fmt.Errorf("%w: root inode is a %s", ErrCorruptSuperblock, root.Type)
	}
	return root, nil
}

// ReadDir returns the sorted listing of a directory inode.
func (img *Image) ReadDir(in *Inode) ([]DirEntry, error) {
	if err := img.ready(); err != nil {
		return nil, err
	}
	return img.readDir(in)
}

// Lookup finds the named entry in a directory inode.
func (img *Image) Lookup(dir *Inode, name string) (*DirEntry, error) {
	if err := img.ready(); err != nil {
		return nil, err
	}
	return img.lookup(dir, name)
}

// splitPath breaks a slash-separated path into its components, dropping
// empty ones so that "/a//b/" and "a/b" resolve identically.
func splitPath(path string) []string {
	var components []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			components = append(components, c)
		}
	}
	return components
}

// Resolve walks path from the root directory and returns the inode it
// names. Symlinks along the way are not followed; that policy belongs to
// the filesystem layer. The empty path and "/" resolve to the root.
func (img *Image) Resolve(path string) (*Inode, error) {
	cur, err := img.Root()
	if err != nil {
		return nil, err
	}

	for _, component := range splitPath(path) {
		if component == "." {
			continue
		}
		if !cur.IsDir() {
			return nil, &NotADirectoryError{Component: component}
		}
		entry, err := img.lookup(cur, component)
		if err != nil {
			return nil, err
		}
		if cur, err = img.Inode(entry.Ref); err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// SymlinkTarget returns the target path stored in a symlink inode.
func (img *Image) SymlinkTarget(in *Inode) (string, error) {
	if in.Type.Base() != TypeSymlink {
		return "", fmt.Errorf("inode %d is a %s, not a symlink", in.Number, in.Type)
	}
	return string(in.SymlinkTarget), nil
}

// UID resolves a uid table index to the stored uid.
func (img *Image) UID(idx uint16) (uint32, error) {
	return img.id(idx)
}

// GID resolves a gid table index to the stored gid. Uids and gids share
// one table.
func (img *Image) GID(idx uint16) (uint32, error) {
	return img.id(idx)
}

func (img *Image) id(idx uint16) (uint32, error) {
	if err := img.ready(); err != nil {
		return 0, err
	}
	ids, err := img.idsOnce()
	if err != nil {
		return 0, err
	}
	if int(idx) >= len(ids) {
		return 0, fmt.Errorf("id index %d out of range (%d entries)", idx, len(ids))
	}
	return ids[idx], nil
}

// Fragments returns the fragment lookup table, loading it on first call.
func (img *Image) Fragments() ([]FragmentEntry, error) {
	if err := img.ready(); err != nil {
		return nil, err
	}
	return img.fragsOnce()
}
