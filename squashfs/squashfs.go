// SPDX-License-Identifier: MPL-2.0
/*
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package squashfs reads SquashFS 4.0 images. The low-level surface is
// Image, which exposes the superblock, inodes, directories and file
// content directly; Filesystem wraps an Image in the standard io/fs
// interfaces with symlink traversal.
package squashfs

import (
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haricharan12/sfs-forensics"
)

var (
	_ fs.FS                   = (*Filesystem)(nil)
	_ fs.ReadDirFS            = (*Filesystem)(nil)
	_ fs.StatFS               = (*Filesystem)(nil)
	_ sfsforensics.ReadLinkFS = (*Filesystem)(nil)
)

type Filesystem struct {
	image *Image
	root  *dirEntry
}

// Open opens a SquashFS image as a filesystem.
func Open(src io.ReaderAt, opts ...Option) (*Filesystem, error) {
	image, err := NewImage(src, opts...)
	if err != nil {
		return nil, err
	}
	return NewFilesystem(image)
}

// NewFilesystem wraps an already opened image. The image must have a
// parsed superblock; a force-mode image without one is rejected.
func NewFilesystem(image *Image) (*Filesystem, error) {
	sb, err := image.Superblock()
	if err != nil {
		return nil, err
	}

	return &Filesystem{
		image: image,
		root: &dirEntry{
			image: image,
			name:  ".",
			ref:   sb.RootInodeRef,
			typ:   TypeDir,
		},
	}, nil
}

// Image returns the underlying image.
func (fsys *Filesystem) Image() *Image {
	return fsys.image
}

func (fsys *Filesystem) Open(name string) (fs.File, error) {
	de, err := fsys.resolve(name, false)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	return &file{de: de}, nil
}

func (fsys *Filesystem) ReadDir(name string) ([]fs.DirEntry, error) {
	de, err := fsys.resolve(name, false)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}

	ino, err := de.getInode()
	if err != nil {
		return nil, err
	}

	entries, err := fsys.image.ReadDir(ino)
	if err != nil {
		return nil, err
	}

	dirents := make([]fs.DirEntry, 0, len(entries))
	for _, e := range entries {
		dirents = append(dirents, &dirEntry{
			image: fsys.image,
			name:  e.Name,
			ref:   e.Ref,
			typ:   e.Type,
		})
	}
	return dirents, nil
}

func (fsys *Filesystem) Stat(name string) (fs.FileInfo, error) {
	de, err := fsys.resolve(name, false)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	return de.Info()
}

// ReadLink returns the destination of the named symbolic link.
// Experimental implementation of: https://github.com/golang/go/issues/49580
func (fsys *Filesystem) ReadLink(name string) (string, error) {
	de, err := fsys.resolve(name, true)
	if err != nil {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: err}
	}

	ino, err := de.getInode()
	if err != nil {
		return "", err
	}

	return fsys.image.SymlinkTarget(ino)
}

// StatLink returns a FileInfo describing the file without following any symbolic links.
// Experimental implementation of: https://github.com/golang/go/issues/49580
func (fsys *Filesystem) StatLink(name string) (fs.FileInfo, error) {
	de, err := fsys.resolve(name, true)
	if err != nil {
		return nil, &fs.PathError{Op: "statlink", Path: name, Err: err}
	}
	return de.Info()
}

// maxSymlinkHops bounds link traversal during resolution, as the kernel
// does, so a link cycle in the image fails instead of recursing forever.
const maxSymlinkHops = 40

func (fsys *Filesystem) resolve(name string, noResolveLastSymlink bool) (*dirEntry, error) {
	return fsys.resolveN(name, noResolveLastSymlink, 0)
}

func (fsys *Filesystem) resolveN(name string, noResolveLastSymlink bool, hops int) (*dirEntry, error) {
	de := fsys.root

	components := splitPath(name)
	for i, comp := range components {
		if comp == "." {
			continue
		}
		if comp == ".." {
			return nil, fs.ErrInvalid
		}

		ino, err := de.getInode()
		if err != nil {
			return nil, err
		}
		if !ino.IsDir() {
			return nil, &NotADirectoryError{Component: comp}
		}

		entry, err := fsys.image.lookup(ino, comp)
		if err != nil {
			return nil, err
		}
		child := &dirEntry{
			image: fsys.image,
			name:  comp,
			ref:   entry.Ref,
			typ:   entry.Type,
		}

		if child.typ.Base() == TypeSymlink && !(noResolveLastSymlink && i == len(components)-1) {
			hops++
			if hops > maxSymlinkHops {
				return nil, fmt.Errorf("%w: %q", ErrSymlinkLoop, comp)
			}

			childIno, err := child.getInode()
			if err != nil {
				return nil, err
			}

			link := filepath.Clean(string(childIno.SymlinkTarget))
			if strings.HasPrefix(link, "/") {
				link = strings.TrimPrefix(link, "/")
			} else {
				link = filepath.Join(strings.Join(components[:i], "/"), link)
			}

			if child, err = fsys.resolveN(link, noResolveLastSymlink, hops); err != nil {
				return nil, err
			}
		}

		de = child
	}
	return de, nil
}

type file struct {
	de *dirEntry
	r  io.Reader
}

func (f *file) Read(p []byte) (int, error) {
	if f.r == nil {
		ino, err := f.de.getInode()
		if err != nil {
			return 0, err
		}

		f.r, err = f.de.image.Reader(ino)
		if err != nil {
			return 0, err
		}
	}

	return f.r.Read(p)
}

func (f *file) Close() error {
	return nil
}

func (f *file) Stat() (fs.FileInfo, error) {
	return f.de.Info()
}

type dirEntry struct {
	image *Image
	name  string
	typ   InodeType
	ref   InodeRef

	readInodeOnce sync.Once
	inode         *Inode
	inodeErr      error
}

func (de *dirEntry) Name() string {
	return de.name
}

func (de *dirEntry) IsDir() bool {
	return de.typ.Base() == TypeDir
}

func (de *dirEntry) Type() fs.FileMode {
	ino, err := de.getInode()
	if err != nil {
		return 0
	}

	return ino.Mode().Type()
}

func (de *dirEntry) Info() (fs.FileInfo, error) {
	ino, err := de.getInode()
	if err != nil {
		return nil, err
	}

	return &fileInfo{name: de.name, inode: ino}, nil
}

func (de *dirEntry) getInode() (*Inode, error) {
	de.readInodeOnce.Do(func() {
		de.inode, de.inodeErr = de.image.Inode(de.ref)
	})

	return de.inode, de.inodeErr
}

type fileInfo struct {
	name  string
	inode *Inode
}

func (fi *fileInfo) Name() string {
	return fi.name
}

func (fi *fileInfo) Size() int64 {
	if fi.inode.IsDir() {
		return 0
	}
	return int64(fi.inode.Size)
}

func (fi *fileInfo) Mode() fs.FileMode {
	return fi.inode.Mode()
}

func (fi *fileInfo) ModTime() time.Time {
	return fi.inode.ModTimeUTC()
}

func (fi *fileInfo) IsDir() bool {
	return fi.inode.IsDir()
}

func (fi *fileInfo) Sys() any {
	return fi.inode
}
