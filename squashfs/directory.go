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
	"sort"
)

// errStopIteration terminates a dirent walk early without reporting an
// error to the caller.
var errStopIteration = errors.New("stop iteration")

// DirEntry is one directory entry as stored on disk. Entries appear in
// byte-lexical name order within a directory.
type DirEntry struct {
	Name        string
	InodeNumber uint32
	Ref         InodeRef
	Type        InodeType // basic type tag, even for extended inodes
}

// iterDirents decodes the directory listing of in, calling fn for each
// entry in stored order. Iteration stops early if fn returns an error,
// which is passed through.
//
// The listing is a run of groups, each a 12-byte header (entry count
// minus one, inode table block of the group's inodes, base inode number)
// followed by the entries. mksquashfs pads the stored size by 3 bytes; a
// trailing remainder smaller than one header is therefore not an error.
func (img *Image) iterDirents(in *Inode, fn func(DirEntry) error) error {
	if !in.IsDir() {
		return &NotADirectoryError{Component: fmt.Sprintf("inode %d", in.Number)}
	}

	remaining := int64(in.Size)
	if remaining <= dirHeaderSize {
		// Empty directory. The stored size is 0, or 3 when the writer
		// counted the "." and ".." phantom bytes.
		return nil
	}

	c, err := img.meta.cursorAt(int64(img.sb.DirTableStart), int64(in.StartBlock), in.Offset)
	if err != nil {
		return err
	}

	for remaining >= dirHeaderSize {
		countMinusOne, err := c.uint32()
		if err != nil {
			return err
		}
		startBlock, err := c.uint32()
		if err != nil {
			return err
		}
		baseInode, err := c.uint32()
		if err != nil {
			return err
		}
		remaining -= dirHeaderSize

		count := int(countMinusOne) + 1
		if count > maxDirEntries {
			return &CorruptBlockError{
				Offset: int64(img.sb.DirTableStart) + int64(in.StartBlock),
				Err:    fmt.Errorf("directory group of %d entries exceeds %d", count, maxDirEntries),
			}
		}

		for i := 0; i < count; i++ {
			offset, err := c.uint16()
			if err != nil {
				return err
			}
			delta, err := c.uint16()
			if err != nil {
				return err
			}
			typ, err := c.uint16()
			if err != nil {
				return err
			}
			nameLenMinusOne, err := c.uint16()
			if err != nil {
				return err
			}

			nameLen := int(nameLenMinusOne) + 1
			if nameLen > MaxNameLen {
				return &CorruptBlockError{
					Offset: int64(img.sb.DirTableStart) + int64(in.StartBlock),
					Err:    fmt.Errorf("entry name of %d bytes exceeds %d", nameLen, MaxNameLen),
				}
			}
			name := make([]byte, nameLen)
			if err := c.read(name); err != nil {
				return err
			}
			remaining -= dirEntrySize + int64(nameLen)

			e := DirEntry{
				Name:        string(name),
				InodeNumber: uint32(int64(baseInode) + int64(int16(delta))),
				Ref:         NewInodeRef(int64(startBlock), offset),
				Type:        InodeType(typ),
			}
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// readDir returns the full listing of in sorted by name. Stored order is
// already lexical in well-formed images; the sort makes the contract hold
// for sloppy writers too.
func (img *Image) readDir(in *Inode) ([]DirEntry, error) {
	var entries []DirEntry
	if err := img.iterDirents(in, func(e DirEntry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// lookup finds one named entry in the listing of dir.
func (img *Image) lookup(dir *Inode, name string) (*DirEntry, error) {
	var found *DirEntry
	err := img.iterDirents(dir, func(e DirEntry) error {
		if e.Name == name {
			found = &e
			return errStopIteration
		}
		return nil
	})
	if err != nil && err != errStopIteration {
		return nil, err
	}
	if found == nil {
		return nil, &NotFoundError{Component: name}
	}
	return found, nil
}
