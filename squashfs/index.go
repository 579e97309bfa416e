// SPDX-License-Identifier: MPL-2.0
/*
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package squashfs

import (
	"io/fs"
	"strings"

	"github.com/google/btree"
)

// Index is a sorted view of every path in an image, built once so that
// repeated prefix searches don't have to re-walk the directory tree.
type Index struct {
	tree *btree.BTree
}

type indexEntry struct {
	path string
	typ  InodeType
}

func (e *indexEntry) Less(than btree.Item) bool {
	return strings.Compare(e.path, than.(*indexEntry).path) < 0
}

// NewIndex walks the filesystem and indexes every path. Symlinks are
// recorded but not followed, so a link cycle cannot hang the walk.
func NewIndex(fsys *Filesystem) (*Index, error) {
	tree := btree.New(2)

	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == "." {
			return nil
		}

		typ := TypeFile
		if de, ok := d.(*dirEntry); ok {
			typ = de.typ.Base()
		} else if d.IsDir() {
			typ = TypeDir
		}
		tree.ReplaceOrInsert(&indexEntry{path: p, typ: typ})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Index{tree: tree}, nil
}

// Paths returns every indexed path starting with prefix, in sorted
// order. The empty prefix returns everything.
func (idx *Index) Paths(prefix string) []string {
	var paths []string
	idx.tree.AscendGreaterOrEqual(&indexEntry{path: prefix}, func(item btree.Item) bool {
		e := item.(*indexEntry)
		if !strings.HasPrefix(e.path, prefix) {
			return false
		}
		paths = append(paths, e.path)
		return true
	})
	return paths
}

// Type returns the inode type recorded for a path.
func (idx *Index) Type(path string) (InodeType, bool) {
	item := idx.tree.Get(&indexEntry{path: path})
	if item == nil {
		return 0, false
	}
	return item.(*indexEntry).typ, true
}

// Len returns the number of indexed paths.
func (idx *Index) Len() int {
	return idx.tree.Len()
}
