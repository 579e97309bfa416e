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
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/haricharan12/sfs-forensics"
)

// DefaultCreateBlockSize is the data block size Create uses unless
// overridden.
const DefaultCreateBlockSize = 128 * 1024

type createOptions struct {
	blockSize   uint32
	compression Compression
	reg         *Registry
	noFragments bool
	modTime     time.Time
}

// CreateOption adjusts how an image is written.
type CreateOption func(*createOptions)

// WithBlockSize sets the data block size. It must be a power of two
// between MinBlockSize and MaxBlockSize.
func WithBlockSize(n uint32) CreateOption {
	return func(o *createOptions) { o.blockSize = n }
}

// WithCompression selects the codec for all blocks. The default is gzip.
func WithCompression(c Compression) CreateOption {
	return func(o *createOptions) { o.compression = c }
}

// WithCreateRegistry substitutes the codec registry used for writing.
func WithCreateRegistry(reg *Registry) CreateOption {
	return func(o *createOptions) { o.reg = reg }
}

// WithoutFragments writes every file tail as its own data block instead
// of packing tails into shared fragment blocks.
func WithoutFragments() CreateOption {
	return func(o *createOptions) { o.noFragments = true }
}

// WithModTime sets the image creation time recorded in the superblock
// and on every inode.
func WithModTime(t time.Time) CreateOption {
	return func(o *createOptions) { o.modTime = t }
}

// Create writes src as a SquashFS 4.0 image to dst. Regular files,
// directories and symbolic links are supported. The output is readable
// by this package and follows the on-disk format, but makes no attempt
// to match mksquashfs byte for byte.
func Create(dst io.Writer, src fs.FS, opts ...CreateOption) error {
	o := createOptions{
		blockSize:   DefaultCreateBlockSize,
		compression: CompressionGzip,
		reg:         DefaultRegistry(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.blockSize < MinBlockSize || o.blockSize > MaxBlockSize || o.blockSize&(o.blockSize-1) != 0 {
		return fmt.Errorf("block size %d is not a power of two in [%d, %d]",
			o.blockSize, MinBlockSize, MaxBlockSize)
	}

	codec, err := o.reg.Lookup(o.compression)
	if err != nil {
		return err
	}

	w := &writer{src: src, opts: o, codec: codec}
	return w.write(dst)
}

// node is one filesystem object awaiting serialization.
type node struct {
	name     string
	fullPath string
	mode     fs.FileMode
	modTime  uint32
	children []*node // directories only, sorted by name

	number uint32
	parent uint32

	// Regular files.
	size       uint64
	startBlock uint64
	blockSizes []DataBlockSize
	fragIndex  uint32
	fragOffset uint32

	// Symlinks.
	target string

	// Set once the inode is serialized.
	ref InodeRef
	typ InodeType
}

type writer struct {
	src   fs.FS
	opts  createOptions
	codec Codec

	root  *node
	count uint32

	data  bytes.Buffer // data region, written at offset 96
	frags bytes.Buffer // fragment blocks, relative offsets

	fragEntries []FragmentEntry // Start is relative to the fragment region
	fragTail    []byte          // pending fragment block content

	inodes *metaWriter
	dirs   *metaWriter
}

func (w *writer) write(dst io.Writer) error {
	if err := w.buildTree(); err != nil {
		return err
	}
	w.numberTree()

	w.inodes = &metaWriter{codec: w.codec}
	w.dirs = &metaWriter{codec: w.codec}

	if err := w.writeFileData(w.root); err != nil {
		return err
	}
	if err := w.flushFragment(); err != nil {
		return err
	}

	if err := w.writeInodes(w.root); err != nil {
		return err
	}
	if err := w.inodes.flush(); err != nil {
		return err
	}
	if err := w.dirs.flush(); err != nil {
		return err
	}

	return w.assemble(dst)
}

func (w *writer) buildTree() error {
	nodes := map[string]*node{}

	err := fs.WalkDir(w.src, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		n := &node{
			name:     path.Base(p),
			fullPath: p,
			mode:     info.Mode(),
			modTime:  uint32(info.ModTime().Unix()),
		}
		if !w.opts.modTime.IsZero() {
			n.modTime = uint32(w.opts.modTime.Unix())
		} else if info.ModTime().IsZero() {
			n.modTime = 0
		}

		switch {
		case n.mode.IsDir():
		case n.mode.IsRegular():
			n.size = uint64(info.Size())
		case n.mode&fs.ModeSymlink != 0:
			target, err := readLink(w.src, p)
			if err != nil {
				return err
			}
			n.target = target
		default:
			return fmt.Errorf("%s: unsupported file type %v", p, n.mode.Type())
		}

		nodes[p] = n
		if p != "." {
			parent := nodes[path.Dir(p)]
			if parent == nil {
				return fmt.Errorf("%s: parent directory not visited", p)
			}
			parent.children = append(parent.children, n)
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.root = nodes["."]
	if w.root == nil || !w.root.mode.IsDir() {
		return fmt.Errorf("source root is not a directory")
	}
	for _, n := range nodes {
		sort.Slice(n.children, func(i, j int) bool { return n.children[i].name < n.children[j].name })
	}
	return nil
}

func readLink(src fs.FS, p string) (string, error) {
	if rl, ok := src.(sfsforensics.ReadLinkFS); ok {
		return rl.ReadLink(p)
	}
	// testing/fstest.MapFS stores the target as the entry's data.
	target, err := fs.ReadFile(src, p)
	if err != nil {
		return "", err
	}
	return string(target), nil
}

// numberTree assigns inode numbers in preorder so the root is 1 and
// directory entries can address siblings with small deltas.
func (w *writer) numberTree() {
	var visit func(n *node, parent uint32)
	visit = func(n *node, parent uint32) {
		w.count++
		n.number = w.count
		n.parent = parent
		for _, c := range n.children {
			visit(c, n.number)
		}
	}
	visit(w.root, 0)
	// Convention for the root's parent slot.
	w.root.parent = w.count + 1
}

// writeFileData emits data blocks (and fragment tails) for every regular
// file in the tree.
func (w *writer) writeFileData(n *node) error {
	if n.mode.IsDir() {
		for _, c := range n.children {
			if err := w.writeFileData(c); err != nil {
				return err
			}
		}
		return nil
	}
	if !n.mode.IsRegular() {
		return nil
	}

	content, err := fs.ReadFile(w.src, n.fullPath)
	if err != nil {
		return err
	}
	if uint64(len(content)) != n.size {
		n.size = uint64(len(content))
	}

	n.fragIndex = fragmentAbsent
	n.startBlock = uint64(SuperblockSize + w.data.Len())

	blockSize := int(w.opts.blockSize)
	for len(content) > 0 {
		if len(content) < blockSize && !w.opts.noFragments {
			// Tail goes into a shared fragment block.
			if len(w.fragTail)+len(content) > blockSize {
				if err := w.flushFragment(); err != nil {
					return err
				}
			}
			n.fragIndex = uint32(len(w.fragEntries))
			n.fragOffset = uint32(len(w.fragTail))
			w.fragTail = append(w.fragTail, content...)
			break
		}

		chunk := content
		if len(chunk) > blockSize {
			chunk = chunk[:blockSize]
		}
		content = content[len(chunk):]

		if allZero(chunk) {
			n.blockSizes = append(n.blockSizes, 0)
			continue
		}
		word, err := writeDataBlock(&w.data, w.codec, chunk)
		if err != nil {
			return err
		}
		n.blockSizes = append(n.blockSizes, word)
	}
	return nil
}

// flushFragment writes the pending fragment block and records its table
// entry. The recorded start offset is relative to the fragment region
// until assemble rebases it.
func (w *writer) flushFragment() error {
	if len(w.fragTail) == 0 {
		return nil
	}
	start := uint64(w.frags.Len())
	word, err := writeDataBlock(&w.frags, w.codec, w.fragTail)
	if err != nil {
		return err
	}
	w.fragEntries = append(w.fragEntries, FragmentEntry{Start: start, Size: word})
	w.fragTail = w.fragTail[:0]
	return nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// writeDataBlock compresses one block when that saves space, storing it
// raw with the uncompressed bit otherwise.
func writeDataBlock(buf *bytes.Buffer, codec Codec, content []byte) (DataBlockSize, error) {
	compressed, err := codec.Compress(content)
	if err == nil && len(compressed) < len(content) {
		buf.Write(compressed)
		return DataBlockSize(len(compressed)), nil
	}
	buf.Write(content)
	return DataBlockSize(uint32(len(content)) | dataUncompressedBit), nil
}

// writeInodes serializes the tree in postorder: every child's inode (and
// for subdirectories, its listing) exists before the parent's listing
// references it. The root inode is therefore last, which also gives the
// superblock its root reference.
func (w *writer) writeInodes(n *node) error {
	for _, c := range n.children {
		if err := w.writeInodes(c); err != nil {
			return err
		}
	}

	if n.mode.IsDir() {
		return w.writeDirInode(n)
	}

	n.ref = w.inodes.position()
	hdr := make([]byte, inodeHeaderSize)
	body, err := w.inodeBody(n, hdr)
	if err != nil {
		return err
	}
	_, err = w.inodes.Write(append(hdr, body...))
	return err
}

func (w *writer) inodeHeader(n *node, typ InodeType, hdr []byte) {
	n.typ = typ
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(typ))
	binary.LittleEndian.PutUint16(hdr[2:4], statModeFromFileMode(n.mode)&^S_IFMT)
	binary.LittleEndian.PutUint16(hdr[4:6], 0) // uid index
	binary.LittleEndian.PutUint16(hdr[6:8], 0) // gid index
	binary.LittleEndian.PutUint32(hdr[8:12], n.modTime)
	binary.LittleEndian.PutUint32(hdr[12:16], n.number)
}

func (w *writer) inodeBody(n *node, hdr []byte) ([]byte, error) {
	switch {
	case n.mode.IsRegular():
		w.inodeHeader(n, TypeFile, hdr)
		body := make([]byte, 16+4*len(n.blockSizes))
		binary.LittleEndian.PutUint32(body[0:4], uint32(n.startBlock))
		binary.LittleEndian.PutUint32(body[4:8], n.fragIndex)
		binary.LittleEndian.PutUint32(body[8:12], n.fragOffset)
		binary.LittleEndian.PutUint32(body[12:16], uint32(n.size))
		for i, sz := range n.blockSizes {
			binary.LittleEndian.PutUint32(body[16+4*i:], uint32(sz))
		}
		return body, nil

	case n.mode&fs.ModeSymlink != 0:
		w.inodeHeader(n, TypeSymlink, hdr)
		body := make([]byte, 8+len(n.target))
		binary.LittleEndian.PutUint32(body[0:4], 1) // link count
		binary.LittleEndian.PutUint32(body[4:8], uint32(len(n.target)))
		copy(body[8:], n.target)
		return body, nil

	default:
		return nil, fmt.Errorf("%s: unsupported file type %v", n.fullPath, n.mode.Type())
	}
}

func (w *writer) writeDirInode(n *node) error {
	stream, err := buildDirStream(n.children)
	if err != nil {
		return fmt.Errorf("%s: %w", n.fullPath, err)
	}
	if len(stream) > 0xffff {
		return fmt.Errorf("%s: directory listing of %d bytes too large", n.fullPath, len(stream))
	}

	pos := w.dirs.position()
	if _, err := w.dirs.Write(stream); err != nil {
		return err
	}

	n.ref = w.inodes.position()
	hdr := make([]byte, inodeHeaderSize)
	w.inodeHeader(n, TypeDir, hdr)

	links := uint32(2)
	for _, c := range n.children {
		if c.mode.IsDir() {
			links++
		}
	}

	body := make([]byte, 16)
	binary.LittleEndian.PutUint32(body[0:4], uint32(pos.Block()))
	binary.LittleEndian.PutUint32(body[4:8], links)
	binary.LittleEndian.PutUint16(body[8:10], uint16(len(stream)))
	binary.LittleEndian.PutUint16(body[10:12], pos.Offset())
	binary.LittleEndian.PutUint32(body[12:16], n.parent)

	_, err = w.inodes.Write(append(hdr, body...))
	return err
}

// buildDirStream serializes a sorted child list into header groups. A
// group breaks when the children stop sharing an inode table block, the
// inode number delta leaves int16 range, or the group is full.
func buildDirStream(children []*node) ([]byte, error) {
	var out bytes.Buffer

	for start := 0; start < len(children); {
		base := children[start]
		end := start + 1
		for end < len(children) {
			c := children[end]
			delta := int64(c.number) - int64(base.number)
			if c.ref.Block() != base.ref.Block() ||
				delta < -32768 || delta > 32767 ||
				end-start == maxDirEntries {
				break
			}
			end++
		}

		hdr := make([]byte, dirHeaderSize)
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(end-start-1))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(base.ref.Block()))
		binary.LittleEndian.PutUint32(hdr[8:12], base.number)
		out.Write(hdr)

		for _, c := range children[start:end] {
			if len(c.name) == 0 || len(c.name) > MaxNameLen {
				return nil, fmt.Errorf("entry name %q has invalid length", c.name)
			}
			e := make([]byte, dirEntrySize)
			binary.LittleEndian.PutUint16(e[0:2], c.ref.Offset())
			binary.LittleEndian.PutUint16(e[2:4], uint16(int16(int64(c.number)-int64(base.number))))
			binary.LittleEndian.PutUint16(e[4:6], uint16(c.typ))
			binary.LittleEndian.PutUint16(e[6:8], uint16(len(c.name)-1))
			out.Write(e)
			out.WriteString(c.name)
		}
		start = end
	}
	return out.Bytes(), nil
}

// assemble lays the regions out and streams the final image.
func (w *writer) assemble(dst io.Writer) error {
	dataStart := int64(SuperblockSize)
	fragRegionStart := dataStart + int64(w.data.Len())
	inodeStart := fragRegionStart + int64(w.frags.Len())
	dirStart := inodeStart + int64(w.inodes.buf.Len())

	// Fragment table: entry blocks followed by the index array.
	fragBlocks := &metaWriter{codec: w.codec}
	for _, e := range w.fragEntries {
		raw := make([]byte, fragmentEntrySize)
		binary.LittleEndian.PutUint64(raw[0:8], uint64(fragRegionStart)+e.Start)
		binary.LittleEndian.PutUint32(raw[8:12], uint32(e.Size))
		if _, err := fragBlocks.Write(raw); err != nil {
			return err
		}
	}
	if err := fragBlocks.flush(); err != nil {
		return err
	}

	fragBlocksStart := dirStart + int64(w.dirs.buf.Len())
	fragIndexStart := fragBlocksStart + int64(fragBlocks.buf.Len())
	var fragIndex bytes.Buffer
	for _, off := range fragBlocks.blockOffsets {
		var raw [8]byte
		binary.LittleEndian.PutUint64(raw[:], uint64(fragBlocksStart+off))
		fragIndex.Write(raw[:])
	}

	// ID table: a single block holding id 0, then its one-entry index.
	idBlocks := &metaWriter{codec: w.codec}
	if _, err := idBlocks.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	if err := idBlocks.flush(); err != nil {
		return err
	}
	idBlocksStart := fragIndexStart + int64(fragIndex.Len())
	idIndexStart := idBlocksStart + int64(idBlocks.buf.Len())
	var idIndex [8]byte
	binary.LittleEndian.PutUint64(idIndex[:], uint64(idBlocksStart))

	bytesUsed := uint64(idIndexStart) + 8

	sb := &Superblock{
		InodeCount:         w.count,
		BlockSize:          w.opts.blockSize,
		FragmentCount:      uint32(len(w.fragEntries)),
		Compression:        w.opts.compression,
		BlockLog:           uint16(log2(w.opts.blockSize)),
		Flags:              FlagDuplicates | FlagNoXattrs,
		IDCount:            1,
		VersionMajor:       4,
		VersionMinor:       0,
		RootInodeRef:       w.root.ref,
		BytesUsed:          bytesUsed,
		IDTableStart:       uint64(idIndexStart),
		XattrIDTableStart:  tableAbsent,
		InodeTableStart:    uint64(inodeStart),
		DirTableStart:      uint64(dirStart),
		FragmentTableStart: uint64(fragIndexStart),
		ExportTableStart:   tableAbsent,
	}
	if !w.opts.modTime.IsZero() {
		sb.ModTime = uint32(w.opts.modTime.Unix())
	}
	if len(w.fragEntries) == 0 {
		sb.FragmentTableStart = tableAbsent
		if w.opts.noFragments {
			sb.Flags |= FlagNoFragments
		}
	}

	for _, region := range [][]byte{
		sb.toBytes(),
		w.data.Bytes(),
		w.frags.Bytes(),
		w.inodes.buf.Bytes(),
		w.dirs.buf.Bytes(),
		fragBlocks.buf.Bytes(),
		fragIndex.Bytes(),
		idBlocks.buf.Bytes(),
		idIndex[:],
	} {
		if _, err := dst.Write(region); err != nil {
			return err
		}
	}
	return nil
}

func log2(n uint32) int {
	l := 0
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}

// metaWriter packs a byte stream into metadata blocks, flushing whenever
// the pending block reaches MetadataBlockSize. Each block is compressed
// unless that would grow it.
type metaWriter struct {
	codec Codec

	buf     bytes.Buffer
	pending []byte

	// diskOff is the on-disk offset of the pending block relative to the
	// table start; blockOffsets records the same for every flushed block.
	diskOff      int64
	blockOffsets []int64
}

// position returns where the next written byte will land, in the (block
// offset, intra-block offset) form used by inode references.
func (w *metaWriter) position() InodeRef {
	return NewInodeRef(w.diskOff, uint16(len(w.pending)))
}

func (w *metaWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		space := MetadataBlockSize - len(w.pending)
		n := len(p)
		if n > space {
			n = space
		}
		w.pending = append(w.pending, p[:n]...)
		p = p[n:]

		if len(w.pending) == MetadataBlockSize {
			if err := w.flush(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

// flush emits the pending block with its 2-byte header.
func (w *metaWriter) flush() error {
	if len(w.pending) == 0 {
		return nil
	}

	payload := w.pending
	word := uint16(len(payload)) | metaUncompressedBit
	if compressed, err := w.codec.Compress(payload); err == nil && len(compressed) < len(payload) {
		payload = compressed
		word = uint16(len(payload))
	}

	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], word)
	w.buf.Write(hdr[:])
	w.buf.Write(payload)

	w.blockOffsets = append(w.blockOffsets, w.diskOff)
	w.diskOff += int64(2 + len(payload))
	w.pending = w.pending[:0]
	return nil
}
