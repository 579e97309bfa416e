// SPDX-License-Identifier: MPL-2.0
/*
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Command sfs is an interactive explorer for SquashFS images.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/haricharan12/sfs-forensics/squashfs"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	dirColor    = color.New(color.FgBlue, color.Bold)
	linkColor   = color.New(color.FgMagenta)
	errColor    = color.New(color.FgRed)
)

func main() {
	force := flag.Bool("force", false, "open the image even if the superblock does not parse")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [--force] IMAGE\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *force); err != nil {
		errColor.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(imagePath string, force bool) error {
	var opts []squashfs.Option
	if force {
		opts = append(opts, squashfs.WithForce())
	}

	img, err := squashfs.OpenImage(imagePath, opts...)
	if err != nil {
		return err
	}
	defer img.Close()

	if _, err := img.Superblock(); err != nil {
		fmt.Printf("Warning: %v\n", err)
		fmt.Println("Continuing in limited mode; only raw inspection commands will work.")
	} else {
		fmt.Printf("Successfully opened %s\n", imagePath)
	}

	ex := &explorer{
		path: imagePath,
		img:  img.Image,
		cwd:  "/",
		out:  os.Stdout,
	}
	return ex.repl(os.Stdin)
}

type explorer struct {
	path string
	img  *squashfs.Image
	fsys *squashfs.Filesystem
	idx  *squashfs.Index
	cwd  string
	out  io.Writer
}

type command struct {
	name string
	args string
	help string
	run  func(ex *explorer, args []string) error
}

// errQuit terminates the repl cleanly.
var errQuit = errors.New("quit")

// commands is the static dispatch table; help iterates it in order.
// It is populated in init to avoid an initialization cycle with cmdHelp.
var commands []command

func init() {
	commands = []command{
		{"help", "", "Show this help message", cmdHelp},
		{"info", "", "Show superblock summary", cmdInfo},
		{"date", "", "Show image creation time", cmdDate},
		{"compression", "", "Show compression codec", cmdCompression},
		{"size", "", "Show bytes used by the image", cmdSize},
		{"version", "", "Show filesystem version", cmdVersion},
		{"block", "", "Show block size and block log", cmdBlock},
		{"flags", "", "Show superblock flags", cmdFlags},
		{"offsets", "", "Show table offsets", cmdOffsets},
		{"magic", "", "Check the magic number", cmdMagic},
		{"hex", "[n]", "Hex dump of the first bytes (default 64)", cmdHex},
		{"raw", "[n]", "Raw dump of the first bytes (default 64)", cmdRaw},
		{"mount", "", "Mount the filesystem for browsing", cmdMount},
		{"ls", "[path]", "List a directory", cmdLs},
		{"cd", "<path>", "Change the current directory", cmdCd},
		{"cat", "<path>", "Print a file's content", cmdCat},
		{"readlink", "<path>", "Print a symlink's target", cmdReadlink},
		{"find", "[prefix]", "List all paths under a prefix", cmdFind},
		{"exit", "", "Exit the explorer", cmdExit},
		{"quit", "", "Exit the explorer", cmdExit},
	}
}

func (ex *explorer) repl(in io.Reader) error {
	fmt.Fprintln(ex.out)
	headerColor.Fprintln(ex.out, "SquashFS Explorer")
	fmt.Fprintf(ex.out, "File: %s\n", ex.path)
	fmt.Fprintln(ex.out, "Type 'help' for a list of commands.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintf(ex.out, "\nsquashfs:%s> ", ex.cwd)
		if !scanner.Scan() {
			fmt.Fprintln(ex.out)
			return scanner.Err()
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		if err := ex.dispatch(fields[0], fields[1:]); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			errColor.Fprintln(ex.out, "Error:", err)
		}
	}
}

func (ex *explorer) dispatch(name string, args []string) error {
	for _, c := range commands {
		if c.name == strings.ToLower(name) {
			return c.run(ex, args)
		}
	}
	return fmt.Errorf("unknown command %q, try 'help'", name)
}

// superblock gates commands that need a parsed header.
func (ex *explorer) superblock() (*squashfs.Superblock, error) {
	return ex.img.Superblock()
}

// mounted gates the browsing commands.
func (ex *explorer) mounted() (*squashfs.Filesystem, error) {
	if ex.fsys == nil {
		return nil, errors.New("filesystem not mounted, use 'mount' first")
	}
	return ex.fsys, nil
}

// resolve makes a command argument absolute against the current
// directory and strips the leading slash for io/fs.
func (ex *explorer) resolve(arg string) string {
	if !strings.HasPrefix(arg, "/") {
		arg = path.Join(ex.cwd, arg)
	}
	cleaned := strings.TrimPrefix(path.Clean(arg), "/")
	if cleaned == "" {
		return "."
	}
	return cleaned
}

func cmdHelp(ex *explorer, _ []string) error {
	headerColor.Fprintln(ex.out, "Available commands:")
	for _, c := range commands {
		name := c.name
		if c.args != "" {
			name += " " + c.args
		}
		fmt.Fprintf(ex.out, "  %-16s %s\n", name, c.help)
	}
	return nil
}

func cmdInfo(ex *explorer, _ []string) error {
	sb, err := ex.superblock()
	if err != nil {
		return err
	}

	fmt.Fprintf(ex.out, "SquashFS %d.%d, %s, block=%d bytes\n",
		sb.VersionMajor, sb.VersionMinor, sb.Compression, sb.BlockSize)
	fmt.Fprintf(ex.out, "Inodes   : %d\n", sb.InodeCount)
	fmt.Fprintf(ex.out, "Fragments: %d\n", sb.FragmentCount)
	fmt.Fprintf(ex.out, "IDs      : %d\n", sb.IDCount)
	fmt.Fprintf(ex.out, "Created  : %s\n", time.Unix(int64(sb.ModTime), 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(ex.out, "Bytes    : %d\n", sb.BytesUsed)
	fmt.Fprintf(ex.out, "Root ref : %s\n", sb.RootInodeRef)
	return nil
}

func cmdDate(ex *explorer, _ []string) error {
	sb, err := ex.superblock()
	if err != nil {
		return err
	}
	fmt.Fprintf(ex.out, "Created: %s\n", time.Unix(int64(sb.ModTime), 0).UTC().Format(time.RFC3339))
	return nil
}

func cmdCompression(ex *explorer, _ []string) error {
	sb, err := ex.superblock()
	if err != nil {
		return err
	}
	fmt.Fprintf(ex.out, "Compression: %s (%d)\n", sb.Compression, uint16(sb.Compression))
	return nil
}

func cmdSize(ex *explorer, _ []string) error {
	sb, err := ex.superblock()
	if err != nil {
		return err
	}
	fmt.Fprintf(ex.out, "Bytes used: %d\n", sb.BytesUsed)
	return nil
}

func cmdVersion(ex *explorer, _ []string) error {
	sb, err := ex.superblock()
	if err != nil {
		return err
	}
	fmt.Fprintf(ex.out, "SquashFS version %d.%d\n", sb.VersionMajor, sb.VersionMinor)
	return nil
}

func cmdBlock(ex *explorer, _ []string) error {
	sb, err := ex.superblock()
	if err != nil {
		return err
	}
	fmt.Fprintf(ex.out, "Block size: %d bytes (log2 = %d)\n", sb.BlockSize, sb.BlockLog)
	return nil
}

func cmdFlags(ex *explorer, _ []string) error {
	sb, err := ex.superblock()
	if err != nil {
		return err
	}

	fmt.Fprintf(ex.out, "Superblock flags: 0x%04x\n", uint16(sb.Flags))
	names := sb.Flags.Names()
	if len(names) == 0 {
		fmt.Fprintln(ex.out, "No flags are set.")
		return nil
	}
	fmt.Fprintln(ex.out, "Active flags:")
	for _, name := range names {
		fmt.Fprintf(ex.out, "  - %s\n", name)
	}
	return nil
}

func cmdOffsets(ex *explorer, _ []string) error {
	sb, err := ex.superblock()
	if err != nil {
		return err
	}

	fmt.Fprintln(ex.out, "Table offsets:")
	fmt.Fprintf(ex.out, "  ID Table:        0x%016x\n", sb.IDTableStart)
	fmt.Fprintf(ex.out, "  XAttr ID Table:  0x%016x\n", sb.XattrIDTableStart)
	fmt.Fprintf(ex.out, "  Inode Table:     0x%016x\n", sb.InodeTableStart)
	fmt.Fprintf(ex.out, "  Directory Table: 0x%016x\n", sb.DirTableStart)
	fmt.Fprintf(ex.out, "  Fragment Table:  0x%016x\n", sb.FragmentTableStart)
	fmt.Fprintf(ex.out, "  Export Table:    0x%016x\n", sb.ExportTableStart)
	return nil
}

func cmdMagic(ex *explorer, _ []string) error {
	hdr, err := ex.img.RawHeader(4)
	if err != nil {
		return err
	}
	if len(hdr) < 4 {
		return fmt.Errorf("file too small, read %d bytes", len(hdr))
	}

	value := uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16 | uint32(hdr[3])<<24
	fmt.Fprintf(ex.out, "Magic: 0x%08x (%q)\n", value, hdr)
	if value == squashfs.Magic {
		fmt.Fprintln(ex.out, "Valid SquashFS magic number.")
	} else {
		errColor.Fprintln(ex.out, "Not a SquashFS magic number.")
	}
	return nil
}

func byteCountArg(args []string) (int, error) {
	if len(args) == 0 {
		return 64, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid byte count %q", args[0])
	}
	return n, nil
}

func cmdHex(ex *explorer, args []string) error {
	n, err := byteCountArg(args)
	if err != nil {
		return err
	}
	hdr, err := ex.img.RawHeader(n)
	if err != nil {
		return err
	}

	fmt.Fprintf(ex.out, "Hex dump of first %d bytes:\n", len(hdr))
	for i := 0; i < len(hdr); i += 16 {
		chunk := hdr[i:min(i+16, len(hdr))]

		var hexPart, asciiPart strings.Builder
		for _, b := range chunk {
			fmt.Fprintf(&hexPart, "%02x ", b)
			if b >= 32 && b <= 126 {
				asciiPart.WriteByte(b)
			} else {
				asciiPart.WriteByte('.')
			}
		}
		fmt.Fprintf(ex.out, "%04x: %-48s |%s|\n", i, hexPart.String(), asciiPart.String())
	}
	return nil
}

func cmdRaw(ex *explorer, args []string) error {
	n, err := byteCountArg(args)
	if err != nil {
		return err
	}
	hdr, err := ex.img.RawHeader(n)
	if err != nil {
		return err
	}
	fmt.Fprintf(ex.out, "%v\n", hdr)
	return nil
}

func cmdMount(ex *explorer, _ []string) error {
	fsys, err := squashfs.NewFilesystem(ex.img)
	if err != nil {
		return err
	}

	ex.fsys = fsys
	ex.idx = nil
	ex.cwd = "/"
	fmt.Fprintln(ex.out, "SquashFS filesystem mounted.")
	fmt.Fprintln(ex.out, "Use 'ls' to list files and directories.")
	return nil
}

func cmdLs(ex *explorer, args []string) error {
	fsys, err := ex.mounted()
	if err != nil {
		return err
	}

	target := ex.cwd
	if len(args) > 0 {
		target = args[0]
	}

	entries, err := fsys.ReadDir(ex.resolve(target))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(ex.out, "Directory is empty.")
		return nil
	}

	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return err
		}

		name := e.Name()
		switch {
		case e.IsDir():
			name = dirColor.Sprint(name + "/")
		case info.Mode()&os.ModeSymlink != 0:
			name = linkColor.Sprint(name)
		}
		fmt.Fprintf(ex.out, "  %s %8d  %s\n", info.Mode(), info.Size(), name)
	}
	return nil
}

func cmdCd(ex *explorer, args []string) error {
	fsys, err := ex.mounted()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return errors.New("usage: cd <path>")
	}

	target := ex.resolve(args[0])
	info, err := fsys.Stat(target)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", args[0])
	}

	if target == "." {
		ex.cwd = "/"
	} else {
		ex.cwd = "/" + target
	}
	return nil
}

func cmdCat(ex *explorer, args []string) error {
	fsys, err := ex.mounted()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return errors.New("usage: cat <path>")
	}

	f, err := fsys.Open(ex.resolve(args[0]))
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(ex.out, f); err != nil {
		return err
	}
	fmt.Fprintln(ex.out)
	return nil
}

func cmdReadlink(ex *explorer, args []string) error {
	fsys, err := ex.mounted()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return errors.New("usage: readlink <path>")
	}

	target, err := fsys.ReadLink(ex.resolve(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintln(ex.out, target)
	return nil
}

func cmdFind(ex *explorer, args []string) error {
	fsys, err := ex.mounted()
	if err != nil {
		return err
	}

	if ex.idx == nil {
		if ex.idx, err = squashfs.NewIndex(fsys); err != nil {
			return err
		}
	}

	prefix := ""
	if len(args) > 0 {
		prefix = ex.resolve(args[0])
		if prefix == "." {
			prefix = ""
		}
	}

	paths := ex.idx.Paths(prefix)
	if len(paths) == 0 {
		fmt.Fprintln(ex.out, "No matching paths.")
		return nil
	}
	for _, p := range paths {
		if typ, ok := ex.idx.Type(p); ok && typ == squashfs.TypeDir {
			fmt.Fprintln(ex.out, dirColor.Sprint("/"+p+"/"))
		} else {
			fmt.Fprintln(ex.out, "/"+p)
		}
	}
	return nil
}

func cmdExit(ex *explorer, _ []string) error {
	fmt.Fprintln(ex.out, "Goodbye.")
	return errQuit
}
