// SPDX-License-Identifier: MPL-2.0
/*
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package squashfs_test

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/haricharan12/sfs-forensics/internal/testutil"
	"github.com/haricharan12/sfs-forensics/squashfs"

	"github.com/stretchr/testify/require"
)

var fixtureTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func fixtureFS() fstest.MapFS {
	script := []byte("#!/bin/sh\necho hello\n")

	// A file spanning two full blocks plus a tail at 4 KiB blocks.
	big := bytes.Repeat([]byte("0123456789abcdef"), 4096/16*2)
	big = append(big, []byte("tail of the big file")...)

	// A leading hole followed by real content.
	sparse := make([]byte, 4096)
	sparse = append(sparse, []byte("after the hole")...)

	return fstest.MapFS{
		"bin/hello.sh":       &fstest.MapFile{Data: script, Mode: 0o755, ModTime: fixtureTime},
		"bin/sh":             &fstest.MapFile{Data: []byte("hello.sh"), Mode: fs.ModeSymlink | 0o777, ModTime: fixtureTime},
		"etc/hostname":       &fstest.MapFile{Data: []byte("forge\n"), Mode: 0o644, ModTime: fixtureTime},
		"etc/os-release":     &fstest.MapFile{Data: []byte("/usr/lib/os-release"), Mode: fs.ModeSymlink | 0o777, ModTime: fixtureTime},
		"usr/lib/os-release": &fstest.MapFile{Data: []byte("NAME=forge\n"), Mode: 0o644, ModTime: fixtureTime},
		"var/log/empty.log":  &fstest.MapFile{Data: nil, Mode: 0o600, ModTime: fixtureTime},
		"data/big.bin":       &fstest.MapFile{Data: big, Mode: 0o644, ModTime: fixtureTime},
		"data/zeros.bin":     &fstest.MapFile{Data: sparse, Mode: 0o644, ModTime: fixtureTime},
	}
}

func buildImage(t *testing.T, opts ...squashfs.CreateOption) *bytes.Reader {
	t.Helper()

	var buf bytes.Buffer
	opts = append([]squashfs.CreateOption{
		squashfs.WithBlockSize(4096),
		squashfs.WithModTime(fixtureTime),
	}, opts...)
	require.NoError(t, squashfs.Create(&buf, fixtureFS(), opts...))
	return bytes.NewReader(buf.Bytes())
}

func TestSquashFS(t *testing.T) {
	fsys, err := squashfs.Open(buildImage(t))
	require.NoError(t, err)

	t.Run("Open", func(t *testing.T) {
		t.Run("File", func(t *testing.T) {
			f, err := fsys.Open("bin/hello.sh")
			require.NoError(t, err)
			t.Cleanup(func() {
				require.NoError(t, f.Close())
			})

			info, err := f.Stat()
			require.NoError(t, err)

			require.Equal(t, "hello.sh", info.Name())
			require.Equal(t, fs.FileMode(0o755), info.Mode()&fs.ModePerm)
			require.Equal(t, fixtureTime.Unix(), info.ModTime().Unix())
			require.False(t, info.IsDir())

			content, err := io.ReadAll(f)
			require.NoError(t, err)
			require.Equal(t, "#!/bin/sh\necho hello\n", string(content))
		})

		t.Run("Symlink", func(t *testing.T) {
			f, err := fsys.Open("bin/sh")
			require.NoError(t, err)
			t.Cleanup(func() {
				require.NoError(t, f.Close())
			})

			info, err := f.Stat()
			require.NoError(t, err)
			require.Equal(t, "hello.sh", info.Name())

			content, err := io.ReadAll(f)
			require.NoError(t, err)
			require.Equal(t, "#!/bin/sh\necho hello\n", string(content))
		})

		t.Run("Empty", func(t *testing.T) {
			content, err := fs.ReadFile(fsys, "var/log/empty.log")
			require.NoError(t, err)
			require.Empty(t, content)
		})

		t.Run("NotExist", func(t *testing.T) {
			_, err := fsys.Open("no/such/file")
			require.ErrorIs(t, err, fs.ErrNotExist)
		})

		t.Run("ThroughFile", func(t *testing.T) {
			_, err := fsys.Open("etc/hostname/nested")
			require.Error(t, err)
		})
	})

	t.Run("MultiBlockFile", func(t *testing.T) {
		want := fixtureFS()["data/big.bin"].Data

		content, err := fs.ReadFile(fsys, "data/big.bin")
		require.NoError(t, err)
		require.Equal(t, want, content)
	})

	t.Run("SparseFile", func(t *testing.T) {
		want := fixtureFS()["data/zeros.bin"].Data

		content, err := fs.ReadFile(fsys, "data/zeros.bin")
		require.NoError(t, err)
		require.Equal(t, want, content)

		// The hole must be encoded as a sparse block, not stored.
		in, err := fsys.Image().Resolve("data/zeros.bin")
		require.NoError(t, err)
		require.NotEmpty(t, in.BlockSizes)
		require.True(t, in.BlockSizes[0].Sparse())
	})

	t.Run("SharedFragment", func(t *testing.T) {
		// Two small files land in the same fragment block at distinct
		// offsets.
		hostname, err := fsys.Image().Resolve("etc/hostname")
		require.NoError(t, err)
		osRelease, err := fsys.Image().Resolve("usr/lib/os-release")
		require.NoError(t, err)

		require.True(t, hostname.HasFragment())
		require.True(t, osRelease.HasFragment())
		require.Equal(t, hostname.FragIndex, osRelease.FragIndex)
		require.NotEqual(t, hostname.FragOffset, osRelease.FragOffset)

		content, err := fsys.Image().ReadInode(hostname)
		require.NoError(t, err)
		require.Equal(t, "forge\n", string(content))

		content, err = fsys.Image().ReadInode(osRelease)
		require.NoError(t, err)
		require.Equal(t, "NAME=forge\n", string(content))
	})

	t.Run("ReadDir", func(t *testing.T) {
		entries, err := fsys.ReadDir("etc")
		require.NoError(t, err)

		require.Len(t, entries, 2)
		require.Equal(t, "hostname", entries[0].Name())
		require.False(t, entries[0].IsDir())
		require.Equal(t, "os-release", entries[1].Name())
		require.True(t, entries[1].Type()&fs.ModeSymlink != 0)
	})

	t.Run("Stat", func(t *testing.T) {
		t.Run("File", func(t *testing.T) {
			info, err := fsys.Stat("etc/hostname")
			require.NoError(t, err)

			require.Equal(t, "hostname", info.Name())
			require.Equal(t, int64(6), info.Size())
			require.Equal(t, fs.FileMode(0o644), info.Mode()&fs.ModePerm)
			require.False(t, info.IsDir())

			in, ok := info.Sys().(*squashfs.Inode)
			require.True(t, ok)
			require.Equal(t, squashfs.TypeFile, in.Type)
		})

		t.Run("Dir", func(t *testing.T) {
			info, err := fsys.Stat("usr/lib")
			require.NoError(t, err)

			require.True(t, info.IsDir())
			require.True(t, info.Mode()&fs.ModeDir != 0)
		})

		t.Run("Symlink", func(t *testing.T) {
			// Stat follows the link to the target file.
			info, err := fsys.Stat("etc/os-release")
			require.NoError(t, err)

			require.False(t, info.Mode()&fs.ModeSymlink != 0)
			require.Equal(t, int64(11), info.Size())
		})
	})

	t.Run("ReadLink", func(t *testing.T) {
		target, err := fsys.ReadLink("etc/os-release")
		require.NoError(t, err)
		require.Equal(t, "/usr/lib/os-release", target)

		target, err = fsys.ReadLink("bin/sh")
		require.NoError(t, err)
		require.Equal(t, "hello.sh", target)
	})

	t.Run("StatLink", func(t *testing.T) {
		info, err := fsys.StatLink("etc/os-release")
		require.NoError(t, err)

		require.Equal(t, "os-release", info.Name())
		require.True(t, info.Mode()&fs.ModeSymlink != 0)
	})

	t.Run("WalkDir", func(t *testing.T) {
		var paths []string
		err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			paths = append(paths, path)
			return nil
		})
		require.NoError(t, err)

		require.Equal(t, []string{
			".",
			"bin",
			"bin/hello.sh",
			"bin/sh",
			"data",
			"data/big.bin",
			"data/zeros.bin",
			"etc",
			"etc/hostname",
			"etc/os-release",
			"usr",
			"usr/lib",
			"usr/lib/os-release",
			"var",
			"var/log",
			"var/log/empty.log",
		}, paths)
	})

	t.Run("DirHash", func(t *testing.T) {
		wantHash, err := testutil.HashFS(fixtureFS())
		require.NoError(t, err)

		gotHash, err := testutil.HashFS(fsys)
		require.NoError(t, err)

		require.Equal(t, wantHash, gotHash)
	})

	t.Run("ResolveEquivalentPaths", func(t *testing.T) {
		img := fsys.Image()

		want, err := img.Resolve("usr/lib/os-release")
		require.NoError(t, err)

		for _, path := range []string{
			"/usr/lib/os-release",
			"/usr//lib/os-release/",
			"./usr/lib/os-release",
		} {
			in, err := img.Resolve(path)
			require.NoError(t, err, path)
			require.Equal(t, want.Number, in.Number, path)
		}
	})

	t.Run("ResolveErrors", func(t *testing.T) {
		img := fsys.Image()

		_, err := img.Resolve("etc/missing")
		require.ErrorIs(t, err, fs.ErrNotExist)

		var notFound *squashfs.NotFoundError
		require.ErrorAs(t, err, &notFound)
		require.Equal(t, "missing", notFound.Component)

		_, err = img.Resolve("etc/hostname/nested")
		var notADir *squashfs.NotADirectoryError
		require.ErrorAs(t, err, &notADir)
		require.Equal(t, "nested", notADir.Component)
	})

	t.Run("Superblock", func(t *testing.T) {
		sb, err := fsys.Image().Superblock()
		require.NoError(t, err)

		require.Equal(t, uint32(4096), sb.BlockSize)
		require.Equal(t, uint16(12), sb.BlockLog)
		require.Equal(t, squashfs.CompressionGzip, sb.Compression)
		require.Equal(t, uint16(4), sb.VersionMajor)
		require.Equal(t, uint32(16), sb.InodeCount)
		require.True(t, sb.HasFragments())
		require.False(t, sb.HasXattrs())
	})

	t.Run("IDTable", func(t *testing.T) {
		uid, err := fsys.Image().UID(0)
		require.NoError(t, err)
		require.Zero(t, uid)

		_, err = fsys.Image().UID(1)
		require.Error(t, err)
	})
}

func TestSymlinkLoop(t *testing.T) {
	loopFS := fstest.MapFS{
		"loop": &fstest.MapFile{Data: []byte("loop"), Mode: fs.ModeSymlink | 0o777, ModTime: fixtureTime},
		"ping": &fstest.MapFile{Data: []byte("pong"), Mode: fs.ModeSymlink | 0o777, ModTime: fixtureTime},
		"pong": &fstest.MapFile{Data: []byte("ping"), Mode: fs.ModeSymlink | 0o777, ModTime: fixtureTime},
	}

	var buf bytes.Buffer
	require.NoError(t, squashfs.Create(&buf, loopFS, squashfs.WithModTime(fixtureTime)))

	fsys, err := squashfs.Open(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	_, err = fsys.Open("loop")
	require.ErrorIs(t, err, squashfs.ErrSymlinkLoop)

	_, err = fsys.Stat("ping")
	require.ErrorIs(t, err, squashfs.ErrSymlinkLoop)

	_, err = fsys.ReadDir("pong")
	require.ErrorIs(t, err, squashfs.ErrSymlinkLoop)

	// The links themselves are still inspectable.
	target, err := fsys.ReadLink("loop")
	require.NoError(t, err)
	require.Equal(t, "loop", target)

	info, err := fsys.StatLink("ping")
	require.NoError(t, err)
	require.Equal(t, fs.ModeSymlink, info.Mode().Type())
}

func TestCreateCodecs(t *testing.T) {
	wantHash, err := testutil.HashFS(fixtureFS())
	require.NoError(t, err)

	for _, id := range []squashfs.Compression{
		squashfs.CompressionGzip,
		squashfs.CompressionLzma,
		squashfs.CompressionXz,
		squashfs.CompressionLz4,
		squashfs.CompressionZstd,
	} {
		t.Run(id.String(), func(t *testing.T) {
			fsys, err := squashfs.Open(buildImage(t, squashfs.WithCompression(id)))
			require.NoError(t, err)

			sb, err := fsys.Image().Superblock()
			require.NoError(t, err)
			require.Equal(t, id, sb.Compression)

			gotHash, err := testutil.HashFS(fsys)
			require.NoError(t, err)
			require.Equal(t, wantHash, gotHash)
		})
	}
}

func TestCreateWithoutFragments(t *testing.T) {
	fsys, err := squashfs.Open(buildImage(t, squashfs.WithoutFragments()))
	require.NoError(t, err)

	sb, err := fsys.Image().Superblock()
	require.NoError(t, err)
	require.False(t, sb.HasFragments())

	in, err := fsys.Image().Resolve("etc/hostname")
	require.NoError(t, err)
	require.False(t, in.HasFragment())
	require.Len(t, in.BlockSizes, 1)

	content, err := fs.ReadFile(fsys, "etc/hostname")
	require.NoError(t, err)
	require.Equal(t, "forge\n", string(content))
}

func TestOpenImage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, squashfs.Create(&buf, fixtureFS(),
		squashfs.WithBlockSize(4096), squashfs.WithModTime(fixtureTime)))

	imagePath := filepath.Join(t.TempDir(), "fixture.sfs")
	require.NoError(t, os.WriteFile(imagePath, buf.Bytes(), 0o644))

	img, err := squashfs.OpenImage(imagePath)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, img.Close())
	})

	root, err := img.Root()
	require.NoError(t, err)
	require.True(t, root.IsDir())

	entries, err := img.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	_, err = squashfs.OpenImage(filepath.Join(t.TempDir(), "missing.sfs"))
	require.Error(t, err)
}

func TestIndex(t *testing.T) {
	fsys, err := squashfs.Open(buildImage(t))
	require.NoError(t, err)

	idx, err := squashfs.NewIndex(fsys)
	require.NoError(t, err)

	require.Equal(t, 15, idx.Len())

	require.Equal(t, []string{
		"etc",
		"etc/hostname",
		"etc/os-release",
	}, idx.Paths("etc"))

	require.Len(t, idx.Paths(""), 15)
	require.Empty(t, idx.Paths("zzz"))

	typ, ok := idx.Type("bin/sh")
	require.True(t, ok)
	require.Equal(t, squashfs.TypeSymlink, typ)

	_, ok = idx.Type("missing")
	require.False(t, ok)
}
