// SPDX-License-Identifier: MPL-2.0
/*
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package squashfs

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatModeFromFileMode(t *testing.T) {
	cases := []struct {
		mode fs.FileMode
		want uint16
	}{
		{fs.ModeDir | 0o755, S_IFDIR | 0o755},
		{fs.ModeSymlink | 0o777, S_IFLNK | 0o777},
		{fs.ModeDevice | 0o600, S_IFBLK | 0o600},
		{fs.ModeDevice | fs.ModeCharDevice | 0o600, S_IFCHR | 0o600},
		{fs.ModeNamedPipe | 0o644, S_IFIFO | 0o644},
		{fs.ModeSocket | 0o755, S_IFSOCK | 0o755},
		{0o644, S_IFREG | 0o644},
		{fs.ModeSetuid | fs.ModeSticky | 0o755, S_IFREG | S_ISUID | S_ISVTX | 0o755},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statModeFromFileMode(tc.mode), "mode %v", tc.mode)
	}
}
