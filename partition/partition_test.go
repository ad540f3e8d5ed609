/*
 * Copyright (c) 2022 Serena Tiede
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package partition

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const uecImageTable = `{
   "disk": {
      "path": "/dev/loop8",
      "size": "2361393152B",
      "model": "Loopback device",
      "transport": "loopback",
      "logical-sector-size": 512,
      "physical-sector-size": 512,
      "label": "msdos",
      "max-partitions": 4,
      "partitions": [
         {
            "number": 1,
            "start": "1048576B",
            "end": "269484031B",
            "size": "268435456B",
            "type": "primary",
            "filesystem": "fat32",
            "flags": ["boot", "lba"]
         },
         {
            "number": 2,
            "start": "269484032B",
            "end": "2361393151B",
            "size": "2091909120B",
            "type": "primary",
            "filesystem": "ext4"
         }
      ]
   }
}`

func parseTable(t *testing.T, blob string) PrintOutput {
	t.Helper()
	parsed := PrintOutput{}
	require.NoError(t, json.Unmarshal([]byte(blob), &parsed))
	return parsed
}

func TestParsePartedOutput(t *testing.T) {
	table := parseTable(t, uecImageTable)

	assert.Equal(t, "msdos", table.Disk.Label)
	assert.Equal(t, "/dev/loop8", table.Disk.Path)
	require.Len(t, table.Disk.Partitions, 2)
	assert.Equal(t, "ext4", table.Disk.Partitions[1].Filesystem)
	assert.True(t, table.Disk.Partitions[0].bootable())
	assert.False(t, table.Disk.Partitions[1].bootable())

	size, sizeErr := table.Disk.Partitions[1].sizeBytes()
	require.NoError(t, sizeErr)
	assert.Equal(t, uint64(2091909120), size.Bytes())
}

func makeTable(entries ...PartitionEntry) PrintOutput {
	table := PrintOutput{}
	table.Disk.Label = "msdos"
	table.Disk.Partitions = entries
	return table
}

func TestFindRootLargestFilesystem(t *testing.T) {
	table := makeTable(
		PartitionEntry{Number: 1, Size: "268435456B", Filesystem: "fat32"},
		PartitionEntry{Number: 2, Size: "2091909120B", Filesystem: "ext4"},
		PartitionEntry{Number: 3, Size: "1073741824B", Filesystem: "ext4"},
	)

	root, err := FindRoot(table, "/dev/loop0", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, root.Number)
	assert.Equal(t, "/dev/loop0p2", root.Device)
	assert.Equal(t, "ext4", root.Filesystem)
	assert.False(t, root.WholeDevice)
}

func TestFindRootPrefersBootFlag(t *testing.T) {
	table := makeTable(
		PartitionEntry{Number: 1, Size: "1073741824B", Filesystem: "ext4", Flags: []string{"boot"}},
		PartitionEntry{Number: 2, Size: "2091909120B", Filesystem: "ext4"},
	)

	root, err := FindRoot(table, "/dev/loop0", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, root.Number)
}

func TestFindRootSolePartition(t *testing.T) {
	// a sole partition wins even with an unrecognized filesystem
	table := makeTable(
		PartitionEntry{Number: 1, Size: "2091909120B", Filesystem: "fat32"},
	)

	root, err := FindRoot(table, "/dev/loop0", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, root.Number)
	assert.Equal(t, "/dev/loop0p1", root.Device)
}

func TestFindRootNoCandidates(t *testing.T) {
	table := makeTable(
		PartitionEntry{Number: 1, Size: "268435456B", Filesystem: "fat32"},
		PartitionEntry{Number: 2, Size: "268435456B", Filesystem: "linux-swap(v1)"},
	)

	_, err := FindRoot(table, "/dev/loop0", nil)
	assert.ErrorIs(t, err, ErrNoRootPartition)
}

func TestFindRootAmbiguous(t *testing.T) {
	table := makeTable(
		PartitionEntry{Number: 1, Size: "1073741824B", Filesystem: "ext4"},
		PartitionEntry{Number: 2, Size: "1073741824B", Filesystem: "xfs"},
	)

	_, err := FindRoot(table, "/dev/loop0", nil)
	assert.ErrorIs(t, err, ErrAmbiguousRootPartition)
}

func TestFindRootOverride(t *testing.T) {
	table := makeTable(
		PartitionEntry{Number: 1, Size: "1073741824B", Filesystem: "ext4"},
		PartitionEntry{Number: 2, Size: "1073741824B", Filesystem: "xfs"},
	)

	override := 2
	root, err := FindRoot(table, "/dev/loop0", &override)
	require.NoError(t, err)
	assert.Equal(t, 2, root.Number)
	assert.Equal(t, "xfs", root.Filesystem)

	missing := 9
	_, err = FindRoot(table, "/dev/loop0", &missing)
	assert.ErrorIs(t, err, ErrNoRootPartition)
}

func TestFindRootTieBrokenByLargest(t *testing.T) {
	// equal pair below a strictly larger candidate is not ambiguous
	table := makeTable(
		PartitionEntry{Number: 1, Size: "1073741824B", Filesystem: "ext4"},
		PartitionEntry{Number: 2, Size: "1073741824B", Filesystem: "ext4"},
		PartitionEntry{Number: 3, Size: "2147483648B", Filesystem: "ext4"},
	)

	root, err := FindRoot(table, "/dev/loop0", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, root.Number)
}

func stubParted(t *testing.T, script string) {
	t.Helper()
	execCommand = func(name string, args ...string) *exec.Cmd {
		return exec.Command("sh", "-c", script)
	}
	t.Cleanup(func() { execCommand = exec.Command })
}

func TestLocateWholeDeviceLoopLabel(t *testing.T) {
	// parted reports label "loop" when the device carries a bare filesystem
	stubParted(t, `echo '{"disk": {"path": "/dev/loop8", "size": "2361393152B", "label": "loop", "partitions": [{"number": 1, "start": "0B", "end": "2361393151B", "size": "2361393152B", "filesystem": "ext4"}]}}'`)

	root, err := Locate(context.Background(), "/dev/loop8", nil)
	require.NoError(t, err)
	assert.True(t, root.WholeDevice)
	assert.Equal(t, "/dev/loop8", root.Device)
	assert.Equal(t, "ext4", root.Filesystem)
	assert.Equal(t, uint64(2361393152), root.Size.Bytes())
}

func TestLocateWholeDeviceNoLabel(t *testing.T) {
	stubParted(t, `echo 'Error: /dev/loop8: unrecognised disk label' >&2; exit 1`)

	root, err := Locate(context.Background(), "/dev/loop8", nil)
	require.NoError(t, err)
	assert.True(t, root.WholeDevice)
	assert.Equal(t, "/dev/loop8", root.Device)
}

func TestLocatePartitionedDevice(t *testing.T) {
	stubParted(t, `echo '`+uecImageTable+`'`)

	root, err := Locate(context.Background(), "/dev/loop8", nil)
	require.NoError(t, err)
	assert.False(t, root.WholeDevice)
	assert.Equal(t, "/dev/loop8p2", root.Device)
	assert.Equal(t, "ext4", root.Filesystem)
}

func TestLocateTableReadError(t *testing.T) {
	stubParted(t, `echo 'Error: Could not stat device /dev/loop8 - No such file or directory.' >&2; exit 1`)

	_, err := Locate(context.Background(), "/dev/loop8", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Could not stat device")
}

func TestPartitionDevice(t *testing.T) {
	cases := []struct {
		device   string
		number   int
		expected string
	}{
		{device: "/dev/loop8", number: 1, expected: "/dev/loop8p1"},
		{device: "/dev/loop12", number: 3, expected: "/dev/loop12p3"},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.expected, PartitionDevice(tt.device, tt.number))
	}
}
