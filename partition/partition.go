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
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/LadySerena/uec2targz/utility"
	"github.com/c2h5oh/datasize"
)

var (
	ErrNoRootPartition        = errors.New("no root partition found")
	ErrAmbiguousRootPartition = errors.New("ambiguous root partition")
)

// rootFilesystems are the filesystem types a root partition may carry.
var rootFilesystems = map[string]bool{
	"ext2":  true,
	"ext3":  true,
	"ext4":  true,
	"xfs":   true,
	"btrfs": true,
}

// execCommand is swapped out by tests.
var execCommand = exec.Command

type PrintOutput struct {
	Disk struct {
		Label              string `json:"label"`
		LogicalSectorSize  int    `json:"logical-sector-size"`
		MaxPartitions      int    `json:"max-partitions"`
		Model              string `json:"model"`
		Partitions         []PartitionEntry
		Path               string `json:"path"`
		PhysicalSectorSize int    `json:"physical-sector-size"`
		Size               string `json:"size"`
		Transport          string `json:"transport"`
	} `json:"disk"`
}

type PartitionEntry struct {
	End        string   `json:"end"`
	Filesystem string   `json:"filesystem"`
	Flags      []string `json:"flags"`
	Number     int      `json:"number"`
	Size       string   `json:"size"`
	Start      string   `json:"start"`
	Type       string   `json:"type"`
}

func (e PartitionEntry) bootable() bool {
	for _, flag := range e.Flags {
		if flag == "boot" || flag == "esp" || flag == "legacy_boot" {
			return true
		}
	}
	return false
}

func (e PartitionEntry) sizeBytes() (datasize.ByteSize, error) {
	return datasize.Parse([]byte(e.Size))
}

// RootPartition is the partition selected for archiving. Device is the node
// to mount; WholeDevice marks an unpartitioned image where the loop device
// itself carries the filesystem.
type RootPartition struct {
	Device      string
	Number      int
	Filesystem  string
	Size        datasize.ByteSize
	WholeDevice bool
}

func GetPartitionTable(ctx context.Context, device string) (PrintOutput, error) {
	jsonBlob, err := utility.CommandOutput(ctx, execCommand("parted", "-j", "-s", device, "unit", "B", "print"))
	if err != nil {
		return PrintOutput{}, err
	}

	parsedOutput := PrintOutput{}
	if unmarshalErr := json.Unmarshal(jsonBlob, &parsedOutput); unmarshalErr != nil {
		return PrintOutput{}, unmarshalErr
	}

	return parsedOutput, nil
}

// Locate reads the attached device's partition table and picks the root
// filesystem partition. Nothing gets mounted. A nil override applies the
// boot-flag and largest-filesystem heuristic; a non-nil override selects that
// partition number unconditionally.
func Locate(ctx context.Context, device string, override *int) (RootPartition, error) {
	table, tableErr := GetPartitionTable(ctx, device)
	if tableErr != nil {
		// raw filesystem images have no partition table at all
		if strings.Contains(tableErr.Error(), "unrecognised disk label") {
			return RootPartition{Device: device, WholeDevice: true}, nil
		}
		return RootPartition{}, tableErr
	}

	// parted reports label "loop" for a bare filesystem on the device
	if table.Disk.Label == "loop" {
		size, _ := datasize.Parse([]byte(table.Disk.Size))
		root := RootPartition{Device: device, WholeDevice: true, Size: size}
		if len(table.Disk.Partitions) == 1 {
			root.Filesystem = table.Disk.Partitions[0].Filesystem
		}
		return root, nil
	}

	return FindRoot(table, device, override)
}

// FindRoot applies the selection policy to an already-read table: an explicit
// override wins, then a sole partition, then a sole boot-flagged candidate,
// then the strictly largest partition with a recognized root filesystem.
func FindRoot(table PrintOutput, device string, override *int) (RootPartition, error) {
	partitions := table.Disk.Partitions

	if override != nil {
		for _, entry := range partitions {
			if entry.Number != *override {
				continue
			}
			return toRoot(device, entry)
		}
		return RootPartition{}, fmt.Errorf("%w: partition %d does not exist on %s", ErrNoRootPartition, *override, device)
	}

	if len(partitions) == 1 {
		return toRoot(device, partitions[0])
	}

	var candidates []PartitionEntry
	for _, entry := range partitions {
		if rootFilesystems[entry.Filesystem] {
			candidates = append(candidates, entry)
		}
	}
	if len(candidates) == 0 {
		return RootPartition{}, fmt.Errorf("%w: no partition on %s carries a recognized root filesystem", ErrNoRootPartition, device)
	}

	var bootable []PartitionEntry
	for _, entry := range candidates {
		if entry.bootable() {
			bootable = append(bootable, entry)
		}
	}
	if len(bootable) == 1 {
		return toRoot(device, bootable[0])
	}

	largest, tie, sizeErr := largestCandidate(candidates)
	if sizeErr != nil {
		return RootPartition{}, sizeErr
	}
	if tie {
		return RootPartition{}, fmt.Errorf("%w: multiple equally sized candidates on %s, pass an explicit partition number", ErrAmbiguousRootPartition, device)
	}
	return toRoot(device, largest)
}

func largestCandidate(candidates []PartitionEntry) (PartitionEntry, bool, error) {
	var largest PartitionEntry
	var largestSize datasize.ByteSize
	tie := false

	for index, entry := range candidates {
		size, parseErr := entry.sizeBytes()
		if parseErr != nil {
			return PartitionEntry{}, false, parseErr
		}
		switch {
		case index == 0 || size > largestSize:
			largest = entry
			largestSize = size
			tie = false
		case size == largestSize:
			tie = true
		}
	}
	return largest, tie, nil
}

func toRoot(device string, entry PartitionEntry) (RootPartition, error) {
	size, parseErr := entry.sizeBytes()
	if parseErr != nil {
		return RootPartition{}, parseErr
	}
	return RootPartition{
		Device:     PartitionDevice(device, entry.Number),
		Number:     entry.Number,
		Filesystem: entry.Filesystem,
		Size:       size,
	}, nil
}

// PartitionDevice names the node the kernel creates for a scanned loop
// partition, e.g. /dev/loop3 -> /dev/loop3p2.
func PartitionDevice(device string, number int) string {
	return fmt.Sprintf("%sp%d", device, number)
}
