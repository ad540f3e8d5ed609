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

package pipeline

import (
	"context"

	"github.com/LadySerena/uec2targz/archive"
	"github.com/LadySerena/uec2targz/media"
	"github.com/LadySerena/uec2targz/mount"
	"github.com/LadySerena/uec2targz/partition"
	"github.com/spf13/afero"
)

// ReleaseFunc frees a resource acquired by a stage. Implementations must be
// idempotent so the unwind stack can call them unconditionally.
type ReleaseFunc func(context.Context) error

// Attacher maps an image onto a block device.
type Attacher interface {
	Attach(ctx context.Context, source media.ImageSource) (device string, release ReleaseFunc, err error)
}

// Locator picks the root filesystem partition of an attached device.
type Locator interface {
	Locate(ctx context.Context, device string) (partition.RootPartition, error)
}

// Mounter mounts a block device read-only at a scoped directory.
type Mounter interface {
	Mount(ctx context.Context, device string) (dir string, release ReleaseFunc, err error)
}

// Archiver serializes a mounted tree into the destination tarball.
type Archiver interface {
	Archive(ctx context.Context, sourceDir string, destPath string) error
}

type loopAttacher struct{}

func (loopAttacher) Attach(ctx context.Context, source media.ImageSource) (string, ReleaseFunc, error) {
	loop, err := media.Attach(ctx, source)
	if err != nil {
		return "", nil, err
	}
	return loop.Device, loop.Detach, nil
}

type rootLocator struct {
	override *int
}

func (l rootLocator) Locate(ctx context.Context, device string) (partition.RootPartition, error) {
	return partition.Locate(ctx, device, l.override)
}

type sessionMounter struct {
	fileSystem afero.Fs
}

func (m sessionMounter) Mount(ctx context.Context, device string) (string, ReleaseFunc, error) {
	point, err := mount.Open(ctx, m.fileSystem, device)
	if err != nil {
		return "", nil, err
	}
	return point.Dir, point.Close, nil
}

type tarArchiver struct {
	fileSystem afero.Fs
	options    archive.Options
}

func (a tarArchiver) Archive(ctx context.Context, sourceDir string, destPath string) error {
	return archive.Create(ctx, a.fileSystem, sourceDir, destPath, a.options)
}
