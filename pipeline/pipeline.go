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
	"fmt"
	"os"

	"github.com/LadySerena/uec2targz/archive"
	"github.com/LadySerena/uec2targz/media"
	"github.com/LadySerena/uec2targz/partition"
	"github.com/LadySerena/uec2targz/telemetry"
	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Options configure a single conversion.
type Options struct {
	Output            string
	Overwrite         bool
	Sparse            archive.SparseMode
	Compression       archive.Compression
	PartitionOverride *int
	WorkDir           string
	KeepScratch       bool
}

// Pipeline converts an image into a root tarball: attach, locate, mount
// read-only, archive. Every acquisition pushes its release onto an unwind
// stack popped in reverse order on all exit paths, so a failure at any stage
// leaves nothing attached or mounted and the destination untouched.
type Pipeline struct {
	fileSystem afero.Fs
	logger     logrus.FieldLogger
	options    Options

	attacher Attacher
	locator  Locator
	mounter  Mounter
	archiver Archiver
}

func New(fileSystem afero.Fs, logger logrus.FieldLogger, options Options) *Pipeline {
	return &Pipeline{
		fileSystem: fileSystem,
		logger:     logger,
		options:    options,
		attacher:   loopAttacher{},
		locator:    rootLocator{override: options.PartitionOverride},
		mounter:    sessionMounter{fileSystem: fileSystem},
		archiver: tarArchiver{
			fileSystem: fileSystem,
			options: archive.Options{
				Overwrite:   options.Overwrite,
				Sparse:      options.Sparse,
				Compression: options.Compression,
			},
		},
	}
}

// geteuid is swapped out by tests.
var geteuid = os.Geteuid

// Run executes the conversion. Each stage runs at most once; the only retry
// anywhere is the mount session's bounded busy-unmount backoff.
func (p *Pipeline) Run(ctx context.Context, source media.ImageSource) (err error) {
	if geteuid() != 0 {
		return fmt.Errorf("%w: loop attachment and mounting require root", media.ErrPrivilegeDenied)
	}

	// refuse a doomed destination before touching any privileged resource
	if err := archive.CheckDestination(p.fileSystem, p.options.Output, p.options.Overwrite); err != nil {
		return err
	}

	unwind := newUnwindStack(p.logger)
	defer func() {
		err = unwind.releaseAll(err)
	}()

	img, scratchCleanup, decompressErr := p.stageDecompress(ctx, source)
	if decompressErr != nil {
		return decompressErr
	}
	if !p.options.KeepScratch {
		unwind.push("scratch image", func(context.Context) error { return scratchCleanup() })
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	device, releaseLoop, attachErr := p.stageAttach(ctx, img)
	if attachErr != nil {
		return attachErr
	}
	unwind.push("loop device "+device, releaseLoop)
	if err := ctx.Err(); err != nil {
		return err
	}

	root, locateErr := p.stageLocate(ctx, device)
	if locateErr != nil {
		return locateErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir, releaseMount, mountErr := p.stageMount(ctx, root.Device)
	if mountErr != nil {
		return mountErr
	}
	unwind.push("mount point "+dir, releaseMount)
	if err := ctx.Err(); err != nil {
		return err
	}

	return p.stageArchive(ctx, dir)
}

func (p *Pipeline) stageDecompress(ctx context.Context, source media.ImageSource) (media.ImageSource, func() error, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, "stage: preparing image")
	defer span.End()

	if source.NeedsDecompression() {
		p.logger.WithFields(logrus.Fields{
			"image": source.Path,
			"size":  datasize.ByteSize(source.Size).HumanReadable(),
		}).Info("decompressing image to scratch file")
	}
	return source.Decompress(ctx, p.fileSystem, p.options.WorkDir)
}

func (p *Pipeline) stageAttach(ctx context.Context, img media.ImageSource) (string, ReleaseFunc, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, "stage: attaching")
	defer span.End()

	device, release, err := p.attacher.Attach(ctx, img)
	if err != nil {
		return "", nil, err
	}
	p.logger.WithFields(logrus.Fields{"image": img.Path, "device": device}).Info("attached image to loop device")
	return device, release, nil
}

func (p *Pipeline) stageLocate(ctx context.Context, device string) (partition.RootPartition, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, "stage: locating root partition")
	defer span.End()

	located, err := p.locator.Locate(ctx, device)
	if err != nil {
		return partition.RootPartition{}, err
	}
	p.logger.WithFields(logrus.Fields{
		"device":       located.Device,
		"partition":    located.Number,
		"filesystem":   located.Filesystem,
		"size":         located.Size.HumanReadable(),
		"whole_device": located.WholeDevice,
	}).Info("located root partition")
	return located, nil
}

func (p *Pipeline) stageMount(ctx context.Context, device string) (string, ReleaseFunc, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, "stage: mounting")
	defer span.End()

	dir, release, err := p.mounter.Mount(ctx, device)
	if err != nil {
		return "", nil, err
	}
	p.logger.WithFields(logrus.Fields{"device": device, "mountpoint": dir}).Info("mounted root partition read-only")
	return dir, release, nil
}

func (p *Pipeline) stageArchive(ctx context.Context, dir string) error {
	ctx, span := telemetry.GetTracer().Start(ctx, "stage: archiving")
	defer span.End()

	if err := p.archiver.Archive(ctx, dir, p.options.Output); err != nil {
		return err
	}
	p.logger.WithField("dest", p.options.Output).Info("wrote root tarball")
	return nil
}

type unwindEntry struct {
	name    string
	release ReleaseFunc
}

// unwindStack holds release actions in acquisition order and pops them in
// reverse on every exit path.
type unwindStack struct {
	logger  logrus.FieldLogger
	entries []unwindEntry
}

func newUnwindStack(logger logrus.FieldLogger) *unwindStack {
	return &unwindStack{logger: logger}
}

func (u *unwindStack) push(name string, release ReleaseFunc) {
	u.entries = append(u.entries, unwindEntry{name: name, release: release})
}

// releaseAll frees every pushed resource in reverse order. It always runs to
// the bottom of the stack, on a fresh context so cancellation of the run
// cannot strand a loop device or mount. A release failure never masks the
// primary error; with no primary error the first release failure surfaces,
// because an unreleased resource turns a "successful" run into a dirty host.
func (u *unwindStack) releaseAll(primary error) error {
	ctx := context.Background()
	var firstReleaseErr error

	for index := len(u.entries) - 1; index >= 0; index-- {
		entry := u.entries[index]
		u.logger.WithField("resource", entry.name).Debug("releasing")
		if err := entry.release(ctx); err != nil {
			u.logger.WithField("resource", entry.name).WithError(err).Error("release failed during unwind")
			if firstReleaseErr == nil {
				firstReleaseErr = fmt.Errorf("releasing %s: %w", entry.name, err)
			}
		}
	}
	u.entries = nil

	if primary != nil {
		return primary
	}
	return firstReleaseErr
}
