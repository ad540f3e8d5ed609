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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/LadySerena/uec2targz/archive"
	"github.com/LadySerena/uec2targz/media"
	"github.com/LadySerena/uec2targz/mount"
	"github.com/LadySerena/uec2targz/partition"
	"github.com/LadySerena/uec2targz/pipeline"
	"github.com/LadySerena/uec2targz/telemetry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
)

// exit statuses, one per failure family
const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitImage     = 3
	exitPrivilege = 4
	exitPartition = 5
	exitMount     = 6
	exitArchive   = 7
)

func main() {
	imageName := flag.StringP("image", "i", "", "source image (.img, .img.xz, .img.gz, .img.zst, or an http(s) URL)")
	outputPath := flag.StringP("output", "o", "", "destination tarball path")
	overwrite := flag.Bool("overwrite", false, "replace the destination if it already exists")
	partitionOverride := flag.Int("partition", 0, "root partition number override (as parted numbers them)")
	sparseFlag := flag.String("sparse", string(archive.SparseExpand), "sparse file handling: expand or preserve")
	compressFlag := flag.String("compress", string(archive.CompressionNone), "output compression: none, gzip, or zstd")
	checksumURL := flag.String("checksum", "", "URL of an .md5 checksum file for a remote image")
	workDir := flag.String("workdir", "", "scratch directory for decompressed images (default: image directory)")
	keepScratch := flag.Bool("keep-scratch", false, "keep the decompressed scratch image")
	traceEndpoint := flag.String("trace-endpoint", "", "Jaeger collector endpoint (tracing disabled when empty)")
	verbose := flag.BoolP("verbose", "v", false, "debug logging")

	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	os.Exit(run(logger, options{
		image:             *imageName,
		output:            *outputPath,
		overwrite:         *overwrite,
		partitionOverride: *partitionOverride,
		sparse:            *sparseFlag,
		compress:          *compressFlag,
		checksumURL:       *checksumURL,
		workDir:           *workDir,
		keepScratch:       *keepScratch,
		traceEndpoint:     *traceEndpoint,
		partitionFlagSet:  flag.CommandLine.Changed("partition"),
	}))
}

type options struct {
	image             string
	output            string
	overwrite         bool
	partitionOverride int
	sparse            string
	compress          string
	checksumURL       string
	workDir           string
	keepScratch       bool
	traceEndpoint     string
	partitionFlagSet  bool
}

func run(logger *logrus.Logger, opts options) int {
	if opts.image == "" || opts.output == "" {
		fmt.Fprintln(os.Stderr, "both --image and --output are required")
		flag.Usage()
		return exitUsage
	}

	sparse, sparseErr := archive.ParseSparseMode(opts.sparse)
	if sparseErr != nil {
		fmt.Fprintln(os.Stderr, sparseErr)
		return exitUsage
	}
	compression, compressErr := archive.ParseCompression(opts.compress)
	if compressErr != nil {
		fmt.Fprintln(os.Stderr, compressErr)
		return exitUsage
	}

	// an interrupt cancels between stages; the unwind stack still releases
	// everything already acquired
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flush, traceErr := telemetry.ConfigureTracing(ctx, opts.traceEndpoint)
	if traceErr != nil {
		logger.WithError(traceErr).Error("could not configure tracing")
		return exitFailure
	}
	defer flush()

	localFS := afero.NewOsFs()

	imagePath := opts.image
	if media.IsRemote(opts.image) {
		workDir := opts.workDir
		if workDir == "" {
			workDir = os.TempDir()
		}
		fetched, fetchErr := media.FetchImage(ctx, media.NewFetchClient(), localFS, opts.image, opts.checksumURL, workDir)
		if fetchErr != nil {
			logger.WithError(fetchErr).Error("could not fetch image")
			return exitCode(fetchErr)
		}
		imagePath = fetched
	}

	source, sourceErr := media.NewImageSource(localFS, imagePath)
	if sourceErr != nil {
		logger.WithError(sourceErr).Error("invalid image")
		return exitCode(sourceErr)
	}

	pipelineOptions := pipeline.Options{
		Output:      opts.output,
		Overwrite:   opts.overwrite,
		Sparse:      sparse,
		Compression: compression,
		WorkDir:     opts.workDir,
		KeepScratch: opts.keepScratch,
	}
	if opts.partitionFlagSet {
		override := opts.partitionOverride
		pipelineOptions.PartitionOverride = &override
	}

	if err := pipeline.New(localFS, logger, pipelineOptions).Run(ctx, source); err != nil {
		logger.WithError(err).Error("conversion failed")
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, media.ErrPrivilegeDenied):
		return exitPrivilege
	case errors.Is(err, media.ErrImageNotFound),
		errors.Is(err, media.ErrImageUnreadable),
		errors.Is(err, media.ErrChecksumMismatch),
		errors.Is(err, media.ErrLoopDeviceUnavailable):
		return exitImage
	case errors.Is(err, partition.ErrNoRootPartition),
		errors.Is(err, partition.ErrAmbiguousRootPartition):
		return exitPartition
	case errors.Is(err, mount.ErrMountFailed),
		errors.Is(err, mount.ErrUnmountFailed),
		errors.Is(err, mount.ErrTempDirCreationFailed):
		return exitMount
	case errors.Is(err, archive.ErrArchiveWriteFailed):
		return exitArchive
	}
	return exitFailure
}
