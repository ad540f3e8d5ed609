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

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/LadySerena/uec2targz/telemetry"
	"github.com/LadySerena/uec2targz/utility"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/ulikunitz/xz"
)

// ImageSource is a validated input image. Path is absolute and the file was
// readable when the source was created.
type ImageSource struct {
	Path string
	Size int64
}

func NewImageSource(fileSystem afero.Fs, path string) (ImageSource, error) {
	absolute, pathErr := filepath.Abs(path)
	if pathErr != nil {
		return ImageSource{}, fmt.Errorf("%w: %s: %v", ErrImageNotFound, path, pathErr)
	}

	info, statErr := fileSystem.Stat(absolute)
	if statErr != nil {
		if errors.Is(statErr, fs.ErrNotExist) {
			return ImageSource{}, fmt.Errorf("%w: %s", ErrImageNotFound, absolute)
		}
		return ImageSource{}, fmt.Errorf("%w: %s: %v", ErrImageUnreadable, absolute, statErr)
	}
	if info.IsDir() {
		return ImageSource{}, fmt.Errorf("%w: %s is a directory", ErrImageUnreadable, absolute)
	}

	handle, openErr := fileSystem.Open(absolute)
	if openErr != nil {
		return ImageSource{}, fmt.Errorf("%w: %s: %v", ErrImageUnreadable, absolute, openErr)
	}
	utility.WrappedClose(handle)

	return ImageSource{Path: absolute, Size: info.Size()}, nil
}

// NeedsDecompression reports whether the source is a compressed image that
// must be expanded to a scratch file before it can back a loop device.
func (s ImageSource) NeedsDecompression() bool {
	switch filepath.Ext(s.Path) {
	case ".xz", ".gz", ".zst":
		return true
	}
	return false
}

// Decompress expands a compressed source into a scratch image under workDir
// (the source's directory when workDir is empty). The returned cleanup removes
// the scratch file and is safe to call more than once. A source that is
// already a plain image comes back unchanged with a no-op cleanup.
func (s ImageSource) Decompress(ctx context.Context, fileSystem afero.Fs, workDir string) (ImageSource, func() error, error) {
	noop := func() error { return nil }

	if !s.NeedsDecompression() {
		return s, noop, nil
	}

	_, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("decompressing image: %s", s.Path))
	defer span.End()

	if workDir == "" {
		workDir = filepath.Dir(s.Path)
	}

	compressed, openErr := fileSystem.Open(s.Path)
	if openErr != nil {
		return ImageSource{}, noop, fmt.Errorf("%w: %s: %v", ErrImageUnreadable, s.Path, openErr)
	}
	defer utility.WrappedClose(compressed)

	decoder, decoderErr := newDecoder(s.Path, compressed)
	if decoderErr != nil {
		return ImageSource{}, noop, fmt.Errorf("%w: %s: %v", ErrImageUnreadable, s.Path, decoderErr)
	}
	// the zstd decoder keeps worker goroutines alive until closed
	if closer, ok := decoder.(io.Closer); ok {
		defer utility.WrappedClose(closer)
	}

	scratch, scratchErr := afero.TempFile(fileSystem, workDir, "uec2targz-*.img")
	if scratchErr != nil {
		return ImageSource{}, noop, scratchErr
	}
	scratchPath := scratch.Name()
	cleanup := func() error {
		removeErr := fileSystem.Remove(scratchPath)
		if removeErr != nil && errors.Is(removeErr, fs.ErrNotExist) {
			return nil
		}
		return removeErr
	}

	if _, copyErr := io.Copy(scratch, decoder); copyErr != nil {
		utility.WrappedClose(scratch)
		_ = cleanup()
		return ImageSource{}, noop, fmt.Errorf("%w: decompressing %s: %v", ErrImageUnreadable, s.Path, copyErr)
	}
	if closeErr := scratch.Close(); closeErr != nil {
		_ = cleanup()
		return ImageSource{}, noop, closeErr
	}

	expanded, sourceErr := NewImageSource(fileSystem, scratchPath)
	if sourceErr != nil {
		_ = cleanup()
		return ImageSource{}, noop, sourceErr
	}
	return expanded, cleanup, nil
}

func newDecoder(path string, compressed io.Reader) (io.Reader, error) {
	switch filepath.Ext(path) {
	case ".xz":
		return xz.NewReader(compressed)
	case ".gz":
		return gzip.NewReader(compressed)
	case ".zst":
		decoder, err := zstd.NewReader(compressed)
		if err != nil {
			return nil, err
		}
		return decoder.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("unsupported compression suffix on %s", path)
}
