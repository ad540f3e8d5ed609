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

package archive

import "fmt"

// SparseMode controls how hole extents in source files are read. The tar
// payload is always written expanded (archive/tar has no sparse writer);
// preserve maps holes with SEEK_DATA/SEEK_HOLE and emits their zeroes without
// reading the extents from disk.
type SparseMode string

const (
	SparseExpand   SparseMode = "expand"
	SparsePreserve SparseMode = "preserve"
)

func ParseSparseMode(value string) (SparseMode, error) {
	switch SparseMode(value) {
	case SparseExpand, SparsePreserve:
		return SparseMode(value), nil
	}
	return "", fmt.Errorf("unknown sparse mode %q (want expand or preserve)", value)
}

// Compression selects the stream wrapped around the tar output.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

func ParseCompression(value string) (Compression, error) {
	switch Compression(value) {
	case CompressionNone, CompressionGzip, CompressionZstd:
		return Compression(value), nil
	}
	return "", fmt.Errorf("unknown compression %q (want none, gzip, or zstd)", value)
}

// Options configure a single archive run.
type Options struct {
	Overwrite   bool
	Sparse      SparseMode
	Compression Compression
}

// DefaultOptions match the documented CLI defaults.
func DefaultOptions() Options {
	return Options{Sparse: SparseExpand, Compression: CompressionNone}
}
