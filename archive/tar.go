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

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/LadySerena/uec2targz/telemetry"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

var ErrArchiveWriteFailed = errors.New("archive write failed")

// CheckDestination rejects an already-existing destination unless overwrite
// was requested. The pipeline runs this before any privileged stage so a
// doomed run never attaches anything.
func CheckDestination(fileSystem afero.Fs, destPath string, overwrite bool) error {
	exists, statErr := afero.Exists(fileSystem, destPath)
	if statErr != nil {
		return fmt.Errorf("%w: %s: %v", ErrArchiveWriteFailed, destPath, statErr)
	}
	if exists && !overwrite {
		return fmt.Errorf("%w: %s already exists (pass --overwrite to replace it)", ErrArchiveWriteFailed, destPath)
	}
	return nil
}

// Create walks sourceDir in lexicographic order and serializes it into a
// tarball at destPath. The tarball is built at a temporary path in the
// destination directory and renamed into place only on full success, so a
// failed run never leaves a partial file at destPath.
func Create(ctx context.Context, fileSystem afero.Fs, sourceDir string, destPath string, options Options) error {
	_, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("archiving tree: %s", sourceDir))
	defer span.End()

	if err := CheckDestination(fileSystem, destPath, options.Overwrite); err != nil {
		return err
	}

	scratch, scratchErr := afero.TempFile(fileSystem, filepath.Dir(destPath), ".uec2targz-*.partial")
	if scratchErr != nil {
		return fmt.Errorf("%w: %v", ErrArchiveWriteFailed, scratchErr)
	}
	scratchPath := scratch.Name()
	committed := false
	defer func() {
		if !committed {
			_ = fileSystem.Remove(scratchPath)
		}
	}()

	if writeErr := writeTree(ctx, scratch, sourceDir, options); writeErr != nil {
		_ = scratch.Close()
		return writeErr
	}
	if closeErr := scratch.Close(); closeErr != nil {
		return fmt.Errorf("%w: %v", ErrArchiveWriteFailed, closeErr)
	}

	if renameErr := fileSystem.Rename(scratchPath, destPath); renameErr != nil {
		return fmt.Errorf("%w: %v", ErrArchiveWriteFailed, renameErr)
	}
	committed = true
	return nil
}

func writeTree(ctx context.Context, out io.Writer, sourceDir string, options Options) error {
	compressor, wrapErr := wrapWriter(out, options.Compression)
	if wrapErr != nil {
		return fmt.Errorf("%w: %v", ErrArchiveWriteFailed, wrapErr)
	}

	tw := tar.NewWriter(compressor)
	walker := &treeWalker{
		root:   sourceDir,
		tw:     tw,
		sparse: options.Sparse,
		links:  make(map[fileIdentity]string),
	}

	rootInfo, rootErr := os.Lstat(sourceDir)
	if rootErr != nil {
		return fmt.Errorf("%w: %v", ErrArchiveWriteFailed, rootErr)
	}
	rootStat, ok := rootInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("%w: no stat info for %s", ErrArchiveWriteFailed, sourceDir)
	}
	walker.rootDevice = uint64(rootStat.Dev)

	walkErr := filepath.WalkDir(sourceDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return walker.visit(path, entry)
	})
	if walkErr != nil {
		return fmt.Errorf("%w: %v", ErrArchiveWriteFailed, walkErr)
	}

	if closeErr := tw.Close(); closeErr != nil {
		return fmt.Errorf("%w: %v", ErrArchiveWriteFailed, closeErr)
	}
	if closeErr := compressor.Close(); closeErr != nil {
		return fmt.Errorf("%w: %v", ErrArchiveWriteFailed, closeErr)
	}
	return nil
}

// fileIdentity keys hard-link detection across the whole tree.
type fileIdentity struct {
	device uint64
	inode  uint64
}

type treeWalker struct {
	root       string
	rootDevice uint64
	tw         *tar.Writer
	sparse     SparseMode
	links      map[fileIdentity]string
}

func (w *treeWalker) visit(path string, entry fs.DirEntry) error {
	relative, relErr := filepath.Rel(w.root, path)
	if relErr != nil {
		return relErr
	}
	if relative == "." {
		return nil
	}

	info, infoErr := entry.Info()
	if infoErr != nil {
		return infoErr
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("no stat info for %s", path)
	}

	// never cross into another filesystem: anything mounted inside the
	// tree (proc, sys, and friends) is kernel state, not image content
	if entry.IsDir() && uint64(stat.Dev) != w.rootDevice {
		return fs.SkipDir
	}

	linkTarget := ""
	if info.Mode()&fs.ModeSymlink != 0 {
		target, readErr := os.Readlink(path)
		if readErr != nil {
			return readErr
		}
		linkTarget = target
	}

	hdr, hdrErr := tar.FileInfoHeader(info, linkTarget)
	if hdrErr != nil {
		return hdrErr
	}
	hdr.Name = relative
	if entry.IsDir() {
		hdr.Name += "/"
	}
	hdr.Format = tar.FormatPAX

	// numeric ownership only: the archive is consumed outside this host's
	// name-resolution context, and resolved names would also break
	// byte-reproducibility
	hdr.Uid = int(stat.Uid)
	hdr.Gid = int(stat.Gid)
	hdr.Uname = ""
	hdr.Gname = ""
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}

	switch hdr.Typeflag {
	case tar.TypeChar, tar.TypeBlock:
		hdr.Devmajor = int64(unix.Major(uint64(stat.Rdev)))
		hdr.Devminor = int64(unix.Minor(uint64(stat.Rdev)))
	}

	// a regular file seen before under another name becomes a link entry
	if hdr.Typeflag == tar.TypeReg && stat.Nlink > 1 {
		identity := fileIdentity{device: uint64(stat.Dev), inode: uint64(stat.Ino)}
		if original, seen := w.links[identity]; seen {
			hdr.Typeflag = tar.TypeLink
			hdr.Linkname = original
			hdr.Size = 0
		} else {
			w.links[identity] = relative
		}
	}

	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}

	if hdr.Typeflag == tar.TypeReg && hdr.Size > 0 {
		return w.copyContents(path, hdr.Size)
	}
	return nil
}

func (w *treeWalker) copyContents(path string, size int64) error {
	file, openErr := os.Open(path)
	if openErr != nil {
		return openErr
	}
	defer file.Close()

	if w.sparse == SparsePreserve {
		return copySparse(w.tw, file, size)
	}
	_, copyErr := io.CopyN(w.tw, file, size)
	return copyErr
}

// copySparse walks the file's data extents with SEEK_DATA/SEEK_HOLE, copying
// data runs from disk and emitting hole runs from a zero buffer so hole
// extents are never read.
func copySparse(out io.Writer, file *os.File, size int64) error {
	fd := int(file.Fd())
	var offset int64

	for offset < size {
		dataStart, seekErr := unix.Seek(fd, offset, unix.SEEK_DATA)
		if errors.Is(seekErr, unix.ENXIO) {
			// nothing but hole until end of file
			dataStart = size
		} else if seekErr != nil {
			return seekErr
		}
		if dataStart > size {
			dataStart = size
		}

		if err := writeZeroes(out, dataStart-offset); err != nil {
			return err
		}
		if dataStart >= size {
			break
		}

		holeStart, seekErr := unix.Seek(fd, dataStart, unix.SEEK_HOLE)
		if seekErr != nil {
			return seekErr
		}
		if holeStart > size {
			holeStart = size
		}

		if _, err := file.Seek(dataStart, io.SeekStart); err != nil {
			return err
		}
		if _, err := io.CopyN(out, file, holeStart-dataStart); err != nil {
			return err
		}
		offset = holeStart
	}
	return nil
}

var zeroes = make([]byte, 64*1024)

func writeZeroes(out io.Writer, count int64) error {
	for count > 0 {
		chunk := int64(len(zeroes))
		if count < chunk {
			chunk = count
		}
		written, err := out.Write(zeroes[:chunk])
		if err != nil {
			return err
		}
		count -= int64(written)
	}
	return nil
}
