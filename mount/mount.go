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

package mount

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/LadySerena/uec2targz/utility"
	"github.com/spf13/afero"
)

var (
	ErrMountFailed           = errors.New("mount failed")
	ErrUnmountFailed         = errors.New("unmount failed")
	ErrTempDirCreationFailed = errors.New("temp dir creation failed")
)

const (
	unmountAttempts     = 5
	unmountInitialDelay = 100 * time.Millisecond
)

// execCommand is swapped out by tests.
var execCommand = exec.Command

// MountPoint is a read-only mount of a block device at a uniquely named
// temporary directory. Close is idempotent; every successful Open must be
// paired with a Close on all exit paths.
type MountPoint struct {
	Dir        string
	Device     string
	fileSystem afero.Fs
	closed     bool
}

// Open creates a fresh mount directory and mounts the device there
// read-only.
func Open(ctx context.Context, fileSystem afero.Fs, device string) (*MountPoint, error) {
	dir, tempErr := afero.TempDir(fileSystem, "", "uec2targz-mnt-")
	if tempErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempDirCreationFailed, tempErr)
	}

	if err := utility.RunCommandWithOutput(ctx, execCommand("mount", "-o", "ro", device, dir)); err != nil {
		_ = fileSystem.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %s at %s: %v", ErrMountFailed, device, dir, err)
	}

	return &MountPoint{Dir: dir, Device: device, fileSystem: fileSystem}, nil
}

// Close unmounts and removes the mount directory. A transiently busy device
// gets a short bounded retry; after that the error surfaces rather than
// hanging. Closing an already-closed (or nil) mount point is a no-op.
func (m *MountPoint) Close(ctx context.Context) error {
	if m == nil || m.closed {
		return nil
	}

	delay := unmountInitialDelay
	var lastErr error
	for attempt := 0; attempt < unmountAttempts; attempt++ {
		lastErr = utility.RunCommandWithOutput(ctx, execCommand("umount", m.Dir))
		if lastErr == nil {
			break
		}
		// someone already unmounted it, only the directory is left
		if strings.Contains(lastErr.Error(), "not mounted") {
			lastErr = nil
			break
		}
		if !transientlyBusy(lastErr) {
			return fmt.Errorf("%w: %s at %s: %v", ErrUnmountFailed, m.Device, m.Dir, lastErr)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %s at %s: %v", ErrUnmountFailed, m.Device, m.Dir, ctx.Err())
		}
		delay *= 2
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %s still busy at %s after %d attempts: %v", ErrUnmountFailed, m.Device, m.Dir, unmountAttempts, lastErr)
	}

	if err := m.fileSystem.RemoveAll(m.Dir); err != nil {
		return fmt.Errorf("%w: removing %s: %v", ErrUnmountFailed, m.Dir, err)
	}
	m.closed = true
	return nil
}

func transientlyBusy(err error) bool {
	message := err.Error()
	return strings.Contains(message, "target is busy") || strings.Contains(message, "device is busy")
}
