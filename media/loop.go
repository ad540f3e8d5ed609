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
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/LadySerena/uec2targz/utility"
)

// execCommand is swapped out by tests.
var execCommand = exec.Command

type DeviceOutput struct {
	Loopdevices []Entry `json:"loopdevices"`
}

func (o DeviceOutput) ToMap() map[string]Entry {
	devices := make(map[string]Entry)
	for _, entry := range o.Loopdevices {
		devices[entry.BackFile] = entry
	}
	return devices
}

type Entry struct {
	Name      string `json:"name"`
	Sizelimit int    `json:"sizelimit"`
	Offset    int    `json:"offset"`
	Autoclear bool   `json:"autoclear"`
	Ro        bool   `json:"ro"`
	BackFile  string `json:"back-file"`
	Dio       bool   `json:"dio"`
	LogSec    int    `json:"log-sec"`
}

// AttachedLoop is an exclusive loop-device attachment. Detach is idempotent
// so unwind code can call it unconditionally.
type AttachedLoop struct {
	Device   string
	Source   ImageSource
	detached bool
}

// Attach maps the source image onto a free loop device with partition
// scanning enabled, so partitions surface as <device>p<n> nodes.
func Attach(ctx context.Context, source ImageSource) (*AttachedLoop, error) {
	output, attachErr := utility.CommandOutput(ctx, execCommand("losetup", "--show", "--partscan", "--find", "--read-only", source.Path))
	if attachErr != nil {
		return nil, classifyLosetupError(attachErr)
	}

	device := strings.TrimSpace(string(output))
	if device == "" {
		return nil, fmt.Errorf("%w: losetup reported no device for %s", ErrLoopDeviceUnavailable, source.Path)
	}

	// confirm the kernel agrees on the backing file before handing the
	// device to privileged stages
	entry, lookupErr := LookupAttachment(ctx, source.Path)
	if lookupErr != nil {
		return nil, detachAcquired(ctx, device, lookupErr)
	}
	if entry.Name != device {
		mismatchErr := fmt.Errorf("loop attachment mismatch: losetup returned %s but %s is backed by %s", device, source.Path, entry.Name)
		return nil, detachAcquired(ctx, device, mismatchErr)
	}

	return &AttachedLoop{Device: device, Source: source}, nil
}

// detachAcquired releases a device that Attach claimed but cannot hand to the
// caller. Nobody holds a handle to it yet, so the release has to happen here.
func detachAcquired(ctx context.Context, device string, cause error) error {
	stranded := &AttachedLoop{Device: device}
	if detachErr := stranded.Detach(ctx); detachErr != nil {
		return fmt.Errorf("%v (detaching %s also failed: %v)", cause, device, detachErr)
	}
	return cause
}

// LookupAttachment finds the loop device backed by the given image path.
func LookupAttachment(ctx context.Context, backFile string) (Entry, error) {
	output, listErr := utility.CommandOutput(ctx, execCommand("losetup", "--list", "--json"))
	if listErr != nil {
		return Entry{}, listErr
	}

	parsedOutput := DeviceOutput{}
	if err := json.Unmarshal(output, &parsedOutput); err != nil {
		return Entry{}, err
	}

	entry, found := parsedOutput.ToMap()[backFile]
	if !found {
		return Entry{}, fmt.Errorf("%w: no loop device backed by %s", ErrLoopDeviceUnavailable, backFile)
	}
	return entry, nil
}

// Detach releases the loop device. Calling it on an already-detached handle
// (or a nil one) is a no-op.
func (l *AttachedLoop) Detach(ctx context.Context) error {
	if l == nil || l.detached {
		return nil
	}

	if err := utility.RunCommandWithOutput(ctx, execCommand("losetup", "--detach", l.Device)); err != nil {
		// the kernel already dropped the mapping, nothing to release
		if strings.Contains(err.Error(), "No such device") {
			l.detached = true
			return nil
		}
		return err
	}
	l.detached = true
	return nil
}

func classifyLosetupError(err error) error {
	message := err.Error()
	switch {
	case strings.Contains(message, "could not find any free loop device"),
		strings.Contains(message, "No such device"):
		return fmt.Errorf("%w: %v", ErrLoopDeviceUnavailable, err)
	case strings.Contains(message, "Operation not permitted"),
		strings.Contains(message, "Permission denied"):
		return fmt.Errorf("%w: %v", ErrPrivilegeDenied, err)
	case strings.Contains(message, "No such file or directory"):
		return fmt.Errorf("%w: %v", ErrImageNotFound, err)
	}
	return err
}
