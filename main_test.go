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
	"errors"
	"fmt"
	"testing"

	"github.com/LadySerena/uec2targz/archive"
	"github.com/LadySerena/uec2targz/media"
	"github.com/LadySerena/uec2targz/mount"
	"github.com/LadySerena/uec2targz/partition"
	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		err      error
		expected int
	}{
		{err: fmt.Errorf("%w: need root", media.ErrPrivilegeDenied), expected: exitPrivilege},
		{err: fmt.Errorf("%w: /tmp/missing.img", media.ErrImageNotFound), expected: exitImage},
		{err: fmt.Errorf("%w: bad md5", media.ErrChecksumMismatch), expected: exitImage},
		{err: fmt.Errorf("%w: exhausted", media.ErrLoopDeviceUnavailable), expected: exitImage},
		{err: fmt.Errorf("%w: on /dev/loop8", partition.ErrNoRootPartition), expected: exitPartition},
		{err: fmt.Errorf("%w: two candidates", partition.ErrAmbiguousRootPartition), expected: exitPartition},
		{err: fmt.Errorf("%w: bad superblock", mount.ErrMountFailed), expected: exitMount},
		{err: fmt.Errorf("%w: still busy", mount.ErrUnmountFailed), expected: exitMount},
		{err: fmt.Errorf("%w: disk full", archive.ErrArchiveWriteFailed), expected: exitArchive},
		{err: errors.New("something else"), expected: exitFailure},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.expected, exitCode(tt.err), tt.err.Error())
	}
}
