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

package utility

import (
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"

	"github.com/LadySerena/uec2targz/telemetry"
)

func WrappedClose(closer io.Closer) {
	if err := closer.Close(); err != nil {
		log.Panicf("could not close closer properly: %v", err)
	}
}

func RunCommandWithOutput(ctx context.Context, cmd *exec.Cmd) error {

	_, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("running command: %s", cmd.String()))
	defer span.End()
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("non zero exit code exit code: %v, output: %s", err, string(output))
	}

	return nil
}

// CommandOutput runs cmd and returns its stdout for parsing. Stderr rides
// along in the error so failures stay diagnosable without a rerun.
func CommandOutput(ctx context.Context, cmd *exec.Cmd) ([]byte, error) {

	_, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("running command: %s", cmd.String()))
	defer span.End()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("non zero exit code exit code: %v, stderr: %s", err, string(exitErr.Stderr))
		}
		return nil, err
	}
	return output, nil
}
