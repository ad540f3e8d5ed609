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
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

// NewFetchClient builds the instrumented client used for remote images.
func NewFetchClient() *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   time.Minute * 5,
	}
}

// IsRemote reports whether the image argument names a URL instead of a file.
func IsRemote(image string) bool {
	parsed, err := url.Parse(image)
	return err == nil && (parsed.Scheme == "http" || parsed.Scheme == "https")
}

// FetchImage downloads a remote image into destDir and returns the local
// path. When checksumURL is non-empty the checksum file is fetched in
// parallel and the image's md5 is verified before the path is returned.
func FetchImage(ctx context.Context, client *http.Client, fileSystem afero.Fs, imageURL string, checksumURL string, destDir string) (string, error) {
	parsed, parseErr := url.Parse(imageURL)
	if parseErr != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrImageNotFound, imageURL, parseErr)
	}
	fileName := path.Base(parsed.Path)
	if fileName == "." || fileName == "/" {
		return "", fmt.Errorf("%w: %s has no file name", ErrImageNotFound, imageURL)
	}

	localPath := filepath.Join(destDir, fileName)
	checksumPath := localPath + ".md5"

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return DownloadFile(groupCtx, client, fileSystem, localPath, imageURL)
	})
	if checksumURL != "" {
		group.Go(func() error {
			return DownloadFile(groupCtx, client, fileSystem, checksumPath, checksumURL)
		})
	}
	if waitErr := group.Wait(); waitErr != nil {
		return "", waitErr
	}

	if checksumURL == "" {
		return localPath, nil
	}

	image, imageErr := afero.ReadFile(fileSystem, localPath)
	if imageErr != nil {
		return "", imageErr
	}
	checksum, checksumErr := afero.ReadFile(fileSystem, checksumPath)
	if checksumErr != nil {
		return "", checksumErr
	}
	if err := ValidateHashes(image, checksum); err != nil {
		return "", err
	}
	return localPath, nil
}

func DownloadFile(ctx context.Context, client *http.Client, fileSystem afero.Fs, fileName string, rawURL string) error {
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if requestErr != nil {
		return requestErr
	}

	response, downloadErr := client.Do(request)
	if downloadErr != nil {
		return fmt.Errorf("%w: %s: %v", ErrImageUnreadable, rawURL, downloadErr)
	}
	defer wrappedClose(response.Body)

	if response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrImageNotFound, rawURL)
	}
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: unexpected status %s", ErrImageUnreadable, rawURL, response.Status)
	}

	media, mediaErr := fileSystem.Create(fileName)
	if mediaErr != nil {
		return mediaErr
	}
	defer wrappedClose(media)

	_, copyErr := io.Copy(media, response.Body)
	if copyErr != nil {
		return copyErr
	}
	return nil
}

func ValidateHashes(mediaBytes []byte, md5fileBytes []byte) error {
	hash := md5.New() //nolint:gosec
	if _, hashErr := hash.Write(mediaBytes); hashErr != nil {
		return hashErr
	}
	sum := hash.Sum(nil)
	mediaHash := hex.EncodeToString(sum)
	checksum, extractErr := extractChecksum(md5fileBytes)
	if extractErr != nil {
		return extractErr
	}
	if mediaHash != checksum {
		return fmt.Errorf("%w: got %s want %s", ErrChecksumMismatch, mediaHash, checksum)
	}
	return nil
}

func extractChecksum(fileBytes []byte) (string, error) {
	fields := bytes.Fields(fileBytes)
	if len(fields) == 0 {
		return "", errors.New("empty checksum file")
	}
	return string(fields[0]), nil
}

func wrappedClose(closer io.Closer) {
	if err := closer.Close(); err != nil {
		log.Fatalf("could not close closer properly: %v", err)
	}
}
