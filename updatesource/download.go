// SPDX-License-Identifier: Apache-2.0
//
// Copyright (C) 2021 Renesas Electronics Corporation.
// Copyright (C) 2021 EPAM Systems, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package updatesource

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aoscloud/aos_common/aoserrors"
	"github.com/aoscloud/aos_common/utils/contextreader"
	log "github.com/sirupsen/logrus"

	"github.com/aoscloud/aos_otaclient/otaerrors"
	"github.com/aoscloud/aos_otaclient/otatypes"
	"github.com/aoscloud/aos_otaclient/utils/checksum"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const checksumHeader = "x-checksum"

const (
	downloadChunkSize = 32 * 1024
	downloadDirPerm   = 0o755
	downloadFilePerm  = 0o644
)

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

// ErrChecksumMismatch is returned when downloaded file checksum doesn't match expected one.
var ErrChecksumMismatch = errors.New("checksum verification failed")

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// ProgressSink receives download progress.
type ProgressSink interface {
	DownloadProgress(progress otatypes.DownloadProgress)
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// DownloadWithRetries downloads kernel with exponential backoff between attempts. Progress sink is optional.
func (source *Source) DownloadWithRetries(
	ctx context.Context, metadata otatypes.KernelMetadata, sink ProgressSink,
) (fileName string, err error) {
	delay := source.config.DownloadRetryDelay.Duration

	for attempt := 1; attempt <= source.config.MaxRetries; attempt++ {
		if fileName, err = source.Download(ctx, metadata, sink); err == nil {
			return fileName, nil
		}

		log.WithField("attempt", attempt).Warnf("Download attempt failed: %v", err)

		if attempt == source.config.MaxRetries {
			break
		}

		log.WithField("delay", delay).Info("Retry download")

		select {
		case <-ctx.Done():
			return "", otaerrors.Errorf(otaerrors.KindDownload, "download canceled: %v, last error: %v",
				ctx.Err(), err)

		case <-time.After(delay):
		}

		delay *= 2
	}

	return "", otaerrors.Errorf(otaerrors.KindDownload, "all %d download attempts failed: %w",
		source.config.MaxRetries, err)
}

// Download performs single kernel download attempt.
func (source *Source) Download(
	ctx context.Context, metadata otatypes.KernelMetadata, sink ProgressSink,
) (fileName string, err error) {
	if source.server == nil {
		return "", otaerrors.Wrap(otaerrors.KindDownload, ErrNotDiscovered)
	}

	url := metadata.DownloadURL
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = source.server.URL(metadata.DownloadURL)
	}

	log.WithField("url", url).Info("Download kernel")

	if err = os.MkdirAll(source.config.DownloadDir, downloadDirPerm); err != nil {
		return "", otaerrors.Errorf(otaerrors.KindDownload, "failed to create download directory: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", otaerrors.Wrap(otaerrors.KindDownload, err)
	}

	resp, err := source.client.Do(req)
	if err != nil {
		return "", otaerrors.Errorf(otaerrors.KindDownload, "failed to start download: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", otaerrors.Errorf(otaerrors.KindDownload, "download failed with status: %s", resp.Status)
	}

	expectedChecksum := metadata.Checksum

	if headerChecksum := resp.Header.Get(checksumHeader); headerChecksum != "" {
		expectedChecksum = headerChecksum
	}

	total := metadata.FileSize
	if resp.ContentLength > 0 {
		total = uint64(resp.ContentLength)
	}

	filePath := filepath.Join(source.config.DownloadDir, filepath.Base(metadata.KernelFile))

	defer func() {
		if err != nil {
			if removeErr := os.Remove(filePath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				log.Errorf("Can't remove download file: %v", removeErr)
			}
		}
	}()

	calculatedChecksum, err := receiveFile(ctx, filePath, resp.Body, total, sink)
	if err != nil {
		return "", otaerrors.Wrap(otaerrors.KindDownload, err)
	}

	if !checksum.Equal(calculatedChecksum, expectedChecksum) {
		log.WithFields(log.Fields{
			"expected": expectedChecksum, "calculated": calculatedChecksum,
		}).Error("Checksum mismatch")

		return "", otaerrors.Errorf(otaerrors.KindDownload, "%w: expected %s, got %s",
			ErrChecksumMismatch, expectedChecksum, calculatedChecksum)
	}

	log.WithFields(log.Fields{"file": filePath, "checksum": calculatedChecksum}).Info("Download completed")

	return filePath, nil
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func receiveFile(
	ctx context.Context, fileName string, body io.Reader, total uint64, sink ProgressSink,
) (calculatedChecksum string, err error) {
	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, downloadFilePerm)
	if err != nil {
		return "", aoserrors.Errorf("failed to create download file: %v", err)
	}
	defer file.Close()

	var (
		downloaded uint64
		buf        = make([]byte, downloadChunkSize)
		hash       = checksum.New()
		reader     = contextreader.New(ctx, body)
	)

	for {
		readCount, readErr := reader.Read(buf)

		if readCount > 0 {
			if _, err = file.Write(buf[:readCount]); err != nil {
				return "", aoserrors.Errorf("failed to write chunk to file: %v", err)
			}

			hash.Write(buf[:readCount])

			downloaded += uint64(readCount)

			if sink != nil {
				sink.DownloadProgress(otatypes.NewDownloadProgress(downloaded, total))
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}

			return "", aoserrors.Errorf("failed to read chunk: %v", readErr)
		}
	}

	if err = file.Sync(); err != nil {
		return "", aoserrors.Errorf("failed to flush file: %v", err)
	}

	return checksum.Format(hash.Sum(nil)), nil
}
