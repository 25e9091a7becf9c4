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

// Package updatesource discovers update server, checks and downloads kernel updates
package updatesource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aoscloud/aos_common/aoserrors"
	"github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/aoscloud/aos_otaclient/config"
	"github.com/aoscloud/aos_otaclient/otaerrors"
	"github.com/aoscloud/aos_otaclient/otatypes"
	"github.com/aoscloud/aos_otaclient/utils/checksum"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const (
	healthPath  = "/health"
	versionPath = "/version"
)

const kernelInfoKey = "kernel_info"

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

// ErrNotDiscovered is returned when server is required but not discovered yet.
var ErrNotDiscovered = errors.New("no server discovered")

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// VersionProvider provides currently installed kernel version.
type VersionProvider interface {
	InstalledVersion() (version string, err error)
}

// Source update source instance.
type Source struct {
	config          config.Config
	browser         Browser
	versionProvider VersionProvider
	client          *http.Client
	server          *otatypes.ServerInfo
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// New creates update source. Version provider is optional.
func New(cfg config.Config, browser Browser, versionProvider VersionProvider) (source *Source) {
	log.WithFields(log.Fields{
		"service": cfg.ServiceName, "fallback": cfg.FallbackServer,
	}).Debug("Create update source")

	return &Source{
		config:          cfg,
		browser:         browser,
		versionProvider: versionProvider,
		client:          &http.Client{Timeout: cfg.DownloadTimeout.Duration},
	}
}

// ServerInfo returns discovered server.
func (source *Source) ServerInfo() (server otatypes.ServerInfo, ok bool) {
	if source.server == nil {
		return server, false
	}

	return *source.server, true
}

// CheckForUpdate checks for kernel update. Returns nil metadata if no update available.
func (source *Source) CheckForUpdate(ctx context.Context) (metadata *otatypes.KernelMetadata, err error) {
	if source.server == nil {
		return nil, otaerrors.Wrap(otaerrors.KindUpdateCheck, ErrNotDiscovered)
	}

	url := source.server.URL(versionPath)

	log.WithField("url", url).Info("Check for updates")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, otaerrors.Wrap(otaerrors.KindUpdateCheck, err)
	}

	resp, err := source.client.Do(req)
	if err != nil {
		return nil, otaerrors.Errorf(otaerrors.KindUpdateCheck, "failed to check for updates: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, otaerrors.Errorf(otaerrors.KindUpdateCheck, "server returned error: %s", resp.Status)
	}

	var body json.RawMessage

	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, otaerrors.Errorf(otaerrors.KindUpdateCheck, "failed to parse version response: %v", err)
	}

	if metadata, err = parseMetadata(body); err != nil {
		return nil, otaerrors.Wrap(otaerrors.KindUpdateCheck, err)
	}

	if metadata == nil {
		log.Info("Server has no kernel metadata")

		return nil, nil
	}

	newer, err := source.isNewer(metadata.LatestVersion)
	if err != nil {
		return nil, otaerrors.Wrap(otaerrors.KindUpdateCheck, err)
	}

	if !newer {
		log.WithField("version", metadata.LatestVersion).Info("Kernel is up to date")

		return nil, nil
	}

	log.WithFields(log.Fields{
		"version": metadata.LatestVersion, "size": metadata.FileSize,
	}).Info("Update available")

	return metadata, nil
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func parseMetadata(body json.RawMessage) (metadata *otatypes.KernelMetadata, err error) {
	if isNull(body) {
		return nil, nil
	}

	var document map[string]json.RawMessage

	if err = json.Unmarshal(body, &document); err != nil {
		return nil, aoserrors.Errorf("failed to parse version response: %v", err)
	}

	if kernelInfo, ok := document[kernelInfoKey]; ok {
		if isNull(kernelInfo) {
			return nil, nil
		}

		body = kernelInfo
	}

	metadata = &otatypes.KernelMetadata{}

	if err = json.Unmarshal(body, metadata); err != nil {
		return nil, aoserrors.Errorf("failed to parse kernel metadata: %v", err)
	}

	if metadata.LatestVersion == "" {
		return nil, nil
	}

	if err = validateMetadata(metadata); err != nil {
		return nil, err
	}

	return metadata, nil
}

func validateMetadata(metadata *otatypes.KernelMetadata) (err error) {
	metadata.Checksum = checksum.Normalize(metadata.Checksum)

	if err = checksum.Validate(metadata.Checksum); err != nil {
		return aoserrors.Wrap(err)
	}

	if metadata.KernelFile == "" {
		return aoserrors.New("kernel file name is empty")
	}

	if metadata.DownloadURL == "" {
		return aoserrors.New("download URL is empty")
	}

	return nil
}

func isNull(data json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(data))

	return trimmed == "" || trimmed == "null"
}

func (source *Source) isNewer(remoteVersion string) (newer bool, err error) {
	if source.versionProvider == nil {
		return true, nil
	}

	installedVersion, err := source.versionProvider.InstalledVersion()
	if err != nil {
		return false, aoserrors.Wrap(err)
	}

	if installedVersion == "" {
		return true, nil
	}

	remote, remoteErr := version.NewVersion(remoteVersion)
	installed, installedErr := version.NewVersion(installedVersion)

	if remoteErr != nil || installedErr != nil {
		log.WithFields(log.Fields{
			"remote": remoteVersion, "installed": installedVersion,
		}).Debug("Non semantic versions, compare as strings")

		return remoteVersion != installedVersion, nil
	}

	return remote.GreaterThan(installed), nil
}
