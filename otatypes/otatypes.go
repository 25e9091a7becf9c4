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

// Package otatypes provides types shared between OTA client components
package otatypes

import (
	"fmt"
	"net"
	"time"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

// Installation phases.
const (
	InstallNotStarted InstallPhase = iota
	InstallBackupCreated
	InstallKernelInstalled
	InstallVerified
	InstallCompleted
	InstallFailed
)

// Update statuses.
const (
	UpdateSuccess    UpdateStatus = "Success"
	UpdateFailed     UpdateStatus = "Failed"
	UpdateRolledBack UpdateStatus = "RolledBack"
)

// History record versions for cycles without installed kernel.
const (
	VersionNoUpdate = "no-update"
	VersionRollback = "rollback"
	VersionUnknown  = "unknown"
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// ServerInfo discovered update server.
type ServerInfo struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// KernelMetadata remote kernel description.
type KernelMetadata struct {
	LatestVersion string `json:"latest_version"`
	KernelFile    string `json:"kernel_file"`
	FileSize      uint64 `json:"file_size"`
	Checksum      string `json:"checksum"`
	ReleaseDate   string `json:"release_date"`
	Description   string `json:"description"`
	DownloadURL   string `json:"download_url"`
}

// DownloadProgress download progress snapshot.
type DownloadProgress struct {
	Downloaded uint64  `json:"downloaded"`
	Total      uint64  `json:"total"`
	Percentage float64 `json:"percentage"`
}

// InstallPhase installation phase.
type InstallPhase int

// InstallationStatus installer phase marker.
type InstallationStatus struct {
	Phase  InstallPhase `json:"phase"`
	Reason string       `json:"reason,omitempty"`
}

// UpdateStatus update cycle outcome.
type UpdateStatus string

// UpdateRecord historical outcome of one update cycle.
type UpdateRecord struct {
	ID              string       `json:"id,omitempty"`
	Timestamp       time.Time    `json:"timestamp"`
	Version         string       `json:"version"`
	Status          UpdateStatus `json:"status"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	DurationSeconds uint64       `json:"duration_seconds"`
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// NewServerInfo creates server info from IP address and port.
func NewServerInfo(ip net.IP, port uint16, name string) ServerInfo {
	return ServerInfo{Address: net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port)), Name: name}
}

// URL returns server URL for the path.
func (server ServerInfo) URL(path string) string {
	return "http://" + server.Address + path
}

// NewDownloadProgress creates download progress.
func NewDownloadProgress(downloaded, total uint64) (progress DownloadProgress) {
	progress = DownloadProgress{Downloaded: downloaded, Total: total}

	if total != 0 {
		progress.Percentage = float64(downloaded) / float64(total) * 100 //nolint:gomnd
	}

	return progress
}

// NewInstallationStatus creates installation status.
func NewInstallationStatus(phase InstallPhase) InstallationStatus {
	return InstallationStatus{Phase: phase}
}

// NewInstallationFailed creates failed installation status.
func NewInstallationFailed(err error) InstallationStatus {
	return InstallationStatus{Phase: InstallFailed, Reason: err.Error()}
}

func (phase InstallPhase) String() string {
	switch phase {
	case InstallNotStarted:
		return "NotStarted"

	case InstallBackupCreated:
		return "BackupCreated"

	case InstallKernelInstalled:
		return "KernelInstalled"

	case InstallVerified:
		return "Verified"

	case InstallCompleted:
		return "Completed"

	case InstallFailed:
		return "Failed"

	default:
		return "Unknown"
	}
}

func (status InstallationStatus) String() string {
	if status.Phase == InstallFailed {
		return fmt.Sprintf("%s(%s)", status.Phase, status.Reason)
	}

	return status.Phase.String()
}
