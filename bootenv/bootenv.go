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

// Package bootenv keeps installed kernel version stamp
package bootenv

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aoscloud/aos_common/aoserrors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const (
	kernelVersionKey   = "kernel_version"
	previousVersionKey = "previous_version"
	backupVersionKey   = "backup_version"
	installedAtKey     = "installed_at"
)

const (
	envDirPerm  = 0o755
	envFilePerm = 0o644
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// Info boot environment content.
type Info struct {
	KernelVersion   string    `json:"kernelVersion"`
	PreviousVersion string    `json:"previousVersion,omitempty"`
	BackupVersion   string    `json:"backupVersion,omitempty"`
	InstalledAt     time.Time `json:"installedAt,omitempty"`
}

// BootEnv boot environment instance.
type BootEnv struct {
	sync.Mutex

	fileName string
	cfg      *ini.File
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// New creates boot environment. Environment file is created if it doesn't exist.
func New(fileName string) (env *BootEnv, err error) {
	log.WithField("file", fileName).Debug("Open boot environment")

	// Unset PrettyFormat to avoid alignment
	ini.PrettyFormat = false

	env = &BootEnv{fileName: fileName}

	if _, err = os.Stat(fileName); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, aoserrors.Wrap(err)
		}

		env.cfg = ini.Empty()

		return env, nil
	}

	if env.cfg, err = ini.Load(fileName); err != nil {
		return nil, aoserrors.Errorf("error loading env file %s: %v", fileName, err)
	}

	return env, nil
}

// InstalledVersion returns installed kernel version.
func (env *BootEnv) InstalledVersion() (version string, err error) {
	env.Lock()
	defer env.Unlock()

	return env.getVar(kernelVersionKey), nil
}

// Info returns boot environment content.
func (env *BootEnv) Info() (info Info) {
	env.Lock()
	defer env.Unlock()

	info = Info{
		KernelVersion:   env.getVar(kernelVersionKey),
		PreviousVersion: env.getVar(previousVersionKey),
		BackupVersion:   env.getVar(backupVersionKey),
	}

	if installedAt := env.getVar(installedAtKey); installedAt != "" {
		if timestamp, err := time.Parse(time.RFC3339, installedAt); err == nil {
			info.InstalledAt = timestamp
		}
	}

	return info
}

// SetInstalled stamps installed kernel version.
func (env *BootEnv) SetInstalled(version string, timestamp time.Time) (err error) {
	env.Lock()
	defer env.Unlock()

	log.WithField("version", version).Debug("Set installed kernel version")

	if current := env.getVar(kernelVersionKey); current != version {
		env.setVar(previousVersionKey, current)
	}

	env.setVar(kernelVersionKey, version)
	env.setVar(installedAtKey, timestamp.UTC().Format(time.RFC3339))

	return env.saveEnv()
}

// BackupCreated marks installed version as the version held by kernel backup.
func (env *BootEnv) BackupCreated() (err error) {
	env.Lock()
	defer env.Unlock()

	current := env.getVar(kernelVersionKey)

	log.WithField("version", current).Debug("Set backup kernel version")

	env.setVar(backupVersionKey, current)

	return env.saveEnv()
}

// RolledBack stamps the version held by kernel backup as installed. Empty version means unknown.
func (env *BootEnv) RolledBack(timestamp time.Time) (err error) {
	env.Lock()
	defer env.Unlock()

	current, backup := env.getVar(kernelVersionKey), env.getVar(backupVersionKey)

	log.WithFields(log.Fields{"from": current, "to": backup}).Debug("Roll back kernel version")

	if current != backup {
		env.setVar(previousVersionKey, current)
	}

	env.setVar(kernelVersionKey, backup)
	env.setVar(installedAtKey, timestamp.UTC().Format(time.RFC3339))

	return env.saveEnv()
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func (env *BootEnv) getVar(name string) (value string) {
	return env.cfg.Section("").Key(name).String()
}

func (env *BootEnv) setVar(name, value string) {
	env.cfg.Section("").Key(name).SetValue(value)
}

func (env *BootEnv) saveEnv() (err error) {
	if err = os.MkdirAll(filepath.Dir(env.fileName), envDirPerm); err != nil {
		return aoserrors.Wrap(err)
	}

	tmpFile := env.fileName + ".tmp"

	if err = env.cfg.SaveTo(tmpFile); err != nil {
		return aoserrors.Wrap(err)
	}

	if err = os.Chmod(tmpFile, envFilePerm); err != nil {
		return aoserrors.Wrap(err)
	}

	if err = os.Rename(tmpFile, env.fileName); err != nil {
		return aoserrors.Wrap(err)
	}

	return nil
}
