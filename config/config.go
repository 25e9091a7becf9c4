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

// Package config provides set of API to provide OTA client configuration
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/aoscloud/aos_common/aoserrors"
	log "github.com/sirupsen/logrus"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

// DefaultConfigFile default config file path.
const DefaultConfigFile = "/etc/ota-client/config.json"

const (
	defaultCheckInterval      = 1 * time.Hour
	defaultDownloadDir        = "/opt/ota/downloads"
	defaultKernelPath         = "/boot/kernel.img"
	defaultBackupPath         = "/boot/kernel.img.backup"
	defaultMaxRetries         = 3
	defaultServiceName        = "_ota._tcp.local"
	defaultDownloadTimeout    = 90 * time.Second
	defaultDiscoveryWindow    = 15 * time.Second
	defaultProbeTimeout       = 5 * time.Second
	defaultDownloadRetryDelay = 1 * time.Second
	defaultCycleRetryDelay    = 60 * time.Second
	defaultErrorCooldown      = 5 * time.Minute
	defaultWorkingDir         = "/var/lib/ota-client"
	defaultBootEnvFile        = "kernelenv.txt"
	defaultKeepBackups        = 3
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// Config instance.
type Config struct {
	CheckInterval      Duration `json:"checkInterval"`
	DownloadDir        string   `json:"downloadDir"`
	KernelPath         string   `json:"kernelPath"`
	BackupPath         string   `json:"backupPath"`
	MaxRetries         int      `json:"maxRetries"`
	ServiceName        string   `json:"serviceName"`
	FallbackServer     string   `json:"fallbackServer,omitempty"`
	DownloadTimeout    Duration `json:"downloadTimeout"`
	DiscoveryWindow    Duration `json:"discoveryWindow"`
	ProbeTimeout       Duration `json:"probeTimeout"`
	DownloadRetryDelay Duration `json:"downloadRetryDelay"`
	CycleRetryDelay    Duration `json:"cycleRetryDelay"`
	ErrorCooldown      Duration `json:"errorCooldown"`
	WorkingDir         string   `json:"workingDir"`
	BootEnvFile        string   `json:"bootEnvFile"`
	StatusAddress      string   `json:"statusAddress,omitempty"`
	RebootAfterUpdate  bool     `json:"rebootAfterUpdate"`
	KeepBackups        int      `json:"keepBackups"`
}

// Duration represents duration in format "1h30m" or number of nanoseconds.
type Duration struct {
	time.Duration
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// Default returns default config.
func Default() (config *Config) {
	config = &Config{}

	config.setDefaults()

	return config
}

// New creates new config object from file.
func New(fileName string) (config *Config, err error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, aoserrors.Wrap(err)
	}
	defer file.Close()

	config = &Config{}

	decoder := json.NewDecoder(file)
	if err = decoder.Decode(config); err != nil {
		return nil, aoserrors.Wrap(err)
	}

	config.setDefaults()

	if err = config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Load loads config from file. If the file doesn't exist, it is created with default values.
func Load(fileName string) (config *Config, err error) {
	if _, err = os.Stat(fileName); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, aoserrors.Wrap(err)
		}

		log.WithField("file", fileName).Warn("Config file not found, create default")

		config = Default()

		if err = Save(fileName, config); err != nil {
			return nil, err
		}

		return config, nil
	}

	log.WithField("file", fileName).Debug("Load config")

	return New(fileName)
}

// Save saves config to file.
func Save(fileName string, config *Config) (err error) {
	if err = os.MkdirAll(filepath.Dir(fileName), dirPerm); err != nil {
		return aoserrors.Wrap(err)
	}

	data, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return aoserrors.Wrap(err)
	}

	if err = os.WriteFile(fileName, data, filePerm); err != nil {
		return aoserrors.Wrap(err)
	}

	return nil
}

// Validate validates config values.
func (config *Config) Validate() (err error) {
	if config.CheckInterval.Duration <= 0 {
		return aoserrors.New("check interval must be greater than 0")
	}

	if config.MaxRetries <= 0 {
		return aoserrors.New("max retries must be greater than 0")
	}

	if config.DownloadTimeout.Duration <= 0 {
		return aoserrors.New("download timeout must be greater than 0")
	}

	if config.KernelPath == "" || config.BackupPath == "" {
		return aoserrors.New("kernel and backup paths must be set")
	}

	return nil
}

// HistoryFile returns update history file path.
func (config *Config) HistoryFile() string {
	return filepath.Join(config.DownloadDir, "ota_update_history.json")
}

// DatabaseFile returns database file path.
func (config *Config) DatabaseFile() string {
	return filepath.Join(config.WorkingDir, "otaclient.db")
}

// MarshalJSON marshals JSON Duration type.
func (d Duration) MarshalJSON() (b []byte, err error) {
	if b, err = json.Marshal(d.Duration.String()); err != nil {
		return b, aoserrors.Wrap(err)
	}

	return b, nil
}

// UnmarshalJSON unmarshals JSON Duration type.
func (d *Duration) UnmarshalJSON(b []byte) (err error) {
	var v interface{}

	if err := json.Unmarshal(b, &v); err != nil {
		return aoserrors.Wrap(err)
	}

	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil

	case string:
		duration, err := time.ParseDuration(value)
		if err != nil {
			return aoserrors.Wrap(err)
		}

		d.Duration = duration

		return nil

	default:
		return aoserrors.Errorf("invalid duration value: %v", value)
	}
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func (config *Config) setDefaults() {
	setDefaultDuration(&config.CheckInterval, defaultCheckInterval)
	setDefaultDuration(&config.DownloadTimeout, defaultDownloadTimeout)
	setDefaultDuration(&config.DiscoveryWindow, defaultDiscoveryWindow)
	setDefaultDuration(&config.ProbeTimeout, defaultProbeTimeout)
	setDefaultDuration(&config.DownloadRetryDelay, defaultDownloadRetryDelay)
	setDefaultDuration(&config.CycleRetryDelay, defaultCycleRetryDelay)
	setDefaultDuration(&config.ErrorCooldown, defaultErrorCooldown)

	if config.DownloadDir == "" {
		config.DownloadDir = defaultDownloadDir
	}

	if config.KernelPath == "" {
		config.KernelPath = defaultKernelPath
	}

	if config.BackupPath == "" {
		config.BackupPath = defaultBackupPath
	}

	if config.MaxRetries == 0 {
		config.MaxRetries = defaultMaxRetries
	}

	if config.ServiceName == "" {
		config.ServiceName = defaultServiceName
	}

	if config.WorkingDir == "" {
		config.WorkingDir = defaultWorkingDir
	}

	if config.BootEnvFile == "" {
		config.BootEnvFile = filepath.Join(config.WorkingDir, defaultBootEnvFile)
	}

	if config.KeepBackups == 0 {
		config.KeepBackups = defaultKeepBackups
	}
}

func setDefaultDuration(d *Duration, value time.Duration) {
	if d.Duration == 0 {
		d.Duration = value
	}
}
