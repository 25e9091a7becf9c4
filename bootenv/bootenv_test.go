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

package bootenv_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	"github.com/aoscloud/aos_otaclient/bootenv"
)

/***********************************************************************************************************************
 * Init
 **********************************************************************************************************************/

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableTimestamp: false,
		TimestampFormat:  "2006-01-02 15:04:05.000",
		FullTimestamp:    true,
	})
	log.SetLevel(log.DebugLevel)
	log.SetOutput(os.Stdout)
}

/***********************************************************************************************************************
 * Tests
 **********************************************************************************************************************/

func TestVersionStamp(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "env", "kernelenv.txt")

	env, err := bootenv.New(fileName)
	if err != nil {
		t.Fatalf("Can't create boot env: %s", err)
	}

	version, err := env.InstalledVersion()
	if err != nil {
		t.Fatalf("Can't get installed version: %s", err)
	}

	if version != "" {
		t.Errorf("Wrong initial version: %s", version)
	}

	installedAt := time.Date(2025, 6, 16, 10, 30, 0, 0, time.UTC)

	if err = env.SetInstalled("1.0.0", installedAt); err != nil {
		t.Fatalf("Can't set installed version: %s", err)
	}

	if err = env.BackupCreated(); err != nil {
		t.Fatalf("Can't set backup version: %s", err)
	}

	if err = env.SetInstalled("1.0.1", installedAt.Add(time.Hour)); err != nil {
		t.Fatalf("Can't set installed version: %s", err)
	}

	// Reopen to check persistence

	if env, err = bootenv.New(fileName); err != nil {
		t.Fatalf("Can't create boot env: %s", err)
	}

	info := env.Info()

	if info.KernelVersion != "1.0.1" || info.PreviousVersion != "1.0.0" || info.BackupVersion != "1.0.0" {
		t.Errorf("Wrong boot env info: %v", info)
	}

	if !info.InstalledAt.Equal(installedAt.Add(time.Hour)) {
		t.Errorf("Wrong install time: %s", info.InstalledAt)
	}

	cfg, err := ini.Load(fileName)
	if err != nil {
		t.Fatalf("Can't load env file: %s", err)
	}

	if value := cfg.Section("").Key("kernel_version").String(); value != "1.0.1" {
		t.Errorf("Wrong kernel_version value: %s", value)
	}

	if err = env.RolledBack(installedAt.Add(2 * time.Hour)); err != nil {
		t.Fatalf("Can't roll back version: %s", err)
	}

	if version, _ = env.InstalledVersion(); version != "1.0.0" {
		t.Errorf("Wrong version after rollback: %s", version)
	}

	if info = env.Info(); info.PreviousVersion != "1.0.1" {
		t.Errorf("Wrong previous version after rollback: %s", info.PreviousVersion)
	}

	// Repeated rollback restores the same backup

	if err = env.RolledBack(installedAt.Add(3 * time.Hour)); err != nil {
		t.Fatalf("Can't roll back version: %s", err)
	}

	if info = env.Info(); info.KernelVersion != "1.0.0" || info.PreviousVersion != "1.0.1" {
		t.Errorf("Wrong boot env info after repeated rollback: %v", info)
	}
}

func TestRollbackWithoutBackupVersion(t *testing.T) {
	env, err := bootenv.New(filepath.Join(t.TempDir(), "kernelenv.txt"))
	if err != nil {
		t.Fatalf("Can't create boot env: %s", err)
	}

	if err = env.SetInstalled("1.0.0", time.Now()); err != nil {
		t.Fatalf("Can't set installed version: %s", err)
	}

	if err = env.SetInstalled("1.0.1", time.Now()); err != nil {
		t.Fatalf("Can't set installed version: %s", err)
	}

	if err = env.RolledBack(time.Now()); err != nil {
		t.Fatalf("Can't roll back version: %s", err)
	}

	if version, _ := env.InstalledVersion(); version != "" {
		t.Errorf("Unknown version expected after rollback to unrecorded backup: %s", version)
	}
}

func TestWrongEnvFile(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "kernelenv.txt")

	if err := os.WriteFile(fileName, []byte(strings.Repeat("[", 10)), 0o600); err != nil {
		t.Fatalf("Can't write env file: %s", err)
	}

	if _, err := bootenv.New(fileName); err == nil {
		t.Error("Error expected for malformed env file")
	}
}
