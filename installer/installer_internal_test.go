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

package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aoscloud/aos_otaclient/config"
	"github.com/aoscloud/aos_otaclient/otaerrors"
	"github.com/aoscloud/aos_otaclient/otatypes"
	"github.com/aoscloud/aos_otaclient/utils/checksum"
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

type testChecker struct {
	privileged bool
	free       uint64
}

type testStatusSink struct {
	statuses []otatypes.InstallationStatus
}

type testEnv struct {
	config     config.Config
	oldKernel  []byte
	newKernel  []byte
	downloaded string
	metadata   otatypes.KernelMetadata
}

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

var tmpDir string

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
 * Main
 **********************************************************************************************************************/

func TestMain(m *testing.M) {
	var err error

	tmpDir, err = os.MkdirTemp("", "ota_")
	if err != nil {
		log.Fatalf("Error create temporary dir: %s", err)
	}

	ret := m.Run()

	if err := os.RemoveAll(tmpDir); err != nil {
		log.Errorf("Error removing tmp dir: %s", err)
	}

	os.Exit(ret)
}

/***********************************************************************************************************************
 * Tests
 **********************************************************************************************************************/

func TestInstall(t *testing.T) {
	env := newTestEnv(t)
	sink := &testStatusSink{}

	installer := New(env.config, &testChecker{privileged: true, free: 1 << 30})

	if err := installer.Install(context.Background(), env.downloaded, env.metadata, sink); err != nil {
		t.Fatalf("Install failed: %s", err)
	}

	checkFileContent(t, env.config.KernelPath, env.newKernel)
	checkFileContent(t, env.config.BackupPath, env.oldKernel)

	info, err := os.Stat(env.config.KernelPath)
	if err != nil {
		t.Fatalf("Can't stat kernel: %s", err)
	}

	if info.Mode().Perm() != kernelFilePerm {
		t.Errorf("Wrong kernel permissions: %o", info.Mode().Perm())
	}

	backups, err := installer.timestampedBackups()
	if err != nil {
		t.Fatalf("Can't get timestamped backups: %s", err)
	}

	if len(backups) != 1 {
		t.Fatalf("Wrong timestamped backups count: %d", len(backups))
	}

	checkFileContent(t, backups[0].path, env.oldKernel)

	if _, err := os.Stat(installer.scratchDir); !os.IsNotExist(err) {
		t.Error("Workspace should be removed")
	}

	if _, err := os.Stat(env.config.KernelPath + installingSuffix); !os.IsNotExist(err) {
		t.Error("Temporary install file should be removed")
	}

	expectedPhases := []otatypes.InstallPhase{
		otatypes.InstallNotStarted, otatypes.InstallBackupCreated, otatypes.InstallKernelInstalled,
		otatypes.InstallVerified, otatypes.InstallCompleted,
	}

	if phases := sink.phases(); !reflect.DeepEqual(phases, expectedPhases) {
		t.Errorf("Wrong installation phases: %v", phases)
	}
}

func TestInstallEnvironment(t *testing.T) {
	type testData struct {
		checker    *testChecker
		noKernel   bool
		errMessage string
	}

	data := []testData{
		{checker: &testChecker{privileged: false, free: 1 << 30}, errMessage: "insufficient privileges"},
		{checker: &testChecker{privileged: true, free: 10}, errMessage: "insufficient disk space"},
		{checker: &testChecker{privileged: true, free: 1 << 30}, noKernel: true, errMessage: "does not exist"},
	}

	for i, item := range data {
		env := newTestEnv(t)
		sink := &testStatusSink{}

		if item.noKernel {
			if err := os.Remove(env.config.KernelPath); err != nil {
				t.Fatalf("Can't remove kernel: %s", err)
			}
		}

		err := New(env.config, item.checker).Install(context.Background(), env.downloaded, env.metadata, sink)
		if err == nil {
			t.Errorf("%d: error expected", i)

			continue
		}

		if kind, _ := otaerrors.KindOf(err); kind != otaerrors.KindInstall {
			t.Errorf("%d: wrong error kind: %s", i, kind)
		}

		if otaerrors.IsInstallerError(err) {
			t.Errorf("%d: pre-commit error should not require rollback: %s", i, err)
		}

		if !strings.Contains(err.Error(), item.errMessage) {
			t.Errorf("%d: wrong error: %s", i, err)
		}

		if _, err := os.Stat(env.config.BackupPath); !os.IsNotExist(err) {
			t.Errorf("%d: backup should not be created", i)
		}

		if !item.noKernel {
			checkFileContent(t, env.config.KernelPath, env.oldKernel)
		}

		phases := sink.phases()

		if phases[len(phases)-1] != otatypes.InstallFailed {
			t.Errorf("%d: wrong last phase: %v", i, phases)
		}
	}
}

func TestInstallWrongDownload(t *testing.T) {
	env := newTestEnv(t)
	installer := New(env.config, &testChecker{privileged: true, free: 1 << 30})

	metadata := env.metadata
	metadata.FileSize++

	err := installer.Install(context.Background(), env.downloaded, metadata, nil)
	if err == nil || !strings.Contains(err.Error(), "file size mismatch") {
		t.Errorf("Size mismatch error expected: %v", err)
	}

	metadata = env.metadata
	metadata.Checksum = "sha256:" + strings.Repeat("0", 64)

	if err = installer.Install(context.Background(), env.downloaded, metadata, nil); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Checksum mismatch error expected: %v", err)
	}

	if otaerrors.IsInstallerError(err) {
		t.Errorf("Pre-commit error expected: %v", err)
	}

	checkFileContent(t, env.config.KernelPath, env.oldKernel)
}

func TestFailureAfterSwap(t *testing.T) {
	env := newTestEnv(t)
	sink := &testStatusSink{}

	installer := New(env.config, &testChecker{privileged: true, free: 1 << 30})

	installer.afterSwap = func() error {
		checkFileContent(t, env.config.KernelPath, env.newKernel)

		return errors.New("power failure")
	}

	err := installer.Install(context.Background(), env.downloaded, env.metadata, sink)
	if err == nil {
		t.Fatal("Install error expected")
	}

	if !otaerrors.IsInstallerError(err) {
		t.Errorf("Installer error expected: %s", err)
	}

	if errors.Is(err, otaerrors.ErrManualIntervention) {
		t.Errorf("Rollback should succeed: %s", err)
	}

	checkFileContent(t, env.config.KernelPath, env.oldKernel)

	phases := sink.phases()

	if phases[len(phases)-1] != otatypes.InstallFailed {
		t.Errorf("Wrong last phase: %v", phases)
	}
}

func TestFailedRollbackAfterSwap(t *testing.T) {
	env := newTestEnv(t)

	installer := New(env.config, &testChecker{privileged: true, free: 1 << 30})

	installer.afterSwap = func() error {
		if err := os.Remove(env.config.BackupPath); err != nil {
			t.Errorf("Can't remove backup: %s", err)
		}

		return errors.New("power failure")
	}

	err := installer.Install(context.Background(), env.downloaded, env.metadata, nil)
	if !errors.Is(err, otaerrors.ErrManualIntervention) {
		t.Fatalf("Manual intervention error expected: %v", err)
	}

	if kind, _ := otaerrors.KindOf(err); kind != otaerrors.KindRollback {
		t.Errorf("Wrong error kind: %s", kind)
	}
}

func TestRollback(t *testing.T) {
	env := newTestEnv(t)

	installer := New(env.config, &testChecker{privileged: true, free: 1 << 30})

	err := installer.Rollback(context.Background())
	if !errors.Is(err, ErrBackupNotFound) {
		t.Errorf("Backup not found error expected: %v", err)
	}

	if kind, _ := otaerrors.KindOf(err); kind != otaerrors.KindRollback {
		t.Errorf("Wrong error kind: %s", kind)
	}

	backup := []byte("verified backup kernel")

	if err = os.WriteFile(env.config.BackupPath, backup, 0o600); err != nil {
		t.Fatalf("Can't write backup: %s", err)
	}

	for i := 0; i < 2; i++ {
		if err = installer.Rollback(context.Background()); err != nil {
			t.Fatalf("Rollback failed: %s", err)
		}

		checkFileContent(t, env.config.KernelPath, backup)
		checkFileContent(t, env.config.BackupPath, backup)
	}

	if _, err := os.Stat(env.config.KernelPath + rollbackSuffix); !os.IsNotExist(err) {
		t.Error("Temporary rollback file should be removed")
	}
}

func TestCleanupOldBackups(t *testing.T) {
	env := newTestEnv(t)

	installer := New(env.config, nil)

	if err := os.WriteFile(env.config.BackupPath, env.oldKernel, 0o600); err != nil {
		t.Fatalf("Can't write backup: %s", err)
	}

	now := time.Now()

	var names []string

	for i := 0; i < 5; i++ {
		timestamp := now.Add(-time.Duration(i) * time.Hour)
		name := installer.timestampedBackupName(timestamp)

		if err := os.WriteFile(name, env.oldKernel, 0o600); err != nil {
			t.Fatalf("Can't write backup: %s", err)
		}

		if err := os.Chtimes(name, timestamp, timestamp); err != nil {
			t.Fatalf("Can't set backup time: %s", err)
		}

		names = append(names, name)
	}

	if err := installer.CleanupOldBackups(2); err != nil {
		t.Fatalf("Cleanup failed: %s", err)
	}

	for i, name := range names {
		_, err := os.Stat(name)

		if i < 2 && err != nil {
			t.Errorf("Backup %s should be kept", name)
		}

		if i >= 2 && !os.IsNotExist(err) {
			t.Errorf("Backup %s should be removed", name)
		}
	}

	if _, err := os.Stat(env.config.BackupPath); err != nil {
		t.Error("Primary backup should be kept")
	}
}

func TestImageSignature(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "image")

	if err := os.WriteFile(fileName, newKernelImage("signed"), 0o600); err != nil {
		t.Fatalf("Can't write image: %s", err)
	}

	if err := checkImageSignature(fileName); err != nil {
		t.Errorf("Image signature check failed: %s", err)
	}

	if err := os.WriteFile(fileName, bytes.Repeat([]byte{0}, 128), 0o600); err != nil {
		t.Fatalf("Can't write image: %s", err)
	}

	if err := checkImageSignature(fileName); err == nil {
		t.Error("Image signature error expected")
	}

	if err := os.WriteFile(fileName, []byte("short"), 0o600); err != nil {
		t.Fatalf("Can't write image: %s", err)
	}

	if err := checkImageSignature(fileName); err == nil {
		t.Error("Image signature error expected")
	}
}

/***********************************************************************************************************************
 * Interfaces
 **********************************************************************************************************************/

func (checker *testChecker) IsPrivileged() bool {
	return checker.privileged
}

func (checker *testChecker) FreeSpace(path string) (free uint64, err error) {
	return checker.free, nil
}

func (sink *testStatusSink) InstallationStatus(status otatypes.InstallationStatus) {
	sink.statuses = append(sink.statuses, status)
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func (sink *testStatusSink) phases() (phases []otatypes.InstallPhase) {
	for _, status := range sink.statuses {
		phases = append(phases, status.Phase)
	}

	return phases
}

func newKernelImage(content string) []byte {
	image := bytes.Repeat([]byte{0}, imageMagicOffset)

	image = append(image, []byte(imageMagic)...)

	return append(image, []byte(content)...)
}

func newTestEnv(t *testing.T) (env testEnv) {
	t.Helper()

	testDir, err := os.MkdirTemp(tmpDir, "install_")
	if err != nil {
		t.Fatalf("Can't create test dir: %s", err)
	}

	bootDir := filepath.Join(testDir, "boot")

	if err = os.MkdirAll(bootDir, 0o755); err != nil {
		t.Fatalf("Can't create boot dir: %s", err)
	}

	cfg := config.Default()

	cfg.KernelPath = filepath.Join(bootDir, "kernel.img")
	cfg.BackupPath = filepath.Join(bootDir, "kernel.img.backup")
	cfg.DownloadDir = filepath.Join(testDir, "downloads")

	env = testEnv{
		config:    *cfg,
		oldKernel: newKernelImage("old kernel"),
		newKernel: newKernelImage("new kernel v1.0.1"),
	}

	if err = os.WriteFile(cfg.KernelPath, env.oldKernel, 0o644); err != nil {
		t.Fatalf("Can't write kernel: %s", err)
	}

	if err = os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		t.Fatalf("Can't create download dir: %s", err)
	}

	env.downloaded = filepath.Join(cfg.DownloadDir, "kernel-v1.0.1.img")

	if err = os.WriteFile(env.downloaded, env.newKernel, 0o600); err != nil {
		t.Fatalf("Can't write downloaded kernel: %s", err)
	}

	downloadedChecksum, size, err := checksum.File(context.Background(), env.downloaded)
	if err != nil {
		t.Fatalf("Can't calculate checksum: %s", err)
	}

	env.metadata = otatypes.KernelMetadata{
		LatestVersion: "1.0.1",
		KernelFile:    "kernel-v1.0.1.img",
		FileSize:      size,
		Checksum:      downloadedChecksum,
		DownloadURL:   "/kernels/kernel-v1.0.1.img",
		Description:   fmt.Sprintf("test kernel %d bytes", size),
	}

	return env
}

func checkFileContent(t *testing.T, fileName string, expected []byte) {
	t.Helper()

	data, err := os.ReadFile(fileName)
	if err != nil {
		t.Errorf("Can't read file %s: %s", fileName, err)

		return
	}

	if !bytes.Equal(data, expected) {
		t.Errorf("Wrong content of %s: %q", fileName, data)
	}
}
