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

// Package installer installs kernel image with verified backup and rollback
package installer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/aoscloud/aos_common/aoserrors"
	log "github.com/sirupsen/logrus"

	"github.com/aoscloud/aos_otaclient/config"
	"github.com/aoscloud/aos_otaclient/otaerrors"
	"github.com/aoscloud/aos_otaclient/otatypes"
	"github.com/aoscloud/aos_otaclient/utils/checksum"
)

// The sequence of install:
//
// * validate environment     target exists, target dir is writable,
//                            enough free space, privileged process
// * validate downloaded file size, checksum and image signature
// * prepare workspace        recreate scratch dir
// * create backup            verified copies of current image
// * stage image              copy downloaded image to scratch dir
//------------------------------- Commit ---------------------------------------
// * swap                     verified copy beside target and rename over it
// * verify                   re-read live target
// * cleanup                  remove scratch dir
//
// Failure before commit leaves the target untouched and is reported as pre-commit
// error. Failure after commit rolls back the target from backup. Failed rollback
// results in ErrManualIntervention.

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const (
	scratchDirName    = "install_temp"
	stagedFileName    = "new_kernel.img"
	installingSuffix  = ".installing"
	rollbackSuffix    = ".rollback"
	writeMarkerName   = ".ota_write_test"
	scratchBackupName = "original_kernel%d.backup"
)

const (
	kernelFilePerm = 0o644
	scratchDirPerm = 0o755
)

const requiredSpaceFactor = 3

const (
	imageMagicOffset = 56
	imageMagic       = "ARM\x64"
)

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

// ErrBackupNotFound is returned when rollback is requested but there is no backup.
var ErrBackupNotFound = errors.New("backup file not found")

// ErrChecksumMismatch is returned when copied or installed file checksum doesn't match.
var ErrChecksumMismatch = errors.New("checksum mismatch")

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// StatusSink receives installation status.
type StatusSink interface {
	InstallationStatus(status otatypes.InstallationStatus)
}

// SystemChecker provides host properties required for installation.
type SystemChecker interface {
	IsPrivileged() bool
	FreeSpace(path string) (free uint64, err error)
}

// Installer kernel installer instance.
type Installer struct {
	config     config.Config
	checker    SystemChecker
	scratchDir string

	afterSwap func() error
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// New creates installer. If checker is nil, host checker is used.
func New(cfg config.Config, checker SystemChecker) (installer *Installer) {
	log.WithFields(log.Fields{"kernel": cfg.KernelPath, "backup": cfg.BackupPath}).Debug("Create installer")

	if checker == nil {
		checker = NewHostChecker()
	}

	return &Installer{
		config:     cfg,
		checker:    checker,
		scratchDir: filepath.Join(cfg.DownloadDir, scratchDirName),
	}
}

// Install installs downloaded kernel image. Status sink is optional.
func (installer *Installer) Install(
	ctx context.Context, fileName string, metadata otatypes.KernelMetadata, sink StatusSink,
) (err error) {
	log.WithFields(log.Fields{"version": metadata.LatestVersion, "file": fileName}).Info("Start kernel installation")

	notify(sink, otatypes.NewInstallationStatus(otatypes.InstallNotStarted))

	defer func() {
		if err != nil {
			log.Errorf("Kernel installation failed: %v", err)

			notify(sink, otatypes.NewInstallationFailed(err))
		}
	}()

	if err = installer.validateEnvironment(); err != nil {
		return otaerrors.PreCommitf(otaerrors.KindInstall, "environment validation failed: %v", err)
	}

	if err = installer.validateDownloaded(ctx, fileName, metadata); err != nil {
		return otaerrors.PreCommitf(otaerrors.KindInstall, "downloaded kernel validation failed: %w", err)
	}

	if err = installer.prepareWorkspace(); err != nil {
		return otaerrors.PreCommitf(otaerrors.KindInstall, "can't prepare workspace: %v", err)
	}

	if err = installer.createBackup(ctx); err != nil {
		return otaerrors.PreCommitf(otaerrors.KindInstall, "failed to create kernel backup: %w", err)
	}

	notify(sink, otatypes.NewInstallationStatus(otatypes.InstallBackupCreated))

	stagedFile, err := installer.stage(fileName)
	if err != nil {
		return otaerrors.PreCommitf(otaerrors.KindInstall, "can't stage kernel: %v", err)
	}

	if err = installer.swap(ctx, stagedFile, metadata.Checksum); err != nil {
		return installer.rollbackAfterFailure(ctx, aoserrors.Errorf("atomic installation failed: %w", err))
	}

	notify(sink, otatypes.NewInstallationStatus(otatypes.InstallKernelInstalled))

	if installer.afterSwap != nil {
		if err = installer.afterSwap(); err != nil {
			return installer.rollbackAfterFailure(ctx, aoserrors.Wrap(err))
		}
	}

	if err = installer.verifyInstalled(ctx, metadata); err != nil {
		return installer.rollbackAfterFailure(ctx, aoserrors.Errorf("installation verification failed: %w", err))
	}

	notify(sink, otatypes.NewInstallationStatus(otatypes.InstallVerified))

	if err = os.RemoveAll(installer.scratchDir); err != nil {
		log.Warnf("Can't remove workspace: %v", err)
	}

	notify(sink, otatypes.NewInstallationStatus(otatypes.InstallCompleted))

	log.WithField("version", metadata.LatestVersion).Info("Kernel installation completed")

	return nil
}

// Rollback restores kernel image from backup.
func (installer *Installer) Rollback(ctx context.Context) (err error) {
	log.WithField("backup", installer.config.BackupPath).Warn("Perform kernel rollback")

	if _, err = os.Stat(installer.config.BackupPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return otaerrors.Errorf(otaerrors.KindRollback, "%w: %s", ErrBackupNotFound, installer.config.BackupPath)
		}

		return otaerrors.Wrap(otaerrors.KindRollback, err)
	}

	backupChecksum, _, err := checksum.File(ctx, installer.config.BackupPath)
	if err != nil {
		return otaerrors.Errorf(otaerrors.KindRollback, "can't read backup: %v", err)
	}

	log.WithField("checksum", backupChecksum).Debug("Backup checksum")

	rollbackFile := installer.config.KernelPath + rollbackSuffix

	if err = verifiedCopy(ctx, installer.config.BackupPath, rollbackFile, backupChecksum); err != nil {
		return otaerrors.Errorf(otaerrors.KindRollback, "can't copy backup: %v", err)
	}

	if err = os.Rename(rollbackFile, installer.config.KernelPath); err != nil {
		removeFile(rollbackFile)

		return otaerrors.Errorf(otaerrors.KindRollback, "can't restore kernel: %v", err)
	}

	if err = syncDir(filepath.Dir(installer.config.KernelPath)); err != nil {
		log.Warnf("Can't sync kernel directory: %v", err)
	}

	log.Info("Kernel rollback completed")

	return nil
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func notify(sink StatusSink, status otatypes.InstallationStatus) {
	log.WithField("status", status).Debug("Installation status")

	if sink != nil {
		sink.InstallationStatus(status)
	}
}

func (installer *Installer) validateEnvironment() (err error) {
	log.Info("Validate installation environment")

	info, err := os.Stat(installer.config.KernelPath)
	if err != nil {
		return aoserrors.Errorf("kernel path does not exist: %s", installer.config.KernelPath)
	}

	kernelDir := filepath.Dir(installer.config.KernelPath)

	if err = checkWritable(kernelDir); err != nil {
		return aoserrors.Errorf("insufficient permissions to write to kernel directory: %v", err)
	}

	required := uint64(info.Size()) * requiredSpaceFactor

	free, err := installer.checker.FreeSpace(kernelDir)
	if err != nil {
		return aoserrors.Errorf("can't estimate free space: %v", err)
	}

	log.WithFields(log.Fields{"required": required, "free": free}).Debug("Disk space")

	if free < required {
		return aoserrors.Errorf("insufficient disk space: required %d, available %d", required, free)
	}

	if !installer.checker.IsPrivileged() {
		return aoserrors.New("insufficient privileges for kernel installation")
	}

	return nil
}

func (installer *Installer) validateDownloaded(
	ctx context.Context, fileName string, metadata otatypes.KernelMetadata,
) (err error) {
	log.WithField("file", fileName).Info("Validate downloaded kernel")

	calculatedChecksum, size, err := checksum.File(ctx, fileName)
	if err != nil {
		return aoserrors.Errorf("downloaded kernel file not found: %v", err)
	}

	if size != metadata.FileSize {
		return aoserrors.Errorf("file size mismatch: expected %d, got %d", metadata.FileSize, size)
	}

	if !checksum.Equal(calculatedChecksum, metadata.Checksum) {
		return aoserrors.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, metadata.Checksum, calculatedChecksum)
	}

	if err = checkImageSignature(fileName); err != nil {
		log.Warnf("Kernel file may not be a valid ARM64 image: %v", err)
	}

	return nil
}

func (installer *Installer) prepareWorkspace() (err error) {
	if err = os.RemoveAll(installer.scratchDir); err != nil {
		return aoserrors.Wrap(err)
	}

	if err = os.MkdirAll(installer.scratchDir, scratchDirPerm); err != nil {
		return aoserrors.Wrap(err)
	}

	log.WithField("dir", installer.scratchDir).Debug("Workspace created")

	return nil
}

func (installer *Installer) stage(fileName string) (stagedFile string, err error) {
	stagedFile = filepath.Join(installer.scratchDir, stagedFileName)

	if err = copyFile(stagedFile, fileName); err != nil {
		return "", err
	}

	if err = os.Chmod(stagedFile, kernelFilePerm); err != nil {
		return "", aoserrors.Wrap(err)
	}

	log.WithField("file", stagedFile).Debug("Kernel staged")

	return stagedFile, nil
}

func (installer *Installer) swap(ctx context.Context, stagedFile, expectedChecksum string) (err error) {
	log.Info("Perform atomic kernel installation")

	installingFile := installer.config.KernelPath + installingSuffix

	if err = verifiedCopy(ctx, stagedFile, installingFile, expectedChecksum); err != nil {
		return err
	}

	if err = os.Rename(installingFile, installer.config.KernelPath); err != nil {
		removeFile(installingFile)

		return aoserrors.Errorf("failed to perform atomic kernel replacement: %v", err)
	}

	if err = syncDir(filepath.Dir(installer.config.KernelPath)); err != nil {
		log.Warnf("Can't sync kernel directory: %v", err)
	}

	return nil
}

func (installer *Installer) verifyInstalled(ctx context.Context, metadata otatypes.KernelMetadata) (err error) {
	log.Info("Verify kernel installation")

	info, err := os.Stat(installer.config.KernelPath)
	if err != nil {
		return aoserrors.Errorf("kernel file missing after installation: %v", err)
	}

	installedChecksum, size, err := checksum.File(ctx, installer.config.KernelPath)
	if err != nil {
		return err
	}

	if size != metadata.FileSize {
		return aoserrors.Errorf("installed kernel size mismatch: expected %d, got %d", metadata.FileSize, size)
	}

	if !checksum.Equal(installedChecksum, metadata.Checksum) {
		return aoserrors.Errorf("%w: installed kernel expected %s, got %s",
			ErrChecksumMismatch, metadata.Checksum, installedChecksum)
	}

	if perm := info.Mode().Perm(); perm != kernelFilePerm {
		log.Warnf("Kernel file permissions may be incorrect: %o", perm)
	}

	return nil
}

func (installer *Installer) rollbackAfterFailure(ctx context.Context, cause error) (err error) {
	log.Errorf("Installation failed after commit: %v", cause)

	if rollbackErr := installer.Rollback(ctx); rollbackErr != nil {
		log.Errorf("CRITICAL: rollback failed: %v", rollbackErr)

		return otaerrors.Errorf(otaerrors.KindRollback, "%w: installation failed: %v, rollback failed: %v",
			otaerrors.ErrManualIntervention, cause, rollbackErr)
	}

	return otaerrors.Errorf(otaerrors.KindInstall, "installation failed, kernel restored from backup: %w", cause)
}

func checkWritable(dir string) (err error) {
	marker := filepath.Join(dir, writeMarkerName)

	if err = os.WriteFile(marker, []byte("test"), kernelFilePerm); err != nil {
		return aoserrors.Wrap(err)
	}

	if err = os.Remove(marker); err != nil {
		return aoserrors.Wrap(err)
	}

	return nil
}

func checkImageSignature(fileName string) (err error) {
	file, err := os.Open(fileName)
	if err != nil {
		return aoserrors.Wrap(err)
	}
	defer file.Close()

	magic := make([]byte, len(imageMagic))

	if _, err = file.ReadAt(magic, imageMagicOffset); err != nil {
		if errors.Is(err, io.EOF) {
			return aoserrors.New("file is too short")
		}

		return aoserrors.Wrap(err)
	}

	if string(magic) != imageMagic {
		return aoserrors.Errorf("wrong image magic: %q", magic)
	}

	return nil
}
