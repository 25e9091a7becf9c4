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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aoscloud/aos_common/aoserrors"
	"github.com/aoscloud/aos_common/image"
	log "github.com/sirupsen/logrus"

	"github.com/aoscloud/aos_otaclient/utils/checksum"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const (
	backupTimeFormat    = "20060102_150405"
	backupNameMarker    = ".backup_"
	backupNameExtension = ".backup"
	scratchBackupCount  = 2
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

type backupFile struct {
	path    string
	modTime time.Time
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// CleanupOldBackups removes all timestamped backups except keepCount most recent ones.
func (installer *Installer) CleanupOldBackups(keepCount int) (err error) {
	log.WithField("keep", keepCount).Info("Cleanup old backups")

	backups, err := installer.timestampedBackups()
	if err != nil {
		return err
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].modTime.After(backups[j].modTime) })

	if keepCount < 0 {
		keepCount = 0
	}

	if keepCount >= len(backups) {
		return nil
	}

	for _, backup := range backups[keepCount:] {
		if err := os.Remove(backup.path); err != nil {
			log.Warnf("Failed to remove old backup %s: %v", backup.path, err)

			continue
		}

		log.WithField("file", backup.path).Debug("Old backup removed")
	}

	return nil
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func (installer *Installer) createBackup(ctx context.Context) (err error) {
	log.Info("Create kernel backup")

	sourceChecksum, _, err := checksum.File(ctx, installer.config.KernelPath)
	if err != nil {
		return err
	}

	backups := []string{
		installer.config.BackupPath,
		installer.timestampedBackupName(time.Now()),
	}

	for i := 1; i <= scratchBackupCount; i++ {
		backups = append(backups, filepath.Join(installer.scratchDir, fmt.Sprintf(scratchBackupName, i)))
	}

	for _, backup := range backups {
		if err = os.MkdirAll(filepath.Dir(backup), scratchDirPerm); err != nil {
			return aoserrors.Wrap(err)
		}

		if err = verifiedCopy(ctx, installer.config.KernelPath, backup, sourceChecksum); err != nil {
			return err
		}
	}

	log.WithFields(log.Fields{"copies": len(backups), "checksum": sourceChecksum}).Info("Backup created")

	return nil
}

func (installer *Installer) timestampedBackupName(timestamp time.Time) string {
	return strings.TrimSuffix(installer.config.BackupPath, filepath.Ext(installer.config.BackupPath)) +
		backupNameMarker + timestamp.UTC().Format(backupTimeFormat) + backupNameExtension
}

func (installer *Installer) timestampedBackups() (backups []backupFile, err error) {
	backupDir := filepath.Dir(installer.config.BackupPath)

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return nil, aoserrors.Wrap(err)
	}

	for _, entry := range entries {
		name := entry.Name()

		if entry.IsDir() || !strings.Contains(name, backupNameMarker) ||
			!strings.HasSuffix(name, backupNameExtension) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.Warnf("Can't get backup info %s: %v", name, err)

			continue
		}

		backups = append(backups, backupFile{path: filepath.Join(backupDir, name), modTime: info.ModTime()})
	}

	return backups, nil
}

// verifiedCopy copies file, compares copy checksum with expected one and preserves source permissions.
func verifiedCopy(ctx context.Context, src, dst, expectedChecksum string) (err error) {
	info, err := os.Stat(src)
	if err != nil {
		return aoserrors.Wrap(err)
	}

	defer func() {
		if err != nil {
			removeFile(dst)
		}
	}()

	if err = copyFile(dst, src); err != nil {
		return err
	}

	copyChecksum, _, err := checksum.File(ctx, dst)
	if err != nil {
		return err
	}

	if !checksum.Equal(copyChecksum, expectedChecksum) {
		return aoserrors.Errorf("%w: copy verification failed for %s", ErrChecksumMismatch, dst)
	}

	if err = os.Chmod(dst, info.Mode().Perm()); err != nil {
		return aoserrors.Wrap(err)
	}

	log.WithFields(log.Fields{"src": src, "dst": dst}).Debug("File copied and verified")

	return nil
}

func copyFile(dst, src string) (err error) {
	if _, err = image.Copy(dst, src); err != nil {
		return aoserrors.Errorf("failed to copy %s to %s: %v", src, dst, err)
	}

	file, err := os.OpenFile(dst, os.O_RDWR, 0)
	if err != nil {
		return aoserrors.Wrap(err)
	}
	defer file.Close()

	if err = file.Sync(); err != nil {
		return aoserrors.Wrap(err)
	}

	return nil
}

func syncDir(dir string) (err error) {
	file, err := os.Open(dir)
	if err != nil {
		return aoserrors.Wrap(err)
	}
	defer file.Close()

	return aoserrors.Wrap(file.Sync())
}

func removeFile(fileName string) {
	if err := os.Remove(fileName); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Errorf("Can't remove file %s: %v", fileName, err)
	}
}
