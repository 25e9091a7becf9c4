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

// Package otadaemon drives kernel update cycles
package otadaemon

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/aoscloud/aos_common/aoserrors"
	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/aoscloud/aos_otaclient/config"
	"github.com/aoscloud/aos_otaclient/database"
	"github.com/aoscloud/aos_otaclient/installer"
	"github.com/aoscloud/aos_otaclient/otaerrors"
	"github.com/aoscloud/aos_otaclient/otatypes"
	"github.com/aoscloud/aos_otaclient/updatesource"
)

// Daemon state diagram:
//
// Starting -> Idle -> Discovering -> CheckingUpdates -> Downloading -> Installing -> Rebooting
//                          ^               |                                           |
//                          |               +----------------- no update ---------------+-> Idle
//                          +------------------------- next cycle ----------------------+
//
// Any failed cycle moves to Error and after cool-down back to Idle. Shutdown is terminal.

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const cycleAttempts = 3

const (
	journalPhaseInstalling = "installing"
	journalPhaseCommitting = "committing"
	interruptedInstall     = "interrupted installation"
	manualRollback         = "manual rollback"
	automaticRollback      = "automatic rollback after failed installation"
)

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

// ErrBusy is returned when an update cycle or rollback is already in progress.
var ErrBusy = errors.New("update cycle in progress")

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// UpdateSource discovers server, checks and downloads updates.
type UpdateSource interface {
	Discover(ctx context.Context) (server otatypes.ServerInfo, err error)
	CheckForUpdate(ctx context.Context) (metadata *otatypes.KernelMetadata, err error)
	DownloadWithRetries(
		ctx context.Context, metadata otatypes.KernelMetadata, sink updatesource.ProgressSink) (fileName string, err error)
}

// Installer installs and rolls back kernel image.
type Installer interface {
	Install(ctx context.Context, fileName string, metadata otatypes.KernelMetadata, sink installer.StatusSink) error
	Rollback(ctx context.Context) error
	CleanupOldBackups(keepCount int) error
}

// Storage persistent daemon state.
type Storage interface {
	SetInstallJournal(journal database.InstallJournal) (err error)
	GetInstallJournal() (journal database.InstallJournal, err error)
	ClearInstallJournal() (err error)
	SetLastCheck(lastCheck time.Time) (err error)
	GetLastCheck() (lastCheck time.Time, err error)
}

// VersionStamp stores installed kernel version.
type VersionStamp interface {
	BackupCreated() (err error)
	SetInstalled(version string, timestamp time.Time) (err error)
	RolledBack(timestamp time.Time) (err error)
}

// Rebooter reboots the system.
type Rebooter interface {
	Reboot(ctx context.Context) (err error)
}

// Status daemon status snapshot.
type Status struct {
	State              State                  `json:"state"`
	LastCheck          *time.Time             `json:"last_check,omitempty"`
	LastUpdate         *otatypes.UpdateRecord `json:"last_update,omitempty"`
	UpdateCount        int                    `json:"update_count"`
	UptimeSeconds      uint64                 `json:"uptime_seconds"`
	NextCheckInSeconds uint64                 `json:"next_check_in"`
}

// Daemon OTA daemon instance.
type Daemon struct {
	sync.RWMutex

	configFile string
	config     config.Config
	factory    ComponentFactory
	storage    Storage
	stamp      VersionStamp
	rebooter   Rebooter
	control    *Control

	sourceMutex    sync.Mutex
	source         UpdateSource
	installerMutex sync.Mutex
	installer      Installer

	cycleMutex sync.Mutex
	state      *stateMachine
	history    *history
	startTime  time.Time
	lastCheck  time.Time
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// New creates daemon. Storage, version stamp and rebooter are optional.
func New(
	configFile string, cfg config.Config, factory ComponentFactory, storage Storage, stamp VersionStamp,
	rebooter Rebooter, control *Control,
) (daemon *Daemon) {
	log.WithField("config", configFile).Debug("Create OTA daemon")

	if control == nil {
		control = NewControl()
	}

	daemon = &Daemon{
		configFile: configFile,
		config:     cfg,
		factory:    factory,
		storage:    storage,
		stamp:      stamp,
		rebooter:   rebooter,
		control:    control,
		source:     factory.NewUpdateSource(cfg),
		installer:  factory.NewInstaller(cfg),
		state:      newStateMachine(),
		history:    newHistory(cfg.HistoryFile()),
		startTime:  time.Now(),
	}

	if storage != nil {
		lastCheck, err := storage.GetLastCheck()
		if err != nil && !errors.Is(err, database.ErrNotExist) {
			log.Errorf("Can't get last check time: %v", err)
		}

		daemon.lastCheck = lastCheck
	}

	return daemon
}

// Close closes daemon.
func (daemon *Daemon) Close() {
	log.Debug("Close OTA daemon")

	daemon.state.close()
}

// Control returns daemon control handle.
func (daemon *Daemon) Control() *Control {
	return daemon.control
}

// Run runs daemon main loop until shutdown is requested.
func (daemon *Daemon) Run(ctx context.Context) (err error) {
	log.Info("Start OTA daemon")

	daemon.recoverInterruptedInstall(ctx)

	daemon.state.set(State{Kind: StateIdle})

	go daemon.handleReload(ctx)

	notifySystemd(sddaemon.SdNotifyReady)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for !daemon.control.ShutdownRequested() {
		select {
		case <-daemon.control.shutdown:

		case <-ctx.Done():
			daemon.control.Shutdown()

		case <-timer.C:
			daemon.runScheduledCycle(ctx)

			timer.Reset(daemon.getConfig().CheckInterval.Duration)
		}
	}

	log.Info("Stop OTA daemon")

	notifySystemd(sddaemon.SdNotifyStopping)

	daemon.state.set(State{Kind: StateShutdown})

	return nil
}

// PerformUpdateCycle performs update cycle with retries.
func (daemon *Daemon) PerformUpdateCycle(ctx context.Context) (err error) {
	daemon.cycleMutex.Lock()
	defer daemon.cycleMutex.Unlock()

	return daemon.performUpdateCycle(ctx)
}

// TriggerUpdate starts update cycle in background. Returns ErrBusy if cycle is already in progress.
func (daemon *Daemon) TriggerUpdate(ctx context.Context) (err error) {
	if !daemon.cycleMutex.TryLock() {
		return aoserrors.Wrap(ErrBusy)
	}

	go func() {
		defer daemon.cycleMutex.Unlock()

		if err := daemon.performUpdateCycle(ctx); err != nil {
			daemon.handleCycleError(ctx, err)
		}
	}()

	return nil
}

// ManualRollback restores kernel from backup. Returns ErrBusy if cycle is in progress.
func (daemon *Daemon) ManualRollback(ctx context.Context) (err error) {
	if !daemon.cycleMutex.TryLock() {
		return aoserrors.Wrap(ErrBusy)
	}
	defer daemon.cycleMutex.Unlock()

	return daemon.performRollback(ctx, manualRollback)
}

// Reload reloads configuration and recreates update source and installer.
func (daemon *Daemon) Reload() (err error) {
	log.WithField("config", daemon.configFile).Info("Reload configuration")

	cfg, err := config.New(daemon.configFile)
	if err != nil {
		return aoserrors.Wrap(err)
	}

	notifySystemd(sddaemon.SdNotifyReloading)
	defer notifySystemd(sddaemon.SdNotifyReady)

	daemon.Lock()
	daemon.config = *cfg
	daemon.Unlock()

	daemon.sourceMutex.Lock()
	daemon.source = daemon.factory.NewUpdateSource(*cfg)
	daemon.sourceMutex.Unlock()

	daemon.installerMutex.Lock()
	daemon.installer = daemon.factory.NewInstaller(*cfg)
	daemon.installerMutex.Unlock()

	log.Info("Configuration reloaded")

	return nil
}

// GetStatus returns daemon status snapshot.
func (daemon *Daemon) GetStatus() (status Status) {
	cfg := daemon.getConfig()

	status = Status{
		State:         daemon.state.current(),
		LastUpdate:    daemon.history.last(),
		UpdateCount:   daemon.history.count(),
		UptimeSeconds: uint64(time.Since(daemon.startTime).Seconds()),
	}

	lastCheck := daemon.getLastCheck()

	nextCheckIn := cfg.CheckInterval.Duration

	if !lastCheck.IsZero() {
		status.LastCheck = &lastCheck

		if nextCheckIn -= time.Since(lastCheck); nextCheckIn < 0 {
			nextCheckIn = 0
		}
	}

	status.NextCheckInSeconds = uint64(nextCheckIn.Seconds())

	return status
}

// GetHistory returns update history.
func (daemon *Daemon) GetHistory() (records []otatypes.UpdateRecord) {
	return daemon.history.get()
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func (daemon *Daemon) getConfig() config.Config {
	daemon.RLock()
	defer daemon.RUnlock()

	return daemon.config
}

func (daemon *Daemon) getLastCheck() time.Time {
	daemon.RLock()
	defer daemon.RUnlock()

	return daemon.lastCheck
}

func (daemon *Daemon) handleReload(ctx context.Context) {
	for {
		select {
		case <-daemon.control.reload:
			if err := daemon.Reload(); err != nil {
				log.Errorf("Can't reload configuration: %v", err)
			}

		case <-daemon.control.shutdown:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (daemon *Daemon) runScheduledCycle(ctx context.Context) {
	daemon.cycleMutex.Lock()
	defer daemon.cycleMutex.Unlock()

	if err := daemon.performUpdateCycle(ctx); err != nil {
		daemon.handleCycleError(ctx, err)
	}
}

func (daemon *Daemon) handleCycleError(ctx context.Context, cycleErr error) {
	cooldown := daemon.getConfig().ErrorCooldown.Duration

	log.WithField("cooldown", cooldown).Errorf("Update cycle failed: %v", cycleErr)

	daemon.state.set(State{Kind: StateError, Message: cycleErr.Error()})

	select {
	case <-time.After(cooldown):

	case <-daemon.control.shutdown:

	case <-ctx.Done():
	}

	daemon.state.set(State{Kind: StateIdle})
}

func (daemon *Daemon) performUpdateCycle(ctx context.Context) (err error) {
	var (
		cycleID   = uuid.New().String()
		startTime = time.Now()
		cfg       = daemon.getConfig()
		logger    = log.WithField("cycleID", cycleID)
		version   string
		rebooting bool
	)

	logger.Info("Start update cycle")

attemptLoop:
	for attempt := 1; attempt <= cycleAttempts; attempt++ {
		if version, rebooting, err = daemon.performCycleAttempt(ctx, logger); err == nil {
			break
		}

		logger.WithField("attempt", attempt).Errorf("Update cycle attempt failed: %v", err)

		if errors.Is(err, otaerrors.ErrManualIntervention) {
			logger.Error("CRITICAL: manual intervention required")

			break
		}

		if attempt == cycleAttempts {
			break
		}

		delay := cfg.CycleRetryDelay.Duration * time.Duration(attempt)

		logger.WithField("delay", delay).Info("Retry update cycle")

		select {
		case <-time.After(delay):

		case <-ctx.Done():
			err = aoserrors.Errorf("update cycle canceled: %v, last error: %w", ctx.Err(), err)

			break attemptLoop
		}
	}

	if err == nil {
		logger.WithField("version", version).Info("Update cycle completed")

		daemon.recordCycle(otatypes.UpdateRecord{
			ID: cycleID, Version: version, Status: otatypes.UpdateSuccess,
		}, startTime)

		if !rebooting {
			daemon.state.set(State{Kind: StateIdle})
		}

		return nil
	}

	if otaerrors.IsInstallerError(err) && !errors.Is(err, otaerrors.ErrManualIntervention) {
		if rollbackErr := daemon.performRollback(ctx, automaticRollback); rollbackErr != nil {
			logger.Errorf("Automatic rollback failed: %v", rollbackErr)
		}
	}

	daemon.recordCycle(otatypes.UpdateRecord{
		ID: cycleID, Version: otatypes.VersionUnknown, Status: otatypes.UpdateFailed, ErrorMessage: err.Error(),
	}, startTime)

	return err
}

func (daemon *Daemon) performCycleAttempt(
	ctx context.Context, logger *log.Entry,
) (version string, rebooting bool, err error) {
	cfg := daemon.getConfig()

	metadata, fileName, err := daemon.fetchUpdate(ctx, cfg)
	if err != nil {
		return "", false, err
	}

	if metadata == nil {
		logger.Info("No update available")

		return otatypes.VersionNoUpdate, false, nil
	}

	daemon.state.set(State{
		Kind: StateInstalling, Installation: &otatypes.InstallationStatus{Phase: otatypes.InstallNotStarted},
	})

	if err = daemon.install(ctx, cfg, fileName, *metadata); err != nil {
		return "", false, err
	}

	if removeErr := os.Remove(fileName); removeErr != nil {
		logger.Warnf("Can't remove downloaded file: %v", removeErr)
	}

	daemon.state.set(State{Kind: StateRebooting})

	if !cfg.RebootAfterUpdate || daemon.rebooter == nil {
		logger.Info("Reboot required to apply new kernel")

		return metadata.LatestVersion, false, nil
	}

	if rebootErr := daemon.rebooter.Reboot(ctx); rebootErr != nil {
		logger.Errorf("Can't reboot system: %v", rebootErr)

		return metadata.LatestVersion, false, nil
	}

	return metadata.LatestVersion, true, nil
}

// fetchUpdate discovers server, checks and downloads update within download timeout.
func (daemon *Daemon) fetchUpdate(
	ctx context.Context, cfg config.Config,
) (metadata *otatypes.KernelMetadata, fileName string, err error) {
	daemon.sourceMutex.Lock()
	defer daemon.sourceMutex.Unlock()

	timeoutCtx, cancel := context.WithTimeout(ctx, cfg.DownloadTimeout.Duration)
	defer cancel()

	defer func() {
		if err != nil && ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			err = otaerrors.Errorf(otaerrors.KindTimeout, "download operation timed out after %s: %v",
				cfg.DownloadTimeout.Duration, err)
		}
	}()

	daemon.state.set(State{Kind: StateDiscovering})

	if _, err = daemon.source.Discover(timeoutCtx); err != nil {
		return nil, "", err
	}

	daemon.state.set(State{Kind: StateCheckingUpdates})

	if metadata, err = daemon.source.CheckForUpdate(timeoutCtx); err != nil || metadata == nil {
		return nil, "", err
	}

	daemon.state.set(State{
		Kind: StateDownloading, Progress: &otatypes.DownloadProgress{Total: metadata.FileSize},
	})

	if fileName, err = daemon.source.DownloadWithRetries(timeoutCtx, *metadata, stateSink{daemon.state}); err != nil {
		return nil, "", err
	}

	return metadata, fileName, nil
}

func (daemon *Daemon) install(
	ctx context.Context, cfg config.Config, fileName string, metadata otatypes.KernelMetadata,
) (err error) {
	daemon.installerMutex.Lock()
	defer daemon.installerMutex.Unlock()

	journal := database.InstallJournal{
		Version: metadata.LatestVersion, Phase: journalPhaseInstalling, Started: time.Now().UTC(),
	}

	if daemon.storage != nil {
		if err = daemon.storage.SetInstallJournal(journal); err != nil {
			return otaerrors.PreCommitf(otaerrors.KindInstall, "can't store install journal: %v", err)
		}

		defer func() {
			if clearErr := daemon.storage.ClearInstallJournal(); clearErr != nil {
				log.Errorf("Can't clear install journal: %v", clearErr)
			}
		}()
	}

	sink := installSink{
		stateSink: stateSink{daemon.state},
		onBackup:  func() { daemon.backupCreated(journal) },
	}

	if err = daemon.installer.Install(ctx, fileName, metadata, sink); err != nil {
		return otaerrors.Wrap(otaerrors.KindInstall, err)
	}

	if daemon.stamp != nil {
		if stampErr := daemon.stamp.SetInstalled(metadata.LatestVersion, time.Now()); stampErr != nil {
			log.Errorf("Can't stamp installed version: %v", stampErr)
		}
	}

	if cleanupErr := daemon.installer.CleanupOldBackups(cfg.KeepBackups); cleanupErr != nil {
		log.Warnf("Can't cleanup old backups: %v", cleanupErr)
	}

	return nil
}

// backupCreated is called by installer once the current kernel is backed up. From this point an
// interrupted installation requires rollback.
func (daemon *Daemon) backupCreated(journal database.InstallJournal) {
	if daemon.stamp != nil {
		if err := daemon.stamp.BackupCreated(); err != nil {
			log.Errorf("Can't stamp backup version: %v", err)
		}
	}

	if daemon.storage != nil {
		journal.Phase = journalPhaseCommitting

		if err := daemon.storage.SetInstallJournal(journal); err != nil {
			log.Errorf("Can't store install journal: %v", err)
		}
	}
}

func (daemon *Daemon) performRollback(ctx context.Context, reason string) (err error) {
	startTime := time.Now()

	log.WithField("reason", reason).Warn("Perform rollback")

	daemon.installerMutex.Lock()
	err = daemon.installer.Rollback(ctx)
	daemon.installerMutex.Unlock()

	if err != nil {
		return otaerrors.Wrap(otaerrors.KindRollback, err)
	}

	if daemon.stamp != nil {
		if stampErr := daemon.stamp.RolledBack(time.Now()); stampErr != nil {
			log.Errorf("Can't stamp rolled back version: %v", stampErr)
		}
	}

	daemon.addRecord(otatypes.UpdateRecord{
		ID: uuid.New().String(), Version: otatypes.VersionRollback, Status: otatypes.UpdateRolledBack,
		ErrorMessage: reason,
	}, startTime)

	return nil
}

func (daemon *Daemon) recoverInterruptedInstall(ctx context.Context) {
	if daemon.storage == nil {
		return
	}

	journal, err := daemon.storage.GetInstallJournal()
	if err != nil {
		if !errors.Is(err, database.ErrNotExist) {
			log.Errorf("Can't get install journal: %v", err)
		}

		return
	}

	logger := log.WithFields(log.Fields{
		"version": journal.Version, "phase": journal.Phase, "started": journal.Started,
	})

	if journal.Phase != journalPhaseCommitting {
		logger.Warn("Installation interrupted before kernel backup, kernel is untouched")
	} else {
		logger.Warn("Interrupted installation detected")

		if err = daemon.performRollback(ctx, interruptedInstall); err != nil {
			log.Errorf("Can't roll back interrupted installation: %v", err)
		}
	}

	if err = daemon.storage.ClearInstallJournal(); err != nil {
		log.Errorf("Can't clear install journal: %v", err)
	}
}

func (daemon *Daemon) recordCycle(record otatypes.UpdateRecord, startTime time.Time) {
	now := time.Now()

	daemon.Lock()
	daemon.lastCheck = now
	daemon.Unlock()

	if daemon.storage != nil {
		if err := daemon.storage.SetLastCheck(now); err != nil {
			log.Errorf("Can't store last check time: %v", err)
		}
	}

	daemon.addRecord(record, startTime)
}

func (daemon *Daemon) addRecord(record otatypes.UpdateRecord, startTime time.Time) {
	record.Timestamp = time.Now().UTC()
	record.DurationSeconds = uint64(time.Since(startTime).Seconds())

	if err := daemon.history.add(record); err != nil {
		log.Errorf("Can't save update history: %v", err)
	}
}

func notifySystemd(state string) {
	if sent, err := sddaemon.SdNotify(false, state); err != nil {
		log.Warnf("Can't notify systemd: %v", err)
	} else if sent {
		log.WithField("state", state).Debug("Systemd notified")
	}
}
