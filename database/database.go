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

// Package database provides persistent storage of the OTA client state
package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aoscloud/aos_common/aoserrors"
	_ "github.com/mattn/go-sqlite3" // ignore lint
	log "github.com/sirupsen/logrus"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const (
	busyTimeout = 60000
	journalMode = "WAL"
	syncMode    = "NORMAL"
)

const dbVersion = 1

const dbDirPerm = 0o755

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

// ErrNotExist is returned when requested entry not exist in DB.
var ErrNotExist = errors.New("entry doesn't not exist")

// ErrVersionMismatch is returned when DB has unsupported version.
var ErrVersionMismatch = errors.New("version mismatch")

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// InstallJournal install operation in progress.
type InstallJournal struct {
	Version string    `json:"version"`
	Phase   string    `json:"phase"`
	Started time.Time `json:"started"`
}

// Database structure with database information.
type Database struct {
	sql *sql.DB
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// New creates new database handle.
func New(name string) (db *Database, err error) {
	log.WithField("name", name).Debug("Open database")

	if err = os.MkdirAll(filepath.Dir(name), dbDirPerm); err != nil {
		return nil, aoserrors.Wrap(err)
	}

	sqlite, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=%s&_sync=%s",
		name, busyTimeout, journalMode, syncMode))
	if err != nil {
		return nil, aoserrors.Wrap(err)
	}

	db = &Database{sqlite}

	defer func() {
		if err != nil {
			db.Close()
		}
	}()

	if err = db.createConfigTable(); err != nil {
		return nil, err
	}

	version, err := db.getVersion()
	if err != nil {
		return nil, err
	}

	if version != dbVersion {
		return nil, aoserrors.Wrap(ErrVersionMismatch)
	}

	return db, nil
}

// SetInstallJournal stores install journal.
func (db *Database) SetInstallJournal(journal InstallJournal) (err error) {
	journalJSON, err := json.Marshal(journal)
	if err != nil {
		return aoserrors.Wrap(err)
	}

	return db.setConfigValue("installJournal", string(journalJSON))
}

// GetInstallJournal returns install journal.
func (db *Database) GetInstallJournal() (journal InstallJournal, err error) {
	var journalJSON string

	if err = db.getConfigValue("installJournal", &journalJSON); err != nil {
		return journal, err
	}

	if journalJSON == "" {
		return journal, ErrNotExist
	}

	if err = json.Unmarshal([]byte(journalJSON), &journal); err != nil {
		return journal, aoserrors.Wrap(err)
	}

	return journal, nil
}

// ClearInstallJournal clears install journal.
func (db *Database) ClearInstallJournal() (err error) {
	return db.setConfigValue("installJournal", "")
}

// SetLastCheck stores last update check time.
func (db *Database) SetLastCheck(lastCheck time.Time) (err error) {
	return db.setConfigValue("lastCheck", lastCheck)
}

// GetLastCheck returns last update check time.
func (db *Database) GetLastCheck() (lastCheck time.Time, err error) {
	var value sql.NullTime

	if err = db.getConfigValue("lastCheck", &value); err != nil {
		return lastCheck, err
	}

	if !value.Valid {
		return lastCheck, ErrNotExist
	}

	return value.Time, nil
}

// Close closes database.
func (db *Database) Close() {
	if err := db.sql.Close(); err != nil {
		log.Errorf("Can't close database: %v", err)
	}
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func (db *Database) setConfigValue(name string, value interface{}) (err error) {
	result, err := db.sql.Exec(fmt.Sprintf("UPDATE config SET %s = ?", name), value)
	if err != nil {
		return aoserrors.Wrap(err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return aoserrors.Wrap(err)
	}

	if count == 0 {
		return ErrNotExist
	}

	return nil
}

func (db *Database) getConfigValue(name string, value interface{}) (err error) {
	stmt, err := db.sql.Prepare(fmt.Sprintf("SELECT %s FROM config", name))
	if err != nil {
		return aoserrors.Wrap(err)
	}
	defer stmt.Close()

	if err = stmt.QueryRow().Scan(value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotExist
		}

		return aoserrors.Wrap(err)
	}

	return nil
}

func (db *Database) getVersion() (version int, err error) {
	if err = db.getConfigValue("version", &version); err != nil {
		return 0, err
	}

	return version, nil
}

func (db *Database) isTableExist(name string) (result bool, err error) {
	rows, err := db.sql.Query("SELECT * FROM sqlite_master WHERE name = ? and type='table'", name)
	if err != nil {
		return false, aoserrors.Wrap(err)
	}
	defer rows.Close()

	result = rows.Next()

	return result, aoserrors.Wrap(rows.Err())
}

func (db *Database) createConfigTable() (err error) {
	log.Debug("Create config table")

	exist, err := db.isTableExist("config")
	if err != nil {
		return err
	}

	if exist {
		return nil
	}

	if _, err = db.sql.Exec(
		`CREATE TABLE config (
			version INTEGER,
			installJournal TEXT,
			lastCheck TIMESTAMP)`); err != nil {
		return aoserrors.Wrap(err)
	}

	if _, err = db.sql.Exec(
		`INSERT INTO config (
			version,
			installJournal,
			lastCheck) values(?, ?, ?)`, dbVersion, "", nil); err != nil {
		return aoserrors.Wrap(err)
	}

	return nil
}
