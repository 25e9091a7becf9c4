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

package database

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

var (
	tmpDir string
	db     *Database
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
 * Main
 **********************************************************************************************************************/

func TestMain(m *testing.M) {
	var err error

	tmpDir, err = os.MkdirTemp("", "ota_")
	if err != nil {
		log.Fatalf("Error create temporary dir: %s", err)
	}

	db, err = New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		log.Fatalf("Can't create database: %s", err)
	}

	ret := m.Run()

	db.Close()

	if err = os.RemoveAll(tmpDir); err != nil {
		log.Fatalf("Error deleting tmp dir: %s", err)
	}

	os.Exit(ret)
}

/***********************************************************************************************************************
 * Tests
 **********************************************************************************************************************/

func TestNewErrors(t *testing.T) {
	dbLocal, err := New("/sys/rooooot/test.db")
	if err == nil {
		dbLocal.Close()
		t.Fatal("Expecting error with no access rights")
	}
}

func TestInstallJournal(t *testing.T) {
	if _, err := db.GetInstallJournal(); !errors.Is(err, ErrNotExist) {
		t.Errorf("Journal should not exist: %v", err)
	}

	setJournal := InstallJournal{
		Version: "1.0.1", Phase: "installing", Started: time.Date(2025, 6, 16, 10, 30, 0, 0, time.UTC),
	}

	if err := db.SetInstallJournal(setJournal); err != nil {
		t.Fatalf("Can't set install journal: %s", err)
	}

	getJournal, err := db.GetInstallJournal()
	if err != nil {
		t.Fatalf("Can't get install journal: %s", err)
	}

	if !reflect.DeepEqual(setJournal, getJournal) {
		t.Errorf("Wrong install journal: %v", getJournal)
	}

	if err = db.ClearInstallJournal(); err != nil {
		t.Fatalf("Can't clear install journal: %s", err)
	}

	if _, err = db.GetInstallJournal(); !errors.Is(err, ErrNotExist) {
		t.Errorf("Journal should be cleared: %v", err)
	}
}

func TestLastCheck(t *testing.T) {
	if _, err := db.GetLastCheck(); !errors.Is(err, ErrNotExist) {
		t.Errorf("Last check should not exist: %v", err)
	}

	setLastCheck := time.Date(2025, 6, 16, 10, 30, 0, 0, time.UTC)

	if err := db.SetLastCheck(setLastCheck); err != nil {
		t.Fatalf("Can't set last check: %s", err)
	}

	getLastCheck, err := db.GetLastCheck()
	if err != nil {
		t.Fatalf("Can't get last check: %s", err)
	}

	if !getLastCheck.Equal(setLastCheck) {
		t.Errorf("Wrong last check: %s", getLastCheck)
	}
}

func TestReopen(t *testing.T) {
	dbName := filepath.Join(tmpDir, "reopen.db")

	dbLocal, err := New(dbName)
	if err != nil {
		t.Fatalf("Can't create database: %s", err)
	}

	if err = dbLocal.SetInstallJournal(InstallJournal{Version: "2.0.0", Phase: "installing"}); err != nil {
		t.Fatalf("Can't set install journal: %s", err)
	}

	dbLocal.Close()

	if dbLocal, err = New(dbName); err != nil {
		t.Fatalf("Can't reopen database: %s", err)
	}
	defer dbLocal.Close()

	journal, err := dbLocal.GetInstallJournal()
	if err != nil {
		t.Fatalf("Can't get install journal: %s", err)
	}

	if journal.Version != "2.0.0" {
		t.Errorf("Wrong journal version: %s", journal.Version)
	}
}
