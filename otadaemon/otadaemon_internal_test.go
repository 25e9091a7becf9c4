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

package otadaemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/aoscloud/aos_otaclient/otatypes"
)

/***********************************************************************************************************************
 * Tests
 **********************************************************************************************************************/

func TestHistoryCap(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "downloads", "ota_update_history.json")

	h := newHistory(fileName)

	for i := 0; i < MaxHistoryRecords+5; i++ {
		if err := h.add(otatypes.UpdateRecord{
			ID: strconv.Itoa(i), Version: otatypes.VersionNoUpdate, Status: otatypes.UpdateSuccess,
		}); err != nil {
			t.Fatalf("Can't add history record: %s", err)
		}
	}

	checkRecords := func(records []otatypes.UpdateRecord) {
		t.Helper()

		if len(records) != MaxHistoryRecords {
			t.Fatalf("Wrong history records count: %d", len(records))
		}

		for i, record := range records {
			if record.ID != strconv.Itoa(i+5) {
				t.Errorf("Wrong record order at %d: %s", i, record.ID)
			}
		}
	}

	checkRecords(h.get())

	records, err := ReadHistory(fileName)
	if err != nil {
		t.Fatalf("Can't read history: %s", err)
	}

	checkRecords(records)

	checkRecords(newHistory(fileName).get())

	if last := h.last(); last == nil || last.ID != strconv.Itoa(MaxHistoryRecords+4) {
		t.Errorf("Wrong last record: %v", last)
	}
}

func TestCorruptedHistory(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "ota_update_history.json")

	if err := os.WriteFile(fileName, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("Can't write history: %s", err)
	}

	h := newHistory(fileName)

	if h.count() != 0 || h.last() != nil {
		t.Error("Corrupted history should be dropped")
	}

	if err := h.add(otatypes.UpdateRecord{Version: otatypes.VersionRollback, Status: otatypes.UpdateRolledBack}); err != nil {
		t.Fatalf("Can't add history record: %s", err)
	}

	if records, err := ReadHistory(fileName); err != nil || len(records) != 1 {
		t.Errorf("Wrong history: %v, %v", records, err)
	}
}

func TestStateMachine(t *testing.T) {
	machine := newStateMachine()
	defer machine.close()

	if state := machine.current(); state.Kind != StateStarting {
		t.Errorf("Wrong initial state: %s", state)
	}

	machine.set(State{Kind: StateIdle})

	// Not allowed from Idle
	machine.set(State{Kind: StateRebooting})

	if state := machine.current(); state.Kind != StateIdle {
		t.Errorf("Invalid transition should be ignored: %s", state)
	}

	machine.set(State{Kind: StateDiscovering})
	machine.set(State{Kind: StateCheckingUpdates})

	sink := stateSink{machine}

	for i := uint64(1); i <= 10; i++ {
		sink.DownloadProgress(otatypes.NewDownloadProgress(i*10, 100))
	}

	machine.set(State{
		Kind: StateInstalling, Installation: &otatypes.InstallationStatus{Phase: otatypes.InstallNotStarted},
	})

	sink.InstallationStatus(otatypes.NewInstallationStatus(otatypes.InstallBackupCreated))

	// Late download progress after installation started is rejected
	sink.DownloadProgress(otatypes.NewDownloadProgress(100, 100))

	machine.set(State{Kind: StateRebooting})

	if state := machine.current(); state.Kind != StateRebooting {
		t.Errorf("Wrong state: %s", state)
	}

	machine.set(State{Kind: StateError, Message: "failed"})

	if state := machine.current(); state.Kind != StateError || state.String() != "Error(failed)" {
		t.Errorf("Wrong state: %s", state)
	}

	machine.set(State{Kind: StateShutdown})

	done := make(chan struct{})

	go func() {
		machine.set(State{Kind: StateIdle})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Set after shutdown should not block")
	}

	if state := machine.current(); state.Kind != StateShutdown {
		t.Errorf("Shutdown should be terminal: %s", state)
	}
}

func TestStateOrder(t *testing.T) {
	machine := newStateMachine()
	defer machine.close()

	machine.set(State{Kind: StateIdle})
	machine.set(State{Kind: StateDiscovering})
	machine.set(State{Kind: StateCheckingUpdates})

	sink := stateSink{machine}

	for i := uint64(1); i <= 100; i++ {
		sink.DownloadProgress(otatypes.NewDownloadProgress(i, 100))
	}

	// Direct write is applied after all queued progress updates
	machine.set(State{Kind: StateDownloading, Progress: &otatypes.DownloadProgress{Downloaded: 1000, Total: 1000}})

	state := machine.current()

	if state.Kind != StateDownloading || state.Progress == nil || state.Progress.Downloaded != 1000 {
		t.Errorf("Wrong state: %v", state)
	}
}
