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
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/aoscloud/aos_common/aoserrors"
	log "github.com/sirupsen/logrus"

	"github.com/aoscloud/aos_otaclient/otatypes"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

// MaxHistoryRecords max number of stored update records.
const MaxHistoryRecords = 100

const (
	historyDirPerm  = 0o755
	historyFilePerm = 0o644
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

type history struct {
	sync.Mutex

	fileName string
	records  []otatypes.UpdateRecord
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// ReadHistory reads update history file.
func ReadHistory(fileName string) (records []otatypes.UpdateRecord, err error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, aoserrors.Wrap(err)
	}

	if err = json.Unmarshal(data, &records); err != nil {
		return nil, aoserrors.Errorf("can't parse history file: %v", err)
	}

	return records, nil
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func newHistory(fileName string) (h *history) {
	h = &history{fileName: fileName}

	records, err := ReadHistory(fileName)
	if err != nil {
		log.Warnf("Can't load update history, start empty: %v", err)
	}

	h.records = trimHistory(records)

	log.WithField("records", len(h.records)).Debug("Update history loaded")

	return h
}

func (h *history) add(record otatypes.UpdateRecord) (err error) {
	h.Lock()
	defer h.Unlock()

	h.records = trimHistory(append(h.records, record))

	return h.save()
}

func (h *history) get() (records []otatypes.UpdateRecord) {
	h.Lock()
	defer h.Unlock()

	return append([]otatypes.UpdateRecord{}, h.records...)
}

func (h *history) last() (record *otatypes.UpdateRecord) {
	h.Lock()
	defer h.Unlock()

	if len(h.records) == 0 {
		return nil
	}

	lastRecord := h.records[len(h.records)-1]

	return &lastRecord
}

func (h *history) count() int {
	h.Lock()
	defer h.Unlock()

	return len(h.records)
}

func (h *history) save() (err error) {
	if err = os.MkdirAll(filepath.Dir(h.fileName), historyDirPerm); err != nil {
		return aoserrors.Wrap(err)
	}

	data, err := json.MarshalIndent(h.records, "", "    ")
	if err != nil {
		return aoserrors.Wrap(err)
	}

	tmpFile := h.fileName + ".tmp"

	if err = os.WriteFile(tmpFile, data, historyFilePerm); err != nil {
		return aoserrors.Wrap(err)
	}

	if err = os.Rename(tmpFile, h.fileName); err != nil {
		return aoserrors.Wrap(err)
	}

	return nil
}

func trimHistory(records []otatypes.UpdateRecord) []otatypes.UpdateRecord {
	if len(records) > MaxHistoryRecords {
		trimmed := make([]otatypes.UpdateRecord, MaxHistoryRecords)

		copy(trimmed, records[len(records)-MaxHistoryRecords:])

		return trimmed
	}

	return records
}
