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

package otatypes_test

import (
	"errors"
	"testing"

	"github.com/aoscloud/aos_otaclient/otatypes"
)

/***********************************************************************************************************************
 * Tests
 **********************************************************************************************************************/

func TestInstallPhaseString(t *testing.T) {
	data := map[otatypes.InstallPhase]string{
		otatypes.InstallNotStarted:      "NotStarted",
		otatypes.InstallBackupCreated:   "BackupCreated",
		otatypes.InstallKernelInstalled: "KernelInstalled",
		otatypes.InstallVerified:        "Verified",
		otatypes.InstallCompleted:       "Completed",
		otatypes.InstallFailed:          "Failed",
		otatypes.InstallPhase(42):       "Unknown",
		otatypes.InstallPhase(-1):       "Unknown",
	}

	for phase, expected := range data {
		if value := phase.String(); value != expected {
			t.Errorf("Wrong phase string: %s, expected: %s", value, expected)
		}
	}

	status := otatypes.NewInstallationFailed(errors.New("no space"))

	if value := status.String(); value != "Failed(no space)" {
		t.Errorf("Wrong status string: %s", value)
	}
}
