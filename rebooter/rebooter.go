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

// Package rebooter reboots the system after kernel update
package rebooter

import (
	"context"

	"github.com/aoscloud/aos_common/aoserrors"
	"github.com/coreos/go-systemd/v22/dbus"
	log "github.com/sirupsen/logrus"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const (
	rebootTarget = "reboot.target"
	rebootMode   = "replace-irreversibly"
	jobDone      = "done"
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// SystemdRebooter reboots system using systemd.
type SystemdRebooter struct{}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// Reboot reboots the system.
func (rebooter *SystemdRebooter) Reboot(ctx context.Context) (err error) {
	log.Info("Reboot system")

	systemd, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return aoserrors.Wrap(err)
	}
	defer systemd.Close()

	result := make(chan string, 1)

	if _, err = systemd.StartUnitContext(ctx, rebootTarget, rebootMode, result); err != nil {
		return aoserrors.Wrap(err)
	}

	select {
	case status := <-result:
		if status != jobDone {
			return aoserrors.Errorf("reboot job failed: %s", status)
		}

		return nil

	case <-ctx.Done():
		return aoserrors.Wrap(ctx.Err())
	}
}
