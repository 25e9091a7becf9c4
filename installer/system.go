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
	"os"

	"github.com/aoscloud/aos_common/aoserrors"
	"github.com/shirou/gopsutil/v3/disk"
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// HostChecker checks properties of the running host.
type HostChecker struct{}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// NewHostChecker creates host checker.
func NewHostChecker() *HostChecker {
	return &HostChecker{}
}

// IsPrivileged returns true if process runs with effective super-user identity.
func (checker *HostChecker) IsPrivileged() bool {
	return os.Geteuid() == 0
}

// FreeSpace returns free space of file system containing path.
func (checker *HostChecker) FreeSpace(path string) (free uint64, err error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, aoserrors.Wrap(err)
	}

	return usage.Free, nil
}
