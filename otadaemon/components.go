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
	"github.com/aoscloud/aos_otaclient/config"
	"github.com/aoscloud/aos_otaclient/installer"
	"github.com/aoscloud/aos_otaclient/updatesource"
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// ComponentFactory creates update source and installer for configuration.
type ComponentFactory interface {
	NewUpdateSource(cfg config.Config) UpdateSource
	NewInstaller(cfg config.Config) Installer
}

// Components creates update source and installer of this module.
type Components struct {
	Browser         updatesource.Browser
	VersionProvider updatesource.VersionProvider
	SystemChecker   installer.SystemChecker
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// NewUpdateSource creates update source.
func (components *Components) NewUpdateSource(cfg config.Config) UpdateSource {
	return updatesource.New(cfg, components.Browser, components.VersionProvider)
}

// NewInstaller creates installer.
func (components *Components) NewInstaller(cfg config.Config) Installer {
	return installer.New(cfg, components.SystemChecker)
}
