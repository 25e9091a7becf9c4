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

// Package otaerrors provides typed errors of the OTA update cycle
package otaerrors

import (
	"errors"

	"github.com/aoscloud/aos_common/aoserrors"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

// Error kinds.
const (
	KindDiscovery Kind = iota
	KindUpdateCheck
	KindDownload
	KindTimeout
	KindInstall
	KindRollback
)

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

// ErrManualIntervention is returned when installation failed and the following rollback failed too.
var ErrManualIntervention = errors.New("manual intervention required")

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// Kind error kind.
type Kind int

// Error OTA error with kind.
type Error struct {
	Kind Kind
	Err  error
	// PreCommit is set when installation failed before the target image was touched.
	PreCommit bool
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// New creates error of specified kind.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Err: aoserrors.New(message)}
}

// Errorf creates formatted error of specified kind.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: aoserrors.Errorf(format, args...)}
}

// PreCommitf creates formatted error of specified kind for failure before the target image was touched.
func PreCommitf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: aoserrors.Errorf(format, args...), PreCommit: true}
}

// Wrap wraps error into error of specified kind. If the error already has a kind, it is returned as is.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}

	if errors.As(err, new(*Error)) {
		return err
	}

	return &Error{Kind: kind, Err: aoserrors.Wrap(err)}
}

// KindOf returns kind of error.
func KindOf(err error) (kind Kind, ok bool) {
	var otaErr *Error

	if !errors.As(err, &otaErr) {
		return 0, false
	}

	return otaErr.Kind, true
}

// IsInstallerError returns true if error originates from installer after the target image was touched.
func IsInstallerError(err error) bool {
	var otaErr *Error

	if !errors.As(err, &otaErr) || otaErr.PreCommit {
		return false
	}

	return otaErr.Kind == KindInstall || otaErr.Kind == KindRollback
}

// Error returns error message.
func (otaErr *Error) Error() string {
	return otaErr.Kind.String() + ": " + otaErr.Err.Error()
}

// Unwrap unwraps error.
func (otaErr *Error) Unwrap() error {
	return otaErr.Err
}

func (kind Kind) String() string {
	switch kind {
	case KindDiscovery:
		return "discovery error"

	case KindUpdateCheck:
		return "update check error"

	case KindDownload:
		return "download error"

	case KindTimeout:
		return "timeout error"

	case KindInstall:
		return "install error"

	case KindRollback:
		return "rollback error"

	default:
		return "unknown error"
	}
}
