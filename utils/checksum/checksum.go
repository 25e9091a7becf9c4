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

// Package checksum provides helpers for "<algorithm>:<hex>" checksums
package checksum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/aoscloud/aos_common/aoserrors"
	"github.com/aoscloud/aos_common/utils/contextreader"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

// AlgorithmSHA256 sha256 checksum algorithm.
const AlgorithmSHA256 = "sha256"

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

var checksumRegexp = regexp.MustCompile(`^[a-z0-9]+:[0-9a-f]{64}$`)

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// New returns hash for supported algorithm.
func New() hash.Hash {
	return sha256.New()
}

// Format formats hash sum as checksum string.
func Format(sum []byte) string {
	return AlgorithmSHA256 + ":" + hex.EncodeToString(sum)
}

// Normalize lower-cases checksum and trims spaces.
func Normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// Validate checks checksum format.
func Validate(value string) (err error) {
	algorithm, _, found := strings.Cut(value, ":")
	if !found {
		return aoserrors.Errorf("invalid checksum format: %s", value)
	}

	if algorithm != AlgorithmSHA256 {
		return aoserrors.Errorf("unsupported checksum algorithm: %s", algorithm)
	}

	if !checksumRegexp.MatchString(value) {
		return aoserrors.Errorf("invalid checksum format: %s", value)
	}

	return nil
}

// Equal compares two checksums.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// File calculates file checksum.
func File(ctx context.Context, fileName string) (checksum string, size uint64, err error) {
	file, err := os.Open(fileName)
	if err != nil {
		return "", 0, aoserrors.Wrap(err)
	}
	defer file.Close()

	hash := New()

	copied, err := io.Copy(hash, contextreader.New(ctx, file))
	if err != nil {
		return "", 0, aoserrors.Wrap(err)
	}

	return Format(hash.Sum(nil)), uint64(copied), nil
}
