// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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

//go:build !linux

package kdev

import (
	"context"
	"fmt"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/ic/pn7160"
)

// Open is only available on Linux.
func Open(string) (pn7160.Bus, error) {
	return nil, fmt.Errorf("%w: kernel device bus requires linux", hce.ErrDeviceNotSupported)
}

// Dialer is only available on Linux.
func Dialer(path string) pn7160.Dialer {
	return func(context.Context) (pn7160.Bus, error) { return Open(path) }
}

// Find never finds a device node off Linux.
func Find() (string, bool) { return "", false }
