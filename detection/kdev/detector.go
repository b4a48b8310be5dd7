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

// Package kdev detects the pn5xx kernel driver device node. Importing it
// registers the detector.
package kdev

import (
	"context"

	"github.com/ZaparooProject/go-hce/config"
	"github.com/ZaparooProject/go-hce/detection"
	"github.com/ZaparooProject/go-hce/transport/kdev"
)

type detector struct {
	find func() (string, bool)
}

// New returns a detector looking at the default device nodes.
func New() detection.Detector {
	return &detector{find: kdev.Find}
}

func init() {
	detection.RegisterDetector(New())
}

func (*detector) Transport() string { return detection.TransportKernel }

// Detect reports the node with medium confidence: it exists only when the
// driver bound to a controller.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, ok := d.find()
	if !ok || detection.IsPathIgnored(path, opts.IgnorePaths) {
		return nil, detection.ErrNoDevicesFound
	}
	return []detection.DeviceInfo{{
		Transport:  detection.TransportKernel,
		Device:     config.DevicePN7160,
		Bus:        config.BusKernel,
		Path:       path,
		Name:       "pn5xx kernel driver",
		Confidence: detection.Medium,
		Metadata:   map[string]string{},
	}}, nil
}
