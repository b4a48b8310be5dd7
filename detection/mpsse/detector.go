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

// Package mpsse detects FTDI MPSSE adapters that can carry a PN7160. The
// chip behind the adapter is not probed since that needs its control lines
// wired. Importing the package registers the detector.
package mpsse

import (
	"context"
	"fmt"

	"github.com/ZaparooProject/go-hce/config"
	"github.com/ZaparooProject/go-hce/detection"
	"github.com/ZaparooProject/go-hce/transport/mpsse"
)

type detector struct {
	scan func() ([]mpsse.Found, error)
}

// New returns a detector scanning the USB bus.
func New() detection.Detector {
	return &detector{scan: mpsse.Scan}
}

func init() {
	detection.RegisterDetector(New())
}

func (*detector) Transport() string { return detection.TransportMPSSE }

func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	adapters, err := d.scan()
	if err != nil {
		return nil, err
	}

	var found []detection.DeviceInfo
	for _, a := range adapters {
		path := fmt.Sprintf("usb:%03d:%03d", a.Bus, a.Address)
		vidpid := fmt.Sprintf("%04X:%04X", uint16(a.Profile.VID), uint16(a.Profile.PID))
		if detection.IsPathIgnored(path, opts.IgnorePaths) {
			continue
		}
		found = append(found, detection.DeviceInfo{
			Transport:  detection.TransportMPSSE,
			Device:     config.DevicePN7160,
			Bus:        config.BusSPI,
			Path:       path,
			Name:       a.Profile.Description,
			Confidence: detection.Low,
			Metadata:   map[string]string{"vidpid": vidpid, "buses": config.BusSPI + "," + config.BusI2C},
		})
	}
	if len(found) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return found, nil
}
