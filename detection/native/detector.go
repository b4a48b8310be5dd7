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

// Package native lists the host I2C and SPI buses periph can open, as
// candidates for a directly wired PN7160. Importing it registers one
// detector per bus kind.
package native

import (
	"context"
	"runtime"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/ZaparooProject/go-hce/config"
	"github.com/ZaparooProject/go-hce/detection"
)

type bus struct {
	name    string
	aliases []string
}

type detector struct {
	list      func() ([]bus, error)
	transport string
	busKind   string
}

func init() {
	detection.RegisterDetector(NewI2C())
	detection.RegisterDetector(NewSPI())
}

// NewI2C returns a detector for I2C buses.
func NewI2C() detection.Detector {
	return &detector{transport: detection.TransportI2C, busKind: config.BusNativeI2C, list: i2cBuses}
}

// NewSPI returns a detector for SPI ports.
func NewSPI() detection.Detector {
	return &detector{transport: detection.TransportSPI, busKind: config.BusNativeSPI, list: spiPorts}
}

func i2cBuses() ([]bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	var out []bus
	for _, ref := range i2creg.All() {
		out = append(out, bus{name: ref.Name, aliases: ref.Aliases})
	}
	return out, nil
}

func spiPorts() ([]bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	var out []bus
	for _, ref := range spireg.All() {
		out = append(out, bus{name: ref.Name, aliases: ref.Aliases})
	}
	return out, nil
}

func (d *detector) Transport() string { return d.transport }

// Detect lists every bus with low confidence. The chip is not probed: its
// VEN line must be driven first and the pins are board specific.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	if runtime.GOOS != "linux" {
		return nil, detection.ErrUnsupportedPlatform
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buses, err := d.list()
	if err != nil {
		return nil, err
	}

	var found []detection.DeviceInfo
	for _, b := range buses {
		if detection.IsPathIgnored(b.name, opts.IgnorePaths) {
			continue
		}
		info := detection.DeviceInfo{
			Transport:  d.transport,
			Device:     config.DevicePN7160,
			Bus:        d.busKind,
			Path:       b.name,
			Name:       b.name,
			Confidence: detection.Low,
			Metadata:   map[string]string{},
		}
		if len(b.aliases) > 0 {
			info.Metadata["alias"] = b.aliases[0]
		}
		found = append(found, info)
	}
	if len(found) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return found, nil
}
