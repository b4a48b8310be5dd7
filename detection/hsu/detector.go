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

// Package hsu detects PN532 boards on serial ports. Importing it registers
// the detector.
package hsu

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"

	"github.com/ZaparooProject/go-hce/config"
	"github.com/ZaparooProject/go-hce/detection"
	"github.com/ZaparooProject/go-hce/ic/pn532"
	"github.com/ZaparooProject/go-hce/transport/hsu"
)

const probeTimeout = 2 * time.Second

// USB serial bridges found on PN532 breakout boards.
var knownBridges = []string{
	"067B:2303", // Prolific PL2303
	"0403:6001", // FTDI FT232R
	"10C4:EA60", // Silicon Labs CP210x
	"1A86:7523", // QinHeng CH340
}

var keywords = []string{"pn532", "nfc", "rfid", "13.56"}

type detector struct {
	list  func() ([]*enumerator.PortDetails, error)
	probe func(ctx context.Context, path string, mode detection.Mode) bool
}

// New returns a detector backed by the system port list.
func New() detection.Detector {
	return &detector{list: enumerator.GetDetailedPortsList, probe: probe}
}

func init() {
	detection.RegisterDetector(New())
}

func (*detector) Transport() string { return detection.TransportHSU }

func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	ports, err := d.list()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	var found []detection.DeviceInfo
	for _, p := range ports {
		if ctx.Err() != nil {
			break
		}
		vidpid := ""
		if p.IsUSB {
			vidpid = detection.FormatVIDPID(p.VID, p.PID)
		}
		if detection.IsBlocked(vidpid, opts.Blocklist) || detection.IsPathIgnored(p.Name, opts.IgnorePaths) {
			continue
		}
		if info, ok := d.classify(ctx, p, vidpid, opts.Mode); ok {
			found = append(found, info)
		}
	}
	if len(found) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return found, nil
}

func (d *detector) classify(
	ctx context.Context, p *enumerator.PortDetails, vidpid string, mode detection.Mode,
) (detection.DeviceInfo, bool) {
	likely := isLikelyPN532(vidpid, p.Product)
	if mode == detection.Passive && !likely {
		return detection.DeviceInfo{}, false
	}

	info := detection.DeviceInfo{
		Transport:  detection.TransportHSU,
		Device:     config.DeviceHSU,
		Path:       p.Name,
		Name:       p.Product,
		Confidence: detection.Low,
		Metadata:   map[string]string{},
	}
	if info.Name == "" {
		info.Name = p.Name
	}
	if vidpid != "" {
		info.Metadata["vidpid"] = vidpid
	}
	if p.SerialNumber != "" {
		info.Metadata["serial"] = p.SerialNumber
	}
	if likely {
		info.Confidence = detection.Medium
	}
	if mode == detection.Passive {
		return info, true
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if d.probe(pctx, p.Name, mode) {
		info.Confidence = detection.High
		return info, true
	}
	return info, likely
}

func isLikelyPN532(vidpid, product string) bool {
	for _, known := range knownBridges {
		if vidpid == known {
			return true
		}
	}
	product = strings.ToLower(product)
	for _, k := range keywords {
		if strings.Contains(product, k) {
			return true
		}
	}
	return false
}

// probe opens the port once and asks for the firmware version. Full mode
// also sets up the SAM. Failed probes are not retried.
func probe(ctx context.Context, path string, mode detection.Mode) bool {
	t, err := hsu.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = t.Close() }()

	dev := pn532.New(t.Transmit)
	if _, err := dev.GetFirmwareVersion(ctx); err != nil {
		return false
	}
	if mode == detection.Full {
		return dev.SetSAMConfiguration(ctx, pn532.SAMModeNormal, 0, 1) == nil
	}
	return true
}
