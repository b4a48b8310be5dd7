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

// Package pcsc detects ACR122U readers through the PC/SC service. Importing
// it registers the detector.
package pcsc

import (
	"context"
	"fmt"
	"strings"

	"github.com/ZaparooProject/go-hce/config"
	"github.com/ZaparooProject/go-hce/detection"
	"github.com/ZaparooProject/go-hce/ic/pn532"
	"github.com/ZaparooProject/go-hce/transport/acr122"
	"github.com/ZaparooProject/go-hce/transport/pcsc"
)

type detector struct {
	factory pcsc.ContextFactory
}

// New returns a detector using the system resource manager.
func New() detection.Detector {
	return &detector{factory: pcsc.EstablishContext}
}

func init() {
	detection.RegisterDetector(New())
}

func (*detector) Transport() string { return detection.TransportPCSC }

func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	dev := pcsc.NewWithFactory(d.factory)
	if err := dev.Open(); err != nil {
		return nil, fmt.Errorf("pcsc unavailable: %w", err)
	}
	readers, err := dev.ListReaders()
	_ = dev.Close()
	if err != nil {
		return nil, err
	}

	var found []detection.DeviceInfo
	for _, name := range readers {
		if !strings.Contains(name, acr122.DefaultReaderName) || detection.IsPathIgnored(name, opts.IgnorePaths) {
			continue
		}
		info := detection.DeviceInfo{
			Transport:  detection.TransportPCSC,
			Device:     config.DeviceACR,
			Path:       name,
			Name:       name,
			Confidence: detection.Medium,
			Metadata:   map[string]string{},
		}
		if opts.Mode != detection.Passive && d.probe(ctx, name, info.Metadata) {
			info.Confidence = detection.High
		}
		found = append(found, info)
	}
	if len(found) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return found, nil
}

// probe connects in direct mode and reads the PN532 firmware behind the
// reader.
func (d *detector) probe(ctx context.Context, reader string, meta map[string]string) bool {
	t, err := acr122.OpenDevice(pcsc.NewWithFactory(d.factory), pcsc.ModeDirect, reader)
	if err != nil {
		return false
	}
	defer func() { _ = t.Close() }()

	fw, err := pn532.New(t.Transmit).GetFirmwareVersion(ctx)
	if err != nil {
		return false
	}
	meta["firmware"] = fw.String()
	return true
}
