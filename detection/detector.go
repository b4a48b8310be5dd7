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

// Package detection finds NFC front ends attached to the host. Transport
// specific detectors register themselves from their own packages.
package detection

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ZaparooProject/go-hce/internal/syncutil"
)

// Mode is how far a detector may go to confirm a candidate.
type Mode int

const (
	// Passive only inspects descriptors.
	Passive Mode = iota
	// Safe sends one identification command.
	Safe
	// Full also initializes the chip.
	Full
)

// Confidence ranks a detection.
type Confidence int

const (
	Low Confidence = iota
	Medium
	High
)

func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// Transport names.
const (
	TransportHSU    = "hsu"
	TransportPCSC   = "pcsc"
	TransportMPSSE  = "mpsse"
	TransportKernel = "kdev"
	TransportI2C    = "i2c"
	TransportSPI    = "spi"
)

// DeviceInfo describes one candidate. Device and Bus use the values of the
// configuration file so a result can be fed back as device settings.
type DeviceInfo struct {
	Metadata   map[string]string
	Transport  string
	Device     string
	Bus        string
	Path       string
	Name       string
	Confidence Confidence
}

func (d DeviceInfo) String() string {
	if d.Bus != "" {
		return fmt.Sprintf("%s on %s at %s (confidence: %s)", d.Device, d.Bus, d.Path, d.Confidence)
	}
	return fmt.Sprintf("%s at %s via %s (confidence: %s)", d.Device, d.Path, d.Transport, d.Confidence)
}

// Options configures DetectAll.
type Options struct {
	// VID:PID pairs never probed.
	Blocklist []string
	// Paths never reported.
	IgnorePaths []string
	// Transports to run. Empty runs all.
	Transports []string
	CacheTTL   time.Duration
	Timeout    time.Duration
	Mode       Mode
	// EnableCache reuses results younger than CacheTTL.
	EnableCache bool
}

// DefaultOptions probes safely with a five second budget.
func DefaultOptions() Options {
	return Options{
		Mode:        Safe,
		Timeout:     5 * time.Second,
		Blocklist:   DefaultBlocklist(),
		EnableCache: true,
		CacheTTL:    30 * time.Second,
	}
}

// Detector searches one transport.
type Detector interface {
	Detect(ctx context.Context, opts *Options) ([]DeviceInfo, error)
	Transport() string
}

var (
	// ErrNoDevicesFound is returned when nothing was detected.
	ErrNoDevicesFound = errors.New("no NFC devices found")
	// ErrDetectionTimeout is returned when detectors overrun the timeout.
	ErrDetectionTimeout = errors.New("detection timeout")
	// ErrUnsupportedPlatform is returned by detectors that cannot run here.
	ErrUnsupportedPlatform = errors.New("platform not supported")
	// ErrNoDetectors is returned when no registered detector matches.
	ErrNoDetectors = errors.New("no detectors available for the requested transports")
)

var (
	registry   []Detector
	registryMu syncutil.Mutex
)

// RegisterDetector adds d to the registry.
func RegisterDetector(d Detector) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, d)
}

func detectors(transports []string) []Detector {
	registryMu.Lock()
	defer registryMu.Unlock()
	if len(transports) == 0 {
		return slices.Clone(registry)
	}
	var out []Detector
	for _, d := range registry {
		if slices.Contains(transports, d.Transport()) {
			out = append(out, d)
		}
	}
	return out
}

type result struct {
	err     error
	devices []DeviceInfo
}

// DetectAll runs the selected detectors in parallel and returns every
// candidate, best first. Failing detectors are ignored as long as another
// one found something.
func DetectAll(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	list := detectors(opts.Transports)
	if len(list) == 0 {
		return nil, ErrNoDetectors
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	results := make(chan result, len(list))
	for _, d := range list {
		go func() { results <- detect(ctx, d, opts) }()
	}

	var found []DeviceInfo
	var errs []error
	for range list {
		select {
		case r := <-results:
			if r.err != nil {
				errs = append(errs, r.err)
				continue
			}
			found = append(found, r.devices...)
		case <-ctx.Done():
			return nil, ErrDetectionTimeout
		}
	}

	if len(found) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, ErrNoDevicesFound
	}
	Sort(found)
	return found, nil
}

func detect(ctx context.Context, d Detector, opts *Options) result {
	if opts.EnableCache {
		if cached, ok := getCached(d.Transport(), opts.CacheTTL); ok {
			return result{devices: filterDevices(cached, opts)}
		}
	}

	devices, err := d.Detect(ctx, opts)
	if err != nil && !errors.Is(err, ErrNoDevicesFound) {
		return result{err: fmt.Errorf("%s: %w", d.Transport(), err)}
	}
	if opts.EnableCache {
		if len(devices) > 0 {
			setCached(d.Transport(), devices)
		} else {
			clearCacheForTransport(d.Transport())
		}
	}
	return result{devices: devices}
}

// Sort orders devices by confidence, highest first, then by path.
func Sort(devices []DeviceInfo) {
	slices.SortStableFunc(devices, func(a, b DeviceInfo) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(a.Path, b.Path)
	})
}

// filterDevices applies IgnorePaths and Blocklist to cached results, which
// bypass the detectors' own filtering.
func filterDevices(devices []DeviceInfo, opts *Options) []DeviceInfo {
	if len(opts.IgnorePaths) == 0 && len(opts.Blocklist) == 0 {
		return devices
	}
	var out []DeviceInfo
	for _, d := range devices {
		if IsPathIgnored(d.Path, opts.IgnorePaths) {
			continue
		}
		if vidpid, ok := d.Metadata["vidpid"]; ok && IsBlocked(vidpid, opts.Blocklist) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// ClearDetectionCache drops every cached result.
func ClearDetectionCache() {
	clearCache()
}

// ClearDetectionCacheForTransport drops the cached results of one transport.
func ClearDetectionCacheForTransport(transport string) {
	clearCacheForTransport(transport)
}
