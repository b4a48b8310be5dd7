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

package hsu

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"

	"github.com/ZaparooProject/go-hce/config"
	"github.com/ZaparooProject/go-hce/detection"
)

func ports() []*enumerator.PortDetails {
	return []*enumerator.PortDetails{
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "1a86", PID: "7523", Product: "USB Serial"},
		{Name: "/dev/ttyUSB1", IsUSB: true, VID: "2341", PID: "0043", Product: "Arduino Uno"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "1fc9", PID: "0117", Product: "PN532 NFC board"},
		{Name: "/dev/ttyS0"},
	}
}

func newDetector(responding ...string) *detector {
	return &detector{
		list: func() ([]*enumerator.PortDetails, error) { return ports(), nil },
		probe: func(_ context.Context, path string, _ detection.Mode) bool {
			for _, r := range responding {
				if r == path {
					return true
				}
			}
			return false
		},
	}
}

func paths(devices []detection.DeviceInfo) map[string]detection.Confidence {
	out := map[string]detection.Confidence{}
	for _, d := range devices {
		out[d.Path] = d.Confidence
	}
	return out
}

func TestDetect_Modes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		want       map[string]detection.Confidence
		name       string
		responding []string
		mode       detection.Mode
	}{
		{
			name: "passive keeps likely ports",
			mode: detection.Passive,
			want: map[string]detection.Confidence{
				"/dev/ttyUSB0": detection.Medium,
				"/dev/ttyACM0": detection.Medium,
			},
		},
		{
			name:       "safe confirms by probe",
			mode:       detection.Safe,
			responding: []string{"/dev/ttyUSB0", "/dev/ttyS0"},
			want: map[string]detection.Confidence{
				"/dev/ttyUSB0": detection.High,
				"/dev/ttyACM0": detection.Medium,
				"/dev/ttyS0":   detection.High,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := detection.DefaultOptions()
			opts.Mode = tt.mode
			got, err := newDetector(tt.responding...).Detect(context.Background(), &opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, paths(got))
			for _, d := range got {
				assert.Equal(t, config.DeviceHSU, d.Device)
			}
		})
	}
}

func TestDetect_Filters(t *testing.T) {
	t.Parallel()

	opts := detection.DefaultOptions()
	opts.Mode = detection.Passive
	opts.Blocklist = []string{"1A86:7523"}
	opts.IgnorePaths = []string{"/dev/ttyACM0"}

	_, err := newDetector().Detect(context.Background(), &opts)
	require.ErrorIs(t, err, detection.ErrNoDevicesFound)
}

func TestDetect_Metadata(t *testing.T) {
	t.Parallel()

	opts := detection.DefaultOptions()
	opts.Mode = detection.Passive
	got, err := newDetector().Detect(context.Background(), &opts)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "1A86:7523", got[0].Metadata["vidpid"])
	assert.Equal(t, "USB Serial", got[0].Name)
}

func TestDetect_EnumerationError(t *testing.T) {
	t.Parallel()

	d := &detector{list: func() ([]*enumerator.PortDetails, error) { return nil, errors.New("denied") }}
	opts := detection.DefaultOptions()
	_, err := d.Detect(context.Background(), &opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
}
