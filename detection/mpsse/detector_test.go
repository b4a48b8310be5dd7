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

package mpsse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaparooProject/go-hce/config"
	"github.com/ZaparooProject/go-hce/detection"
	"github.com/ZaparooProject/go-hce/transport/mpsse"
)

func TestDetect(t *testing.T) {
	t.Parallel()

	p, ok := mpsse.LookupProfile(0x0403, 0x6014)
	require.True(t, ok)
	d := &detector{scan: func() ([]mpsse.Found, error) {
		return []mpsse.Found{{Profile: p, Bus: 1, Address: 7}}, nil
	}}

	opts := detection.DefaultOptions()
	got, err := d.Detect(context.Background(), &opts)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "usb:001:007", got[0].Path)
	assert.Equal(t, config.DevicePN7160, got[0].Device)
	assert.Equal(t, config.BusSPI, got[0].Bus)
	assert.Equal(t, "0403:6014", got[0].Metadata["vidpid"])
	assert.Equal(t, detection.Low, got[0].Confidence)

	opts.IgnorePaths = []string{"usb:001:007"}
	_, err = d.Detect(context.Background(), &opts)
	require.ErrorIs(t, err, detection.ErrNoDevicesFound)
}

func TestDetect_Nothing(t *testing.T) {
	t.Parallel()

	d := &detector{scan: func() ([]mpsse.Found, error) { return nil, nil }}
	opts := detection.DefaultOptions()
	_, err := d.Detect(context.Background(), &opts)
	require.ErrorIs(t, err, detection.ErrNoDevicesFound)
}
