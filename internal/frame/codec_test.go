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

package frame

import (
	"testing"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksums(t *testing.T) {
	t.Parallel()

	assert.Equal(t, byte(0x00), Checksum(nil))
	assert.Equal(t, byte(0xD7), Checksum([]byte{0xD4, 0x03}))
	assert.Equal(t, byte(0x29), DataChecksum([]byte{0xD4, 0x03}))
	assert.Equal(t, byte(0xFE), LengthChecksum(0x02))
	assert.Equal(t, byte(0x00), LengthChecksum(0x00))
}

func TestBuild_NormalFrame(t *testing.T) {
	t.Parallel()

	// GetFirmwareVersion
	out, err := Build([]byte{HostToPn532, 0x02})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0xFF, 0x02, 0xFE, 0xD4, 0x02, 0x2A, 0x00}, out)
}

func TestBuild_ExtendedFrame(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 260)
	payload[0] = HostToPn532
	out, err := Build(payload)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x01, 0x04, 0xFB}, out[:8])
	assert.Len(t, out, 8+260+2)

	got, n, err := Decode(out)
	require.NoError(t, err)
	assert.Equal(t, len(out), n)
	assert.Equal(t, payload, got)
}

func TestBuild_Limits(t *testing.T) {
	t.Parallel()

	_, err := Build(nil)
	require.ErrorIs(t, err, hce.ErrInvalidParameter)
	_, err = Build(make([]byte, MaxFrameDataLength+1))
	require.ErrorIs(t, err, hce.ErrDataTooLarge)
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		wantErr error
		name    string
		buf     []byte
		want    []byte
	}{
		{
			name: "firmware response",
			buf:  []byte{0x00, 0x00, 0xFF, 0x06, 0xFA, 0xD5, 0x03, 0x32, 0x01, 0x06, 0x07, 0xE8, 0x00},
			want: []byte{0xD5, 0x03, 0x32, 0x01, 0x06, 0x07},
		},
		{name: "ack", buf: AckFrame, want: []byte{}},
		{name: "nack", buf: NackFrame, want: []byte{}},
		{name: "error frame", buf: ErrorFrame, want: []byte{0x7F}},
		{
			name:    "bad preamble",
			buf:     []byte{0x01, 0x00, 0xFF, 0x02, 0xFE, 0xD5, 0x03, 0x28, 0x00},
			wantErr: hce.ErrFrameCorrupted,
		},
		{
			name:    "bad length checksum",
			buf:     []byte{0x00, 0x00, 0xFF, 0x02, 0xFD, 0xD5, 0x03, 0x28, 0x00},
			wantErr: hce.ErrChecksumMismatch,
		},
		{
			name:    "bad data checksum",
			buf:     []byte{0x00, 0x00, 0xFF, 0x02, 0xFE, 0xD5, 0x03, 0x27, 0x00},
			wantErr: hce.ErrChecksumMismatch,
		},
		{
			name:    "bad postamble",
			buf:     []byte{0x00, 0x00, 0xFF, 0x02, 0xFE, 0xD5, 0x03, 0x28, 0x01},
			wantErr: hce.ErrFrameCorrupted,
		},
		{
			name:    "truncated",
			buf:     []byte{0x00, 0x00, 0xFF, 0x04, 0xFC, 0xD5, 0x03},
			wantErr: hce.ErrFrameCorrupted,
		},
		{
			name:    "bad extended checksum",
			buf:     []byte{0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x00, 0x02, 0x00, 0xD5, 0x03, 0x28, 0x00},
			wantErr: hce.ErrChecksumMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, _, err := Decode(tt.buf)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.name == "error frame", IsErrorPayload(got))
		})
	}
}

func TestDecode_ConsumesOneFrame(t *testing.T) {
	t.Parallel()

	first, err := Build([]byte{Pn532ToHost, 0x15})
	require.NoError(t, err)
	buf := append(append([]byte{}, AckFrame...), first...)

	_, n, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, AckLength, n)

	got, n2, err := Decode(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, len(first), n2)
	assert.Equal(t, []byte{Pn532ToHost, 0x15}, got)
}

func TestParseHeader_Extended(t *testing.T) {
	t.Parallel()

	h, err := ParseHeader([]byte{0x00, 0x00, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	assert.True(t, h.Extended)

	n, err := ParseExtendedLength([]byte{0x01, 0x00, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, 256, n)

	_, err = ParseExtendedLength([]byte{0x10, 0x00, 0xF0})
	require.ErrorIs(t, err, hce.ErrFrameCorrupted)
}

func TestWakeUpPreamble(t *testing.T) {
	t.Parallel()

	require.Len(t, WakeUpPreamble, 16)
	assert.Equal(t, []byte{0x55, 0x55}, WakeUpPreamble[:2])
	for _, b := range WakeUpPreamble[2:] {
		assert.Zero(t, b)
	}
}
