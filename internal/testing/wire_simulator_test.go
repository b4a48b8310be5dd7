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

package testing

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaparooProject/go-hce/internal/frame"
)

func commandFrame(t *testing.T, cmd byte, params ...byte) []byte {
	t.Helper()
	out, err := frame.Build(append([]byte{frame.HostToPn532, cmd}, params...))
	require.NoError(t, err)
	return out
}

// readAll drains the simulator until a read times out
func readAll(v *VirtualPN532) []byte {
	var out []byte
	buf := make([]byte, 64)
	for {
		n, _ := v.Read(buf)
		if n == 0 {
			return out
		}
		out = append(out, buf[:n]...)
	}
}

// responsePayload strips the leading ACK and decodes the response frame
func responsePayload(t *testing.T, data []byte) []byte {
	t.Helper()
	require.True(t, bytes.HasPrefix(data, frame.AckFrame), "missing ACK in % X", data)
	payload, _, err := frame.Decode(data[frame.AckLength:])
	require.NoError(t, err)
	return payload
}

func newAwakeSim(t *testing.T) *VirtualPN532 {
	t.Helper()
	v := NewVirtualPN532()
	require.NoError(t, v.SetReadTimeout(5*time.Millisecond))
	_, err := v.Write(frame.WakeUpPreamble)
	require.NoError(t, err)
	return v
}

func TestVirtualPN532_SleepsUntilWoken(t *testing.T) {
	t.Parallel()

	v := NewVirtualPN532()
	require.NoError(t, v.SetReadTimeout(5*time.Millisecond))
	assert.Equal(t, PowerLow, v.PowerMode())

	_, err := v.Write(commandFrame(t, cmdGetFirmwareVersion))
	require.NoError(t, err)
	assert.Empty(t, readAll(v))
	assert.Equal(t, 1, v.Dropped())

	_, err = v.Write(append(append([]byte{}, frame.WakeUpPreamble...), commandFrame(t, cmdGetFirmwareVersion)...))
	require.NoError(t, err)
	assert.Equal(t, PowerNormal, v.PowerMode())
	assert.Equal(t, 1, v.WakeUps())
	assert.Equal(t, []byte{0xD5, 0x03, 0x32, 0x01, 0x06, 0x07}, responsePayload(t, readAll(v)))
}

func TestVirtualPN532_PowerDown(t *testing.T) {
	t.Parallel()

	v := newAwakeSim(t)
	_, err := v.Write(commandFrame(t, cmdPowerDown, 0x10, 0x00))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD5, 0x17, 0x00}, responsePayload(t, readAll(v)))
	assert.Equal(t, PowerDown, v.PowerMode())
}

func TestVirtualPN532_Registers(t *testing.T) {
	t.Parallel()

	v := newAwakeSim(t)
	_, err := v.Write(commandFrame(t, cmdWriteRegister, 0x63, 0x02, 0x80))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD5, 0x09}, responsePayload(t, readAll(v)))
	assert.Equal(t, byte(0x80), v.Register(0x6302))

	_, err = v.Write(commandFrame(t, cmdReadRegister, 0x63, 0x04))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD5, 0x07, 0x83}, responsePayload(t, readAll(v)))
}

func TestVirtualPN532_TargetSession(t *testing.T) {
	t.Parallel()

	v := newAwakeSim(t)

	// no initiator yet: TgInitAsTarget only gets its ACK
	_, err := v.Write(commandFrame(t, cmdTgInitAsTarget, 0x04))
	require.NoError(t, err)
	assert.Equal(t, frame.AckFrame, readAll(v))

	v.Activate(0xE0, 0x80)
	payload, _, err := frame.Decode(readAll(v))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD5, 0x8D, 0x08, 0xE0, 0x80}, payload)

	v.QueueAPDU(0x00, 0xA4, 0x04, 0x00)
	_, err = v.Write(commandFrame(t, cmdTgGetData))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD5, 0x87, 0x00, 0x00, 0xA4, 0x04, 0x00}, responsePayload(t, readAll(v)))

	_, err = v.Write(commandFrame(t, cmdTgSetData, 0x90, 0x00))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD5, 0x8F, 0x00}, responsePayload(t, readAll(v)))
	assert.Equal(t, [][]byte{{0x90, 0x00}}, v.Sent())

	// a blocked TgGetData is answered by the release
	_, err = v.Write(commandFrame(t, cmdTgGetData))
	require.NoError(t, err)
	assert.Equal(t, frame.AckFrame, readAll(v))
	v.Release()
	payload, _, err = frame.Decode(readAll(v))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD5, 0x87, 0x29}, payload)

	assert.Equal(t, []byte{cmdTgInitAsTarget, cmdTgGetData, cmdTgSetData, cmdTgGetData}, v.Commands())
}

func TestVirtualPN532_FaultInjection(t *testing.T) {
	t.Parallel()

	v := newAwakeSim(t)
	v.DropNextACK()
	_, err := v.Write(commandFrame(t, cmdSAMConfiguration, 0x01))
	require.NoError(t, err)
	out := readAll(v)
	assert.False(t, bytes.HasPrefix(out, frame.AckFrame))

	v.InjectChecksumError()
	_, err = v.Write(commandFrame(t, cmdSAMConfiguration, 0x01))
	require.NoError(t, err)
	out = readAll(v)
	_, _, err = frame.Decode(out[frame.AckLength:])
	require.Error(t, err)

	_, err = v.Write(commandFrame(t, 0x4A, 0x01, 0x00))
	require.NoError(t, err)
	out = readAll(v)
	assert.Equal(t, frame.ErrorFrame, out[frame.AckLength:])
}

func TestFragmentedPort_PreservesBytes(t *testing.T) {
	t.Parallel()

	v := newAwakeSim(t)
	p := NewFragmentedPort(v, FragmentConfig{Seed: 42})
	_, err := p.Write(commandFrame(t, cmdGetFirmwareVersion))
	require.NoError(t, err)

	var out []byte
	buf := make([]byte, 32)
	for {
		n, err := p.Read(buf)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	assert.Equal(t, []byte{0xD5, 0x03, 0x32, 0x01, 0x06, 0x07}, responsePayload(t, out))
}
