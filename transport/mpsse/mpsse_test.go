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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hce "github.com/ZaparooProject/go-hce"
)

type recordingPort struct {
	writes [][]byte
	rx     []byte
	pins   byte
	closed bool
}

func (p *recordingPort) Write(b []byte) (int, error) {
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *recordingPort) Read(b []byte) (int, error) {
	n := copy(b, p.rx)
	p.rx = p.rx[n:]
	return n, nil
}

func (p *recordingPort) ReadPins() (byte, error) { return p.pins, nil }

func (p *recordingPort) Close() error {
	p.closed = true
	return nil
}

func (p *recordingPort) take() [][]byte {
	w := p.writes
	p.writes = nil
	return w
}

func openRecorded(t *testing.T, mode Mode, clock uint32) (*MPSSE, *recordingPort) {
	t.Helper()
	port := &recordingPort{}
	m, err := New(port, "test", mode, clock)
	require.NoError(t, err)
	port.take()
	return m, port
}

func TestNew_SetupSequence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		want   [][]byte
		mode   Mode
		clock  uint32
		actual uint32
	}{
		{
			name: "SPI0 at 1MHz", mode: SPI0, clock: Clock1MHz, actual: 1_000_000,
			want: [][]byte{{0x8B}, {0x86, 0x05, 0x00}, {0x97}, {0x80, 0x08, 0xFB}, {0x82, 0x00, 0xFF}},
		},
		{
			name: "I2C at 100kHz", mode: I2C, clock: Clock100kHz, actual: 100_000,
			want: [][]byte{{0x8B}, {0x86, 0x3B, 0x00}, {0x97, 0x8C}, {0x80, 0x0F, 0xFB}, {0x82, 0x00, 0xFF}},
		},
		{
			name: "SPI2 at 30MHz", mode: SPI2, clock: Clock30MHz, actual: 30_000_000,
			want: [][]byte{{0x8A}, {0x86, 0x00, 0x00}, {0x97}, {0x80, 0x09, 0xFB}, {0x82, 0x00, 0xFF}},
		},
		{
			name: "zero clock", mode: SPI0, clock: 0, actual: 91,
			want: [][]byte{{0x8B}, {0x86, 0xFF, 0xFF}, {0x97}, {0x80, 0x08, 0xFB}, {0x82, 0x00, 0xFF}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			port := &recordingPort{}
			m, err := New(port, "test", tt.mode, tt.clock)
			require.NoError(t, err)
			assert.Equal(t, tt.want, port.writes)
			assert.Equal(t, tt.actual, m.Clock())
			assert.Equal(t, tt.mode, m.Mode())
		})
	}
}

func TestNew_RejectsUnknownMode(t *testing.T) {
	t.Parallel()

	_, err := New(&recordingPort{}, "test", Mode(9), Clock1MHz)
	require.ErrorIs(t, err, hce.ErrInvalidParameter)
}

func TestSPI0_Transaction(t *testing.T) {
	t.Parallel()

	m, port := openRecorded(t, SPI0, Clock1MHz)
	port.rx = []byte{0x40, 0x00, 0x01}

	require.NoError(t, m.Start())
	require.NoError(t, m.Write([]byte{0x00, 0x20, 0x00}))
	got, err := m.Read(3)
	require.NoError(t, err)
	require.NoError(t, m.Stop())

	assert.Equal(t, []byte{0x40, 0x00, 0x01}, got)
	assert.Equal(t, [][]byte{
		{0x80, 0x00, 0xFB},
		{0x11, 0x02, 0x00, 0x00, 0x20, 0x00},
		{0x20, 0x02, 0x00, 0x87},
		{0x80, 0x08, 0xFB},
		{0x80, 0x08, 0xFB},
	}, port.writes)
}

func TestSPI_WriteChunks(t *testing.T) {
	t.Parallel()

	m, port := openRecorded(t, SPI0, Clock1MHz)
	require.NoError(t, m.Write(make([]byte, 64*1024)))

	require.Len(t, port.writes, 2)
	assert.Equal(t, []byte{0x11, 0xFF, 0xFB}, port.writes[0][:3])
	assert.Len(t, port.writes[0], 3+63*1024)
	assert.Equal(t, []byte{0x11, 0xFF, 0x03}, port.writes[1][:3])
	assert.Len(t, port.writes[1], 3+1024)
}

func TestSPI_ClockGlitchWorkarounds(t *testing.T) {
	t.Parallel()

	m, port := openRecorded(t, SPI3, Clock1MHz)
	require.NoError(t, m.Start())
	assert.Equal(t, [][]byte{{0x80, 0x01, 0xFB}, {0x80, 0x00, 0xFB}}, port.take())

	m, port = openRecorded(t, SPI1, Clock1MHz)
	require.NoError(t, m.Start())
	assert.Equal(t, [][]byte{{0x80, 0x00, 0xFB}, {0x80, 0x01, 0xFB}}, port.take())
}

func TestI2C_StartStop(t *testing.T) {
	t.Parallel()

	m, port := openRecorded(t, I2C, Clock100kHz)
	require.NoError(t, m.Start())
	assert.Equal(t, [][]byte{{0x80, 0x01, 0xFB}}, port.take())

	// repeated start
	require.NoError(t, m.Start())
	assert.Equal(t, [][]byte{{0x80, 0x0E, 0xFB}, {0x80, 0x0F, 0xFB}, {0x80, 0x01, 0xFB}}, port.take())

	require.NoError(t, m.Stop())
	assert.Equal(t, [][]byte{{0x80, 0x0C, 0xFB}, {0x80, 0x09, 0xFB}, {0x80, 0x0F, 0xFB}}, port.take())
}

func TestI2C_WriteChecksAck(t *testing.T) {
	t.Parallel()

	m, port := openRecorded(t, I2C, Clock100kHz)
	port.rx = []byte{0x00, 0x01}

	err := m.Write([]byte{0x50, 0x20})
	require.ErrorIs(t, err, hce.ErrNACK)

	require.Len(t, port.writes, 2)
	assert.Equal(t, []byte{
		0x80, 0x00, 0xFB,
		0x11, 0x00, 0x00, 0x50,
		0x80, 0x00, 0xF9,
		0x22, 0x00, 0x87,
	}, port.writes[0])
	assert.Equal(t, byte(0x20), port.writes[1][6])
}

func TestI2C_ReadAcksEachByte(t *testing.T) {
	t.Parallel()

	m, port := openRecorded(t, I2C, Clock100kHz)
	port.rx = []byte{0x40, 0x00}

	got, err := m.Read(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x40, 0x00}, got)

	perByte := []byte{0x80, 0x00, 0xF9, 0x20, 0x00, 0x00, 0x80, 0x00, 0xFB, 0x13, 0x00, 0x00}
	want := append(append(append([]byte{}, perByte...), perByte...), 0x87)
	assert.Equal(t, [][]byte{want}, port.writes)

	m.SetAck(false)
	port.take()
	port.rx = []byte{0x01}
	_, err = m.Read(1)
	require.NoError(t, err)
	assert.Equal(t, byte(NackBit), port.writes[0][11])
}

func TestGPIO(t *testing.T) {
	t.Parallel()

	m, port := openRecorded(t, SPI0, Clock1MHz)

	require.NoError(t, m.SetGPIO(GPIOH3, true))
	require.NoError(t, m.SetGPIO(GPIOH2, false))
	assert.Equal(t, [][]byte{{0x82, 0x08, 0xFF}, {0x82, 0x08, 0xFF}}, port.take())
	high, err := m.GetGPIO(GPIOH3)
	require.NoError(t, err)
	assert.True(t, high)

	require.NoError(t, m.SetGPIO(GPIOL1, true))
	assert.Equal(t, [][]byte{{0x80, 0x28, 0xFB}}, port.take())

	// low side pins now follow the bus state
	require.NoError(t, m.Start())
	assert.Equal(t, [][]byte{{0x80, 0x20, 0xFB}}, port.take())
	require.ErrorIs(t, m.SetGPIO(GPIOL0, true), hce.ErrTransportNotReady)
	require.NoError(t, m.Stop())

	port.pins = 0x20
	irq, err := m.GetGPIO(GPIOL1)
	require.NoError(t, err)
	assert.True(t, irq)
	irq, err = m.GetGPIO(GPIOL0)
	require.NoError(t, err)
	assert.False(t, irq)

	_, err = m.GetGPIO(GPIO(12))
	require.ErrorIs(t, err, hce.ErrInvalidParameter)
}

func TestRead_TimeoutAndClose(t *testing.T) {
	t.Parallel()

	m, port := openRecorded(t, SPI0, Clock1MHz)
	_, err := m.Read(4)
	require.ErrorIs(t, err, hce.ErrTransportTimeout)
	assert.True(t, hce.IsRetryable(err))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.True(t, port.closed)
	require.ErrorIs(t, m.Start(), hce.ErrTransportClosed)
	require.ErrorIs(t, m.Write([]byte{0}), hce.ErrTransportClosed)
}

func TestLookupProfile(t *testing.T) {
	t.Parallel()

	p, ok := LookupProfile(0x0403, 0x6014)
	require.True(t, ok)
	assert.Contains(t, p.Description, "FT232H")

	_, ok = LookupProfile(0x1234, 0x5678)
	assert.False(t, ok)
	assert.Len(t, Profiles, 10)
}
