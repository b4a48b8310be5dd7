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

package i2c

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/ic/pn7160"
	"github.com/ZaparooProject/go-hce/internal/pins"
	simulator "github.com/ZaparooProject/go-hce/internal/testing"
)

var errBusClosed = errors.New("bus is closed")

// MockI2CBus implements i2c.Bus backed by a scripted NCI controller. A read
// continues the current controller message.
type MockI2CBus struct {
	sim     *simulator.ScriptedBus
	current []byte
	nacks   int
	addrs   []uint16
	closed  bool
}

func (m *MockI2CBus) Tx(addr uint16, w, r []byte) error {
	if m.closed {
		return errBusClosed
	}
	m.addrs = append(m.addrs, addr)
	if m.nacks > 0 {
		m.nacks--
		return errors.New("i2c: NACK")
	}
	if len(w) > 0 {
		if err := m.sim.Write(context.Background(), w); err != nil {
			return fmt.Errorf("mock i2c write: %w", err)
		}
	}
	if len(r) > 0 {
		if len(m.current) == 0 {
			msg, err := m.sim.Read(context.Background())
			if err != nil {
				return fmt.Errorf("mock i2c read: %w", err)
			}
			m.current = msg
		}
		n := copy(r, m.current)
		m.current = m.current[n:]
	}
	return nil
}

func (*MockI2CBus) SetSpeed(physic.Frequency) error { return nil }

func (m *MockI2CBus) Close() error {
	m.closed = true
	return nil
}

func (*MockI2CBus) String() string { return "mock://i2c" }

var _ i2c.BusCloser = (*MockI2CBus)(nil)

// irqPin is high while the controller has messages queued.
type irqPin struct {
	*gpiotest.Pin
	sim *simulator.ScriptedBus
}

func (p irqPin) Read() gpio.Level { return gpio.Level(p.sim.Pending() > 0) }

type harness struct {
	sim *simulator.ScriptedBus
	bus *MockI2CBus
	ven *gpiotest.Pin
	dwl *gpiotest.Pin
	b   *Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sim := simulator.NewScriptedBus()
	h := &harness{
		sim: sim,
		bus: &MockI2CBus{sim: sim},
		ven: &gpiotest.Pin{N: "VEN"},
		dwl: &gpiotest.Pin{N: "DWL"},
	}
	lines, err := pins.New(irqPin{Pin: &gpiotest.Pin{N: "IRQ"}, sim: sim}, h.ven, h.dwl)
	require.NoError(t, err)
	h.b = New(h.bus, lines, "")
	return h
}

func TestParseI2CPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/dev/i2c-1", parseI2CPath("/dev/i2c-1:0x28"))
	assert.Equal(t, "/dev/i2c-1", parseI2CPath("/dev/i2c-1"))
}

func TestI2C_MessageRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	ready, err := h.b.IRQ(ctx)
	require.NoError(t, err)
	assert.False(t, ready)

	require.NoError(t, h.b.Write(ctx, []byte{0x20, 0x00, 0x01, 0x00}))
	ready, err = h.b.IRQ(ctx)
	require.NoError(t, err)
	assert.True(t, ready)

	rsp, err := h.b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x40, 0x00, 0x01, 0x00}, rsp)
	ntf, err := h.b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(0x60), ntf[0])
	assert.Len(t, ntf, 3+int(ntf[2]))

	for _, a := range h.bus.addrs {
		assert.Equal(t, uint16(0x28), a)
	}
}

func TestI2C_RetriesNack(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.bus.nacks = 2
	require.NoError(t, h.b.Write(context.Background(), []byte{0x20, 0x00, 0x01, 0x00}))
	assert.Len(t, h.bus.addrs, 3)

	h.bus.nacks = nackRetries
	err := h.b.Write(context.Background(), []byte{0x20, 0x00, 0x01, 0x00})
	require.Error(t, err)
	assert.True(t, hce.IsRetryable(err))
}

func TestI2C_DeviceOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	d := pn7160.New(pn7160.Static(h.b))

	require.NoError(t, d.Open(context.Background()))
	assert.Equal(t, pn7160.StatusOpened, d.Status())
	assert.Equal(t, gpio.High, h.ven.L)
	assert.Equal(t, gpio.Low, h.dwl.L)
	assert.Equal(t, "2.0", d.Info().Reset.NCIVersionString())

	ev, _, err := d.WaitEvent(context.Background(), 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, hce.EventTimeout, ev)

	require.NoError(t, d.Close())
	assert.True(t, h.bus.closed)
	assert.Equal(t, gpio.Low, h.ven.L)
}

func TestI2C_Closed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.b.Close())
	require.NoError(t, h.b.Close())

	require.ErrorIs(t, h.b.Write(context.Background(), []byte{0x00}), hce.ErrTransportClosed)
	_, err := h.b.Read(context.Background())
	require.ErrorIs(t, err, hce.ErrTransportClosed)
	_, err = h.b.IRQ(context.Background())
	require.ErrorIs(t, err, hce.ErrTransportClosed)
}

func TestI2C_ContextCancellation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, h.b.Write(ctx, []byte{0x00}), context.Canceled)
	assert.Empty(t, h.bus.addrs)
}
