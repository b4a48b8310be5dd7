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

package pn7160

import (
	"context"
	"errors"
	"fmt"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/transport/mpsse"
)

// Bus carries whole NCI messages to and from the controller and drives its
// control lines.
type Bus interface {
	// Write sends one complete NCI message.
	Write(ctx context.Context, msg []byte) error
	// Read returns one complete NCI message, header included. It is only
	// called while IRQ reports a pending message.
	Read(ctx context.Context) ([]byte, error)
	IRQ(ctx context.Context) (bool, error)
	SetVEN(high bool) error
	SetDWL(high bool) error
	Close() error
}

// Dialer opens a fresh bus. Open calls it on every (re)connect.
type Dialer func(ctx context.Context) (Bus, error)

// Static returns a Dialer that always hands out bus.
func Static(bus Bus) Dialer {
	return func(context.Context) (Bus, error) { return bus, nil }
}

// BusProtocol selects how the controller is wired.
type BusProtocol int

const (
	BusI2C BusProtocol = iota
	BusSPI
)

func (p BusProtocol) String() string {
	if p == BusSPI {
		return "SPI"
	}
	return "I2C"
}

// DefaultAddress is the PN7160 7-bit I2C address.
const DefaultAddress = 0x28

// SPI direction bytes.
const (
	SPIWrite = 0x00
	SPIRead  = 0xFF
)

// Pins of the FT232H carrier board.
const (
	PinIRQ = mpsse.GPIOL1
	PinDWL = mpsse.GPIOH2
	PinVEN = mpsse.GPIOH3
)

// Engine is the part of *mpsse.MPSSE the adapter uses.
type Engine interface {
	Start() error
	Stop() error
	Write(data []byte) error
	Read(n int) ([]byte, error)
	GetGPIO(pin mpsse.GPIO) (bool, error)
	SetGPIO(pin mpsse.GPIO, high bool) error
	Close() error
}

type mpsseBus struct {
	engine   Engine
	protocol BusProtocol
	address  byte
}

// NewMPSSEBus adapts an opened MPSSE engine. Every message is framed by a
// start and stop condition and prefixed with the I2C address or SPI
// direction byte.
func NewMPSSEBus(engine Engine, protocol BusProtocol, address byte) Bus {
	return &mpsseBus{engine: engine, protocol: protocol, address: address}
}

// MPSSEDialer opens the first FTDI adapter on every dial, at 1 MHz for SPI
// and 100 kHz for I2C.
func MPSSEDialer(protocol BusProtocol) Dialer {
	return func(ctx context.Context) (Bus, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mode, clock := mpsse.I2C, uint32(mpsse.Clock100kHz)
		if protocol == BusSPI {
			mode, clock = mpsse.SPI0, mpsse.Clock1MHz
		}
		m, err := mpsse.Open(mode, clock)
		if err != nil {
			return nil, err
		}
		return NewMPSSEBus(m, protocol, DefaultAddress), nil
	}
}

func (b *mpsseBus) writeTarget() byte {
	if b.protocol == BusI2C {
		return b.address << 1
	}
	return SPIWrite
}

func (b *mpsseBus) readTarget() byte {
	if b.protocol == BusI2C {
		return b.address<<1 | 1
	}
	return SPIRead
}

func (b *mpsseBus) transaction(fn func() error) (err error) {
	if err := b.engine.Start(); err != nil {
		return fmt.Errorf("bus start: %w", err)
	}
	defer func() {
		if serr := b.engine.Stop(); serr != nil {
			err = errors.Join(err, fmt.Errorf("bus stop: %w", serr))
		}
	}()
	return fn()
}

func (b *mpsseBus) Write(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out := make([]byte, 0, 1+len(msg))
	out = append(out, b.writeTarget())
	out = append(out, msg...)
	return b.transaction(func() error {
		return b.engine.Write(out)
	})
}

func (b *mpsseBus) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var msg []byte
	err := b.transaction(func() error {
		if err := b.engine.Write([]byte{b.readTarget()}); err != nil {
			return err
		}
		hdr, err := b.engine.Read(3)
		if err != nil {
			return err
		}
		if len(hdr) < 3 {
			return hce.NewFrameCorruptedError("read", "PN7160")
		}
		msg = hdr
		if hdr[2] == 0 {
			return nil
		}
		data, err := b.engine.Read(int(hdr[2]))
		if err != nil {
			return err
		}
		msg = append(msg, data...)
		return nil
	})
	return msg, err
}

func (b *mpsseBus) IRQ(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return b.engine.GetGPIO(PinIRQ)
}

func (b *mpsseBus) SetVEN(high bool) error { return b.engine.SetGPIO(PinVEN, high) }

func (b *mpsseBus) SetDWL(high bool) error { return b.engine.SetGPIO(PinDWL, high) }

func (b *mpsseBus) Close() error { return b.engine.Close() }
