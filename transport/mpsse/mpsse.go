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

// Package mpsse drives an FTDI Multi-Protocol Synchronous Serial Engine as a
// software I2C or SPI controller, together with its spare GPIO lines.
package mpsse

import (
	"errors"
	"fmt"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/internal/syncutil"
	"github.com/ZaparooProject/go-hce/logging"
)

// Mode selects the bus protocol.
type Mode int

const (
	I2C Mode = iota
	SPI0
	SPI1
	SPI2
	SPI3
)

func (m Mode) String() string {
	switch m {
	case I2C:
		return "I2C"
	case SPI0:
		return "SPI0"
	case SPI1:
		return "SPI1"
	case SPI2:
		return "SPI2"
	case SPI3:
		return "SPI3"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// GPIO names a spare pin. GPIOL* live on ADBUS, GPIOH* on ACBUS.
type GPIO int

const (
	GPIOL0 GPIO = iota
	GPIOL1
	GPIOL2
	GPIOL3
	GPIOH0
	GPIOH1
	GPIOH2
	GPIOH3
	GPIOH4
	GPIOH5
	GPIOH6
	GPIOH7
)

// Common bus clocks in Hz.
const (
	Clock100kHz = 100_000
	Clock400kHz = 400_000
	Clock1MHz   = 1_000_000
	Clock6MHz   = 6_000_000
	Clock12MHz  = 12_000_000
	Clock30MHz  = 30_000_000

	clock60MHz = 60_000_000
)

// MPSSE opcodes.
const (
	opSetBitsLow      = 0x80
	opSetBitsHigh     = 0x82
	opTCKDivisor      = 0x86
	opSendImmediate   = 0x87
	opDisableDiv5     = 0x8A
	opEnableDiv5      = 0x8B
	opEnable3Phase    = 0x8C
	opDisableAdaptive = 0x97
	opWriteNeg        = 0x01
	opBitMode         = 0x02
	opReadNeg         = 0x04
	opDataOut         = 0x10
	opDataIn          = 0x20
)

// ADBUS pin bits.
const (
	pinSK    = 0x01
	pinDO    = 0x02
	pinDI    = 0x04
	pinCS    = 0x08
	pinGPIO0 = 0x10
	pinGPIO1 = 0x20
	pinGPIO2 = 0x40
	pinGPIO3 = 0x80

	defaultPort  = pinSK | pinCS
	defaultTrisL = pinSK | pinDO | pinCS | pinGPIO0 | pinGPIO1 | pinGPIO2 | pinGPIO3
	defaultTrisH = 0xFF
)

const (
	i2cTransferSize = 64
	spiTransferSize = 63 * 1024

	// ACK and NACK bit values clocked out after an I2C read.
	AckBit  = 0x00
	NackBit = 0xFF
)

// Port is the raw byte pipe to the engine.
type Port interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	ReadPins() (byte, error)
	Close() error
}

type pins struct {
	start, stop, idle byte
	gpioh             byte
	trisl, trish      byte
	tx, rx            byte
	tack              byte
}

// MPSSE is an opened engine. Methods are safe for concurrent use but a
// transaction (Start..Stop) should be owned by a single caller.
type MPSSE struct {
	port    Port
	log     *logging.Logger
	name    string
	pins    pins
	mu      syncutil.Mutex
	mode    Mode
	clock   uint32
	txsize  int
	started bool
	closed  bool
}

// New configures the engine reachable through port. The port must already be
// in MPSSE bit mode.
func New(port Port, name string, mode Mode, clock uint32) (*MPSSE, error) {
	m := &MPSSE{
		port: port,
		name: name,
		log:  logging.Get("hw.MPSSE"),
	}
	if err := m.setClock(clock); err != nil {
		return nil, err
	}
	if err := m.setMode(mode); err != nil {
		return nil, err
	}
	if p, ok := port.(interface{ Purge() error }); ok {
		// unsupported setup opcodes leave error bytes in the rx fifo
		if err := p.Purge(); err != nil {
			return nil, m.wrap("purge", err)
		}
	}

	m.txsize = spiTransferSize
	if mode == I2C {
		m.txsize = i2cTransferSize
	}
	m.log.Info().Str("device", name).Str("mode", mode.String()).
		Uint32("clock", m.clock).Msg("device ready")
	return m, nil
}

// Name returns the adapter description.
func (m *MPSSE) Name() string { return m.name }

// Mode returns the bus protocol.
func (m *MPSSE) Mode() Mode { return m.mode }

// Clock returns the effective bus clock in Hz.
func (m *MPSSE) Clock() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock
}

// SetClock reprograms the clock divisor.
func (m *MPSSE) SetClock(freq uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return hce.ErrTransportClosed
	}
	return m.setClock(freq)
}

func (m *MPSSE) setClock(freq uint32) error {
	m.log.Debug().Uint32("freq", freq).Msg("set clock")

	base := uint32(Clock12MHz)
	prescaler := byte(opEnableDiv5)
	if freq > Clock6MHz {
		base = clock60MHz
		prescaler = opDisableDiv5
	}
	div := uint32(0xFFFF)
	if freq > 0 {
		div = (base/freq)/2 - 1
		if div > 0xFFFF {
			div = 0xFFFF
		}
	}

	if err := m.send([]byte{prescaler}); err != nil {
		return err
	}
	if err := m.send([]byte{opTCKDivisor, byte(div), byte(div >> 8)}); err != nil {
		return err
	}
	m.clock = base / ((1 + div) * 2)
	return nil
}

func (m *MPSSE) setMode(mode Mode) error {
	p := pins{
		tx:    opDataOut,
		rx:    opDataIn,
		trisl: defaultTrisL,
		idle:  defaultPort,
		start: defaultPort &^ pinCS,
		stop:  defaultPort,
		trish: defaultTrisH,
	}

	cmd := []byte{opDisableAdaptive}
	switch mode {
	case SPI0:
		p.idle &^= pinSK
		p.start &^= pinSK
		p.stop &^= pinSK
		p.tx |= opWriteNeg
	case SPI3:
		p.idle |= pinSK
		p.start |= pinSK
		p.stop &^= pinSK
		p.tx |= opWriteNeg
	case SPI1:
		p.idle &^= pinSK
		p.start &^= pinSK
		p.stop |= pinSK
		p.rx |= opReadNeg
	case SPI2:
		p.idle |= pinSK
		p.start |= pinSK
		p.stop |= pinSK
		p.rx |= opReadNeg
	case I2C:
		p.tx |= opWriteNeg
		p.idle |= pinDO | pinDI
		p.start &^= pinDO | pinDI
		p.stop &^= pinDO | pinDI
		cmd = append(cmd, opEnable3Phase)
	default:
		return fmt.Errorf("%w: mode %v", hce.ErrInvalidParameter, mode)
	}

	m.log.Debug().Str("mode", mode.String()).Msg("set mode")
	m.pins = p
	if err := m.send(cmd); err != nil {
		return err
	}
	if err := m.gpioLow(p.idle); err != nil {
		return err
	}
	if err := m.gpioHigh(p.gpioh); err != nil {
		return err
	}
	m.mode = mode
	return nil
}

// SetAck chooses whether I2C reads acknowledge each byte.
func (m *MPSSE) SetAck(ack bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins.tack = NackBit
	if ack {
		m.pins.tack = AckBit
	}
}

// Start asserts the bus start condition. A second Start in I2C mode issues
// a repeated start.
func (m *MPSSE) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return hce.ErrTransportClosed
	}

	if m.mode == I2C && m.started {
		if err := m.gpioLow(m.pins.idle &^ pinSK); err != nil {
			return err
		}
		if err := m.gpioLow(m.pins.idle); err != nil {
			return err
		}
	}
	if err := m.gpioLow(m.pins.start); err != nil {
		return err
	}

	// SPI3 idles high and SPI1 idles low but the first edge must not glitch
	switch m.mode {
	case SPI3:
		if err := m.gpioLow(m.pins.start &^ pinSK); err != nil {
			return err
		}
	case SPI1:
		if err := m.gpioLow(m.pins.start | pinSK); err != nil {
			return err
		}
	}

	m.started = true
	return nil
}

// Stop asserts the bus stop condition and returns the pins to idle.
func (m *MPSSE) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return hce.ErrTransportClosed
	}

	if m.mode == I2C {
		// data must fall while the clock is low
		if err := m.gpioLow(m.pins.idle &^ pinDO &^ pinSK); err != nil {
			return err
		}
	}
	if err := m.gpioLow(m.pins.stop); err != nil {
		return err
	}
	if err := m.gpioLow(m.pins.idle); err != nil {
		return err
	}
	m.started = false
	return nil
}

// Write clocks data out. In I2C mode every byte is followed by an ACK check
// and a NACK fails with hce.ErrNACK.
func (m *MPSSE) Write(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return hce.ErrTransportClosed
	}
	m.log.Trace().Hex("data", data).Msg("TX")

	if m.mode == I2C {
		ack := make([]byte, 1)
		for i, b := range data {
			cmd := []byte{
				opSetBitsLow, m.pins.start &^ pinSK, m.pins.trisl,
				m.pins.tx, 0x00, 0x00, b,
				opSetBitsLow, m.pins.start &^ pinSK, m.pins.trisl &^ pinDO,
				m.pins.rx | opBitMode, 0x00, opSendImmediate,
			}
			if err := m.send(cmd); err != nil {
				return err
			}
			if err := m.recv(ack); err != nil {
				return err
			}
			if ack[0]&0x01 != 0 {
				m.log.Debug().Int("index", i).Msg("byte not acknowledged")
				return fmt.Errorf("%w: byte %d", hce.ErrNACK, i)
			}
		}
		return nil
	}

	for off := 0; off < len(data); off += m.txsize {
		block := data[off:min(off+m.txsize, len(data))]
		n := len(block) - 1
		cmd := make([]byte, 0, 3+len(block))
		cmd = append(cmd, m.pins.tx, byte(n), byte(n>>8))
		cmd = append(cmd, block...)
		if err := m.send(cmd); err != nil {
			return err
		}
	}
	return nil
}

// Read clocks n bytes in. In I2C mode each byte is answered with the
// configured ACK bit.
func (m *MPSSE) Read(n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, hce.ErrTransportClosed
	}
	if n <= 0 {
		return nil, nil
	}

	out := make([]byte, n)
	if m.mode == I2C {
		for off := 0; off < n; off += m.txsize {
			count := min(m.txsize, n-off)
			cmd := make([]byte, 0, count*12+1)
			for range count {
				cmd = append(cmd,
					opSetBitsLow, m.pins.start&^pinSK, m.pins.trisl&^pinDO,
					m.pins.rx, 0x00, 0x00,
					opSetBitsLow, m.pins.start&^pinSK, m.pins.trisl,
					m.pins.tx|opBitMode, 0x00, m.pins.tack,
				)
			}
			cmd = append(cmd, opSendImmediate)
			if err := m.send(cmd); err != nil {
				return nil, err
			}
			if err := m.recv(out[off : off+count]); err != nil {
				return nil, err
			}
		}
	} else {
		for off := 0; off < n; off += m.txsize {
			count := min(m.txsize, n-off)
			l := count - 1
			if err := m.send([]byte{m.pins.rx, byte(l), byte(l >> 8), opSendImmediate}); err != nil {
				return nil, err
			}
			if err := m.recv(out[off : off+count]); err != nil {
				return nil, err
			}
		}
	}

	m.log.Trace().Hex("data", out).Msg("RX")
	return out, nil
}

// GetGPIO samples a low-side pin. High-side pins report the last value set.
func (m *MPSSE) GetGPIO(pin GPIO) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, hce.ErrTransportClosed
	}

	switch {
	case pin >= GPIOL0 && pin <= GPIOL3:
		states, err := m.port.ReadPins()
		if err != nil {
			return false, m.wrap("read pins", err)
		}
		return states&(pinGPIO0<<uint(pin)) != 0, nil
	case pin >= GPIOH0 && pin <= GPIOH7:
		return m.pins.gpioh&(1<<uint(pin-GPIOH0)) != 0, nil
	default:
		return false, fmt.Errorf("%w: GPIO %d", hce.ErrInvalidParameter, pin)
	}
}

// SetGPIO drives a spare pin. Low-side pins share the bus port and can only
// change while the bus is stopped.
func (m *MPSSE) SetGPIO(pin GPIO, high bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return hce.ErrTransportClosed
	}

	switch {
	case pin >= GPIOL0 && pin <= GPIOL3:
		if m.started {
			return fmt.Errorf("%w: GPIO %d while bus started", hce.ErrTransportNotReady, pin)
		}
		bit := byte(pinGPIO0 << uint(pin))
		if high {
			m.pins.start |= bit
			m.pins.stop |= bit
			m.pins.idle |= bit
		} else {
			m.pins.start &^= bit
			m.pins.stop &^= bit
			m.pins.idle &^= bit
		}
		return m.gpioLow(m.pins.idle)
	case pin >= GPIOH0 && pin <= GPIOH7:
		bit := byte(1 << uint(pin-GPIOH0))
		if high {
			m.pins.gpioh |= bit
		} else {
			m.pins.gpioh &^= bit
		}
		return m.gpioHigh(m.pins.gpioh)
	default:
		return fmt.Errorf("%w: GPIO %d", hce.ErrInvalidParameter, pin)
	}
}

// Close releases the port.
func (m *MPSSE) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.port.Close()
}

func (m *MPSSE) gpioLow(value byte) error {
	return m.send([]byte{opSetBitsLow, value, m.pins.trisl})
}

func (m *MPSSE) gpioHigh(value byte) error {
	return m.send([]byte{opSetBitsHigh, value, m.pins.trish})
}

func (m *MPSSE) send(cmd []byte) error {
	n, err := m.port.Write(cmd)
	if err != nil {
		return m.wrap("write", err)
	}
	if n != len(cmd) {
		return hce.NewTransportError("write", m.name,
			fmt.Errorf("%w: short write %d of %d", hce.ErrTransportWrite, n, len(cmd)), hce.ErrorTypeTransient)
	}
	return nil
}

func (m *MPSSE) recv(buf []byte) error {
	for got := 0; got < len(buf); {
		n, err := m.port.Read(buf[got:])
		if err != nil {
			return m.wrap("read", err)
		}
		if n == 0 {
			return hce.NewTimeoutError("read", m.name)
		}
		got += n
	}
	return nil
}

func (m *MPSSE) wrap(op string, err error) error {
	var te *hce.TransportError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, hce.ErrTransportTimeout) {
		return hce.NewTransportError(op, m.name, err, hce.ErrorTypeTimeout)
	}
	return hce.NewTransportError(op, m.name, err, hce.ErrorTypePermanent)
}
