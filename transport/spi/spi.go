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

// Package spi carries NCI messages to a PN7160 on a native SPI port. The
// controller control lines are driven through GPIO.
package spi

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/ic/pn7160"
	"github.com/ZaparooProject/go-hce/internal/pins"
	"github.com/ZaparooProject/go-hce/internal/syncutil"
	"github.com/ZaparooProject/go-hce/logging"
)

const (
	defaultFreq = 1 * physic.MegaHertz
	mode        = spi.Mode0

	// One direction byte, then the largest NCI message.
	frameSize = 1 + 3 + 0xFF
)

// Options select the port and control lines. Empty pin names use the pins
// package defaults.
type Options struct {
	Port string
	IRQ  string
	VEN  string
	DWL  string
}

// Bus implements pn7160.Bus over an SPI connection.
type Bus struct {
	port     spi.PortCloser
	conn     spi.Conn
	lines    *pins.Lines
	log      *logging.Logger
	portName string
	rx       []byte
	tx       []byte
	mu       syncutil.Mutex
}

var _ pn7160.Bus = (*Bus)(nil)

// Open initializes the periph host and opens the port and lines in opts.
func Open(opts Options) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	lines, err := pins.Lookup(opts.IRQ, opts.VEN, opts.DWL)
	if err != nil {
		return nil, err
	}

	port, err := spireg.Open(opts.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %s: %w", opts.Port, err)
	}
	b, err := New(port, lines, opts.Port)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return b, nil
}

// New connects port at 1 MHz, mode 0. The Bus owns port and closes it.
func New(port spi.PortCloser, lines *pins.Lines, name string) (*Bus, error) {
	conn, err := port.Connect(defaultFreq, mode, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to connect SPI: %w", err)
	}
	if name == "" {
		name = port.String()
	}
	b := &Bus{
		port:     port,
		conn:     conn,
		lines:    lines,
		log:      logging.Get("hw.spi"),
		portName: name,
		rx:       make([]byte, frameSize),
		tx:       make([]byte, frameSize),
	}
	b.tx[0] = pn7160.SPIRead
	return b, nil
}

// Dialer opens the port in opts on every dial.
func Dialer(opts Options) pn7160.Dialer {
	return func(ctx context.Context) (pn7160.Bus, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return Open(opts)
	}
}

// Write sends the write direction byte and msg in one transfer.
func (b *Bus) Write(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return hce.ErrTransportClosed
	}

	out := make([]byte, 0, 1+len(msg))
	out = append(out, pn7160.SPIWrite)
	out = append(out, msg...)
	if err := b.conn.Tx(out, nil); err != nil {
		return hce.NewTransportError("write", b.portName, err, hce.ErrorTypeTransient)
	}
	return nil
}

// Read clocks out a whole frame after the read direction byte. Chip select
// stays asserted for the header and payload.
func (b *Bus) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil, hce.ErrTransportClosed
	}

	if err := b.conn.Tx(b.tx, b.rx); err != nil {
		return nil, hce.NewTransportError("read", b.portName, err, hce.ErrorTypeTransient)
	}
	n := 3 + int(b.rx[3])
	msg := append([]byte(nil), b.rx[1:1+n]...)
	b.log.Trace().Hex("msg", msg).Msg("read")
	return msg, nil
}

// IRQ reads the IRQ line.
func (b *Bus) IRQ(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return false, hce.ErrTransportClosed
	}
	return b.lines.IRQ(), nil
}

// SetVEN drives VEN.
func (b *Bus) SetVEN(high bool) error { return b.lines.SetVEN(high) }

// SetDWL drives DWL.
func (b *Bus) SetDWL(high bool) error { return b.lines.SetDWL(high) }

// Close powers the controller off and closes the port.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	if err := b.lines.Release(); err != nil {
		b.log.Debug().Err(err).Msg("release VEN")
	}
	b.conn = nil
	if err := b.port.Close(); err != nil {
		return fmt.Errorf("failed to close SPI port: %w", err)
	}
	return nil
}
