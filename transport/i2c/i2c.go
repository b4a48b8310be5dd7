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

// Package i2c carries NCI messages to a PN7160 on a native I2C bus. The
// controller control lines are driven through GPIO.
package i2c

import (
	"context"
	"fmt"
	"strings"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/ic/pn7160"
	"github.com/ZaparooProject/go-hce/internal/pins"
	"github.com/ZaparooProject/go-hce/internal/syncutil"
	"github.com/ZaparooProject/go-hce/logging"
)

const (
	// 7-bit address; periph and the kernel add the R/W bit.
	pn7160Addr = pn7160.DefaultAddress

	maxClockFreq = 400 * physic.KiloHertz

	// The controller NACKs while waking from standby.
	nackRetries = 3
	nackDelay   = time.Millisecond
)

// Options select the bus and control lines. Empty pin names use the pins
// package defaults.
type Options struct {
	Bus string
	IRQ string
	VEN string
	DWL string
}

// Bus implements pn7160.Bus over an I2C device.
type Bus struct {
	dev     *i2c.Dev
	bus     i2c.BusCloser // closed with the Bus
	lines   *pins.Lines
	log     *logging.Logger
	busName string
	mu      syncutil.Mutex
}

var _ pn7160.Bus = (*Bus)(nil)

// parseI2CPath strips the address suffix of a detection path such as
// "/dev/i2c-1:0x28".
func parseI2CPath(path string) string {
	bus, _, _ := strings.Cut(path, ":")
	return bus
}

// Open initializes the periph host and opens the bus and lines in opts.
func Open(opts Options) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	lines, err := pins.Lookup(opts.IRQ, opts.VEN, opts.DWL)
	if err != nil {
		return nil, err
	}

	bus, err := i2creg.Open(parseI2CPath(opts.Bus))
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %s: %w", opts.Bus, err)
	}
	// not every adapter can change speed
	_ = bus.SetSpeed(maxClockFreq)

	return New(bus, lines, opts.Bus), nil
}

// New wraps an opened bus. The Bus owns bus and closes it.
func New(bus i2c.BusCloser, lines *pins.Lines, name string) *Bus {
	if name == "" {
		name = bus.String()
	}
	return &Bus{
		dev:     &i2c.Dev{Addr: pn7160Addr, Bus: bus},
		bus:     bus,
		lines:   lines,
		log:     logging.Get("hw.i2c"),
		busName: name,
	}
}

// Dialer opens the bus in opts on every dial.
func Dialer(opts Options) pn7160.Dialer {
	return func(ctx context.Context) (pn7160.Bus, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return Open(opts)
	}
}

// Write sends one NCI message as a single I2C write.
func (b *Bus) Write(ctx context.Context, msg []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dev == nil {
		return hce.ErrTransportClosed
	}
	return b.tx(ctx, "write", msg, nil)
}

// Read reads the 3-byte header, then the payload in a second transfer.
func (b *Bus) Read(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dev == nil {
		return nil, hce.ErrTransportClosed
	}

	hdr := make([]byte, 3)
	if err := b.tx(ctx, "read header", nil, hdr); err != nil {
		return nil, err
	}
	if hdr[2] == 0 {
		return hdr, nil
	}
	payload := make([]byte, hdr[2])
	if err := b.tx(ctx, "read payload", nil, payload); err != nil {
		return nil, err
	}
	return append(hdr, payload...), nil
}

func (b *Bus) tx(ctx context.Context, op string, w, r []byte) error {
	var err error
	for attempt := range nackRetries {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = b.dev.Tx(w, r); err == nil {
			return nil
		}
		b.log.Debug().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("transfer failed")
		if !hce.SleepContext(ctx, nackDelay) {
			return ctx.Err()
		}
	}
	return hce.NewTransportError(op, b.busName, err, hce.ErrorTypeTransient)
}

// IRQ reads the IRQ line.
func (b *Bus) IRQ(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dev == nil {
		return false, hce.ErrTransportClosed
	}
	return b.lines.IRQ(), nil
}

// SetVEN drives VEN.
func (b *Bus) SetVEN(high bool) error { return b.lines.SetVEN(high) }

// SetDWL drives DWL.
func (b *Bus) SetDWL(high bool) error { return b.lines.SetDWL(high) }

// Close powers the controller off and releases the bus file descriptor.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dev == nil {
		return nil
	}
	if err := b.lines.Release(); err != nil {
		b.log.Debug().Err(err).Msg("release VEN")
	}
	b.dev = nil
	if err := b.bus.Close(); err != nil {
		return fmt.Errorf("failed to close I2C bus: %w", err)
	}
	return nil
}
