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

// Package pcsc is a thin PC/SC client over github.com/ebfe/scard.
//
// Errors from the resource manager are wrapped in hce.TransportError; this
// layer never retries.
package pcsc

import (
	"errors"
	"fmt"
	"runtime"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/internal/syncutil"
	"github.com/ZaparooProject/go-hce/logging"
	"github.com/ebfe/scard"
)

// Mode is the reader share mode.
type Mode int

const (
	ModeDirect Mode = iota
	ModeShared
	ModeExclusive
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeShared:
		return "shared"
	case ModeExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) share() scard.ShareMode {
	switch m {
	case ModeShared:
		return scard.ShareShared
	case ModeExclusive:
		return scard.ShareExclusive
	default:
		return scard.ShareDirect
	}
}

// Protocol is the card protocol requested on connect.
type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolT0
	ProtocolT1
	ProtocolAny
)

func (p Protocol) scard() scard.Protocol {
	switch p {
	case ProtocolT0:
		return scard.ProtocolT0
	case ProtocolT1:
		return scard.ProtocolT1
	case ProtocolAny:
		return scard.ProtocolAny
	default:
		return scard.ProtocolUndefined
	}
}

// EscapeIOCTL returns the CCID escape control code of the platform's PC/SC
// stack.
func EscapeIOCTL() uint32 {
	if runtime.GOOS == "windows" {
		// SCARD_CTL_CODE(3500)
		return 0x00310000 | 3500<<2
	}
	// pcsc-lite SCARD_CTL_CODE(1)
	return 0x42000000 + 1
}

// Card is a connected reader handle.
type Card interface {
	Transmit(apdu []byte) ([]byte, error)
	Control(code uint32, data []byte) ([]byte, error)
	Disconnect(d scard.Disposition) error
}

// Context is a resource manager context.
type Context interface {
	ListReaders() ([]string, error)
	Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (Card, error)
	Release() error
}

// ContextFactory establishes a Context.
type ContextFactory func() (Context, error)

type scardContext struct {
	ctx *scard.Context
}

func (c scardContext) ListReaders() ([]string, error) {
	return c.ctx.ListReaders() //nolint:wrapcheck // wrapped by Device
}

func (c scardContext) Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (Card, error) {
	card, err := c.ctx.Connect(reader, mode, proto)
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by Device
	}
	return card, nil
}

func (c scardContext) Release() error {
	return c.ctx.Release() //nolint:wrapcheck // wrapped by Device
}

// EstablishContext opens the system resource manager.
func EstablishContext() (Context, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by Device
	}
	return scardContext{ctx: ctx}, nil
}

// Device is one PC/SC connection: a context and at most one card.
type Device struct {
	factory ContextFactory
	ctx     Context
	card    Card
	log     *logging.Logger
	reader  string
	mu      syncutil.Mutex
}

// New creates a device backed by the system resource manager.
func New() *Device {
	return NewWithFactory(EstablishContext)
}

// NewWithFactory creates a device whose context comes from factory.
func NewWithFactory(factory ContextFactory) *Device {
	return &Device{
		factory: factory,
		log:     logging.Get("hw.PCSC"),
	}
}

// Open establishes the context. Opening twice is a no-op.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx != nil {
		return nil
	}
	ctx, err := d.factory()
	if err != nil {
		return d.wrap("establish", err)
	}
	d.ctx = ctx
	return nil
}

// ListReaders returns the names of the attached readers.
func (d *Device) ListReaders() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx == nil {
		return nil, hce.ErrNotOpen
	}
	readers, err := d.ctx.ListReaders()
	if err != nil {
		if errors.Is(err, scard.ErrNoReadersAvailable) {
			return nil, nil
		}
		return nil, d.wrap("list readers", err)
	}
	return readers, nil
}

// Connect attaches to reader, dropping any previous connection.
func (d *Device) Connect(reader string, mode Mode, proto Protocol) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx == nil {
		return hce.ErrNotOpen
	}
	_ = d.disconnectLocked()

	card, err := d.ctx.Connect(reader, mode.share(), proto.scard())
	if err != nil {
		return d.wrap("connect", err)
	}
	d.card = card
	d.reader = reader
	d.log.Debug().Str("reader", reader).Stringer("mode", mode).Msg("connected")
	return nil
}

// Disconnect leaves the card in place and forgets the connection.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disconnectLocked()
}

func (d *Device) disconnectLocked() error {
	if d.card == nil {
		return nil
	}
	err := d.card.Disconnect(scard.LeaveCard)
	d.card = nil
	d.reader = ""
	if err != nil {
		return d.wrap("disconnect", err)
	}
	return nil
}

// Close disconnects and releases the context.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.disconnectLocked()
	if d.ctx != nil {
		if rerr := d.ctx.Release(); rerr != nil && err == nil {
			err = d.wrap("release", rerr)
		}
		d.ctx = nil
	}
	return err
}

// Transmit sends an APDU to the connected card.
func (d *Device) Transmit(apdu []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.card == nil {
		return nil, hce.ErrNotOpen
	}
	d.log.Trace().Hex("data", apdu).Msg("TX")
	rsp, err := d.card.Transmit(apdu)
	if err != nil {
		return nil, d.wrap("transmit", err)
	}
	d.log.Trace().Hex("data", rsp).Msg("RX")
	return rsp, nil
}

// Control sends a reader control command.
func (d *Device) Control(code uint32, data []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.card == nil {
		return nil, hce.ErrNotOpen
	}
	d.log.Trace().Uint32("code", code).Hex("data", data).Msg("CTRL")
	rsp, err := d.card.Control(code, data)
	if err != nil {
		return nil, d.wrap("control", err)
	}
	d.log.Trace().Hex("data", rsp).Msg("RX")
	return rsp, nil
}

// Reader returns the name of the connected reader, or "".
func (d *Device) Reader() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reader
}

// IsConnected reports whether a card handle is held.
func (d *Device) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.card != nil
}

func (d *Device) wrap(op string, err error) error {
	errType := hce.ErrorTypeTransient
	switch {
	case errors.Is(err, scard.ErrTimeout):
		errType = hce.ErrorTypeTimeout
		err = fmt.Errorf("%w: %w", hce.ErrTransportTimeout, err)
	case errors.Is(err, scard.ErrNoService),
		errors.Is(err, scard.ErrNoReadersAvailable),
		errors.Is(err, scard.ErrReaderUnavailable),
		errors.Is(err, scard.ErrUnknownReader),
		errors.Is(err, scard.ErrRemovedCard):
		errType = hce.ErrorTypePermanent
	}
	return hce.NewTransportError(op, d.reader, err, errType)
}
