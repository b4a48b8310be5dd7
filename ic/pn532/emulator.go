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

package pn532

import (
	"context"
	"errors"
	"fmt"
	"time"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/internal/syncutil"
	"github.com/ZaparooProject/go-hce/logging"
)

// Dialer opens the transport the chip is reached through.
type Dialer func(ctx context.Context) (hce.Transport, error)

// Static returns a Dialer that always hands out t.
func Static(t hce.Transport) Dialer {
	return func(context.Context) (hce.Transport, error) { return t, nil }
}

// Emulator runs a PN532 as an ISO/IEC 14443-4 card. It reports target mode
// transitions as listener events: a successful TgInitAsTarget is an
// activation, TgGetData data is a request and a TgGetData error status is a
// deactivation.
type Emulator struct {
	dial      Dialer
	transport hce.Transport
	dev       *Device
	log       *logging.Logger
	firmware  *syncutil.Value[FirmwareVersion]
	base      TargetInit
	target    TargetInit
	mu        syncutil.Mutex
	listening bool
	active    bool
}

// NewEmulator creates a closed emulator. base holds the target settings
// that discovery parameters are applied over.
func NewEmulator(dial Dialer, base TargetInit) *Emulator {
	return &Emulator{
		dial:     dial,
		log:      logging.Get("hw.PN532"),
		firmware: syncutil.NewValue(FirmwareVersion{}),
		base:     base,
	}
}

// Firmware returns the version read by the last Open.
func (e *Emulator) Firmware() FirmwareVersion { return e.firmware.Load() }

// IsOpen reports whether Open succeeded and Close was not called since.
func (e *Emulator) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev != nil
}

// Open dials the transport, checks the chip and configures it for card
// emulation.
func (e *Emulator) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closeLocked()

	t, err := e.dial(ctx)
	if err != nil {
		return err
	}
	e.transport = t
	dev := New(t.Transmit)

	if err := e.initialize(ctx, dev); err != nil {
		e.log.Error().Err(err).Msg("initialization failed")
		e.closeLocked()
		return err
	}
	e.dev = dev
	return nil
}

func (e *Emulator) initialize(ctx context.Context, dev *Device) error {
	// The first frame after power up or a port reset is often lost.
	var fw FirmwareVersion
	err := hce.RetryWithConfig(ctx, hce.DefaultRetryConfig(), func() error {
		var err error
		fw, err = dev.GetFirmwareVersion(ctx)
		return err
	})
	if err != nil {
		return err
	}
	e.firmware.Store(fw)
	e.log.Info().
		Uint8("ic", fw.IC).
		Str("version", fw.String()).
		Uint8("support", fw.Support).
		Msg("PN532 firmware")

	st, err := dev.GetGeneralStatus(ctx)
	if err != nil {
		return err
	}
	e.log.Debug().
		Uint8("error", st.LastError).
		Bool("field", st.FieldPresent).
		Int("targets", len(st.Targets)).
		Uint8("sam", st.SAM).
		Msg("PN532 general status")

	if err := dev.SetSAMConfiguration(ctx, SAMModeNormal, 0x00, 0x01); err != nil {
		return err
	}
	return dev.ConfigureEmulation(ctx)
}

// Close releases the transport.
func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked()
}

func (e *Emulator) closeLocked() error {
	e.dev = nil
	e.listening, e.active = false, false
	if e.transport == nil {
		return nil
	}
	err := e.transport.Close()
	e.transport = nil
	return err
}

// StartDiscovery arms target mode with params applied over the base
// settings. The PN532 emulator only listens.
func (e *Emulator) StartDiscovery(_ context.Context, params []hce.Parameter, mode hce.Discovery) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dev == nil {
		return hce.ErrNotOpen
	}
	if mode != hce.DiscoveryListen {
		return fmt.Errorf("%w: PN532 emulator cannot %s", hce.ErrCommandNotSupported, mode)
	}

	target := e.base
	target.HistoricalBytes = append([]byte(nil), e.base.HistoricalBytes...)
	if skipped := target.ApplyParameters(params); len(skipped) > 0 {
		e.log.Debug().Interface("tags", skipped).Msg("parameters without PN532 equivalent")
	}
	e.target = target
	e.listening, e.active = true, false
	e.log.Info().
		Hex("sensRes", target.SensRes[:]).
		Hex("nfcid1t", target.NFCID1t[:]).
		Uint8("selRes", target.SelRes).
		Msg("target mode armed")
	return nil
}

// StopDiscovery disarms target mode.
func (e *Emulator) StopDiscovery(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dev == nil {
		return hce.ErrNotOpen
	}
	e.listening, e.active = false, false
	return nil
}

// WaitEvent waits up to timeout for an activation while idle or for a
// request while active.
func (e *Emulator) WaitEvent(ctx context.Context, timeout time.Duration) (hce.Event, []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dev == nil {
		return hce.EventUnknown, nil, hce.ErrNotOpen
	}
	if !e.listening {
		if !hce.SleepContext(ctx, timeout) {
			return hce.EventUnknown, nil, ctx.Err()
		}
		return hce.EventTimeout, nil, nil
	}

	if !e.active {
		mode, initiator, err := e.dev.TgInitAsTarget(ctx, e.target, timeout)
		if errors.Is(err, hce.ErrTransportTimeout) {
			return hce.EventTimeout, nil, nil
		}
		if err != nil {
			return hce.EventUnknown, nil, err
		}
		e.active = true
		e.log.Debug().Uint8("mode", mode).Hex("initiator", initiator).Msg("activated")
		return hce.EventActivated, append([]byte{mode}, initiator...), nil
	}

	status, data, err := e.dev.TgGetData(ctx, timeout)
	if errors.Is(err, hce.ErrTransportTimeout) {
		return hce.EventTimeout, nil, nil
	}
	if err != nil {
		return hce.EventUnknown, nil, err
	}
	if status != 0 {
		e.active = false
		e.log.Debug().Uint8("status", status).Msg("released by initiator")
		return hce.EventDeactivated, []byte{status}, nil
	}
	return hce.EventData, data, nil
}

// SendData answers the last request.
func (e *Emulator) SendData(ctx context.Context, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dev == nil {
		return hce.ErrNotOpen
	}
	if !e.active {
		return hce.ErrTargetReleased
	}
	status, err := e.dev.TgSetData(ctx, data)
	if err != nil {
		return err
	}
	if status != 0 {
		e.active = false
		return fmt.Errorf("%w: TgSetData status 0x%02X", hce.ErrTargetReleased, status)
	}
	return nil
}
