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
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	hce "github.com/ZaparooProject/go-hce"
)

// Profile identifies a supported FTDI based adapter.
type Profile struct {
	Description string
	VID         gousb.ID
	PID         gousb.ID
}

// Profiles lists the adapters Open looks for, in order.
var Profiles = []Profile{
	{VID: 0x0403, PID: 0x6010, Description: "FT2232 Future Technology Devices International, Ltd"},
	{VID: 0x0403, PID: 0x6011, Description: "FT4232 Future Technology Devices International, Ltd"},
	{VID: 0x0403, PID: 0x6014, Description: "FT232H Future Technology Devices International, Ltd"},
	{VID: 0x0403, PID: 0x8878, Description: "Bus Blaster v2 (channel A)"},
	{VID: 0x0403, PID: 0x8879, Description: "Bus Blaster v2 (channel B)"},
	{VID: 0x0403, PID: 0xBDC8, Description: "Turtelizer JTAG/RS232 Adapter A"},
	{VID: 0x0403, PID: 0xCFF8, Description: "Amontec JTAGkey"},
	{VID: 0x0403, PID: 0x8A98, Description: "TIAO Multi Protocol Adapter"},
	{VID: 0x15BA, PID: 0x0003, Description: "Olimex Ltd. OpenOCD JTAG"},
	{VID: 0x15BA, PID: 0x0004, Description: "Olimex Ltd. OpenOCD JTAG TINY"},
}

// LookupProfile returns the profile matching vid:pid.
func LookupProfile(vid, pid gousb.ID) (Profile, bool) {
	for _, p := range Profiles {
		if p.VID == vid && p.PID == pid {
			return p, true
		}
	}
	return Profile{}, false
}

// FTDI vendor requests.
const (
	reqReset      = 0x00
	reqSetLatency = 0x09
	reqSetBitmode = 0x0B
	reqReadPins   = 0x0C

	resetSIO    = 0
	resetPurgeR = 1

	bitmodeReset = 0x00
	bitmodeMPSSE = 0x02

	interfaceA = 1

	latency    = 1
	usbTimeout = 500 * time.Millisecond

	// each bulk IN packet starts with two modem status bytes
	statusBytes = 2
	chunkSize   = 4096
)

// Found describes an attached adapter.
type Found struct {
	Profile Profile
	Bus     int
	Address int
}

// Scan lists attached adapters without opening them.
func Scan() ([]Found, error) {
	ctx := gousb.NewContext()
	defer func() { _ = ctx.Close() }()

	var found []Found
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if p, ok := LookupProfile(desc.Vendor, desc.Product); ok {
			found = append(found, Found{Profile: p, Bus: desc.Bus, Address: desc.Address})
		}
		return false
	})
	for _, d := range devs {
		_ = d.Close()
	}
	if err != nil && len(found) == 0 {
		return nil, hce.NewTransportError("scan", "usb", err, hce.ErrorTypePermanent)
	}
	return found, nil
}

// Open configures the first attached adapter for mode at clock Hz.
func Open(mode Mode, clock uint32) (*MPSSE, error) {
	port, profile, err := openUSB()
	if err != nil {
		return nil, err
	}
	m, err := New(port, profile.Description, mode, clock)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return m, nil
}

type usbPort struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	intf    *gousb.Interface
	done    func()
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	pending []byte
	raw     []byte
	packet  int
}

func openUSB() (*usbPort, Profile, error) {
	ctx := gousb.NewContext()
	p := &usbPort{ctx: ctx}

	var profile Profile
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if profile.Description != "" {
			return false
		}
		var ok bool
		profile, ok = LookupProfile(desc.Vendor, desc.Product)
		return ok
	})
	if len(devs) == 0 {
		_ = ctx.Close()
		if err != nil {
			return nil, profile, hce.NewTransportError("open", "usb", err, hce.ErrorTypePermanent)
		}
		return nil, profile, fmt.Errorf("%w: no FTDI adapter found", hce.ErrDeviceNotFound)
	}
	p.dev = devs[0]
	for _, d := range devs[1:] {
		_ = d.Close()
	}

	if err := p.setup(); err != nil {
		_ = p.Close()
		return nil, profile, hce.NewTransportError("open", profile.Description, err, hce.ErrorTypePermanent)
	}
	return p, profile, nil
}

func (p *usbPort) setup() error {
	if err := p.dev.SetAutoDetach(true); err != nil {
		return err
	}
	intf, done, err := p.dev.DefaultInterface()
	if err != nil {
		return err
	}
	p.intf, p.done = intf, done

	for _, ep := range intf.Setting.Endpoints {
		switch {
		case ep.Direction == gousb.EndpointDirectionIn && p.in == nil:
			if p.in, err = intf.InEndpoint(ep.Number); err != nil {
				return err
			}
			p.packet = ep.MaxPacketSize
		case ep.Direction == gousb.EndpointDirectionOut && p.out == nil:
			if p.out, err = intf.OutEndpoint(ep.Number); err != nil {
				return err
			}
		}
	}
	if p.in == nil || p.out == nil {
		return fmt.Errorf("%w: missing bulk endpoints", hce.ErrDeviceNotSupported)
	}
	if p.packet <= statusBytes {
		p.packet = 64
	}
	p.raw = make([]byte, chunkSize)

	if err := p.control(reqReset, resetSIO); err != nil {
		return err
	}
	if err := p.control(reqSetLatency, latency); err != nil {
		return err
	}
	if err := p.control(reqSetBitmode, bitmodeReset); err != nil {
		return err
	}
	return p.control(reqSetBitmode, bitmodeMPSSE<<8)
}

func (p *usbPort) control(req uint8, value uint16) error {
	_, err := p.dev.Control(
		gousb.ControlOut|gousb.ControlVendor|gousb.ControlDevice,
		req, value, interfaceA, nil)
	return err
}

// Purge discards anything waiting in the adapter receive fifo.
func (p *usbPort) Purge() error {
	p.pending = nil
	return p.control(reqReset, resetPurgeR)
}

func (p *usbPort) Write(b []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), usbTimeout)
	defer cancel()
	return p.out.WriteContext(ctx, b)
}

// Read returns payload bytes with the per-packet status bytes removed. It
// returns 0 and no error when nothing arrives before the USB timeout.
func (p *usbPort) Read(b []byte) (int, error) {
	deadline := time.Now().Add(usbTimeout)
	for len(p.pending) == 0 {
		if time.Now().After(deadline) {
			return 0, nil
		}
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		n, err := p.in.ReadContext(ctx, p.raw)
		cancel()
		if err != nil && n == 0 {
			if ctx.Err() != nil {
				return 0, nil
			}
			return 0, err
		}
		for off := 0; off < n; off += p.packet {
			end := min(off+p.packet, n)
			if end-off > statusBytes {
				p.pending = append(p.pending, p.raw[off+statusBytes:end]...)
			}
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *usbPort) ReadPins() (byte, error) {
	buf := make([]byte, 1)
	_, err := p.dev.Control(
		gousb.ControlIn|gousb.ControlVendor|gousb.ControlDevice,
		reqReadPins, 0, interfaceA, buf)
	return buf[0], err
}

func (p *usbPort) Close() error {
	if p.dev != nil {
		_ = p.control(reqSetBitmode, bitmodeReset)
	}
	if p.done != nil {
		p.done()
		p.done = nil
	}
	var err error
	if p.dev != nil {
		err = p.dev.Close()
		p.dev = nil
	}
	if p.ctx != nil {
		if cerr := p.ctx.Close(); err == nil {
			err = cerr
		}
		p.ctx = nil
	}
	return err
}

var _ Port = (*usbPort)(nil)
