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

// Package pins drives the PN7160 control lines through periph GPIO.
package pins

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	hce "github.com/ZaparooProject/go-hce"
)

// Default header pins of the common Raspberry Pi PN7160 boards.
const (
	DefaultIRQ = "GPIO23"
	DefaultVEN = "GPIO24"
	DefaultDWL = "GPIO25"
)

// Lines are the IRQ input and the VEN and DWL outputs. DWL may be nil on
// boards that tie it low.
type Lines struct {
	irq gpio.PinIn
	ven gpio.PinOut
	dwl gpio.PinOut
}

// New configures irq as a pulled-down input.
func New(irq gpio.PinIn, ven, dwl gpio.PinOut) (*Lines, error) {
	if irq == nil || ven == nil {
		return nil, fmt.Errorf("%w: IRQ and VEN lines are required", hce.ErrInvalidConfig)
	}
	if err := irq.In(gpio.PullDown, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("configure IRQ %s: %w", irq, err)
	}
	return &Lines{irq: irq, ven: ven, dwl: dwl}, nil
}

// Lookup resolves pins by name from the periph registry. An empty name
// selects the default; "-" leaves DWL unconnected.
func Lookup(irq, ven, dwl string) (*Lines, error) {
	byName := func(name, def string) (gpio.PinIO, error) {
		if name == "" {
			name = def
		}
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("%w: GPIO %q", hce.ErrDeviceNotFound, name)
		}
		return p, nil
	}

	irqPin, err := byName(irq, DefaultIRQ)
	if err != nil {
		return nil, err
	}
	venPin, err := byName(ven, DefaultVEN)
	if err != nil {
		return nil, err
	}
	var dwlPin gpio.PinOut
	if dwl != "-" {
		p, err := byName(dwl, DefaultDWL)
		if err != nil {
			return nil, err
		}
		dwlPin = p
	}
	return New(irqPin, venPin, dwlPin)
}

// IRQ reports whether the controller has a message ready.
func (l *Lines) IRQ() bool { return l.irq.Read() == gpio.High }

// SetVEN drives VEN.
func (l *Lines) SetVEN(high bool) error {
	return l.ven.Out(gpio.Level(high))
}

// SetDWL drives DWL. It is a no-op when DWL is unconnected.
func (l *Lines) SetDWL(high bool) error {
	if l.dwl == nil {
		return nil
	}
	return l.dwl.Out(gpio.Level(high))
}

// Release drives VEN low so the controller is off once the bus is closed.
func (l *Lines) Release() error {
	return l.ven.Out(gpio.Low)
}
