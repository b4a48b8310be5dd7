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

// Package testing provides wire level simulators for transport and driver
// tests.
//
// VirtualPN532 answers PN532 HSU frames the way a chip configured for card
// emulation does: TgInitAsTarget blocks until an initiator is activated,
// TgGetData blocks until the initiator sends an APDU, and TgSetData records
// the response. ScriptedBus models an NCI controller for the PN7160 driver.
package testing

import (
	"bytes"
	"time"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/internal/frame"
	"github.com/ZaparooProject/go-hce/internal/syncutil"
)

// PN532 command codes handled by the simulator
const (
	cmdGetFirmwareVersion = 0x02
	cmdGetGeneralStatus   = 0x04
	cmdReadRegister       = 0x06
	cmdWriteRegister      = 0x08
	cmdSetParameters      = 0x12
	cmdSAMConfiguration   = 0x14
	cmdPowerDown          = 0x16
	cmdTgGetData          = 0x86
	cmdTgInitAsTarget     = 0x8C
	cmdTgSetData          = 0x8E
	cmdTgResponseToInit   = 0x90
)

const (
	statusOK       = 0x00
	statusReleased = 0x29

	wakeUpByte = 0x55

	defaultReadTimeout = 50 * time.Millisecond
)

// PowerMode is the simulated chip power state.
type PowerMode int

const (
	PowerNormal PowerMode = iota
	PowerLow
	PowerDown
)

func (m PowerMode) String() string {
	switch m {
	case PowerNormal:
		return "normal"
	case PowerLow:
		return "low-power"
	case PowerDown:
		return "power-down"
	default:
		return "unknown"
	}
}

// VirtualPN532 simulates a PN532 behind a serial port. It satisfies the
// port interface of the HSU transport.
type VirtualPN532 struct {
	registers   map[uint16]byte
	rxBuffer    bytes.Buffer
	txBuffer    bytes.Buffer
	apdus       [][]byte
	sent        [][]byte
	commands    []byte
	activation  []byte
	firmware    [4]byte
	readTimeout time.Duration
	power       PowerMode
	wakeUps     int
	dropped     int
	mu          syncutil.Mutex
	pending     byte
	activated   bool
	active      bool
	released    bool
	closed      bool
	field       bool

	injectChecksumError bool
	dropNextACK         bool
}

// NewVirtualPN532 creates a simulator in low power mode with the CIU
// registers at their reset values.
func NewVirtualPN532() *VirtualPN532 {
	return &VirtualPN532{
		registers: map[uint16]byte{
			0x6302: 0x00, // TxMode
			0x6303: 0x00, // RxMode
			0x6304: 0x83, // TxControl
			0x6305: 0x00, // TxAuto
			0x630D: 0x10, // ManualRCV
			0x6338: 0x08, // Status2
		},
		firmware:    [4]byte{0x32, 0x01, 0x06, 0x07},
		readTimeout: defaultReadTimeout,
		power:       PowerLow,
	}
}

// Write receives bytes from the host.
func (v *VirtualPN532) Write(data []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return 0, hce.ErrTransportClosed
	}

	n := len(data)
	for len(data) > 0 && data[0] == wakeUpByte {
		if v.power != PowerNormal {
			v.power = PowerNormal
			v.wakeUps++
		}
		data = data[1:]
	}

	if v.power != PowerNormal {
		// a sleeping chip ignores everything but the wake-up preamble
		v.dropped++
		return n, nil
	}

	v.rxBuffer.Write(data)
	v.processReceived()
	return n, nil
}

// Read returns response bytes, waiting up to the read timeout like a serial
// port does. A timeout returns zero bytes and no error.
func (v *VirtualPN532) Read(buf []byte) (int, error) {
	v.mu.Lock()
	timeout := v.readTimeout
	v.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		v.mu.Lock()
		if v.closed {
			v.mu.Unlock()
			return 0, hce.ErrTransportClosed
		}
		if v.txBuffer.Len() > 0 {
			n, _ := v.txBuffer.Read(buf)
			v.mu.Unlock()
			return n, nil
		}
		v.mu.Unlock()

		if time.Now().After(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

// SetReadTimeout sets how long Read waits for data. A negative value waits
// one second.
func (v *VirtualPN532) SetReadTimeout(t time.Duration) error {
	if t < 0 {
		t = time.Second
	}
	v.mu.Lock()
	v.readTimeout = t
	v.mu.Unlock()
	return nil
}

// ResetInputBuffer discards unread response bytes.
func (v *VirtualPN532) ResetInputBuffer() error {
	v.mu.Lock()
	v.txBuffer.Reset()
	v.mu.Unlock()
	return nil
}

// Close makes further reads and writes fail.
func (v *VirtualPN532) Close() error {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	return nil
}

// Activate simulates an initiator selecting the emulated card. The given
// bytes follow the mode byte in the TgInitAsTarget response; a pending
// TgInitAsTarget is answered at once.
func (v *VirtualPN532) Activate(initiatorCmd ...byte) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.activation = append([]byte(nil), initiatorCmd...)
	v.activated = true
	v.released = false
	v.field = true
	if v.pending == cmdTgInitAsTarget {
		v.pending = 0
		v.answerInit()
	}
}

// QueueAPDU queues a request APDU from the initiator.
func (v *VirtualPN532) QueueAPDU(apdu ...byte) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.apdus = append(v.apdus, append([]byte(nil), apdu...))
	if v.pending == cmdTgGetData {
		v.pending = 0
		v.answerGetData()
	}
}

// Release simulates the initiator leaving the field.
func (v *VirtualPN532) Release() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.released = true
	v.activated = false
	v.field = false
	if v.pending == cmdTgGetData {
		v.pending = 0
		v.answerGetData()
	}
}

// Sent returns the response APDUs delivered through TgSetData.
func (v *VirtualPN532) Sent() [][]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([][]byte, len(v.sent))
	copy(out, v.sent)
	return out
}

// Commands returns the command codes received, in order.
func (v *VirtualPN532) Commands() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]byte(nil), v.commands...)
}

// PowerMode returns the simulated power state.
func (v *VirtualPN532) PowerMode() PowerMode {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.power
}

// WakeUps counts how often the chip was woken by the 0x55 preamble.
func (v *VirtualPN532) WakeUps() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.wakeUps
}

// Dropped counts writes ignored while the chip was asleep.
func (v *VirtualPN532) Dropped() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dropped
}

// Register returns the value of a CIU register.
func (v *VirtualPN532) Register(addr uint16) byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.registers[addr]
}

// SetRegister sets the value of a CIU register.
func (v *VirtualPN532) SetRegister(addr uint16, value byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.registers[addr] = value
}

// SetFirmwareVersion configures the GetFirmwareVersion answer.
func (v *VirtualPN532) SetFirmwareVersion(ic, ver, rev, support byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.firmware = [4]byte{ic, ver, rev, support}
}

// InjectChecksumError corrupts the data checksum of the next response.
func (v *VirtualPN532) InjectChecksumError() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.injectChecksumError = true
}

// DropNextACK suppresses the ACK of the next command.
func (v *VirtualPN532) DropNextACK() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dropNextACK = true
}

func (v *VirtualPN532) processReceived() {
	for {
		data := v.rxBuffer.Bytes()
		start := bytes.Index(data, []byte{frame.Preamble, frame.StartCode1, frame.StartCode2})
		if start < 0 {
			return
		}
		if start > 0 {
			v.rxBuffer.Next(start)
			data = v.rxBuffer.Bytes()
		}

		if frame.IsAck(data) || frame.IsNack(data) {
			v.rxBuffer.Next(frame.AckLength)
			continue
		}

		total, complete, ok := frameSize(data)
		if !ok {
			v.rxBuffer.Next(1)
			continue
		}
		if !complete {
			return
		}

		payload, _, err := frame.Decode(data[:total])
		v.rxBuffer.Next(total)
		if err != nil {
			continue
		}
		v.processCommand(payload)
	}
}

// frameSize reports the length of the frame at the start of data once the
// header is available.
func frameSize(data []byte) (total int, complete, ok bool) {
	if len(data) < frame.HeaderLength {
		return 0, false, true
	}
	hdr, err := frame.ParseHeader(data[:frame.HeaderLength])
	if err != nil {
		return 0, false, false
	}
	off, length := frame.HeaderLength, hdr.Length
	if hdr.Extended {
		if len(data) < off+frame.ExtendedHeaderLength {
			return 0, false, true
		}
		if length, err = frame.ParseExtendedLength(data[off:]); err != nil {
			return 0, false, false
		}
		off += frame.ExtendedHeaderLength
	}
	total = off + length + 2
	return total, len(data) >= total, true
}

func (v *VirtualPN532) processCommand(payload []byte) {
	if len(payload) < 2 || payload[0] != frame.HostToPn532 {
		v.txBuffer.Write(frame.ErrorFrame)
		return
	}

	if !v.dropNextACK {
		v.txBuffer.Write(frame.AckFrame)
	}
	v.dropNextACK = false

	cmd, params := payload[1], payload[2:]
	v.commands = append(v.commands, cmd)
	v.pending = 0

	switch cmd {
	case cmdGetFirmwareVersion:
		v.respond(cmd, v.firmware[:]...)
	case cmdGetGeneralStatus:
		field := byte(0)
		if v.field {
			field = 1
		}
		v.respond(cmd, statusOK, field, 0x00, 0x01)
	case cmdReadRegister:
		out := make([]byte, 0, len(params)/2)
		for i := 0; i+1 < len(params); i += 2 {
			out = append(out, v.registers[uint16(params[i])<<8|uint16(params[i+1])])
		}
		v.respond(cmd, out...)
	case cmdWriteRegister:
		for i := 0; i+2 < len(params); i += 3 {
			v.registers[uint16(params[i])<<8|uint16(params[i+1])] = params[i+2]
		}
		v.respond(cmd)
	case cmdSetParameters, cmdSAMConfiguration, cmdTgResponseToInit:
		v.respond(cmd)
	case cmdPowerDown:
		v.respond(cmd, statusOK)
		v.power = PowerDown
	case cmdTgInitAsTarget:
		v.active = false
		if v.activated {
			v.answerInit()
		} else {
			v.pending = cmd
		}
	case cmdTgGetData:
		if len(v.apdus) > 0 || v.released || !v.active {
			v.answerGetData()
		} else {
			v.pending = cmd
		}
	case cmdTgSetData:
		v.sent = append(v.sent, append([]byte(nil), params...))
		if v.active && !v.released {
			v.respond(cmd, statusOK)
		} else {
			v.respond(cmd, statusReleased)
		}
	default:
		v.txBuffer.Write(frame.ErrorFrame)
	}
}

func (v *VirtualPN532) answerInit() {
	v.active = true
	// mode byte: ISO/IEC 14443-4 PICC at 106 kbps
	v.respond(cmdTgInitAsTarget, append([]byte{0x08}, v.activation...)...)
}

func (v *VirtualPN532) answerGetData() {
	switch {
	case len(v.apdus) > 0 && v.active:
		apdu := v.apdus[0]
		v.apdus = v.apdus[1:]
		v.respond(cmdTgGetData, append([]byte{statusOK}, apdu...)...)
	default:
		v.active = false
		v.respond(cmdTgGetData, statusReleased)
	}
}

func (v *VirtualPN532) respond(cmd byte, data ...byte) {
	payload := append([]byte{frame.Pn532ToHost, cmd + 1}, data...)
	out, err := frame.Build(payload)
	if err != nil {
		v.txBuffer.Write(frame.ErrorFrame)
		return
	}
	if v.injectChecksumError {
		v.injectChecksumError = false
		out[len(out)-2] ^= 0xFF
	}
	v.txBuffer.Write(out)
}
