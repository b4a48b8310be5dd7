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

package testing

import (
	"context"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/internal/syncutil"
)

// NCI message types as they appear in the first header byte
const (
	nciMTData    = 0x00
	nciMTCommand = 0x20
	nciMTRsp     = 0x40
	nciMTNtf     = 0x60
)

// ScriptedBus models an NCI controller behind the PN7160 bus interface.
// Every control command gets a success response unless overridden, CORE_RESET
// is followed by its notification, and data messages return a credit
// notification. Tests inject further notifications with Inject.
type ScriptedBus struct {
	config   map[uint16][]byte
	status   map[uint16]byte
	silence  map[uint16]bool
	writeErr error
	queue    [][]byte
	written  [][]byte
	ven      []bool
	dwl      []bool
	mu       syncutil.Mutex
	closed   bool
}

// NewScriptedBus creates a bus with an empty notification queue.
func NewScriptedBus() *ScriptedBus {
	return &ScriptedBus{
		config:  make(map[uint16][]byte),
		status:  make(map[uint16]byte),
		silence: make(map[uint16]bool),
	}
}

func nciKey(gid, oid byte) uint16 {
	return uint16(gid&0x0F)<<8 | uint16(oid&0x3F)
}

// SetStatus makes the controller answer gid/oid with status st.
func (b *ScriptedBus) SetStatus(gid, oid, st byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status[nciKey(gid, oid)] = st
}

// Silence makes the controller ignore gid/oid.
func (b *ScriptedBus) Silence(gid, oid byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silence[nciKey(gid, oid)] = true
}

// FailWrites makes every following Write return err.
func (b *ScriptedBus) FailWrites(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeErr = err
}

// Inject queues messages from the controller.
func (b *ScriptedBus) Inject(msgs ...[]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		b.queue = append(b.queue, append([]byte(nil), m...))
	}
}

// Written returns every message the host wrote.
func (b *ScriptedBus) Written() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.written))
	copy(out, b.written)
	return out
}

// Commands returns the gid/oid pairs of the control commands written, as
// two byte headers.
func (b *ScriptedBus) Commands() [][2]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][2]byte
	for _, m := range b.written {
		if len(m) >= 2 && m[0]&0xE0 == nciMTCommand {
			out = append(out, [2]byte{m[0], m[1]})
		}
	}
	return out
}

// VEN returns the history of VEN pin levels.
func (b *ScriptedBus) VEN() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bool(nil), b.ven...)
}

// DWL returns the history of DWL pin levels.
func (b *ScriptedBus) DWL() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bool(nil), b.dwl...)
}

// Config returns a value stored by CORE_SET_CONFIG.
func (b *ScriptedBus) Config(tag uint16) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.config[tag]
	return v, ok
}

// Closed reports whether Close was called.
func (b *ScriptedBus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Pending returns the number of queued controller messages.
func (b *ScriptedBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Write accepts one complete NCI message.
func (b *ScriptedBus) Write(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return hce.ErrTransportClosed
	}
	if b.writeErr != nil {
		return b.writeErr
	}
	b.written = append(b.written, append([]byte(nil), msg...))
	if len(msg) < 3 {
		return nil
	}

	switch msg[0] & 0xE0 {
	case nciMTData:
		// one credit back for connection 0
		b.queue = append(b.queue, []byte{nciMTNtf, 0x06, 0x03, 0x01, 0x00, 0x01})
	case nciMTCommand:
		b.answer(msg)
	}
	return nil
}

func (b *ScriptedBus) answer(msg []byte) {
	gid, oid := msg[0]&0x0F, msg[1]&0x3F
	key := nciKey(gid, oid)
	if b.silence[key] {
		return
	}
	st := b.status[key]
	payload := msg[3:]

	var rsp []byte
	switch key {
	case nciKey(0x00, 0x00): // CORE_RESET
		rsp = []byte{st}
		if st == 0 {
			cfg := byte(0)
			if len(payload) > 0 {
				cfg = payload[0]
			}
			defer b.notify(0x00, 0x00, 0x02, cfg, 0x20, 0x04, 0x04, 0x51, 0x12, 0x01, 0x90)
		}
	case nciKey(0x00, 0x01): // CORE_INIT
		rsp = []byte{
			st,
			0x03, 0x1E, 0x03, 0x00, // features
			0x01,       // logical connections
			0x00, 0x02, // routing table size
			0xFF,       // control payload
			0xFF,       // data payload
			0x01,       // credits
			0x00, 0x00, // NFC-V frame size
			0x02,       // interfaces
			0x01, 0x00, // frame
			0x02, 0x00, // ISO-DEP
		}
	case nciKey(0x00, 0x02): // CORE_SET_CONFIG
		if st == 0 {
			b.storeConfig(payload)
		}
		rsp = []byte{st, 0x00}
	case nciKey(0x00, 0x03): // CORE_GET_CONFIG
		rsp = append([]byte{st}, b.readConfig(payload)...)
	default:
		rsp = []byte{st}
	}

	b.queue = append(b.queue, append([]byte{nciMTRsp | gid, oid, byte(len(rsp))}, rsp...))
}

func (b *ScriptedBus) notify(gid, oid byte, payload ...byte) {
	b.queue = append(b.queue, append([]byte{nciMTNtf | gid, oid, byte(len(payload))}, payload...))
}

func (b *ScriptedBus) storeConfig(p []byte) {
	if len(p) == 0 {
		return
	}
	count, i := int(p[0]), 1
	for range count {
		if i >= len(p) {
			return
		}
		tag := uint16(p[i])
		i++
		if tag&0xA0 == 0xA0 && i < len(p) {
			tag = tag<<8 | uint16(p[i])
			i++
		}
		if i >= len(p) {
			return
		}
		n := int(p[i])
		i++
		if i+n > len(p) {
			return
		}
		b.config[tag] = append([]byte(nil), p[i:i+n]...)
		i += n
	}
}

func (b *ScriptedBus) readConfig(p []byte) []byte {
	var tags []uint16
	if len(p) > 0 {
		for i := 1; i < len(p); i++ {
			tag := uint16(p[i])
			if tag&0xA0 == 0xA0 && i+1 < len(p) {
				tag = tag<<8 | uint16(p[i+1])
				i++
			}
			tags = append(tags, tag)
		}
	}

	out := []byte{0}
	for _, tag := range tags {
		v, ok := b.config[tag]
		if !ok {
			continue
		}
		if tag&0xA000 != 0 {
			out = append(out, byte(tag>>8), byte(tag))
		} else {
			out = append(out, byte(tag))
		}
		out = append(out, byte(len(v)))
		out = append(out, v...)
		out[0]++
	}
	return out
}

// Read returns the next controller message.
func (b *ScriptedBus) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, hce.ErrTransportClosed
	}
	if len(b.queue) == 0 {
		return nil, hce.ErrTransportTimeout
	}
	msg := b.queue[0]
	b.queue = b.queue[1:]
	return msg, nil
}

// IRQ reports whether the controller has a message ready.
func (b *ScriptedBus) IRQ(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, hce.ErrTransportClosed
	}
	return len(b.queue) > 0, nil
}

// SetVEN records the VEN level.
func (b *ScriptedBus) SetVEN(high bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ven = append(b.ven, high)
	return nil
}

// SetDWL records the DWL level.
func (b *ScriptedBus) SetDWL(high bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dwl = append(b.dwl, high)
	return nil
}

// Close marks the bus closed.
func (b *ScriptedBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
