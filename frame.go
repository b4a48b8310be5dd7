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

package hce

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// FrameTech is the RF technology a frame was exchanged on.
type FrameTech uint16

const (
	TechNone FrameTech = 0x0000
	TechNfcA FrameTech = 0x0101
	TechNfcB FrameTech = 0x0102
)

func (t FrameTech) String() string {
	switch t {
	case TechNone:
		return "none"
	case TechNfcA:
		return "nfca"
	case TechNfcB:
		return "nfcb"
	default:
		return fmt.Sprintf("tech(0x%04X)", uint16(t))
	}
}

// FrameType is the role of a frame in an exchange.
type FrameType uint16

const (
	FrameNone       FrameType = 0x0000
	FrameActivate   FrameType = 0x0100
	FrameDeactivate FrameType = 0x0101
	FrameRequest    FrameType = 0x0211
	FrameResponse   FrameType = 0x0212
)

func (t FrameType) String() string {
	switch t {
	case FrameNone:
		return "none"
	case FrameActivate:
		return "activate"
	case FrameDeactivate:
		return "deactivate"
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	default:
		return fmt.Sprintf("type(0x%04X)", uint16(t))
	}
}

// FrameFlags is an extensible bitmask of frame attributes.
type FrameFlags uint32

const (
	FlagCRCError FrameFlags = 1 << iota
	FlagParityError
	FlagTruncated
	FlagEncrypted
)

// Frame is a timestamped, technology tagged payload. Frames are values: the
// payload is copied on construction and never mutated afterwards, so a frame
// may be shared between any number of subscribers.
type Frame struct {
	data  []byte
	Tech  FrameTech
	Type  FrameType
	Flags FrameFlags
	Rate  uint32
	// Time is the frame timestamp in milliseconds since the Unix epoch.
	Time uint64
}

// Nil is the canonical empty frame.
var Nil = Frame{}

// NewFrame builds a frame over a copy of data.
func NewFrame(tech FrameTech, typ FrameType, data []byte, timeMs uint64) Frame {
	f := Frame{Tech: tech, Type: typ, Time: timeMs}
	if len(data) > 0 {
		f.data = make([]byte, len(data))
		copy(f.data, data)
	}
	return f
}

// NowMillis returns the current time as a frame timestamp.
func NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Data returns a copy of the payload.
func (f Frame) Data() []byte {
	if f.data == nil {
		return nil
	}
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out
}

// Len returns the payload length.
func (f Frame) Len() int { return len(f.data) }

// Buffer returns a read mode buffer over a copy of the payload.
func (f Frame) Buffer() *ByteBuffer { return WrapBytes(f.data) }

// IsValid reports whether the frame carries content.
func (f Frame) IsValid() bool {
	return f.Type != FrameNone || len(f.data) > 0
}

// Equal compares technology, type, flags, rate and payload. Time is ignored.
func (f Frame) Equal(o Frame) bool {
	return f.Tech == o.Tech &&
		f.Type == o.Type &&
		f.Flags == o.Flags &&
		f.Rate == o.Rate &&
		bytes.Equal(f.data, o.data)
}

// Less orders frames by time only.
func (f Frame) Less(o Frame) bool { return f.Time < o.Time }

func (f Frame) String() string {
	return fmt.Sprintf("%s %s @%d [%s]", f.Tech, f.Type, f.Time, hex.EncodeToString(f.data))
}

type frameJSON struct {
	Tech  string     `json:"tech"`
	Type  string     `json:"type"`
	Data  string     `json:"data"`
	Time  uint64     `json:"time"`
	Flags FrameFlags `json:"flags"`
	Rate  uint32     `json:"rate,omitempty"`
}

// MarshalJSON encodes the frame for the stream server.
func (f Frame) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(frameJSON{
		Tech:  f.Tech.String(),
		Type:  f.Type.String(),
		Flags: f.Flags,
		Rate:  f.Rate,
		Time:  f.Time,
		Data:  hex.EncodeToString(f.data),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	return b, nil
}

// InsertFrame inserts f into a time ordered list using binary search. Frames
// with the same timestamp keep their arrival order.
func InsertFrame(list []Frame, f Frame) []Frame {
	i := sort.Search(len(list), func(i int) bool { return f.Less(list[i]) })
	list = append(list, Frame{})
	copy(list[i+1:], list[i:])
	list[i] = f
	return list
}
