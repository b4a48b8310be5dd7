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

// Package frame encodes and decodes PN532 ATB information frames as carried
// over HSU.
package frame

// Frame direction constants - these indicate the direction of data flow
const (
	HostToPn532 = 0xD4 // Commands from host to PN532
	Pn532ToHost = 0xD5 // Responses from PN532 to host
	ErrorTFI    = 0x7F // Application level error frame
)

// Frame markers
const (
	Preamble       = 0x00
	StartCode1     = 0x00
	StartCode2     = 0xFF
	Postamble      = 0x00
	ExtendedMarker = 0xFF
)

// Frame sizes
const (
	HeaderLength         = 5 // preamble, start code, LEN, LCS
	ExtendedHeaderLength = 3 // LENm, LENl, LCS
	AckLength            = 6
	MaxNormalDataLength  = 255
	// MaxFrameDataLength bounds extended frames; the PN532 never sends
	// more than 264 data bytes.
	MaxFrameDataLength = 265
)

// Fixed frames
var (
	AckFrame   = []byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}
	NackFrame  = []byte{0x00, 0x00, 0xFF, 0xFF, 0x00, 0x00}
	ErrorFrame = []byte{0x00, 0x00, 0xFF, 0x01, 0xFF, 0x7F, 0x81, 0x00}

	// WakeUpPreamble takes the PN532 out of low power before a command.
	WakeUpPreamble = []byte{
		0x55, 0x55, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
)
