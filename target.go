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
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// ParamID identifies a target identity field.
type ParamID int

const (
	// ParamUID is the 4, 7 or 10 byte NFCID1.
	ParamUID ParamID = 0
	// ParamATQA is the answer to REQA/WUPA, for example 0x4403.
	ParamATQA ParamID = 1
	// ParamSAK is the select acknowledge, 0x20 for ISO14443-4 compliant tags.
	ParamSAK ParamID = 2
	// ParamRatsTB1 carries FWI and SFGI.
	ParamRatsTB1 ParamID = 10
	// ParamRatsTC1 carries the NAD/CID support bits.
	ParamRatsTC1 ParamID = 11
	// ParamRatsHB holds the historical bytes.
	ParamRatsHB ParamID = 12
)

func (id ParamID) String() string {
	switch id {
	case ParamUID:
		return "UID"
	case ParamATQA:
		return "ATQA"
	case ParamSAK:
		return "SAK"
	case ParamRatsTB1:
		return "RATS_TB1"
	case ParamRatsTC1:
		return "RATS_TC1"
	case ParamRatsHB:
		return "RATS_HB"
	default:
		return fmt.Sprintf("param(%d)", int(id))
	}
}

// ValueKind discriminates the ParamValue union.
type ValueKind int

const (
	KindNone ValueKind = iota
	KindUint8
	KindUint16
	KindBytes
)

func (k ValueKind) String() string {
	switch k {
	case KindUint8:
		return "uint8"
	case KindUint16:
		return "uint16"
	case KindBytes:
		return "bytes"
	default:
		return "none"
	}
}

// ParamValue is a tagged union holding one identity field value.
type ParamValue struct {
	bytes []byte
	num   uint16
	kind  ValueKind
}

// Uint8 wraps a one byte value.
func Uint8(v uint8) ParamValue { return ParamValue{kind: KindUint8, num: uint16(v)} }

// Uint16 wraps a two byte value.
func Uint16(v uint16) ParamValue { return ParamValue{kind: KindUint16, num: v} }

// Bytes wraps a copy of a variable length value.
func Bytes(v []byte) ParamValue {
	b := make([]byte, len(v))
	copy(b, v)
	return ParamValue{kind: KindBytes, bytes: b}
}

// Kind returns the discriminant.
func (v ParamValue) Kind() ValueKind { return v.kind }

// Uint8 returns the value if it holds a uint8.
func (v ParamValue) Uint8() (uint8, bool) {
	return uint8(v.num), v.kind == KindUint8
}

// Uint16 returns the value if it holds a uint16.
func (v ParamValue) Uint16() (uint16, bool) {
	return v.num, v.kind == KindUint16
}

// Bytes returns a copy of the value if it holds bytes.
func (v ParamValue) Bytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	b := make([]byte, len(v.bytes))
	copy(b, v.bytes)
	return b, true
}

func (v ParamValue) String() string {
	switch v.kind {
	case KindUint8:
		return fmt.Sprintf("%02X", v.num)
	case KindUint16:
		return fmt.Sprintf("%04X", v.num)
	case KindBytes:
		return hex.EncodeToString(v.bytes)
	default:
		return "<none>"
	}
}

// Target is a virtual contactless card.
//
// Process receives one request APDU and writes the response into response,
// which the caller clears beforehand. The target flips response before
// returning. A non-nil error means no response must be sent.
type Target interface {
	Get(id ParamID) (ParamValue, bool)
	Set(id ParamID, value ParamValue) error
	Select()
	Deselect()
	Process(request, response *ByteBuffer) error
}

// Identity is the anticollision and activation identity shared by all
// ISO14443-4 targets.
type Identity struct {
	UID  []byte
	HB   []byte
	ATQA uint16
	SAK  uint8
	TB1  uint8
	TC1  uint8
}

// DefaultIdentity returns an ISO-DEP identity with a random 7 byte UID.
func DefaultIdentity() Identity {
	uid := make([]byte, 7)
	_, _ = rand.Read(uid)
	return Identity{
		UID:  uid,
		ATQA: 0x4403,
		SAK:  0x20,
		TB1:  0x81,
		TC1:  0x02,
		HB:   []byte{0x80},
	}
}

// Get returns the value of an identity field.
func (id *Identity) Get(p ParamID) (ParamValue, bool) {
	switch p {
	case ParamUID:
		return Bytes(id.UID), true
	case ParamATQA:
		return Uint16(id.ATQA), true
	case ParamSAK:
		return Uint8(id.SAK), true
	case ParamRatsTB1:
		return Uint8(id.TB1), true
	case ParamRatsTC1:
		return Uint8(id.TC1), true
	case ParamRatsHB:
		return Bytes(id.HB), true
	default:
		return ParamValue{}, false
	}
}

// Set updates an identity field. The value kind must match the field.
func (id *Identity) Set(p ParamID, v ParamValue) error {
	switch p {
	case ParamUID:
		b, ok := v.Bytes()
		if !ok {
			return paramTypeError(p, KindBytes, v)
		}
		if err := ValidateUID(b); err != nil {
			return err
		}
		id.UID = b
	case ParamATQA:
		n, ok := v.Uint16()
		if !ok {
			return paramTypeError(p, KindUint16, v)
		}
		id.ATQA = n
	case ParamSAK, ParamRatsTB1, ParamRatsTC1:
		n, ok := v.Uint8()
		if !ok {
			return paramTypeError(p, KindUint8, v)
		}
		switch p {
		case ParamSAK:
			id.SAK = n
		case ParamRatsTB1:
			id.TB1 = n
		default:
			id.TC1 = n
		}
	case ParamRatsHB:
		b, ok := v.Bytes()
		if !ok {
			return paramTypeError(p, KindBytes, v)
		}
		id.HB = b
	default:
		return fmt.Errorf("%w: %s", ErrUnknownParam, p)
	}
	return nil
}

// ValidateUID checks the ISO14443-3 UID sizes.
func ValidateUID(uid []byte) error {
	switch len(uid) {
	case 4, 7, 10:
		return nil
	default:
		return fmt.Errorf("%w: %d bytes", ErrInvalidUID, len(uid))
	}
}

func paramTypeError(p ParamID, want ValueKind, got ParamValue) error {
	return fmt.Errorf("%w: %s wants %s, got %s", ErrParamType, p, want, got.Kind())
}
