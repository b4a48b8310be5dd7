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

package frame

import (
	"bytes"
	"fmt"

	hce "github.com/ZaparooProject/go-hce"
)

// Build wraps payload (TFI followed by the command bytes) in an information
// frame. Payloads longer than 255 bytes use the extended length form.
func Build(payload []byte) ([]byte, error) {
	n := len(payload)
	switch {
	case n == 0:
		return nil, fmt.Errorf("%w: empty frame payload", hce.ErrInvalidParameter)
	case n > MaxFrameDataLength:
		return nil, fmt.Errorf("%w: %d byte frame payload", hce.ErrDataTooLarge, n)
	}

	out := make([]byte, 0, n+10)
	out = append(out, Preamble, StartCode1, StartCode2)
	if n <= MaxNormalDataLength {
		out = append(out, byte(n), LengthChecksum(byte(n)))
	} else {
		hi, lo := byte(n>>8), byte(n)
		out = append(out, ExtendedMarker, ExtendedMarker, hi, lo, -(hi + lo))
	}
	out = append(out, payload...)
	out = append(out, DataChecksum(payload), Postamble)
	return out, nil
}

// Header is the decoded start of an information frame.
type Header struct {
	// Length counts TFI and data bytes; zero for an extended header whose
	// length bytes have not been read yet.
	Length   int
	Extended bool
}

// ParseHeader checks preamble, start code and the normal length checksum.
// For an extended frame the caller reads ExtendedHeaderLength more bytes and
// passes them to ParseExtendedLength.
func ParseHeader(hdr []byte) (Header, error) {
	if len(hdr) < HeaderLength {
		return Header{}, fmt.Errorf("%w: short header % X", hce.ErrFrameCorrupted, hdr)
	}
	if hdr[0] != Preamble || hdr[1] != StartCode1 || hdr[2] != StartCode2 {
		return Header{}, fmt.Errorf("%w: bad preamble % X", hce.ErrFrameCorrupted, hdr[:3])
	}
	if hdr[3] == ExtendedMarker && hdr[4] == ExtendedMarker {
		return Header{Extended: true}, nil
	}
	if hdr[3]+hdr[4] != 0 {
		return Header{}, fmt.Errorf("%w: length checksum % X", hce.ErrChecksumMismatch, hdr[3:5])
	}
	return Header{Length: int(hdr[3])}, nil
}

// ParseExtendedLength decodes LENm LENl LCS.
func ParseExtendedLength(b []byte) (int, error) {
	if len(b) < ExtendedHeaderLength {
		return 0, fmt.Errorf("%w: short extended length", hce.ErrFrameCorrupted)
	}
	if b[0]+b[1]+b[2] != 0 {
		return 0, fmt.Errorf("%w: extended length checksum % X", hce.ErrChecksumMismatch, b[:3])
	}
	n := int(b[0])<<8 | int(b[1])
	if n > MaxFrameDataLength {
		return 0, fmt.Errorf("%w: extended length %d", hce.ErrFrameCorrupted, n)
	}
	return n, nil
}

// CheckBody verifies the data checksum of body (TFI, data, DCS) and returns
// the payload without DCS.
func CheckBody(body []byte) ([]byte, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: body of %d bytes", hce.ErrFrameCorrupted, len(body))
	}
	if Checksum(body) != 0 {
		return nil, fmt.Errorf("%w: data checksum", hce.ErrChecksumMismatch)
	}
	return body[:len(body)-1], nil
}

// Decode parses one complete frame at the start of buf and returns the
// payload and the number of bytes consumed. ACK and NACK frames return an
// empty payload.
func Decode(buf []byte) (payload []byte, n int, err error) {
	if IsAck(buf) || IsNack(buf) {
		return []byte{}, AckLength, nil
	}
	hdr, err := ParseHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	off := HeaderLength
	length := hdr.Length
	if hdr.Extended {
		if length, err = ParseExtendedLength(buf[off:]); err != nil {
			return nil, 0, err
		}
		off += ExtendedHeaderLength
	}
	end := off + length + 1
	if end+1 > len(buf) {
		return nil, 0, fmt.Errorf("%w: need %d bytes, have %d", hce.ErrFrameCorrupted, end+1, len(buf))
	}
	body, err := CheckBody(buf[off:end])
	if err != nil {
		return nil, 0, err
	}
	if buf[end] != Postamble {
		return nil, 0, fmt.Errorf("%w: postamble 0x%02X", hce.ErrFrameCorrupted, buf[end])
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out, end + 1, nil
}

// IsAck reports whether buf starts with an ACK frame.
func IsAck(buf []byte) bool {
	return len(buf) >= AckLength && bytes.Equal(buf[:AckLength], AckFrame)
}

// IsNack reports whether buf starts with a NACK frame.
func IsNack(buf []byte) bool {
	return len(buf) >= AckLength && bytes.Equal(buf[:AckLength], NackFrame)
}

// IsErrorPayload reports whether a decoded payload is the PN532 syntax
// error frame.
func IsErrorPayload(p []byte) bool {
	return len(p) > 0 && p[0] == ErrorTFI
}
