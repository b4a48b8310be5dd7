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

package crypt

import "fmt"

// CMACKind selects the cipher and output form of a CMAC.
type CMACKind int

const (
	CmacTDES CMACKind = iota
	CmacAES128
	// CmacAES128Trunc returns the odd indexed bytes of the AES-128 MAC,
	// the 8 byte form used by DESFire EV2 secure messaging.
	CmacAES128Trunc
)

// Reduction constants for the subkey doubling in GF(2^n).
const (
	rbAES  = 0x87
	rbTDES = 0x1B
)

// MAC computes NIST SP 800-38B CMACs with one keyed cipher.
type MAC struct {
	cipher Cipher
	k1     []byte
	k2     []byte
}

// NewMAC derives the CMAC subkeys for c. The reduction constant follows the
// cipher block size.
func NewMAC(c Cipher) (*MAC, error) {
	var rb byte
	switch c.BlockSize() {
	case 16:
		rb = rbAES
	case 8:
		rb = rbTDES
	default:
		return nil, fmt.Errorf("%w: no CMAC polynomial for %d byte blocks", ErrBlockSize, c.BlockSize())
	}
	k1, k2, err := Subkeys(c, rb)
	if err != nil {
		return nil, err
	}
	return &MAC{cipher: c, k1: k1, k2: k2}, nil
}

// Subkeys returns K1 and K2 for the cipher and reduction constant rb.
func Subkeys(c Cipher, rb byte) (k1, k2 []byte, err error) {
	k0, err := c.Encrypt(make([]byte, c.BlockSize()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive CMAC subkeys: %w", err)
	}
	k1 = double(k0, rb)
	k2 = double(k1, rb)
	return k1, k2, nil
}

// double shifts the whole block left by one bit and applies rb when the
// most significant bit falls out.
func double(in []byte, rb byte) []byte {
	out := make([]byte, len(in))
	var carry byte
	for i := len(in) - 1; i >= 0; i-- {
		out[i] = in[i]<<1 | carry
		carry = in[i] >> 7
	}
	if in[0]&0x80 != 0 {
		out[len(out)-1] ^= rb
	}
	return out
}

// Sum returns the full block MAC of data. The IV is not modified.
func (m *MAC) Sum(data, iv []byte) ([]byte, error) {
	size := m.cipher.BlockSize()
	if iv == nil {
		iv = make([]byte, size)
	}
	if len(iv) != size {
		return nil, fmt.Errorf("%w: %d bytes, block %d", ErrIVSize, len(iv), size)
	}

	n := len(data)
	complete := n > 0 && n%size == 0
	padded := n
	if !complete {
		padded = n + size - n%size
	}

	buf := make([]byte, padded)
	copy(buf, data)
	last := buf[padded-size:]
	if complete {
		xorInto(last, last, m.k1)
	} else {
		buf[n] = 0x80
		xorInto(last, last, m.k2)
	}

	chain := make([]byte, size)
	copy(chain, iv)
	out, err := m.cipher.EncryptIV(buf, chain)
	if err != nil {
		return nil, err
	}
	return out[len(out)-size:], nil
}

// SumTruncated returns mac[1], mac[3], ... of the full block MAC.
func (m *MAC) SumTruncated(data, iv []byte) ([]byte, error) {
	mac, err := m.Sum(data, iv)
	if err != nil {
		return nil, err
	}
	return Truncate(mac), nil
}

// Truncate keeps the odd indexed bytes of a MAC.
func Truncate(mac []byte) []byte {
	out := make([]byte, len(mac)/2)
	for i := range out {
		out[i] = mac[2*i+1]
	}
	return out
}

// CMAC keys a cipher for kind and returns the MAC of data under iv. A nil
// iv is treated as all zeros.
func CMAC(kind CMACKind, key, data, iv []byte) ([]byte, error) {
	var c Cipher
	var err error
	switch kind {
	case CmacAES128, CmacAES128Trunc:
		c, err = NewAES(key)
	case CmacTDES:
		c, err = NewDES(key, ModeIso)
	default:
		return nil, fmt.Errorf("unknown CMAC kind %d", kind)
	}
	if err != nil {
		return nil, err
	}
	m, err := NewMAC(c)
	if err != nil {
		return nil, err
	}
	if kind == CmacAES128Trunc {
		return m.SumTruncated(data, iv)
	}
	return m.Sum(data, iv)
}
