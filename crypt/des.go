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

import (
	"crypto/cipher"
	"crypto/des"
	"fmt"
)

// DESBlockSize is the DES and 3DES block length.
const DESBlockSize = des.BlockSize

// DES is single, two-key or three-key DES in CBC mode.
type DES struct {
	block cipher.Block
	mode  Mode
}

// NewDES returns a DES cipher for an 8, 16 or 24 byte key.
func NewDES(key []byte, mode Mode) (*DES, error) {
	c := &DES{}
	if err := c.Init(key, mode); err != nil {
		return nil, err
	}
	return c, nil
}

// Init selects single DES for 8 byte keys (k1=k2=k3), two-key 3DES for 16
// byte keys (k3=k1) and three-key 3DES for 24 byte keys.
func (c *DES) Init(key []byte, mode Mode) error {
	var k [24]byte
	switch len(key) {
	case 8:
		copy(k[0:], key)
		copy(k[8:], key)
		copy(k[16:], key)
	case 16:
		copy(k[0:], key)
		copy(k[16:], key[:8])
	case 24:
		copy(k[:], key)
	default:
		return fmt.Errorf("%w: DES takes 8, 16 or 24 bytes, got %d", ErrKeySize, len(key))
	}
	block, err := des.NewTripleDESCipher(k[:])
	if err != nil {
		return fmt.Errorf("failed to create DES cipher: %w", err)
	}
	c.block = block
	c.mode = mode
	return nil
}

// Mode returns the decrypt mode.
func (c *DES) Mode() Mode { return c.mode }

// BlockSize implements Cipher
func (*DES) BlockSize() int { return DESBlockSize }

// Encrypt implements Cipher
func (c *DES) Encrypt(data []byte) ([]byte, error) {
	return c.EncryptIV(data, make([]byte, DESBlockSize))
}

// Decrypt implements Cipher
func (c *DES) Decrypt(data []byte) ([]byte, error) {
	return c.DecryptIV(data, make([]byte, DESBlockSize))
}

// EncryptIV implements Cipher
func (c *DES) EncryptIV(data, iv []byte) ([]byte, error) {
	if c.block == nil {
		return nil, ErrNotInit
	}
	return encryptCBC(c.block, data, iv)
}

// DecryptIV implements Cipher. In ModeLegacy each block is passed through the
// forward cipher before the IV is applied.
func (c *DES) DecryptIV(data, iv []byte) ([]byte, error) {
	if c.block == nil {
		return nil, ErrNotInit
	}
	if c.mode != ModeLegacy {
		return decryptCBC(c.block, data, iv)
	}
	if err := checkInput(data, iv, DESBlockSize); err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	tmp := make([]byte, DESBlockSize)
	for i := 0; i < len(data); i += DESBlockSize {
		in := data[i : i+DESBlockSize]
		c.block.Encrypt(tmp, in)
		xorInto(out[i:i+DESBlockSize], tmp, iv)
		copy(iv, in)
	}
	return out, nil
}

func encryptCBC(block cipher.Block, data, iv []byte) ([]byte, error) {
	size := block.BlockSize()
	if err := checkInput(data, iv, size); err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	if len(data) == 0 {
		return out, nil
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	copy(iv, out[len(out)-size:])
	return out, nil
}

func decryptCBC(block cipher.Block, data, iv []byte) ([]byte, error) {
	size := block.BlockSize()
	if err := checkInput(data, iv, size); err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	if len(data) == 0 {
		return out, nil
	}
	next := make([]byte, size)
	copy(next, data[len(data)-size:])
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	copy(iv, next)
	return out, nil
}
