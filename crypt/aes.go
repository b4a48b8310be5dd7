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
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// AESBlockSize is the AES block length.
const AESBlockSize = aes.BlockSize

// AES is AES-128/192/256 in CBC mode.
type AES struct {
	block cipher.Block
}

// NewAES returns an AES cipher for a 16, 24 or 32 byte key.
func NewAES(key []byte) (*AES, error) {
	c := &AES{}
	if err := c.Init(key, ModeIso); err != nil {
		return nil, err
	}
	return c, nil
}

// Init implements Cipher. AES has a single decrypt path and ignores mode.
func (c *AES) Init(key []byte, _ Mode) error {
	switch len(key) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("%w: AES takes 16, 24 or 32 bytes, got %d", ErrKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create AES cipher: %w", err)
	}
	c.block = block
	return nil
}

// BlockSize implements Cipher
func (*AES) BlockSize() int { return AESBlockSize }

// Encrypt implements Cipher
func (c *AES) Encrypt(data []byte) ([]byte, error) {
	return c.EncryptIV(data, make([]byte, AESBlockSize))
}

// Decrypt implements Cipher
func (c *AES) Decrypt(data []byte) ([]byte, error) {
	return c.DecryptIV(data, make([]byte, AESBlockSize))
}

// EncryptIV implements Cipher
func (c *AES) EncryptIV(data, iv []byte) ([]byte, error) {
	if c.block == nil {
		return nil, ErrNotInit
	}
	return encryptCBC(c.block, data, iv)
}

// DecryptIV implements Cipher
func (c *AES) DecryptIV(data, iv []byte) ([]byte, error) {
	if c.block == nil {
		return nil, ErrNotInit
	}
	return decryptCBC(c.block, data, iv)
}
