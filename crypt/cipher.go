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

// Package crypt provides the CBC block ciphers and CMAC used by emulated
// card authentication.
//
// Every CBC operation comes in two forms. Encrypt and Decrypt start from a
// zero IV. EncryptIV and DecryptIV read the caller's IV and overwrite it with
// the next chaining value, so a stream of calls produces the same output as
// one call over the concatenated input.
package crypt

import (
	"errors"
	"fmt"
)

var (
	ErrBlockSize = errors.New("data is not a multiple of the block size")
	ErrIVSize    = errors.New("IV length does not match the block size")
	ErrKeySize   = errors.New("invalid key length")
	ErrNotInit   = errors.New("cipher not initialized")
)

// Mode selects the DES decrypt path.
type Mode int

const (
	// ModeIso decrypts each block with the inverse cipher.
	ModeIso Mode = iota
	// ModeLegacy "decrypts" by running the forward cipher, as required by
	// legacy DESFire native authentication.
	ModeLegacy
)

func (m Mode) String() string {
	if m == ModeLegacy {
		return "legacy"
	}
	return "iso"
}

// Cipher is a CBC block cipher.
type Cipher interface {
	// Init loads a key. The mode is ignored by ciphers with a single decrypt path.
	Init(key []byte, mode Mode) error
	BlockSize() int
	Encrypt(data []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
	EncryptIV(data, iv []byte) ([]byte, error)
	DecryptIV(data, iv []byte) ([]byte, error)
}

func checkInput(data, iv []byte, size int) error {
	if len(data)%size != 0 {
		return fmt.Errorf("%w: %d bytes, block %d", ErrBlockSize, len(data), size)
	}
	if len(iv) != size {
		return fmt.Errorf("%w: %d bytes, block %d", ErrIVSize, len(iv), size)
	}
	return nil
}

func xorInto(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}
