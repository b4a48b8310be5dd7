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
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestAES_KnownAnswer(t *testing.T) {
	t.Parallel()

	// NIST SP 800-38A F.2.1, first two blocks
	c, err := NewAES(unhex(t, "2b7e151628aed2a6abf7158809cf4f3c"))
	require.NoError(t, err)

	iv := unhex(t, "000102030405060708090a0b0c0d0e0f")
	plain := unhex(t, "6bc1bee22e409f96e93d7e117393172aae2d8a571e03ac9c9eb76fac45af8e51")
	want := unhex(t, "7649abac8119b246cee98e9b12e9197d5086cb9b507219ee95db113a917678b2")

	got, err := c.EncryptIV(plain, iv)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, want[16:], iv, "IV must advance to the last ciphertext block")
}

func TestDES_KnownAnswer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		key   string
		plain string
		want  string
	}{
		{
			name:  "two key",
			key:   "00112233445566778899aabbccddeeff",
			plain: "0102030405060708a1a2a3a4a5a6a7a8",
			want:  "00e2b15307a7a33025147748d43f4f2e",
		},
		{
			name:  "three key",
			key:   "8aa83bf8cbda10620bc1bf19fbb6cd58bc313d4a371ca8b5",
			plain: "6bc1bee22e409f96e93d7e117393172a",
			want:  "a51c527725632ccfdaede062dfd9e40f",
		},
		{
			name:  "single key equals two key with k1=k2",
			key:   "0123456789abcdef",
			plain: "1122334455667788",
			want:  "b4cc3fd9d8d95214",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, err := NewDES(unhex(t, tt.key), ModeIso)
			require.NoError(t, err)

			got, err := c.Encrypt(unhex(t, tt.plain))
			require.NoError(t, err)
			assert.Equal(t, unhex(t, tt.want), got)

			back, err := c.Decrypt(got)
			require.NoError(t, err)
			assert.Equal(t, unhex(t, tt.plain), back)
		})
	}
}

func TestDES_LegacyDecrypt(t *testing.T) {
	t.Parallel()

	c, err := NewDES(unhex(t, "0123456789abcdef"), ModeLegacy)
	require.NoError(t, err)
	assert.Equal(t, ModeLegacy, c.Mode())

	// each block is E(block) XOR previous input block
	in := unhex(t, "1122334455667788aabbccddeeff0011")
	iv := make([]byte, 8)
	got, err := c.DecryptIV(in, iv)
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "b4cc3fd9d8d9521456bfebb721fe4fa0"), got)
	assert.Equal(t, in[8:], iv)
}

func TestCipher_StreamingMatchesSingleCall(t *testing.T) {
	t.Parallel()

	des3, err := NewDES(unhex(t, "00112233445566778899aabbccddeeff"), ModeIso)
	require.NoError(t, err)
	aes, err := NewAES(unhex(t, "000102030405060708090a0b0c0d0e0f"))
	require.NoError(t, err)

	for _, c := range []Cipher{des3, aes} {
		size := c.BlockSize()
		data := make([]byte, 4*size)
		for i := range data {
			data[i] = byte(i * 7)
		}

		whole, err := c.Encrypt(data)
		require.NoError(t, err)

		iv := make([]byte, size)
		var parts []byte
		for i := 0; i < len(data); i += 2 * size {
			out, err := c.EncryptIV(data[i:i+2*size], iv)
			require.NoError(t, err)
			parts = append(parts, out...)
		}
		assert.Equal(t, whole, parts)

		iv = make([]byte, size)
		var plain []byte
		for i := 0; i < len(whole); i += size {
			out, err := c.DecryptIV(whole[i:i+size], iv)
			require.NoError(t, err)
			plain = append(plain, out...)
		}
		assert.Equal(t, data, plain)
	}
}

func TestCipher_InputErrors(t *testing.T) {
	t.Parallel()

	_, err := NewDES(make([]byte, 10), ModeIso)
	require.ErrorIs(t, err, ErrKeySize)
	_, err = NewAES(make([]byte, 15))
	require.ErrorIs(t, err, ErrKeySize)

	c, err := NewAES(make([]byte, 32))
	require.NoError(t, err)

	_, err = c.Encrypt(make([]byte, 15))
	require.ErrorIs(t, err, ErrBlockSize)
	_, err = c.EncryptIV(make([]byte, 16), make([]byte, 8))
	require.ErrorIs(t, err, ErrIVSize)
	_, err = c.DecryptIV(make([]byte, 16), make([]byte, 17))
	require.ErrorIs(t, err, ErrIVSize)

	var zero DES
	_, err = zero.Encrypt(make([]byte, 8))
	require.ErrorIs(t, err, ErrNotInit)
}
