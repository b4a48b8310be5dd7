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

package targets

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/ZaparooProject/go-hce/crypt"
)

type authKind int

const (
	authLegacy authKind = iota
	authISO
	authAES
	authEV2
)

func (k authKind) String() string {
	switch k {
	case authLegacy:
		return "legacy"
	case authISO:
		return "iso"
	case authAES:
		return "aes"
	default:
		return "ev2"
	}
}

var errMACMismatch = errors.New("command MAC mismatch")

// session is the state left by a successful authentication.
type session struct {
	cipher crypt.Cipher
	mac    *crypt.MAC
	// EV2 only
	kmac *crypt.MAC
	iv   []byte
	ti   []byte
	kind authKind
	ctr  uint16
}

// authenticate runs the first half of a challenge-response and leaves the
// second half as the continuation.
func (d *Desfire) authenticate(cmd byte, data []byte) reply {
	d.session = nil

	kind := map[byte]authKind{
		cmdAuthenticateLegacy:   authLegacy,
		cmdAuthenticateISO:      authISO,
		cmdAuthenticateAES:      authAES,
		cmdAuthenticateEV2First: authEV2,
	}[cmd]

	minLen := 1
	if kind == authEV2 {
		// key number and capability length
		minLen = 2
	}
	if len(data) < minLen {
		return reply{status: StatusLengthError}
	}
	keyNo := data[0] & 0x0F
	if int(keyNo) >= len(d.selected.Keys) {
		return reply{status: StatusNoSuchKey}
	}
	key := d.selected.Keys[keyNo]
	if !authAccepts(kind, key.Type) {
		d.log.Debug().Stringer("auth", kind).Stringer("key", key.Type).Msg("key type mismatch")
		return reply{status: StatusAuthError}
	}

	c, err := authCipher(kind, key.Value)
	if err != nil {
		d.log.Error().Err(err).Msg("authentication cipher")
		return reply{status: StatusAuthError}
	}
	rndB := make([]byte, challengeSize(key.Type))
	if _, err := io.ReadFull(d.rand, rndB); err != nil {
		d.log.Error().Err(err).Msg("challenge")
		return reply{status: StatusAuthError}
	}

	// ISO and AES chain the IV through the whole exchange; legacy and EV2
	// start every message from zero.
	iv := make([]byte, c.BlockSize())
	encB, err := authEncrypt(kind, c, rndB, iv)
	if err != nil {
		return reply{status: StatusAuthError}
	}

	d.cont = func(resp []byte) reply {
		s, out, err := d.authenticateFinish(kind, key, c, rndB, resp, iv)
		if err != nil {
			d.log.Debug().Err(err).Stringer("auth", kind).Uint8("key", keyNo).Msg("authentication failed")
			if errors.Is(err, errAuthLength) {
				return reply{status: StatusLengthError}
			}
			return reply{status: StatusAuthError}
		}
		d.session = s
		d.log.Info().Stringer("auth", kind).Uint8("key", keyNo).Uint32("aid", d.selected.AID).Msg("authenticated")
		return reply{status: StatusOK, data: out, mode: commRaw}
	}
	return reply{status: StatusAdditionalFrame, data: encB, mode: commRaw}
}

var errAuthLength = errors.New("authentication frame length")

func (d *Desfire) authenticateFinish(
	kind authKind, key Key, c crypt.Cipher, rndB, resp, iv []byte,
) (*session, []byte, error) {
	n := len(rndB)
	if len(resp) != 2*n {
		return nil, nil, fmt.Errorf("%w: %d bytes", errAuthLength, len(resp))
	}

	var dec []byte
	var err error
	if kind == authISO || kind == authAES {
		dec, err = c.DecryptIV(resp, iv)
	} else {
		dec, err = c.Decrypt(resp)
	}
	if err != nil {
		return nil, nil, err
	}
	rndA := dec[:n]
	if subtle.ConstantTimeCompare(dec[n:], rotateLeft(rndB)) != 1 {
		return nil, nil, errors.New("RndB mismatch")
	}

	if kind == authEV2 {
		return d.finishEV2(key, c, rndA, rndB)
	}

	out, err := authEncrypt(kind, c, rotateLeft(rndA), iv)
	if err != nil {
		return nil, nil, err
	}
	s, err := newSession(kind, SessionKey(key.Type, rndA, rndB))
	if err != nil {
		return nil, nil, err
	}
	return s, out, nil
}

func (d *Desfire) finishEV2(key Key, c crypt.Cipher, rndA, rndB []byte) (*session, []byte, error) {
	ti := make([]byte, 4)
	if _, err := io.ReadFull(d.rand, ti); err != nil {
		return nil, nil, err
	}
	// TI, RndA', PDcap2, PCDcap2
	plain := make([]byte, 0, 32)
	plain = append(plain, ti...)
	plain = append(plain, rotateLeft(rndA)...)
	plain = append(plain, make([]byte, 12)...)
	out, err := c.Encrypt(plain)
	if err != nil {
		return nil, nil, err
	}

	sv1, sv2 := EV2SessionVectors(rndA, rndB)
	kenc, err := crypt.CMAC(crypt.CmacAES128, key.Value, sv1, nil)
	if err != nil {
		return nil, nil, err
	}
	kmac, err := crypt.CMAC(crypt.CmacAES128, key.Value, sv2, nil)
	if err != nil {
		return nil, nil, err
	}
	enc, err := crypt.NewAES(kenc)
	if err != nil {
		return nil, nil, err
	}
	macCipher, err := crypt.NewAES(kmac)
	if err != nil {
		return nil, nil, err
	}
	m, err := crypt.NewMAC(macCipher)
	if err != nil {
		return nil, nil, err
	}
	return &session{kind: authEV2, cipher: enc, kmac: m, ti: ti}, out, nil
}

func authAccepts(kind authKind, kt KeyType) bool {
	switch kind {
	case authLegacy:
		return kt == KeyDES || kt == Key2K3DES
	case authISO:
		return kt == KeyDES || kt == Key2K3DES || kt == Key3K3DES
	default:
		return kt == KeyAES
	}
}

func challengeSize(kt KeyType) int {
	if kt == KeyDES || kt == Key2K3DES {
		return 8
	}
	return 16
}

func authCipher(kind authKind, key []byte) (crypt.Cipher, error) {
	switch kind {
	case authLegacy:
		return crypt.NewDES(key, crypt.ModeLegacy)
	case authISO:
		return crypt.NewDES(key, crypt.ModeIso)
	default:
		return crypt.NewAES(key)
	}
}

func authEncrypt(kind authKind, c crypt.Cipher, data, iv []byte) ([]byte, error) {
	if kind == authISO || kind == authAES {
		return c.EncryptIV(data, iv)
	}
	return c.Encrypt(data)
}

// SessionKey assembles the EV1 session key from both challenges.
func SessionKey(kt KeyType, rndA, rndB []byte) []byte {
	key := make([]byte, 0, 24)
	key = append(key, rndA[0:4]...)
	key = append(key, rndB[0:4]...)
	switch kt {
	case Key2K3DES:
		key = append(key, rndA[4:8]...)
		key = append(key, rndB[4:8]...)
	case Key3K3DES:
		key = append(key, rndA[6:10]...)
		key = append(key, rndB[6:10]...)
		key = append(key, rndA[12:16]...)
		key = append(key, rndB[12:16]...)
	case KeyAES:
		key = append(key, rndA[12:16]...)
		key = append(key, rndB[12:16]...)
	}
	return key
}

// EV2SessionVectors returns the SV1 and SV2 inputs of the EV2 session key
// derivation.
func EV2SessionVectors(rndA, rndB []byte) (sv1, sv2 []byte) {
	sv1 = make([]byte, 32)
	copy(sv1, []byte{0xA5, 0x5A, 0x00, 0x01, 0x00, 0x80})
	copy(sv1[6:8], rndA[:2])
	for i := range 6 {
		sv1[8+i] = rndA[2+i] ^ rndB[i]
	}
	copy(sv1[14:24], rndB[6:16])
	copy(sv1[24:32], rndA[8:16])

	sv2 = bytes.Clone(sv1)
	sv2[0], sv2[1] = 0x5A, 0xA5
	return sv1, sv2
}

func newSession(kind authKind, key []byte) (*session, error) {
	var c crypt.Cipher
	var err error
	if kind == authAES {
		c, err = crypt.NewAES(key)
	} else {
		c, err = crypt.NewDES(key, crypt.ModeIso)
	}
	if err != nil {
		return nil, err
	}
	s := &session{kind: kind, cipher: c, iv: make([]byte, c.BlockSize())}
	if kind != authLegacy {
		if s.mac, err = crypt.NewMAC(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// commandMAC advances the EV1 chaining IV over a received command.
func (s *session) commandMAC(cmd byte, data []byte) error {
	if s.mac == nil {
		return nil
	}
	m, err := s.mac.Sum(append([]byte{cmd}, data...), s.iv)
	if err != nil {
		return err
	}
	s.iv = m
	return nil
}

// verifyCommandMAC checks the EV2 MAC appended to a command without header.
func (s *session) verifyCommandMAC(cmd byte, data []byte) error {
	if len(data) != 8 {
		return fmt.Errorf("%w: %d MAC bytes", errMACMismatch, len(data))
	}
	want, err := s.kmac.SumTruncated(s.ev2Header(cmd, s.ctr), nil)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, data) != 1 {
		return errMACMismatch
	}
	return nil
}

// ev2Header returns code, counter and TI, the prefix of every EV2 MAC input.
func (s *session) ev2Header(code byte, ctr uint16) []byte {
	out := make([]byte, 0, 7)
	out = append(out, code)
	out = binary.LittleEndian.AppendUint16(out, ctr)
	return append(out, s.ti...)
}

// responseMAC returns the MAC appended to a plain response.
func (s *session) responseMAC(status byte, data []byte) ([]byte, error) {
	switch s.kind {
	case authLegacy:
		return nil, nil
	case authEV2:
		s.ctr++
		return s.kmac.SumTruncated(append(s.ev2Header(status, s.ctr), data...), nil)
	default:
		m, err := s.mac.Sum(append(bytes.Clone(data), status), s.iv)
		if err != nil {
			return nil, err
		}
		s.iv = m
		return m[:8], nil
	}
}

// encryptResponse protects data for a fully enciphered response.
func (s *session) encryptResponse(status byte, data []byte) ([]byte, error) {
	if s.kind == authEV2 {
		next := s.ctr + 1
		ivIn := make([]byte, 16)
		ivIn[0], ivIn[1] = 0x5A, 0xA5
		copy(ivIn[2:6], s.ti)
		binary.LittleEndian.PutUint16(ivIn[6:8], next)
		iv, err := s.cipher.Encrypt(ivIn)
		if err != nil {
			return nil, err
		}
		enc, err := s.cipher.EncryptIV(PadISO9797(data, 16), iv)
		if err != nil {
			return nil, err
		}
		s.ctr = next
		mac, err := s.kmac.SumTruncated(append(s.ev2Header(status, s.ctr), enc...), nil)
		if err != nil {
			return nil, err
		}
		return append(enc, mac...), nil
	}

	plain := binary.LittleEndian.AppendUint32(bytes.Clone(data), CRC32(append(bytes.Clone(data), status)))
	size := s.cipher.BlockSize()
	if rem := len(plain) % size; rem != 0 {
		plain = append(plain, make([]byte, size-rem)...)
	}
	return s.cipher.EncryptIV(plain, s.iv)
}

// CRC32 is the DESFire CRC: IEEE polynomial, all-ones preset, no final
// inversion.
func CRC32(data []byte) uint32 {
	return ^crc32.ChecksumIEEE(data)
}

// PadISO9797 appends 0x80 and zeros up to a multiple of size.
func PadISO9797(data []byte, size int) []byte {
	out := append(bytes.Clone(data), 0x80)
	if rem := len(out) % size; rem != 0 {
		out = append(out, make([]byte, size-rem)...)
	}
	return out
}

func rotateLeft(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in[1:])
	out[len(out)-1] = in[0]
	return out
}
