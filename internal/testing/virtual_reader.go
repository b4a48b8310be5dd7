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

package testing

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ZaparooProject/go-hce/crypt"
	"github.com/ZaparooProject/go-hce/targets"
)

// Desfire authentication commands, as sent by DesfireReader.Authenticate.
const (
	AuthLegacy   = 0x0A
	AuthISO      = 0x1A
	AuthAES      = 0xAA
	AuthEV2First = 0x71
)

// StatusError is a DESFire status other than OK.
type StatusError struct {
	Cmd    byte
	Status byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command %02X: status %02X", e.Cmd, e.Status)
}

// DesfireReader is the host side of a DESFire session. It runs the
// challenge-response exchanges and checks MACs and cryptograms the way a
// PCD does.
type DesfireReader struct {
	exchange func(apdu []byte) ([]byte, error)
	rand     io.Reader
	cipher   crypt.Cipher
	mac      *crypt.MAC
	kmac     *crypt.MAC
	iv       []byte
	ti       []byte
	auth     byte
	ctr      uint16
	// Wrapped selects ISO 7816 framing.
	Wrapped bool
}

// NewDesfireReader talks to a card through exchange.
func NewDesfireReader(exchange func(apdu []byte) ([]byte, error)) *DesfireReader {
	return &DesfireReader{exchange: exchange, rand: rand.Reader}
}

// SetRand replaces the RndA source.
func (r *DesfireReader) SetRand(rd io.Reader) { r.rand = rd }

// Transmit sends one command and returns the status and response data.
func (r *DesfireReader) Transmit(cmd byte, data ...byte) (status byte, out []byte, err error) {
	var apdu []byte
	if r.Wrapped {
		apdu = append(apdu, 0x90, cmd, 0x00, 0x00)
		if len(data) > 0 {
			apdu = append(apdu, byte(len(data)))
			apdu = append(apdu, data...)
		}
		apdu = append(apdu, 0x00)
	} else {
		apdu = append([]byte{cmd}, data...)
	}

	res, err := r.exchange(apdu)
	if err != nil {
		return 0, nil, err
	}
	if r.Wrapped {
		if len(res) < 2 || res[len(res)-2] != 0x91 {
			return 0, nil, fmt.Errorf("bad ISO response % X", res)
		}
		return res[len(res)-1], res[:len(res)-2], nil
	}
	if len(res) < 1 {
		return 0, nil, errors.New("empty response")
	}
	return res[0], res[1:], nil
}

// command sends a command inside the session and fails on a non-OK status.
func (r *DesfireReader) command(cmd byte, data ...byte) ([]byte, error) {
	if r.mac != nil {
		m, err := r.mac.Sum(append([]byte{cmd}, data...), r.iv)
		if err != nil {
			return nil, err
		}
		r.iv = m
	}
	status, out, err := r.Transmit(cmd, data...)
	if err != nil {
		return nil, err
	}
	if status != targets.StatusOK && status != targets.StatusAdditionalFrame {
		r.Close()
		return nil, &StatusError{Cmd: cmd, Status: status}
	}
	if status == targets.StatusAdditionalFrame {
		return out, errMore
	}
	return out, nil
}

var errMore = errors.New("additional frame")

// Close forgets the session.
func (r *DesfireReader) Close() {
	r.cipher, r.mac, r.kmac = nil, nil, nil
	r.iv, r.ti = nil, nil
	r.auth, r.ctr = 0, 0
}

// Authenticate runs one of the four challenge-response exchanges.
func (r *DesfireReader) Authenticate(auth, keyNo byte, key []byte) error {
	r.Close()

	var c crypt.Cipher
	var err error
	switch auth {
	case AuthLegacy, AuthISO:
		c, err = crypt.NewDES(key, crypt.ModeIso)
	case AuthAES, AuthEV2First:
		c, err = crypt.NewAES(key)
	default:
		return fmt.Errorf("unknown authentication %02X", auth)
	}
	if err != nil {
		return err
	}

	first := []byte{keyNo}
	if auth == AuthEV2First {
		first = append(first, 0x00)
	}
	status, encB, err := r.Transmit(auth, first...)
	if err != nil {
		return err
	}
	if status != targets.StatusAdditionalFrame {
		return &StatusError{Cmd: auth, Status: status}
	}

	chained := auth == AuthISO || auth == AuthAES
	iv := make([]byte, c.BlockSize())
	var rndB []byte
	if chained {
		rndB, err = c.DecryptIV(encB, iv)
	} else {
		rndB, err = c.Decrypt(encB)
	}
	if err != nil {
		return err
	}

	rndA := make([]byte, len(rndB))
	if _, err := io.ReadFull(r.rand, rndA); err != nil {
		return err
	}
	plain := append(bytes.Clone(rndA), rotateLeft(rndB)...)

	var token []byte
	switch {
	case chained:
		token, err = c.EncryptIV(plain, iv)
	case auth == AuthLegacy:
		token, err = legacySend(c, plain)
	default:
		token, err = c.Encrypt(plain)
	}
	if err != nil {
		return err
	}

	status, res, err := r.Transmit(targets.StatusAdditionalFrame, token...)
	if err != nil {
		return err
	}
	if status != targets.StatusOK {
		return &StatusError{Cmd: targets.StatusAdditionalFrame, Status: status}
	}

	var dec []byte
	if chained {
		dec, err = c.DecryptIV(res, iv)
	} else {
		dec, err = c.Decrypt(res)
	}
	if err != nil {
		return err
	}

	if auth == AuthEV2First {
		if len(dec) != 32 || !bytes.Equal(dec[4:20], rotateLeft(rndA)) {
			return errors.New("RndA check failed")
		}
		return r.startEV2(key, dec[:4], rndA, rndB)
	}
	if !bytes.Equal(dec, rotateLeft(rndA)) {
		return errors.New("RndA check failed")
	}
	return r.startEV1(auth, key, rndA, rndB)
}

func (r *DesfireReader) startEV1(auth byte, key, rndA, rndB []byte) error {
	kt := targets.KeyAES
	switch {
	case auth == AuthAES:
	case len(key) == 24:
		kt = targets.Key3K3DES
	case len(key) == 16:
		kt = targets.Key2K3DES
	default:
		kt = targets.KeyDES
	}
	sk := targets.SessionKey(kt, rndA, rndB)

	var c crypt.Cipher
	var err error
	if auth == AuthAES {
		c, err = crypt.NewAES(sk)
	} else {
		c, err = crypt.NewDES(sk, crypt.ModeIso)
	}
	if err != nil {
		return err
	}
	r.cipher, r.auth = c, auth
	r.iv = make([]byte, c.BlockSize())
	if auth != AuthLegacy {
		if r.mac, err = crypt.NewMAC(c); err != nil {
			return err
		}
	}
	return nil
}

func (r *DesfireReader) startEV2(key, ti, rndA, rndB []byte) error {
	sv1, sv2 := targets.EV2SessionVectors(rndA, rndB)
	kenc, err := crypt.CMAC(crypt.CmacAES128, key, sv1, nil)
	if err != nil {
		return err
	}
	kmac, err := crypt.CMAC(crypt.CmacAES128, key, sv2, nil)
	if err != nil {
		return err
	}
	if r.cipher, err = crypt.NewAES(kenc); err != nil {
		return err
	}
	macCipher, err := crypt.NewAES(kmac)
	if err != nil {
		return err
	}
	if r.kmac, err = crypt.NewMAC(macCipher); err != nil {
		return err
	}
	r.ti = bytes.Clone(ti)
	r.auth = AuthEV2First
	return nil
}

// SessionIV returns the EV1 chaining IV.
func (r *DesfireReader) SessionIV() []byte { return bytes.Clone(r.iv) }

// verify strips and checks the response MAC of a plain command.
func (r *DesfireReader) verify(data []byte) ([]byte, error) {
	switch {
	case r.kmac != nil:
		if len(data) < 8 {
			return nil, errors.New("missing MAC")
		}
		body, mac := data[:len(data)-8], data[len(data)-8:]
		r.ctr++
		want, err := r.kmac.SumTruncated(append(r.ev2Header(targets.StatusOK), body...), nil)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(want, mac) {
			return nil, errors.New("response MAC mismatch")
		}
		return body, nil
	case r.mac != nil:
		if len(data) < 8 {
			return nil, errors.New("missing MAC")
		}
		body, mac := data[:len(data)-8], data[len(data)-8:]
		m, err := r.mac.Sum(append(bytes.Clone(body), targets.StatusOK), r.iv)
		if err != nil {
			return nil, err
		}
		r.iv = m
		if !bytes.Equal(m[:8], mac) {
			return nil, errors.New("response MAC mismatch")
		}
		return body, nil
	default:
		return data, nil
	}
}

func (r *DesfireReader) ev2Header(code byte) []byte {
	out := []byte{code}
	out = binary.LittleEndian.AppendUint16(out, r.ctr)
	return append(out, r.ti...)
}

// GetVersion follows the additional frame chain and returns the 28 version
// bytes.
func (r *DesfireReader) GetVersion() ([]byte, error) {
	var all []byte
	out, err := r.command(0x60)
	for errors.Is(err, errMore) {
		all = append(all, out...)
		var status byte
		status, out, err = r.Transmit(targets.StatusAdditionalFrame)
		if err != nil {
			return nil, err
		}
		switch status {
		case targets.StatusAdditionalFrame:
			err = errMore
		case targets.StatusOK:
		default:
			return nil, &StatusError{Cmd: targets.StatusAdditionalFrame, Status: status}
		}
	}
	if err != nil {
		return nil, err
	}

	if r.mac == nil && r.kmac == nil {
		return append(all, out...), nil
	}
	if len(out) < 8 {
		return nil, errors.New("missing MAC")
	}
	// the MAC covers every frame
	body, mac := out[:len(out)-8], out[len(out)-8:]
	signed, err := r.verify(append(append(all, body...), mac...))
	if err != nil {
		return nil, err
	}
	return signed, nil
}

// SelectApplication selects aid and ends the session.
func (r *DesfireReader) SelectApplication(aid uint32) error {
	_, err := r.command(0x5A, byte(aid), byte(aid>>8), byte(aid>>16))
	r.Close()
	return err
}

// GetKeySettings returns the settings byte and the key count byte.
func (r *DesfireReader) GetKeySettings() (settings, keys byte, err error) {
	out, err := r.command(0x45)
	if err != nil {
		return 0, 0, err
	}
	if out, err = r.verify(out); err != nil {
		return 0, 0, err
	}
	if len(out) != 2 {
		return 0, 0, fmt.Errorf("key settings length %d", len(out))
	}
	return out[0], out[1], nil
}

// GetCardUID reads and deciphers the real UID.
func (r *DesfireReader) GetCardUID() ([]byte, error) {
	if r.kmac != nil {
		return r.getCardUIDEV2()
	}
	out, err := r.command(0x51)
	if err != nil {
		return nil, err
	}
	if r.cipher == nil {
		return nil, errors.New("not authenticated")
	}
	dec, err := r.cipher.DecryptIV(out, r.iv)
	if err != nil {
		return nil, err
	}
	for _, n := range []int{7, 4, 10} {
		if len(dec) < n+4 {
			continue
		}
		crc := binary.LittleEndian.Uint32(dec[n : n+4])
		if crc == targets.CRC32(append(bytes.Clone(dec[:n]), targets.StatusOK)) {
			return dec[:n], nil
		}
	}
	return nil, errors.New("UID CRC mismatch")
}

func (r *DesfireReader) getCardUIDEV2() ([]byte, error) {
	mact, err := r.kmac.SumTruncated(r.ev2Header(0x51), nil)
	if err != nil {
		return nil, err
	}
	out, err := r.command(0x51, mact...)
	if err != nil {
		return nil, err
	}
	if len(out) < 8 {
		return nil, errors.New("missing MAC")
	}
	enc := out[:len(out)-8]

	if _, err := r.verify(out); err != nil {
		return nil, err
	}
	ivIn := make([]byte, 16)
	ivIn[0], ivIn[1] = 0x5A, 0xA5
	copy(ivIn[2:6], r.ti)
	binary.LittleEndian.PutUint16(ivIn[6:8], r.ctr)
	iv, err := r.cipher.Encrypt(ivIn)
	if err != nil {
		return nil, err
	}
	dec, err := r.cipher.DecryptIV(enc, iv)
	if err != nil {
		return nil, err
	}
	end := bytes.LastIndexByte(dec, 0x80)
	if end < 0 {
		return nil, errors.New("bad padding")
	}
	return dec[:end], nil
}

// legacySend runs the PCD side of legacy authentication: every block is
// deciphered after being XORed with the previous output.
func legacySend(c crypt.Cipher, data []byte) ([]byte, error) {
	size := c.BlockSize()
	out := make([]byte, 0, len(data))
	prev := make([]byte, size)
	for i := 0; i < len(data); i += size {
		x := make([]byte, size)
		for j := range x {
			x[j] = data[i+j] ^ prev[j]
		}
		block, err := c.Decrypt(x)
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
		prev = block
	}
	return out, nil
}

func rotateLeft(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in[1:])
	out[len(out)-1] = in[0]
	return out
}
