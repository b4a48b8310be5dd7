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
	"crypto/rand"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	hce "github.com/ZaparooProject/go-hce"
)

// Native command codes.
const (
	cmdAuthenticateLegacy   = 0x0A
	cmdAuthenticateISO      = 0x1A
	cmdAuthenticateAES      = 0xAA
	cmdAuthenticateEV2First = 0x71
	cmdGetCardUID           = 0x51
	cmdSelectApplication    = 0x5A
	cmdGetVersion           = 0x60
	cmdGetKeyVersion        = 0x64
	cmdGetApplicationIDs    = 0x6A
	cmdGetKeySettings       = 0x45
	cmdAdditionalFrame      = 0xAF
)

// Status codes, sent first in native framing and after 0x91 in ISO framing.
const (
	StatusOK               byte = 0x00
	StatusIllegalCommand   byte = 0x1C
	StatusIntegrityError   byte = 0x1E
	StatusNoSuchKey        byte = 0x40
	StatusLengthError      byte = 0x7E
	StatusPermissionDenied byte = 0x9D
	StatusAppNotFound      byte = 0xA0
	StatusAuthError        byte = 0xAE
	StatusAdditionalFrame  byte = 0xAF
)

const (
	isoCLA      = 0x90
	isoStatusSW = 0x91

	// PICCApplication is the card level application.
	PICCApplication uint32 = 0x000000
)

// KeyType is the cipher a key is used with.
type KeyType byte

const (
	KeyDES KeyType = iota
	Key2K3DES
	Key3K3DES
	KeyAES
)

func (k KeyType) String() string {
	switch k {
	case KeyDES:
		return "des"
	case Key2K3DES:
		return "2k3des"
	case Key3K3DES:
		return "3k3des"
	case KeyAES:
		return "aes"
	default:
		return fmt.Sprintf("keytype(%d)", byte(k))
	}
}

// ParseKeyType accepts the names printed by KeyType.String.
func ParseKeyType(s string) (KeyType, error) {
	for _, k := range []KeyType{KeyDES, Key2K3DES, Key3K3DES, KeyAES} {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: key type %q", hce.ErrInvalidConfig, s)
}

func (k KeyType) size() int {
	switch k {
	case KeyDES:
		return 8
	case Key3K3DES:
		return 24
	default:
		return 16
	}
}

// Key is one application key.
type Key struct {
	Value   []byte
	Type    KeyType
	Version byte
}

// NewKey checks the key length against its type.
func NewKey(kt KeyType, value []byte) (Key, error) {
	if len(value) != kt.size() {
		return Key{}, fmt.Errorf("%w: %s key takes %d bytes, got %d",
			hce.ErrInvalidConfig, kt, kt.size(), len(value))
	}
	return Key{Type: kt, Value: append([]byte(nil), value...)}, nil
}

// Application is a key set selectable by AID. Files are not modelled.
type Application struct {
	Keys     []Key
	AID      uint32
	Settings byte
}

// Option configures a Desfire.
type Option func(*Desfire)

// WithApplication adds or replaces an application.
func WithApplication(aid uint32, settings byte, keys ...Key) Option {
	return func(d *Desfire) {
		d.apps[aid&0xFFFFFF] = &Application{AID: aid & 0xFFFFFF, Settings: settings, Keys: keys}
	}
}

// WithRand sets the source of challenges and transaction identifiers.
func WithRand(r io.Reader) Option {
	return func(d *Desfire) { d.rand = r }
}

// reply is the outcome of one command before framing.
type reply struct {
	data []byte
	// signed overrides data as MAC input, for chained responses
	signed []byte
	status byte
	mode   commMode
}

type commMode int

const (
	// commPlain responses get a MAC while a session is open
	commPlain commMode = iota
	// commFull responses are protected by the handler
	commFull
	// commRaw responses are sent as is
	commRaw
)

// Desfire emulates the authentication and identification commands of a
// MIFARE DESFire EV1/EV2 card. It has no file system.
type Desfire struct {
	rand     io.Reader
	apps     map[uint32]*Application
	selected *Application
	session  *session
	// cont handles the next AdditionalFrame command
	cont func(data []byte) reply
	card
	batch [5]byte
	week  byte
	year  byte
}

// NewDesfire returns a card with a PICC application holding one all-zero
// DES master key, then applies opts.
func NewDesfire(opts ...Option) *Desfire {
	d := &Desfire{
		card:  newCard("hce.targets.desfire"),
		rand:  rand.Reader,
		apps:  make(map[uint32]*Application),
		batch: [5]byte{0xBA, 0x34, 0x14, 0x10, 0x20},
		week:  0x21,
		year:  0x25,
	}
	WithApplication(PICCApplication, 0x0F, Key{Type: KeyDES, Value: make([]byte, 8)})(d)
	for _, opt := range opts {
		opt(d)
	}
	d.selected = d.apps[PICCApplication]
	return d
}

// Select starts a new card session at PICC level.
func (d *Desfire) Select() {
	d.reset()
	d.log.Debug().Msg("selected")
}

// Deselect drops any authentication.
func (d *Desfire) Deselect() {
	d.reset()
	d.log.Debug().Msg("deselected")
}

func (d *Desfire) reset() {
	d.session = nil
	d.cont = nil
	d.selected = d.apps[PICCApplication]
}

// Process handles one native or ISO wrapped command.
func (d *Desfire) Process(request, response *hce.ByteBuffer) error {
	return d.serve(request, response, d.dispatch)
}

func (d *Desfire) dispatch(req []byte, out *hce.ByteBuffer) error {
	if len(req) == 0 {
		return fmt.Errorf("%w: empty request", hce.ErrInvalidParameter)
	}

	wrapped, cmd, data, ok := unwrap(req)
	var r reply
	if ok {
		r = d.execute(cmd, data)
	} else {
		r = reply{status: StatusLengthError}
	}

	if wrapped {
		if err := out.Put(r.data...); err != nil {
			return err
		}
		return out.Put(isoStatusSW, r.status)
	}
	if err := out.Put(r.status); err != nil {
		return err
	}
	return out.Put(r.data...)
}

// unwrap splits an ISO 7816 wrapped command (90 cmd 00 00 [Lc data] [00]) or
// a native one.
func unwrap(req []byte) (wrapped bool, cmd byte, data []byte, ok bool) {
	if req[0] != isoCLA || len(req) < 5 || req[2] != 0 || req[3] != 0 {
		return false, req[0], req[1:], true
	}
	cmd = req[1]
	if len(req) == 5 {
		return true, cmd, nil, true
	}
	lc := int(req[4])
	switch len(req) {
	case 5 + lc, 6 + lc:
		return true, cmd, req[5 : 5+lc], true
	default:
		return true, cmd, nil, false
	}
}

func (d *Desfire) execute(cmd byte, data []byte) reply {
	var r reply
	if cmd == cmdAdditionalFrame {
		next := d.cont
		d.cont = nil
		if next == nil {
			r = reply{status: StatusIllegalCommand}
		} else {
			r = next(data)
		}
	} else {
		d.cont = nil
		r = d.handle(cmd, data)
	}

	if r.status != StatusOK && r.status != StatusAdditionalFrame {
		if d.session != nil {
			d.log.Debug().Uint8("status", r.status).Msg("session closed by error")
		}
		d.session = nil
		d.cont = nil
		return reply{status: r.status}
	}

	if r.status == StatusOK && r.mode == commPlain && d.session != nil {
		signed := r.data
		if r.signed != nil {
			signed = r.signed
		}
		mac, err := d.session.responseMAC(r.status, signed)
		if err != nil {
			d.log.Error().Err(err).Msg("response MAC")
			d.session = nil
			return reply{status: StatusIntegrityError}
		}
		r.data = append(r.data, mac...)
	}
	return r
}

func (d *Desfire) handle(cmd byte, data []byte) reply {
	switch cmd {
	case cmdAuthenticateLegacy, cmdAuthenticateISO, cmdAuthenticateAES, cmdAuthenticateEV2First:
		return d.authenticate(cmd, data)
	}

	if d.session != nil {
		if err := d.session.commandMAC(cmd, data); err != nil {
			d.log.Error().Err(err).Msg("command MAC")
			return reply{status: StatusIntegrityError}
		}
	}

	switch cmd {
	case cmdGetVersion:
		return d.getVersion(data)
	case cmdSelectApplication:
		return d.selectApplication(data)
	case cmdGetApplicationIDs:
		return d.getApplicationIDs(data)
	case cmdGetKeySettings:
		return d.getKeySettings(data)
	case cmdGetKeyVersion:
		return d.getKeyVersion(data)
	case cmdGetCardUID:
		return d.getCardUID(data)
	default:
		d.log.Debug().Uint8("cmd", cmd).Msg("unsupported command")
		return reply{status: StatusIllegalCommand}
	}
}

// versionUID returns the 7 byte UID reported by GetVersion.
func (d *Desfire) versionUID() []byte {
	uid := make([]byte, 7)
	copy(uid, d.UID)
	return uid
}

func (d *Desfire) getVersion(data []byte) reply {
	if len(data) != 0 {
		return reply{status: StatusLengthError}
	}
	hw := []byte{0x04, 0x01, 0x01, 0x01, 0x00, 0x1A, 0x05}
	sw := []byte{0x04, 0x01, 0x01, 0x01, 0x04, 0x1A, 0x05}
	prod := make([]byte, 0, 14)
	prod = append(prod, d.versionUID()...)
	prod = append(prod, d.batch[:]...)
	prod = append(prod, d.week, d.year)

	d.cont = func(data []byte) reply {
		if len(data) != 0 {
			return reply{status: StatusLengthError}
		}
		d.cont = func(data []byte) reply {
			if len(data) != 0 {
				return reply{status: StatusLengthError}
			}
			all := slices.Concat(hw, sw, prod)
			return reply{status: StatusOK, data: prod, signed: all}
		}
		return reply{status: StatusAdditionalFrame, data: sw, mode: commRaw}
	}
	return reply{status: StatusAdditionalFrame, data: hw, mode: commRaw}
}

func (d *Desfire) selectApplication(data []byte) reply {
	if len(data) != 3 {
		return reply{status: StatusLengthError}
	}
	aid := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16
	app, ok := d.apps[aid]
	if !ok {
		d.log.Debug().Uint32("aid", aid).Msg("application not found")
		return reply{status: StatusAppNotFound}
	}
	d.selected = app
	d.session = nil
	d.log.Debug().Uint32("aid", aid).Msg("application selected")
	return reply{status: StatusOK, mode: commRaw}
}

func (d *Desfire) getApplicationIDs(data []byte) reply {
	if len(data) != 0 {
		return reply{status: StatusLengthError}
	}
	if d.selected.AID != PICCApplication {
		return reply{status: StatusPermissionDenied}
	}
	var out []byte
	for _, aid := range slices.Sorted(maps.Keys(d.apps)) {
		if aid == PICCApplication {
			continue
		}
		out = append(out, byte(aid), byte(aid>>8), byte(aid>>16))
	}
	return reply{status: StatusOK, data: out}
}

func (d *Desfire) getKeySettings(data []byte) reply {
	if len(data) != 0 {
		return reply{status: StatusLengthError}
	}
	app := d.selected
	count := byte(len(app.Keys))
	if len(app.Keys) > 0 {
		switch app.Keys[0].Type {
		case Key3K3DES:
			count |= 0x40
		case KeyAES:
			count |= 0x80
		}
	}
	return reply{status: StatusOK, data: []byte{app.Settings, count}}
}

func (d *Desfire) getKeyVersion(data []byte) reply {
	if len(data) != 1 {
		return reply{status: StatusLengthError}
	}
	if int(data[0]) >= len(d.selected.Keys) {
		return reply{status: StatusNoSuchKey}
	}
	return reply{status: StatusOK, data: []byte{d.selected.Keys[data[0]].Version}}
}

func (d *Desfire) getCardUID(data []byte) reply {
	s := d.session
	if s == nil {
		return reply{status: StatusAuthError}
	}
	if s.kind == authLegacy {
		return reply{status: StatusPermissionDenied}
	}
	if s.kind == authEV2 {
		if err := s.verifyCommandMAC(cmdGetCardUID, data); err != nil {
			d.log.Debug().Err(err).Msg("GetCardUID")
			return reply{status: StatusIntegrityError}
		}
	} else if len(data) != 0 {
		return reply{status: StatusLengthError}
	}

	enc, err := s.encryptResponse(StatusOK, d.UID)
	if err != nil {
		d.log.Error().Err(err).Msg("GetCardUID")
		return reply{status: StatusIntegrityError}
	}
	return reply{status: StatusOK, data: enc, mode: commFull}
}

var _ hce.Target = (*Desfire)(nil)
