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

package acr122

import (
	"context"
	"testing"

	"github.com/ebfe/scard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/transport/pcsc"
)

type escapeCard struct {
	reply        func(apdu []byte) []byte
	sent         [][]byte
	codes        []uint32
	disconnected bool
}

func (*escapeCard) Transmit([]byte) ([]byte, error) { return nil, scard.ErrUnsupportedFeature }

func (c *escapeCard) Control(code uint32, data []byte) ([]byte, error) {
	c.codes = append(c.codes, code)
	c.sent = append(c.sent, append([]byte(nil), data...))
	return c.reply(data), nil
}

func (c *escapeCard) Disconnect(scard.Disposition) error {
	c.disconnected = true
	return nil
}

type readerContext struct {
	card      *escapeCard
	connected string
	readers   []string
	proto     scard.Protocol
}

func (c *readerContext) ListReaders() ([]string, error) { return c.readers, nil }

func (c *readerContext) Connect(reader string, _ scard.ShareMode, proto scard.Protocol) (pcsc.Card, error) {
	c.connected, c.proto = reader, proto
	return c.card, nil
}

func (*readerContext) Release() error { return nil }

func openFake(t *testing.T, mode pcsc.Mode, reader string, reply func([]byte) []byte) (*Transport, *readerContext) {
	t.Helper()
	rc := &readerContext{
		readers: []string{"Generic CCID 00 00", "ACS ACR122U PICC Interface 00 00"},
		card:    &escapeCard{reply: reply},
	}
	tr, err := OpenDevice(pcsc.NewWithFactory(func() (pcsc.Context, error) { return rc, nil }), mode, reader)
	require.NoError(t, err)
	return tr, rc
}

func TestOpen_PicksACR122ByDefault(t *testing.T) {
	t.Parallel()

	tr, rc := openFake(t, pcsc.ModeDirect, "", nil)
	assert.Equal(t, "ACS ACR122U PICC Interface 00 00", rc.connected)
	assert.Equal(t, scard.ProtocolUndefined, rc.proto)
	assert.Equal(t, rc.connected, tr.Reader())
	assert.Equal(t, hce.TransportACR122, tr.Type())

	_, rc = openFake(t, pcsc.ModeShared, "", nil)
	assert.Equal(t, scard.ProtocolAny, rc.proto)
}

func TestOpen_NamedReaderMissing(t *testing.T) {
	t.Parallel()

	rc := &readerContext{readers: []string{"Generic CCID 00 00"}}
	_, err := OpenDevice(pcsc.NewWithFactory(func() (pcsc.Context, error) { return rc, nil }), pcsc.ModeDirect, "")
	require.ErrorIs(t, err, hce.ErrDeviceNotFound)
}

func TestTransmit_DirectFraming(t *testing.T) {
	t.Parallel()

	tr, rc := openFake(t, pcsc.ModeDirect, "", func([]byte) []byte {
		return []byte{0xD5, 0x03, 0x32, 0x01, 0x06, 0x07, 0x90, 0x00}
	})

	rsp, err := tr.Transmit(context.Background(), []byte{0xD4, 0x02}, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD5, 0x03, 0x32, 0x01, 0x06, 0x07}, rsp)
	assert.Equal(t, [][]byte{{0xFF, 0x00, 0x00, 0x00, 0x02, 0xD4, 0x02}}, rc.card.sent)
	assert.Equal(t, []uint32{pcsc.EscapeIOCTL()}, rc.card.codes)
}

func TestTransmit_StatusWordChecked(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply []byte
	}{
		{name: "error status", reply: []byte{0x63, 0x00}},
		{name: "too short", reply: []byte{0x90}},
		{name: "data without status", reply: []byte{0xD5, 0x03}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, _ := openFake(t, pcsc.ModeDirect, "", func([]byte) []byte { return tt.reply })
			_, err := tr.Transmit(context.Background(), []byte{0xD4, 0x02}, 0)
			require.ErrorIs(t, err, hce.ErrStatusWord)
		})
	}
}

func TestSetParameters(t *testing.T) {
	t.Parallel()

	tr, rc := openFake(t, pcsc.ModeDirect, "", func([]byte) []byte { return []byte{0x90, 0x00} })
	require.NoError(t, tr.SetParameters(0x00))
	assert.Equal(t, []byte{0xFF, 0x00, 0x51, 0x00, 0x00}, rc.card.sent[0])

	tr, _ = openFake(t, pcsc.ModeDirect, "", func([]byte) []byte { return []byte{0x90, 0x7F} })
	require.ErrorIs(t, tr.SetParameters(0xFF), hce.ErrStatusWord)
}

func TestTransmit_TooLarge(t *testing.T) {
	t.Parallel()

	tr, _ := openFake(t, pcsc.ModeDirect, "", nil)
	_, err := tr.Transmit(context.Background(), make([]byte, 256), 0)
	require.ErrorIs(t, err, hce.ErrDataTooLarge)
}

func TestOpenEmulator_DisablesPolling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status []byte
		ok     bool
	}{
		{name: "accepted", status: []byte{0x90, 0x00}, ok: true},
		{name: "rejected", status: []byte{0x63, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rc := &readerContext{
				readers: []string{"ACS ACR122U PICC Interface 00 00"},
				card:    &escapeCard{reply: func([]byte) []byte { return tt.status }},
			}
			dev := pcsc.NewWithFactory(func() (pcsc.Context, error) { return rc, nil })

			tr, err := OpenEmulator(dev, "")
			require.NotEmpty(t, rc.card.sent)
			assert.Equal(t, []byte{0xFF, 0x00, 0x51, 0x00, 0x00}, rc.card.sent[0])
			assert.Equal(t, scard.ProtocolUndefined, rc.proto)
			if !tt.ok {
				require.ErrorIs(t, err, hce.ErrStatusWord)
				assert.Nil(t, tr)
				assert.True(t, rc.card.disconnected)
				return
			}
			require.NoError(t, err)
			assert.False(t, rc.card.disconnected)
		})
	}
}
