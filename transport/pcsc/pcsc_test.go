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

package pcsc

import (
	"errors"
	"testing"

	"github.com/ebfe/scard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hce "github.com/ZaparooProject/go-hce"
)

type fakeCard struct {
	control      func(code uint32, data []byte) ([]byte, error)
	transmitted  [][]byte
	disconnected bool
}

func (c *fakeCard) Transmit(apdu []byte) ([]byte, error) {
	c.transmitted = append(c.transmitted, apdu)
	return []byte{0x90, 0x00}, nil
}

func (c *fakeCard) Control(code uint32, data []byte) ([]byte, error) {
	return c.control(code, data)
}

func (c *fakeCard) Disconnect(scard.Disposition) error {
	c.disconnected = true
	return nil
}

type fakeContext struct {
	connectErr error
	card       *fakeCard
	readers    []string
	mode       scard.ShareMode
	proto      scard.Protocol
	released   bool
}

func (c *fakeContext) ListReaders() ([]string, error) { return c.readers, nil }

func (c *fakeContext) Connect(_ string, mode scard.ShareMode, proto scard.Protocol) (Card, error) {
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	c.mode, c.proto = mode, proto
	return c.card, nil
}

func (c *fakeContext) Release() error {
	c.released = true
	return nil
}

func TestDevice_Lifecycle(t *testing.T) {
	t.Parallel()

	card := &fakeCard{}
	fc := &fakeContext{readers: []string{"ACS ACR122U PICC Interface 00 00"}, card: card}
	d := NewWithFactory(func() (Context, error) { return fc, nil })

	_, err := d.ListReaders()
	require.ErrorIs(t, err, hce.ErrNotOpen)

	require.NoError(t, d.Open())
	readers, err := d.ListReaders()
	require.NoError(t, err)
	assert.Equal(t, fc.readers, readers)

	require.NoError(t, d.Connect(readers[0], ModeDirect, ProtocolNone))
	assert.Equal(t, scard.ShareDirect, fc.mode)
	assert.Equal(t, scard.ProtocolUndefined, fc.proto)
	assert.True(t, d.IsConnected())
	assert.Equal(t, readers[0], d.Reader())

	rsp, err := d.Transmit([]byte{0x00, 0xA4, 0x04, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x00}, rsp)

	require.NoError(t, d.Close())
	assert.True(t, card.disconnected)
	assert.True(t, fc.released)
	assert.False(t, d.IsConnected())
}

func TestDevice_ConnectErrorsAreWrapped(t *testing.T) {
	t.Parallel()

	fc := &fakeContext{connectErr: scard.ErrReaderUnavailable}
	d := NewWithFactory(func() (Context, error) { return fc, nil })
	require.NoError(t, d.Open())

	err := d.Connect("missing", ModeShared, ProtocolAny)
	require.ErrorIs(t, err, scard.ErrReaderUnavailable)
	assert.True(t, hce.IsFatal(err))

	var te *hce.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "connect", te.Op)
}

func TestDevice_ControlTimeout(t *testing.T) {
	t.Parallel()

	card := &fakeCard{control: func(uint32, []byte) ([]byte, error) { return nil, scard.ErrTimeout }}
	fc := &fakeContext{card: card}
	d := NewWithFactory(func() (Context, error) { return fc, nil })
	require.NoError(t, d.Open())
	require.NoError(t, d.Connect("r", ModeExclusive, ProtocolT1))
	assert.Equal(t, scard.ShareExclusive, fc.mode)

	_, err := d.Control(EscapeIOCTL(), []byte{0xFF})
	require.ErrorIs(t, err, hce.ErrTransportTimeout)
	assert.True(t, hce.IsRetryable(err))
}

func TestDevice_EstablishFailure(t *testing.T) {
	t.Parallel()

	d := NewWithFactory(func() (Context, error) { return nil, errors.New("no daemon") })
	require.Error(t, d.Open())
	_, err := d.Control(1, nil)
	require.ErrorIs(t, err, hce.ErrNotOpen)
}

func TestEscapeIOCTL(t *testing.T) {
	t.Parallel()

	code := EscapeIOCTL()
	assert.Contains(t, []uint32{0x42000001, 0x003136B0}, code)
}
